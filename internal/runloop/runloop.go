// Package runloop provides the engine's single sequential execution context.
//
// All entity mutation happens on one goroutine owned by a Loop, so records
// need no internal locking. Asynchronous work (network, disk) completes by
// submitting a closure back onto the same loop. The loop also owns a set of
// named timers; scheduling a timer under an existing name replaces the
// pending one instead of duplicating it.
package runloop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop is a single-goroutine executor.
type Loop struct {
	logger *zap.Logger
	jobs   chan func()

	mu      sync.Mutex
	stopped bool
	timers  map[string]*timerEntry
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// New creates a loop. Run must be called for submitted work to execute.
func New(logger *zap.Logger) *Loop {
	return &Loop{
		logger: logger,
		jobs:   make(chan func(), 256),
		timers: map[string]*timerEntry{},
	}
}

// Run processes submitted jobs until ctx is done. It is the only place jobs
// execute, which is what makes the single-writer model hold.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		for _, e := range l.timers {
			e.timer.Stop()
		}
		l.timers = map[string]*timerEntry{}
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.jobs:
			fn()
		}
	}
}

// Submit queues fn for execution on the loop. Safe from any goroutine.
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.logger.Debug("job submitted after loop stop, dropped")
		return
	}
	l.mu.Unlock()

	// Blocks when the queue is full. Mutations must not be lost.
	l.jobs <- fn
}

// Call runs fn on the loop and waits for it to finish. Used by accessors
// invoked from foreign goroutines and by tests.
func (l *Loop) Call(fn func()) {
	done := make(chan struct{})
	l.Submit(func() {
		fn()
		close(done)
	})
	<-done
}

// Schedule arranges for fn to run on the loop after d. A second Schedule for
// the same key before firing replaces the first.
func (l *Loop) Schedule(key string, d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}

	e := l.timers[key]
	if e == nil {
		e = &timerEntry{}
		l.timers[key] = e
	} else {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen

	e.timer = time.AfterFunc(d, func() {
		l.Submit(func() {
			l.mu.Lock()
			cur := l.timers[key]
			live := cur != nil && cur.gen == gen
			if live {
				delete(l.timers, key)
			}
			l.mu.Unlock()
			if live {
				fn()
			}
		})
	})
}

// Cancel drops a pending timer, if any.
func (l *Loop) Cancel(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.timers[key]; e != nil {
		e.timer.Stop()
		delete(l.timers, key)
	}
}

// HasTimer reports whether a timer is pending for key.
func (l *Loop) HasTimer(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[key]
	return ok
}
