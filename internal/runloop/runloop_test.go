package runloop

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestSubmitRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Submit(func() { got = append(got, i) })
	}
	l.Call(func() {})

	for i, v := range got {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("ran %d jobs, want 5", len(got))
	}
}

func TestCallWaits(t *testing.T) {
	l := startLoop(t)

	var x int
	l.Call(func() { x = 42 })
	if x != 42 {
		t.Fatalf("Call returned before job ran, x = %d", x)
	}
}

func TestScheduleReplaces(t *testing.T) {
	l := startLoop(t)

	fired := make(chan string, 2)
	l.Schedule("k", 30*time.Millisecond, func() { fired <- "first" })
	l.Schedule("k", 10*time.Millisecond, func() { fired <- "second" })

	select {
	case v := <-fired:
		if v != "second" {
			t.Fatalf("fired %q, want replacement", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	select {
	case v := <-fired:
		t.Fatalf("replaced timer fired too: %q", v)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestCancel(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 1)
	l.Schedule("k", 10*time.Millisecond, func() { fired <- struct{}{} })
	if !l.HasTimer("k") {
		t.Fatal("timer should be pending")
	}
	l.Cancel("k")
	if l.HasTimer("k") {
		t.Fatal("timer should be gone after Cancel")
	}

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerRunsOnLoop(t *testing.T) {
	l := startLoop(t)

	// A timer body that submits more work must not deadlock: it already runs
	// on the loop goroutine via Submit.
	done := make(chan struct{})
	l.Schedule("k", time.Millisecond, func() {
		l.Submit(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chained job never ran")
	}
}
