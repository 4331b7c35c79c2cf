// Package storage provides the durable key/value store and the append-only
// write-ahead log backing the entity engine.
//
// The engine talks to the Store interface only; Bolt is the production
// adapter. All calls are expected to come from one goroutine (the engine run
// loop); keyed writes are applied by a background writer so the loop never
// blocks on a disk commit.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// LogCategory tags a write-ahead log entry so replay can route it.
type LogCategory uint8

const (
	LogUser LogCategory = iota + 1
	LogChat
	LogChannel
	LogSecretChat
)

// Store is the persistence port used by the entity engine.
//
// Get and Erase are synchronous. Set is asynchronous: the write is queued and
// done (if non-nil) is invoked with the commit result, on the writer
// goroutine. Log operations are synchronous; the log is the cheap first phase
// of every entity save and must be durable before Set is scheduled.
type Store interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte, done func(error))
	Erase(key []byte) error

	LogAppend(cat LogCategory, payload []byte) (uint64, error)
	LogRewrite(slot uint64, payload []byte) error
	LogErase(slot uint64) error
	ReplayLog(fn func(slot uint64, cat LogCategory, payload []byte) error) error

	Close() error
}

var (
	bucketKV     = []byte("kv")
	bucketBinlog = []byte("binlog")
)

// Bolt is the bbolt-backed Store.
type Bolt struct {
	db     *bbolt.DB
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	jobs   chan writeJob
	idle   chan struct{}
	wg     sync.WaitGroup
}

type writeJob struct {
	key   []byte
	value []byte
	done  func(error)
}

// OpenBolt opens (or creates) the database at path and starts the writer.
func OpenBolt(path string, logger *zap.Logger) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKV); err != nil {
			return fmt.Errorf("create kv bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketBinlog); err != nil {
			return fmt.Errorf("create binlog bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	b := &Bolt{
		db:     db,
		logger: logger,
		jobs:   make(chan writeJob, 128),
	}
	b.wg.Add(1)
	go b.writer()
	return b, nil
}

func (b *Bolt) writer() {
	defer b.wg.Done()
	for job := range b.jobs {
		err := b.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketKV).Put(job.key, job.value)
		})
		if err != nil {
			b.logger.Error("keyed store write failed",
				zap.ByteString("key", job.key), zap.Error(err))
		}
		if job.done != nil {
			job.done(err)
		}
	}
}

// Get returns the value for key, or nil when absent.
func (b *Bolt) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketKV).Get(key); v != nil {
			value = make([]byte, len(v))
			copy(value, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Set queues an asynchronous write. done may be nil.
func (b *Bolt) Set(key, value []byte, done func(error)) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if done != nil {
			done(fmt.Errorf("store closed"))
		}
		return
	}
	// Copy: callers reuse buffers.
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	b.jobs <- writeJob{key: k, value: v, done: done}
	b.mu.Unlock()
}

// Erase removes key synchronously.
func (b *Bolt) Erase(key []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Delete(key)
	})
}

// LogAppend writes a new log entry and returns its slot id. Slot ids are
// assigned from the bucket sequence and are never reused within a database.
func (b *Bolt) LogAppend(cat LogCategory, payload []byte) (uint64, error) {
	var slot uint64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketBinlog)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		slot = seq
		return bkt.Put(slotKey(slot), logValue(cat, payload))
	})
	if err != nil {
		return 0, fmt.Errorf("log append: %w", err)
	}
	return slot, nil
}

// LogRewrite replaces the payload of an existing slot, keeping its category.
func (b *Bolt) LogRewrite(slot uint64, payload []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketBinlog)
		old := bkt.Get(slotKey(slot))
		if old == nil {
			return fmt.Errorf("slot %d not found", slot)
		}
		return bkt.Put(slotKey(slot), logValue(LogCategory(old[0]), payload))
	})
	if err != nil {
		return fmt.Errorf("log rewrite: %w", err)
	}
	return nil
}

// LogErase drops a slot once its keyed write has been confirmed.
func (b *Bolt) LogErase(slot uint64) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBinlog).Delete(slotKey(slot))
	})
	if err != nil {
		return fmt.Errorf("log erase: %w", err)
	}
	return nil
}

// ReplayLog iterates outstanding log entries in slot order. Entries exist
// only for saves whose keyed write never confirmed before the last shutdown.
func (b *Bolt) ReplayLog(fn func(slot uint64, cat LogCategory, payload []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBinlog).ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) < 1 {
				return fmt.Errorf("corrupted log entry %x", k)
			}
			return fn(binary.BigEndian.Uint64(k), LogCategory(v[0]), v[1:])
		})
	})
}

// EachKV iterates keyed entries whose key starts with prefix, in key order.
// Not part of Store; inspection tooling reads the database directly.
func (b *Bolt) EachKV(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close drains pending writes and closes the database.
func (b *Bolt) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.jobs)
	b.mu.Unlock()

	b.wg.Wait()
	return b.db.Close()
}

func slotKey(slot uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, slot)
	return k
}

func logValue(cat LogCategory, payload []byte) []byte {
	v := make([]byte, 1+len(payload))
	v[0] = byte(cat)
	copy(v[1:], payload)
	return v
}
