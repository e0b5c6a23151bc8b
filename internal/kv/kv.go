// Package kv is the thin adapter over the memory-mapped B+-tree backend
// (go.etcd.io/bbolt) described in the storage engine's component design: four
// named tables, a single writer transaction at a time, many concurrent
// readers, and an engine-owned reader-frame interlock rather than relying on
// bbolt's own transaction bookkeeping.
package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	bolt "go.etcd.io/bbolt"
)

// Table names, fixed by the on-disk layout.
const (
	Roots  = "@"
	Stow   = "$"
	Refs   = "#"
	Zeroes = "0"
)

var allTables = [...]string{Roots, Stow, Refs, Zeroes}

// Config configures Backend.Open.
type Config struct {
	// Dir is the database directory. It is created if missing.
	Dir string
	// MaxBytes is the initial mmap size hint passed to bbolt; bbolt
	// grows the mapping automatically beyond this as needed.
	MaxBytes int64
}

// Table is a handle onto one of the four named buckets within a single bbolt
// transaction. It is only valid for the lifetime of that transaction.
type Table struct {
	b *bolt.Bucket
}

// Get returns the value stored at key, or nil if absent. The returned slice
// points directly into the memory-mapped page and is only valid until the
// owning transaction ends or, for a write transaction, until the same key is
// mutated again.
func (t Table) Get(key []byte) []byte {
	if t.b == nil {
		return nil
	}
	return t.b.Get(key)
}

// Put stores value at key, overwriting any existing value.
func (t Table) Put(key, value []byte) error {
	return t.b.Put(key, value)
}

// Delete removes key. Deleting an absent key is a no-op.
func (t Table) Delete(key []byte) error {
	return t.b.Delete(key)
}

// Cursor returns a cursor over the table's keys in byte order.
func (t Table) Cursor() *bolt.Cursor {
	return t.b.Cursor()
}

// WTxn is the single writer transaction. Only the writer actor ever holds
// one; the backend enforces this by serialising bbolt's own writer lock.
type WTxn struct {
	tx *bolt.Tx
}

// Table returns a handle onto the named table within this write transaction.
func (w *WTxn) Table(name string) Table {
	return Table{b: w.tx.Bucket([]byte(name))}
}

// Commit finalises the write transaction, making its effects visible to any
// read transaction begun afterward.
func (w *WTxn) Commit() error {
	return w.tx.Commit()
}

// Rollback discards the write transaction's effects.
func (w *WTxn) Rollback() error {
	return w.tx.Rollback()
}

// FrameView is a read-only view bound to one reader frame (one generation of
// the backend's memory map). It must be released via the func returned
// alongside it from Backend.AcquireFrame.
type FrameView struct {
	tx *bolt.Tx
}

// Table returns a read-only handle onto the named table within this frame.
func (v *FrameView) Table(name string) Table {
	return Table{b: v.tx.Bucket([]byte(name))}
}

// frame is one generation of the backend's reader-visible state: a single
// long-lived read-only bbolt transaction, plus a counting latch of readers
// currently borrowing it. At most two frames are ever live at once — the
// current one and, briefly during Advance, the one draining behind it.
type frame struct {
	tx *bolt.Tx
	wg sync.WaitGroup
}

// Backend is the engine's memory-mapped key-value store: bbolt underneath,
// with the engine's own reader-frame interlock layered on top instead of
// relying on bbolt's native MVCC bookkeeping, per the component design's
// requirement that the adapter run without its own reader-lock accounting.
type Backend struct {
	dir  string
	db   *bolt.DB
	lock *os.File

	mu  sync.RWMutex
	cur *frame
}

// Open creates the database directory if needed, acquires the exclusive
// file lock (the engine's single-process guarantee), opens the bbolt file
// with the four named tables, and establishes the initial reader frame.
func Open(cfg Config) (*Backend, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("kv: create directory: %w", err)
	}

	lockPath := filepath.Join(cfg.Dir, "lockfile")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kv: open lockfile: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("kv: database at %q is already open by another process: %w", cfg.Dir, err)
	}

	dbPath := filepath.Join(cfg.Dir, "stow.db")
	boltOpts := &bolt.Options{
		// NoGrowSync/NoSync are left at their safe defaults: bbolt
		// fsyncs on every commit, so Backend.Fsync below is a no-op
		// kept for API symmetry with the write-through/deferred-fsync
		// adapter contract; see its doc comment.
		InitialMmapSize: int(cfg.MaxBytes),
	}
	db, err := bolt.Open(dbPath, 0o600, boltOpts)
	if err != nil {
		syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
		return nil, fmt.Errorf("kv: open backend: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
		return nil, fmt.Errorf("kv: create tables: %w", err)
	}

	readTx, err := db.Begin(false)
	if err != nil {
		db.Close()
		syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
		return nil, fmt.Errorf("kv: open initial reader frame: %w", err)
	}

	return &Backend{
		dir:  cfg.Dir,
		db:   db,
		lock: lockFile,
		cur:  &frame{tx: readTx},
	}, nil
}

// BeginWrite opens the single writer transaction. bbolt itself serialises
// concurrent writers; the engine never calls this from more than the writer
// actor's own goroutine.
func (b *Backend) BeginWrite() (*WTxn, error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("kv: begin write: %w", err)
	}
	return &WTxn{tx: tx}, nil
}

// AcquireFrame borrows the current reader frame, incrementing its latch, and
// returns a view onto it plus a func that must be called exactly once to
// release the latch.
func (b *Backend) AcquireFrame() (*FrameView, func()) {
	b.mu.RLock()
	f := b.cur
	f.wg.Add(1)
	b.mu.RUnlock()
	return &FrameView{tx: f.tx}, f.wg.Done
}

// Advance opens a new reader frame reflecting the state just committed by
// wtx's caller, atomically swaps it in as current, then waits for the
// previous frame's latch to drain before rolling back its transaction. Any
// FrameView acquired before the swap keeps working against the old frame
// until it is released; no FrameView can be acquired against the old frame
// once Advance has swapped current forward.
func (b *Backend) Advance() error {
	newTx, err := b.db.Begin(false)
	if err != nil {
		return fmt.Errorf("kv: advance reader frame: %w", err)
	}

	b.mu.Lock()
	old := b.cur
	b.cur = &frame{tx: newTx}
	b.mu.Unlock()

	old.wg.Wait()
	return old.tx.Rollback()
}

// Fsync flushes the backend to durable storage. bbolt fsyncs as part of
// every WTxn.Commit unless NoSync is set, which this adapter does not do, so
// this is a documented no-op: the write-through/deferred-fsync contract
// described for an LMDB-shaped backend doesn't map onto bbolt, which has no
// separate deferred-sync primitive. The call is kept so the writer's
// batching cycle matches the component design step for step.
func (b *Backend) Fsync() error {
	return nil
}

// Close drains and rolls back the current reader frame, closes the backend
// file, and releases the exclusive lock.
func (b *Backend) Close() error {
	b.mu.Lock()
	cur := b.cur
	b.mu.Unlock()

	cur.wg.Wait()
	if err := cur.tx.Rollback(); err != nil {
		return fmt.Errorf("kv: rollback reader frame: %w", err)
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("kv: close backend: %w", err)
	}
	if b.lock != nil {
		syscall.Flock(int(b.lock.Fd()), syscall.LOCK_UN)
		b.lock.Close()
	}
	return nil
}

// Size reports the current on-disk file size, used by DB.Stats.
func (b *Backend) Size() int64 {
	info, err := os.Stat(filepath.Join(b.dir, "stow.db"))
	if err != nil {
		return 0
	}
	return info.Size()
}
