// Package stowdb implements a persistent content-addressed key-value
// engine: a root key-value store composed with an immutable, hash-addressed
// stowage store, connected by a conservative reference-counting garbage
// collector. See the package's design notes for the concurrency model.
package stowdb

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/stowdb/hash"
	"github.com/cuemby/stowdb/internal/ephemeron"
	"github.com/cuemby/stowdb/internal/kv"
	"github.com/cuemby/stowdb/internal/stowbuf"
	"github.com/cuemby/stowdb/internal/writer"
	"github.com/cuemby/stowdb/pkg/log"
	"github.com/cuemby/stowdb/watch"
)

// defaultMaxBytes is the initial mmap size hint used when Config.MaxBytes
// is left at zero.
const defaultMaxBytes = 64 << 20

// Config configures Open.
type Config struct {
	// Dir is the database directory, created if it doesn't exist.
	Dir string
	// MaxBytes is an initial mmap size hint; the backend grows past it
	// automatically as needed. Zero selects a small default suitable for
	// tests and embedding.
	MaxBytes int64
}

// DB is an open database: the backend, the writer actor that owns it, and
// the volatile structures (StowBuffer, EphTable) shared between TXs and the
// writer.
type DB struct {
	backend *kv.Backend
	eph     *ephemeron.Table
	stow    *stowbuf.Buffer
	writer  *writer.Writer
	broker  *watch.Broker
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Open creates the database directory if needed, acquires the exclusive
// file lock, opens the backend with its four tables, and starts the writer
// thread.
func Open(cfg Config) (*DB, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}

	backend, err := kv.Open(kv.Config{Dir: cfg.Dir, MaxBytes: cfg.MaxBytes})
	if err != nil {
		return nil, fmt.Errorf("stowdb: open: %w", err)
	}

	db := &DB{
		backend: backend,
		eph:     ephemeron.New(),
		stow:    stowbuf.New(),
		broker:  watch.NewBroker(),
		log:     log.WithComponent("stowdb"),
	}

	db.writer = writer.New(writer.Config{
		Backend: backend,
		Eph:     db.eph,
		Stow:    db.stow,
		Notify:  db.broker.Publish,
		Log:     log.WithComponent("writer"),
		Metrics: true,
	})
	db.writer.Start()

	db.log.Info().Str("dir", cfg.Dir).Msg("database opened")
	return db, nil
}

// Close stops the writer (flushing any pending batching cycle it's mid-way
// through) and releases the backend's file lock. Close is idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.writer.Stop()
	if err := db.backend.Close(); err != nil {
		return fmt.Errorf("stowdb: close: %w", err)
	}
	db.log.Info().Msg("database closed")
	return nil
}

// NewTX creates a fresh transaction with empty read and write sets.
func (db *DB) NewTX() *TX {
	return newTX(db)
}

// Get is a direct-read shortcut: open a TX, read k, close it.
func (db *DB) Get(k Key) (Value, error) {
	tx := db.NewTX()
	defer tx.Close()
	return tx.Read(k)
}

// Put is a direct-write shortcut: open a TX, write k, commit, close it.
// The commit carries no read assumptions, so the writer never rejects it:
// Put is an unconditional "last writer wins" root-table assignment, and it
// returns an error only for an invalid key.
func (db *DB) Put(k Key, v Value) error {
	tx := db.NewTX()
	defer tx.Close()
	if err := tx.Write(k, v); err != nil {
		return err
	}
	_, err := tx.Commit()
	return err
}

// GC forces a synchronous incremental GC cycle by submitting an empty
// commit and waiting for its reply.
func (db *DB) GC() {
	req := writer.NewCommitRequest(nil, nil)
	db.writer.Submit(req)
	req.Wait()
}

// Watch subscribes to changes on key's root value. The returned channel
// receives the new value (nil for a delete) after each commit that changes
// key; delivery is lossy under backpressure. Call cancel to unsubscribe and
// release the channel.
func (db *DB) Watch(k Key) (<-chan Value, func(), error) {
	norm, err := normalize(k)
	if err != nil {
		return nil, nil, err
	}
	raw, cancel := db.broker.Subscribe(string(norm))

	out := make(chan Value)
	go func() {
		defer close(out)
		for v := range raw {
			out <- Value(v)
		}
	}()
	return out, cancel, nil
}

// Stats reports a snapshot of the engine's volatile and on-disk size
// metrics, for diagnostics and cmd/stowctl.
type Stats struct {
	SizeBytes      int64
	EphemeronCount int
	StowBufferSize int
}

// Stats returns a point-in-time snapshot of the database's volatile state.
func (db *DB) Stats() Stats {
	return Stats{
		SizeBytes:      db.backend.Size(),
		EphemeronCount: len(db.eph.Snapshot()),
		StowBufferSize: len(db.stow.Snapshot()),
	}
}

// load implements TX.Load's lookup path: StowBuffer first, then StowTable
// with a timing-safe suffix check. TX.WithRsc performs the same lookup
// inline so it can keep the frame held across its callback.
func (db *DB) load(h hash.Hash) ([]byte, bool) {
	if blob, ok := db.stow.Get(h.Short()); ok {
		if hash.New(blob) == h {
			return blob, true
		}
		return nil, false
	}

	view, release := db.backend.AcquireFrame()
	defer release()
	raw := view.Table(kv.Stow).Get([]byte(h.Short()))
	if raw == nil || len(raw) < hash.ShortSize {
		return nil, false
	}
	suffix := raw[:hash.ShortSize]
	if !hash.CtEqual([]byte(h.Suffix()), suffix) {
		return nil, false
	}
	return raw[hash.ShortSize:], true
}

// stowTableLen counts the rows currently in the backend's StowTable, for
// tests exercising GC liveness; it is not part of the public API since
// counting requires a full cursor scan.
func (db *DB) stowTableLen() int {
	view, release := db.backend.AcquireFrame()
	defer release()
	n := 0
	c := view.Table(kv.Stow).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
