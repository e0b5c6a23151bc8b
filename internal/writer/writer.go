// Package writer implements the single serial actor that owns the
// database's only write transaction: it drains the commit queue, validates
// transactions against the batch-in-progress and the backend, runs
// incremental reference-counted GC, and advances the reader frame.
package writer

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/stowdb/hash"
	"github.com/cuemby/stowdb/internal/ephemeron"
	"github.com/cuemby/stowdb/internal/kv"
	"github.com/cuemby/stowdb/internal/refcount"
	"github.com/cuemby/stowdb/internal/stowbuf"
	"github.com/cuemby/stowdb/pkg/metrics"
)

// CommitRequest is the (readSet, writeSet) pair a TX submits to the writer,
// keyed by already key-rewritten byte strings. Writes is nil for an empty
// commit (used by DB.GC to force a synchronous cycle).
type CommitRequest struct {
	Reads  map[string][]byte
	Writes map[string][]byte

	reply chan bool
}

// NewCommitRequest builds a CommitRequest ready to Submit.
func NewCommitRequest(reads, writes map[string][]byte) *CommitRequest {
	return &CommitRequest{Reads: reads, Writes: writes, reply: make(chan bool, 1)}
}

// Wait blocks until the writer has resolved this request.
func (r *CommitRequest) Wait() bool {
	return <-r.reply
}

// Done returns the reply channel directly, for commit_async callers.
func (r *CommitRequest) Done() <-chan bool {
	return r.reply
}

// Notifier is called once per accepted root-key write after a cycle
// commits, feeding the supplemental watch feature. newValue is nil for a
// delete.
type Notifier func(key string, newValue []byte)

// Config configures a Writer.
type Config struct {
	Backend *kv.Backend
	Eph     *ephemeron.Table
	Stow    *stowbuf.Buffer
	Notify  Notifier
	Log     zerolog.Logger
	Metrics bool // enable pkg/metrics observation; off by default in tests
	OnFatal func(msg string, err error)
}

// Writer is the single serial actor owning the backend's WTxn.
type Writer struct {
	backend *kv.Backend
	eph     *ephemeron.Table
	stow    *stowbuf.Buffer
	notify  Notifier
	log     zerolog.Logger
	metrics bool
	onFatal func(msg string, err error)

	mu    chan struct{} // binary semaphore guarding queue
	queue []*CommitRequest

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	holdNextFrame map[string]bool
}

// New constructs a Writer. Call Start to begin its run loop.
func New(cfg Config) *Writer {
	onFatal := cfg.OnFatal
	if onFatal == nil {
		onFatal = func(msg string, err error) {
			cfg.Log.Fatal().Err(err).Msg(msg)
		}
	}
	return &Writer{
		backend:       cfg.Backend,
		eph:           cfg.Eph,
		stow:          cfg.Stow,
		notify:        cfg.Notify,
		log:           cfg.Log,
		metrics:       cfg.Metrics,
		onFatal:       onFatal,
		mu:            make(chan struct{}, 1),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		holdNextFrame: make(map[string]bool),
	}
}

// Start launches the writer's run loop in its own goroutine: a single
// select loop that wakes on a signal channel and owns all of the writer's
// mutable state, so no locking is needed on the hot path.
func (w *Writer) Start() {
	go w.run()
}

// Stop signals the run loop to exit and waits for it to finish.
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.cycle()
		case <-w.stop:
			return
		}
	}
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
		// A cycle is already queued to run; it will pick up anything
		// submitted in the meantime.
	}
}

// Submit enqueues req and wakes the writer. It does not block on the
// writer's reply; callers use req.Wait() or req.Done() for that.
func (w *Writer) Submit(req *CommitRequest) {
	w.mu <- struct{}{}
	w.queue = append(w.queue, req)
	<-w.mu
	w.signal()
}

func (w *Writer) fatal(msg string, err error) {
	w.onFatal(msg, err)
	// onFatal is expected to terminate the process (or, in tests, to
	// panic/abort the goroutine); this line is unreachable in production
	// but keeps the function from silently continuing if a test's hook
	// returns.
	panic(fmt.Sprintf("writer: onFatal returned after a fatal error: %s: %v", msg, err))
}

// cycle runs one full batching cycle: drain the queue and snapshot the
// volatile buffers, validate and fold pending transactions, compute refcount
// deltas, run bounded incremental GC, apply everything to the backend in a
// single write transaction, then advance the reader frame and reply.
func (w *Writer) cycle() {
	w.mu <- struct{}{}
	txList := w.queue
	w.queue = nil
	<-w.mu

	if len(txList) == 0 {
		return
	}

	cycleTimer := metrics.NewTimer()

	stowSnap := w.stow.Snapshot()
	ephSnap := w.eph.Snapshot()

	if w.metrics {
		metrics.StowBufferSize.Set(float64(len(stowSnap)))
		metrics.EphemeronCount.Set(float64(len(ephSnap)))
	}

	wtx, err := w.backend.BeginWrite()
	if err != nil {
		w.fatal("writer: begin write transaction", err)
		return
	}
	// If an OnFatal hook unwinds by panicking, release the write
	// transaction so the backend can still be closed. After a successful
	// Commit this Rollback is a no-op.
	defer func() { _ = wtx.Rollback() }()

	roots := wtx.Table(kv.Roots)
	stowTable := wtx.Table(kv.Stow)
	rcTable := wtx.Table(kv.Refs)
	zeroTable := wtx.Table(kv.Zeroes)

	// Step 3: fold txList into a batched write set.
	accepted := make(map[string][]byte)
	var acceptedReqs []*CommitRequest
	rejected := 0
	for _, req := range txList {
		ok := true
		for k, want := range req.Reads {
			var got []byte
			if v, inBatch := accepted[k]; inBatch {
				got = v
			} else {
				got = roots.Get([]byte(k))
			}
			if !bytes.Equal(got, want) {
				ok = false
				break
			}
		}
		if !ok {
			rejected++
			req.reply <- false
			continue
		}
		for k, v := range req.Writes {
			accepted[k] = v
		}
		acceptedReqs = append(acceptedReqs, req)
	}

	if w.metrics {
		metrics.CommitsTotal.WithLabelValues("accepted").Add(float64(len(acceptedReqs)))
		metrics.CommitsTotal.WithLabelValues("conflict").Add(float64(rejected))
		metrics.BatchSize.Observe(float64(len(txList)))
	}

	// Step 4: snapshot the pre-image of every touched root key.
	overwrites := make(map[string][]byte, len(accepted))
	for k := range accepted {
		if v := roots.Get([]byte(k)); v != nil {
			overwrites[k] = append([]byte(nil), v...)
		}
	}

	// Step 5: stow-buffer entries not yet in StowTable are new resources.
	newResources := make(map[string][]byte)
	for short, blob := range stowSnap {
		if stowTable.Get([]byte(short)) == nil {
			newResources[short] = blob
		}
	}

	// Step 6: compute refcount deltas.
	delta := make(map[string]int64)
	bump := func(h hash.Hash, n int64) { delta[h.Short()] += n }

	overwriteShorts := make(map[string]bool)
	for _, v := range accepted {
		for _, d := range hash.Deps(v) {
			bump(d, 1)
		}
	}
	for _, pre := range overwrites {
		for _, d := range hash.Deps(pre) {
			bump(d, -1)
			overwriteShorts[d.Short()] = true
		}
	}
	for short, blob := range newResources {
		// A new resource's own short-hash gets an explicit +0 delta even
		// when nothing references it yet: this forces it through step 8b
		// below, which persists a count of 0 into the ZeroSet so the GC
		// seed step (step 7) can discover it instead of leaving it an
		// untracked, unreferenced row forever.
		if _, ok := delta[short]; !ok {
			delta[short] = 0
		}
		for _, d := range hash.Deps(blob) {
			bump(d, 1)
		}
	}

	// Step 7: incremental, bounded GC. excluded is evaluated against the
	// keys touched by this cycle's real writes (step 6), captured now as a
	// fixed set — not the live delta map, which the cascade below keeps
	// mutating as it walks dependency edges. Using the live map here would
	// make every candidate exclude itself the instant the cascade records
	// its own decrement for it.
	qc := 50 + 2*len(delta)
	qgc := 5 * qc

	touchedByWrites := make(map[string]bool, len(delta))
	for short := range delta {
		touchedByWrites[short] = true
	}

	excluded := func(short string) bool {
		if touchedByWrites[short] {
			return true
		}
		if ephSnap[short] > 0 {
			return true
		}
		if w.holdNextFrame[short] {
			return true
		}
		return false
	}

	gcSet := make(map[string]bool)
	frontier, err := refcount.Take(zeroTable, qc, excluded)
	if err != nil {
		w.fatal("writer: seed GC candidates", err)
		return
	}
	seeded := len(frontier)

	for len(frontier) > 0 && len(gcSet) < qgc {
		var next []string
		for _, short := range frontier {
			if gcSet[short] {
				continue
			}
			gcSet[short] = true
			// Every item added to gcSet must have its dependency deltas
			// applied below before this round ends, even if that pushes
			// gcSet past qgc: the bound only gates which future rounds get
			// started, never truncates a round after a resource is already
			// marked for deletion — an unmarked decrement would leave that
			// resource's dependencies permanently over-counted.
			raw := stowTable.Get([]byte(short))
			if raw == nil || len(raw) < hash.ShortSize {
				continue
			}
			blob := raw[hash.ShortSize:]
			for _, d := range hash.Deps(blob) {
				ds := d.Short()
				delta[ds]--
				if gcSet[ds] || excluded(ds) {
					continue
				}
				cur, err := refcount.Get(rcTable, []byte(ds))
				if err != nil {
					w.fatal("writer: read refcount during GC cascade", err)
					return
				}
				if cur+delta[ds] == 0 {
					next = append(next, ds)
				}
			}
		}
		frontier = next
	}
	continued := len(gcSet) >= qgc

	if len(gcSet) > 0 {
		if w.metrics {
			metrics.GCCyclesTotal.Inc()
			metrics.ResourcesCollectedTotal.Add(float64(len(gcSet)))
		}
		w.log.Info().
			Int("candidates_seeded", seeded).
			Int("resources_collected", len(gcSet)).
			Bool("gc_continued", continued).
			Msg("GC cycle collected resources")
	}

	// Step 8a: delete the GC set.
	for short := range gcSet {
		key := []byte(short)
		if err := stowTable.Delete(key); err != nil {
			w.fatal("writer: delete collected resource", err)
			return
		}
		if err := rcTable.Delete(key); err != nil {
			w.fatal("writer: delete collected refcount row", err)
			return
		}
		if err := zeroTable.Delete(key); err != nil {
			w.fatal("writer: delete collected zero-set row", err)
			return
		}
	}

	// Step 8b: persist updated counts for everything else touched.
	for short, d := range delta {
		if gcSet[short] {
			continue
		}
		cur, err := refcount.Get(rcTable, []byte(short))
		if err != nil {
			w.fatal("writer: read refcount", err)
			return
		}
		next := cur + d
		if next < 0 {
			w.fatal("writer: refcount decremented below zero", fmt.Errorf("short-hash %x: %d + %d = %d", short, cur, d, next))
			return
		}
		if err := refcount.Set(rcTable, zeroTable, []byte(short), next); err != nil {
			w.fatal("writer: persist refcount", err)
			return
		}
	}

	if w.metrics {
		n := 0
		c := zeroTable.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		metrics.ZeroSetSize.Set(float64(n))
	}

	// Step 8c: insert new resources, key = shortHash, value = suffix||blob.
	var persistedShorts []string
	for short, blob := range newResources {
		h := hash.New(blob)
		if h.Short() != short {
			w.fatal("writer: stow buffer short-hash mismatch", fmt.Errorf("key %x recomputed as %x", short, h.Short()))
			return
		}
		value := append([]byte(h.Suffix()), blob...)
		if err := stowTable.Put([]byte(short), value); err != nil {
			w.fatal("writer: persist new resource", err)
			return
		}
		persistedShorts = append(persistedShorts, short)
	}

	// Step 8d: apply batched root writes.
	for k, v := range accepted {
		key := []byte(k)
		if len(v) == 0 {
			if err := roots.Delete(key); err != nil {
				w.fatal("writer: delete root key", err)
				return
			}
			continue
		}
		if err := roots.Put(key, v); err != nil {
			w.fatal("writer: write root key", err)
			return
		}
	}

	// Step 9: commit the WTxn, then advance the reader frame.
	if err := wtx.Commit(); err != nil {
		w.fatal("writer: commit write transaction", err)
		return
	}

	frameTimer := metrics.NewTimer()
	if err := w.backend.Advance(); err != nil {
		w.fatal("writer: advance reader frame", err)
		return
	}
	if w.metrics {
		frameTimer.ObserveDuration(metrics.ReaderFrameWait)
	}

	w.holdNextFrame = overwriteShorts

	// Step 10: fsync.
	if err := w.backend.Fsync(); err != nil {
		w.fatal("writer: fsync", err)
		return
	}

	// Step 11: reply, notify watchers, prune the stow buffer.
	if w.metrics {
		for range acceptedReqs {
			cycleTimer.ObserveDuration(metrics.CommitLatency)
		}
	}
	for _, req := range acceptedReqs {
		req.reply <- true
	}
	if w.notify != nil {
		for k, v := range accepted {
			w.notify(k, v)
		}
	}
	w.stow.Delete(persistedShorts)

	w.log.Debug().
		Int("batch", len(txList)).
		Int("accepted", len(acceptedReqs)).
		Int("rejected", rejected).
		Int("gc_collected", len(gcSet)).
		Bool("gc_continued", continued).
		Msg("batching cycle committed")

	if continued {
		w.signal()
	}
}
