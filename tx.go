package stowdb

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/stowdb/hash"
	"github.com/cuemby/stowdb/internal/kv"
	"github.com/cuemby/stowdb/internal/writer"
	"github.com/cuemby/stowdb/pkg/log"
)

// TX is a transaction: a read set and write set accumulated by calls to
// Read/Write/Assume, committed atomically against the database's root table.
// A TX may be shared between goroutines: each of its methods internally
// serializes against the others on the same TX, so operations on one TX run
// one at a time.
type TX struct {
	mu  sync.Mutex
	db  *DB
	id  string
	log zerolog.Logger

	readSet  map[string]Value
	writeSet map[string]Value
	eph      map[string]int64

	closed bool
}

func newTX(db *DB) *TX {
	id := uuid.NewString()
	return &TX{
		db:       db,
		id:       id,
		log:      log.WithTxID(id),
		readSet:  make(map[string]Value),
		writeSet: make(map[string]Value),
		eph:      make(map[string]int64),
	}
}

// ID returns the transaction's unique identifier, used to correlate its log
// lines.
func (tx *TX) ID() string {
	return tx.id
}

func cloneValue(v Value) Value {
	if v == nil {
		return nil
	}
	return Value(append([]byte(nil), v...))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// bumpDeps records an ephemeron hold for every hash mentioned in v, both in
// the TX's own bookkeeping (so Close/ClearRsc can release exactly what this
// TX contributed) and in the database's shared EphTable (so the writer's GC
// won't collect a resource this TX might still Load).
func (tx *TX) bumpDeps(v []byte) {
	deps := hash.Deps(v)
	if len(deps) == 0 {
		return
	}
	m := make(map[string]int64, len(deps))
	for _, d := range deps {
		m[d.Short()]++
	}
	for s, n := range m {
		tx.eph[s] += n
	}
	tx.db.eph.Add(m)
}

// Read returns k's current value, from the write set if pending, else the
// read set if already read this TX, else the backend — recording the read
// as an assumption validated at Commit time.
func (tx *TX) Read(k Key) (Value, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrClosed
	}
	norm, err := normalize(k)
	if err != nil {
		return nil, err
	}
	key := string(norm)

	if v, ok := tx.writeSet[key]; ok {
		return cloneValue(v), nil
	}
	if v, ok := tx.readSet[key]; ok {
		return cloneValue(v), nil
	}

	view, release := tx.db.backend.AcquireFrame()
	raw := cloneBytes(view.Table(kv.Roots).Get(norm))
	release()

	tx.readSet[key] = Value(raw)
	tx.bumpDeps(raw)
	return Value(raw), nil
}

// ReadMany reads several keys against a single backend frame, so the batch
// observes one consistent snapshot even if a concurrent commit lands
// between individual Read calls.
func (tx *TX) ReadMany(ks []Key) ([]Value, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrClosed
	}

	norms := make([][]byte, len(ks))
	keys := make([]string, len(ks))
	for i, k := range ks {
		n, err := normalize(k)
		if err != nil {
			return nil, err
		}
		norms[i] = n
		keys[i] = string(n)
	}

	out := make([]Value, len(ks))
	var view *kv.FrameView
	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()

	for i, key := range keys {
		if v, ok := tx.writeSet[key]; ok {
			out[i] = cloneValue(v)
			continue
		}
		if v, ok := tx.readSet[key]; ok {
			out[i] = cloneValue(v)
			continue
		}
		if view == nil {
			view, release = tx.db.backend.AcquireFrame()
		}
		raw := cloneBytes(view.Table(kv.Roots).Get(norms[i]))
		tx.readSet[key] = Value(raw)
		tx.bumpDeps(raw)
		out[i] = Value(raw)
	}
	return out, nil
}

// Write stages k=v in the write set. An empty v marks k for deletion at
// Commit. Write never touches the backend and never fails on conflict —
// conflicts are only detected at Commit, against the read set.
func (tx *TX) Write(k Key, v Value) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrClosed
	}
	norm, err := normalize(k)
	if err != nil {
		return err
	}
	tx.writeSet[string(norm)] = cloneValue(v)
	return nil
}

// Assume overrides the read-set assumption for k without performing a read:
// a nil v drops any existing assumption for k, anything else sets it
// directly. This lets a TX built from out-of-band knowledge (e.g. Dup, or a
// caller replaying a previous read) commit without re-reading the backend.
func (tx *TX) Assume(k Key, v *Value) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrClosed
	}
	norm, err := normalize(k)
	if err != nil {
		return err
	}
	key := string(norm)
	if v == nil {
		delete(tx.readSet, key)
		return nil
	}
	tx.readSet[key] = cloneValue(*v)
	return nil
}

// Stow places v in the volatile stow buffer, returning its Hash, and holds
// an ephemeron for it so the writer's GC can't collect it before a commit
// that references it lands — or before the TX closes, if it never does.
func (tx *TX) Stow(v Value) (hash.Hash, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return "", ErrClosed
	}
	blob := cloneValue(v)
	h := hash.New(blob)
	tx.db.stow.Put(h.Short(), blob)
	tx.eph[h.Short()]++
	tx.db.eph.Add(map[string]int64{h.Short(): 1})
	return h, nil
}

// Load returns the blob for h, checking the stow buffer first and the
// backend's StowTable second, with a timing-safe suffix check against a
// short-hash collision.
func (tx *TX) Load(h hash.Hash) (Value, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, false, ErrClosed
	}
	blob, ok := tx.db.load(h)
	if !ok {
		return nil, false, nil
	}
	return Value(cloneBytes(blob)), true, nil
}

// WithRsc invokes f with a zero-copy view of h's blob, valid only for the
// duration of the call, instead of returning an owned copy as Load does.
func (tx *TX) WithRsc(h hash.Hash, f func([]byte)) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return false, ErrClosed
	}

	if blob, ok := tx.db.stow.Get(h.Short()); ok {
		if hash.New(blob) != h {
			return false, nil
		}
		f(blob)
		return true, nil
	}

	view, release := tx.db.backend.AcquireFrame()
	defer release()
	raw := view.Table(kv.Stow).Get([]byte(h.Short()))
	if raw == nil || len(raw) < hash.ShortSize {
		return false, nil
	}
	if !hash.CtEqual([]byte(h.Suffix()), raw[:hash.ShortSize]) {
		return false, nil
	}
	f(raw[hash.ShortSize:])
	return true, nil
}

// ClearRsc replaces the TX's ephemeron holds with exactly the set implied by
// its current read set, write set, and extras, releasing anything no longer
// reachable from any of those. The new set is added to the shared EphTable
// before the old one is released, so a resource this TX still needs never
// observes a zero count in between, even if the writer's GC runs
// concurrently.
func (tx *TX) ClearRsc(extras []hash.Hash) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrClosed
	}

	newSet := make(map[string]int64)
	addReachable := func(v []byte) {
		for _, d := range hash.Deps(v) {
			newSet[d.Short()]++
		}
	}
	for _, v := range tx.readSet {
		addReachable(v)
	}
	for _, v := range tx.writeSet {
		addReachable(v)
	}
	for _, h := range extras {
		newSet[h.Short()]++
	}

	tx.db.eph.Add(newSet)
	tx.db.eph.Release(tx.eph)
	tx.eph = newSet
	return nil
}

// Commit submits the TX's write set to the writer and blocks until it's
// resolved. On success, the write set is merged into the read set (so the
// TX can keep reading its own writes and, if desired, build a follow-up
// commit on top), and the write set is cleared.
func (tx *TX) Commit() (bool, error) {
	req, err := tx.submit()
	if err != nil {
		return false, err
	}
	ok := req.Wait()
	tx.absorb(ok)
	return ok, nil
}

// CommitAsync submits the TX's write set and returns immediately with a
// channel that receives the outcome.
func (tx *TX) CommitAsync() (<-chan bool, error) {
	req, err := tx.submit()
	if err != nil {
		return nil, err
	}
	out := make(chan bool, 1)
	go func() {
		ok := req.Wait()
		tx.absorb(ok)
		out <- ok
	}()
	return out, nil
}

func (tx *TX) submit() (*writer.CommitRequest, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrClosed
	}

	reads := make(map[string][]byte, len(tx.readSet))
	for k, v := range tx.readSet {
		reads[k] = []byte(v)
	}
	writes := make(map[string][]byte, len(tx.writeSet))
	for k, v := range tx.writeSet {
		writes[k] = []byte(v)
	}

	req := writer.NewCommitRequest(reads, writes)
	tx.db.writer.Submit(req)
	return req, nil
}

func (tx *TX) absorb(ok bool) {
	if !ok {
		return
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for k, v := range tx.writeSet {
		tx.readSet[k] = v
	}
	tx.writeSet = make(map[string]Value)
}

// Dup returns a new TX with an independent copy of this one's read set,
// write set, and ephemeron holds — a cheap way to branch a transaction
// into two that can proceed (and commit, or not) independently.
func (tx *TX) Dup() (*TX, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	dup := &TX{
		db:       tx.db,
		id:       id,
		log:      log.WithTxID(id),
		readSet:  make(map[string]Value, len(tx.readSet)),
		writeSet: make(map[string]Value, len(tx.writeSet)),
		eph:      make(map[string]int64, len(tx.eph)),
	}
	for k, v := range tx.readSet {
		dup.readSet[k] = cloneValue(v)
	}
	for k, v := range tx.writeSet {
		dup.writeSet[k] = cloneValue(v)
	}
	for s, n := range tx.eph {
		dup.eph[s] = n
	}
	tx.db.eph.Add(dup.eph)
	return dup, nil
}

// Check reports which of the TX's currently-assumed keys no longer match
// the backend's latest committed value, without committing or mutating the
// TX. It's a cheap way to ask "would Commit reject this right now" before
// paying for a full write-set submission.
func (tx *TX) Check() ([]Key, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrClosed
	}
	if len(tx.readSet) == 0 {
		return nil, nil
	}

	view, release := tx.db.backend.AcquireFrame()
	defer release()

	var stale []Key
	for k, want := range tx.readSet {
		got := view.Table(kv.Roots).Get([]byte(k))
		if !bytes.Equal(got, []byte(want)) {
			stale = append(stale, Key(k))
		}
	}
	return stale, nil
}

// Close releases the TX's ephemeron holds. It is idempotent and safe to
// defer immediately after NewTX; every other method on a closed TX returns
// ErrClosed.
func (tx *TX) Close() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil
	}
	tx.closed = true
	tx.db.eph.Release(tx.eph)
	tx.eph = nil
	return nil
}
