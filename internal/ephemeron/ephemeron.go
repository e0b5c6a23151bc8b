// Package ephemeron implements the in-memory multiset of short-hash
// references held by live transactions, protecting resources that would
// otherwise look unreachable to the refcount-based GC.
package ephemeron

import "sync"

// Table is a thread-safe multiset shortHash -> positive count, mutated by
// many transactions concurrently as they stow resources and release them on
// close.
type Table struct {
	mu     sync.Mutex
	counts map[string]int64
}

// New returns an empty ephemeron table.
func New() *Table {
	return &Table{counts: make(map[string]int64)}
}

// Add increments the table's count for each short-hash in m by the given
// delta.
func (t *Table) Add(m map[string]int64) {
	if len(m) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for s, n := range m {
		if n <= 0 {
			continue
		}
		t.counts[s] += n
	}
}

// Release subtracts each short-hash's delta in m from the table, dropping
// any entry whose count reaches zero or below.
func (t *Table) Release(m map[string]int64) {
	if len(m) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for s, n := range m {
		if n <= 0 {
			continue
		}
		remaining := t.counts[s] - n
		if remaining <= 0 {
			delete(t.counts, s)
		} else {
			t.counts[s] = remaining
		}
	}
}

// Contains reports whether shortHash currently has a live ephemeron count.
func (t *Table) Contains(shortHash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[shortHash] > 0
}

// Snapshot returns a copy of the table's current counts, for the writer to
// consult as a consistent hold predicate during one batching cycle without
// holding the table's lock for the cycle's duration.
func (t *Table) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.counts))
	for s, n := range t.counts {
		out[s] = n
	}
	return out
}
