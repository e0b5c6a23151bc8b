// Package refcount implements the persistent per-hash reference counts and
// the zero-set index used to find GC candidates without a linear scan.
package refcount

import (
	"fmt"
	"strconv"

	"github.com/cuemby/stowdb/internal/kv"
)

// Get returns the current refcount for shortHash, 0 if it has none. An
// absent entry is always implied to be in the zero set.
func Get(rc kv.Table, shortHash []byte) (int64, error) {
	raw := rc.Get(shortHash)
	if raw == nil {
		return 0, nil
	}
	return decode(raw)
}

// Set records n as shortHash's refcount. A count of 0 moves the entry out of
// RCTable and into ZeroSet; a positive count does the reverse. Every call
// maintains the invariant that a short-hash is in exactly one of the two
// tables, never both and never neither.
func Set(rc, zero kv.Table, shortHash []byte, n int64) error {
	if n < 0 {
		return fmt.Errorf("refcount: negative count %d for %x", n, shortHash)
	}
	if n == 0 {
		if err := rc.Delete(shortHash); err != nil {
			return fmt.Errorf("refcount: delete from RCTable: %w", err)
		}
		if err := zero.Put(shortHash, []byte{}); err != nil {
			return fmt.Errorf("refcount: insert into ZeroSet: %w", err)
		}
		return nil
	}
	if err := zero.Delete(shortHash); err != nil {
		return fmt.Errorf("refcount: delete from ZeroSet: %w", err)
	}
	if err := rc.Put(shortHash, encode(n)); err != nil {
		return fmt.Errorf("refcount: write RCTable: %w", err)
	}
	return nil
}

// Take pops up to k short-hashes from the zero set, in table order, skipping
// any for which forbidden reports true. Popped entries are removed from
// ZeroSet as they are taken: callers are expected to either collect them or,
// if a caller decides not to, that decision permanently removes the
// short-hash's zero-set membership — the writer never takes a candidate it
// doesn't go on to collect.
func Take(zero kv.Table, k int, forbidden func(shortHash string) bool) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	var taken []string
	var toDelete [][]byte

	c := zero.Cursor()
	for key, _ := c.First(); key != nil && len(taken) < k; key, _ = c.Next() {
		s := string(key)
		if forbidden != nil && forbidden(s) {
			continue
		}
		taken = append(taken, s)
		toDelete = append(toDelete, append([]byte(nil), key...))
	}
	for _, key := range toDelete {
		if err := zero.Delete(key); err != nil {
			return nil, fmt.Errorf("refcount: pop zero set entry: %w", err)
		}
	}
	return taken, nil
}

// encode renders n as ASCII decimal digits with no leading zero, so stored
// counts stay human-readable in a raw bucket dump.
func encode(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

// decode parses an ASCII-decimal refcount, rejecting leading zeros and
// non-digit bytes so a corrupted RCTable entry is caught rather than
// silently misread.
func decode(raw []byte) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("refcount: empty RCTable value")
	}
	if raw[0] == '0' {
		return 0, fmt.Errorf("refcount: leading zero in encoded count %q", raw)
	}
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("refcount: non-digit byte in encoded count %q", raw)
		}
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("refcount: parse encoded count %q: %w", raw, err)
	}
	return n, nil
}
