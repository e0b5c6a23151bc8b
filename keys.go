package stowdb

import (
	"errors"

	"github.com/cuemby/stowdb/hash"
)

// ErrEmptyKey is returned by Write (and anything that normalizes a key) for
// a zero-length Key — the one Key shape that can't be salvaged by rewriting,
// since the rewrite scheme hashes the original key's bytes.
var ErrEmptyKey = errors.New("stowdb: empty key")

// KMax is the largest Key length, in bytes, that is stored verbatim.
// Longer keys are transparently rewritten.
const KMax = 255

// rewriteMarker is the leading byte of a rewritten key.
const rewriteMarker = 0x1A

// Key is an arbitrary byte string supplied by a caller. Keys that don't
// meet the on-disk constraints (1..KMax bytes, first byte >= 0x20) are
// transparently rewritten before reaching the backend; round-tripping a
// rewritten key through Write/Read is stable and invisible to the caller.
// The empty Key is not rewritten: it is rejected with ErrEmptyKey.
type Key []byte

// Value is an arbitrary byte string. The empty Value means "absent";
// writing an empty Value is equivalent to deleting the key.
type Value []byte

// normalize returns the byte string actually stored as a RootTable key for
// k. Keys within the length and leading-byte constraints pass through
// unchanged; an empty k yields ErrEmptyKey; anything else is rewritten to
// rewriteMarker ∥ hash(k). The
// rewrite is deterministic and stable, so repeated normalization of the
// same invalid key always lands on the same stored key.
func normalize(k Key) ([]byte, error) {
	if len(k) == 0 {
		return nil, ErrEmptyKey
	}
	if len(k) <= KMax && k[0] >= 0x20 {
		return []byte(k), nil
	}
	h := hash.New(k)
	rewritten := make([]byte, 0, 1+len(h))
	rewritten = append(rewritten, rewriteMarker)
	rewritten = append(rewritten, h...)
	return rewritten, nil
}
