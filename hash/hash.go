// Package hash implements stowdb's content-addressing primitives: a
// fixed-width, base32-encoded digest over arbitrary blobs, a conservative
// in-blob dependency scanner, and the timing-safe comparison used to verify
// stowed resources against their claimed hash.
package hash

import (
	"crypto/subtle"
	"encoding/base32"

	"golang.org/x/crypto/blake2b"
)

const (
	// Size is H, the fixed length in bytes of an encoded Hash.
	Size = 60

	// ShortSize is H/2, the length of the prefix used as a resource's
	// lookup key in the RefCount and Stow tables.
	ShortSize = Size / 2

	// digestBytes is the blake2b output length that base32-encodes
	// (without padding) to exactly Size characters: ceil(37*8/5) == 60.
	digestBytes = 37

	// alphabet is a 32-symbol lowercase alphabet. Every byte it contains
	// is reserved: it may not appear adjacent to an encoded Hash in a
	// blob without being mistaken for part of it, which is why Deps only
	// trusts alphabet runs of exactly Size bytes.
	alphabet = "abcdefghijklmnopqrstuvwxyz234567"
)

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

var isAlphabet [256]bool

func init() {
	for i := 0; i < len(alphabet); i++ {
		isAlphabet[alphabet[i]] = true
	}
}

// Hash is the base32 text encoding of a blob's digest. It is exactly Size
// bytes long and uses only characters from alphabet, so it round-trips
// safely through any table that stores keys as opaque byte strings.
type Hash string

// New computes the Hash of blob.
func New(blob []byte) Hash {
	h, err := blake2b.New(digestBytes, nil)
	if err != nil {
		// digestBytes is a compile-time constant in blake2b's valid
		// 1..64 range; this can never fail.
		panic(err)
	}
	h.Write(blob)
	sum := h.Sum(nil)
	return Hash(encoding.EncodeToString(sum))
}

// Valid reports whether h has the shape of a Hash produced by New: the
// right length, built only from alphabet characters.
func (h Hash) Valid() bool {
	if len(h) != Size {
		return false
	}
	for i := 0; i < len(h); i++ {
		if !isAlphabet[h[i]] {
			return false
		}
	}
	return true
}

// Short returns the first ShortSize bytes of h, the form used as a key in
// the RefCount and Stow tables.
func (h Hash) Short() string {
	return string(h[:ShortSize])
}

// Suffix returns the remaining ShortSize bytes of h, stored alongside a
// resource's blob so a short-hash lookup can be verified in full.
func (h Hash) Suffix() string {
	return string(h[ShortSize:])
}

// String implements fmt.Stringer.
func (h Hash) String() string {
	return string(h)
}

// Deps conservatively scans blob for embedded Hash references: maximal runs
// of alphabet bytes that are exactly Size bytes long, bounded on both sides
// by a non-alphabet byte or the edge of blob. A run any other length is not
// reported, on either side of it, since there is no way to tell where one
// encoded hash ends and an adjacent one begins.
func Deps(blob []byte) []Hash {
	var deps []Hash
	n := len(blob)
	i := 0
	for i < n {
		if !isAlphabet[blob[i]] {
			i++
			continue
		}
		start := i
		for i < n && isAlphabet[blob[i]] {
			i++
		}
		if i-start == Size {
			deps = append(deps, Hash(blob[start:i]))
		}
	}
	return deps
}

// CtEqual performs a constant-time comparison of two byte strings,
// independent of where they first differ. It is used to check a stowed
// resource's suffix against the looked-up Hash without leaking how many
// leading bytes matched.
func CtEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
