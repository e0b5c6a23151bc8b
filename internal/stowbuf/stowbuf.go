// Package stowbuf implements the StowBuffer: the volatile holding area for
// blobs that have been stowed (hashed and made globally visible for read)
// but not yet migrated into the backend's StowTable by the writer's next
// batching cycle.
package stowbuf

import "sync"

// Buffer is a mutex-protected map from short-hash to blob, safe for
// concurrent use by many transactions and the writer.
type Buffer struct {
	mu sync.Mutex
	m  map[string][]byte
}

// New returns an empty StowBuffer.
func New() *Buffer {
	return &Buffer{m: make(map[string][]byte)}
}

// Put stores blob under shortHash if it is not already present. Stowing the
// same content twice is idempotent: the first writer's bytes win.
func (b *Buffer) Put(shortHash string, blob []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.m[shortHash]; ok {
		return
	}
	b.m[shortHash] = blob
}

// Get returns the buffered blob for shortHash, if any.
func (b *Buffer) Get(shortHash string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[shortHash]
	return v, ok
}

// Snapshot returns a copy of the buffer's current contents, for the writer
// to fold into one batching cycle without holding the lock for its
// duration.
func (b *Buffer) Snapshot() map[string][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]byte, len(b.m))
	for k, v := range b.m {
		out[k] = v
	}
	return out
}

// Delete removes the given short-hashes, called by the writer once their
// blobs have been persisted into StowTable.
func (b *Buffer) Delete(shortHashes []string) {
	if len(shortHashes) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range shortHashes {
		delete(b.m, s)
	}
}
