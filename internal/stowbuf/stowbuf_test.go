package stowbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutThenGet(t *testing.T) {
	b := New()
	b.Put("s1", []byte("blob"))

	v, ok := b.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, []byte("blob"), v)
}

func TestPutIsFirstWriterWins(t *testing.T) {
	b := New()
	b.Put("s1", []byte("first"))
	b.Put("s1", []byte("second"))

	v, _ := b.Get("s1")
	assert.Equal(t, []byte("first"), v)
}

func TestGetMissing(t *testing.T) {
	b := New()
	_, ok := b.Get("nope")
	assert.False(t, ok)
}

func TestSnapshotAndDelete(t *testing.T) {
	b := New()
	b.Put("s1", []byte("a"))
	b.Put("s2", []byte("b"))

	snap := b.Snapshot()
	assert.Len(t, snap, 2)

	b.Delete([]string{"s1"})
	_, ok := b.Get("s1")
	assert.False(t, ok)
	_, ok = b.Get("s2")
	assert.True(t, ok)

	// The earlier snapshot is unaffected by the later delete.
	assert.Len(t, snap, 2)
}
