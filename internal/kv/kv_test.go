package kv

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(Config{Dir: t.TempDir(), MaxBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestOpenCreatesAllTables(t *testing.T) {
	b := openTestBackend(t)

	view, release := b.AcquireFrame()
	defer release()
	for _, name := range allTables {
		assert.NotNil(t, view.Table(name).Cursor(), "table %q should exist", name)
	}
}

func TestWriteThenReadNewFrame(t *testing.T) {
	b := openTestBackend(t)

	wtx, err := b.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Table(Roots).Put([]byte("k"), []byte("v")))
	require.NoError(t, wtx.Commit())
	require.NoError(t, b.Advance())

	view, release := b.AcquireFrame()
	defer release()
	assert.Equal(t, []byte("v"), view.Table(Roots).Get([]byte("k")))
}

func TestOldFrameUnaffectedByLaterWrite(t *testing.T) {
	b := openTestBackend(t)

	oldView, releaseOld := b.AcquireFrame()
	defer releaseOld()
	assert.Nil(t, oldView.Table(Roots).Get([]byte("k")))

	wtx, err := b.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.Table(Roots).Put([]byte("k"), []byte("v")))
	require.NoError(t, wtx.Commit())
	require.NoError(t, b.Advance())

	// The frame acquired before the write still sees the old state.
	assert.Nil(t, oldView.Table(Roots).Get([]byte("k")))

	newView, releaseNew := b.AcquireFrame()
	defer releaseNew()
	assert.Equal(t, []byte("v"), newView.Table(Roots).Get([]byte("k")))
}

func TestAdvanceWaitsForActiveReaders(t *testing.T) {
	b := openTestBackend(t)

	_, release := b.AcquireFrame()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wtx, err := b.BeginWrite()
		require.NoError(t, err)
		require.NoError(t, wtx.Commit())
		require.NoError(t, b.Advance())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Advance returned before the outstanding reader was released")
	default:
	}

	release()
	wg.Wait()
}

func TestSecondOpenFailsWhileFirstHoldsLock(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(Config{Dir: dir, MaxBytes: 1 << 20})
	require.NoError(t, err)
	defer b.Close()

	_, err = Open(Config{Dir: dir, MaxBytes: 1 << 20})
	assert.Error(t, err)
}
