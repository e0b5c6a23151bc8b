package stowdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put(Key("k"), Value("v")))
	v, err := db.Get(Key("k"))
	require.NoError(t, err)
	assert.Equal(t, Value("v"), v)
}

func TestCloseIsIdempotent(t *testing.T) {
	db, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestWatchReceivesCommittedValue(t *testing.T) {
	db := openTestDB(t)

	ch, cancel, err := db.Watch(Key("k"))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, db.Put(Key("k"), Value("v1")))

	select {
	case v := <-ch:
		assert.Equal(t, Value("v1"), v)
	case <-time.After(time.Second):
		t.Fatal("did not observe watched commit")
	}
}

func TestWatchRejectsEmptyKey(t *testing.T) {
	db := openTestDB(t)

	_, _, err := db.Watch(Key(""))
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestStatsReflectsStowBuffer(t *testing.T) {
	db := openTestDB(t)

	tx := db.NewTX()
	defer tx.Close()
	_, err := tx.Stow(Value("pending"))
	require.NoError(t, err)

	stats := db.Stats()
	assert.Equal(t, 1, stats.StowBufferSize)
}
