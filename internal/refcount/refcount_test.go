package refcount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stowdb/internal/kv"
)

func openTables(t *testing.T) (rc, zero kv.Table, commit func()) {
	t.Helper()
	b, err := kv.Open(kv.Config{Dir: t.TempDir(), MaxBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	wtx, err := b.BeginWrite()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wtx.Rollback() })

	return wtx.Table(kv.Refs), wtx.Table(kv.Zeroes), func() { require.NoError(t, wtx.Commit()) }
}

func TestSetPositiveThenGet(t *testing.T) {
	rc, zero, _ := openTables(t)

	require.NoError(t, Set(rc, zero, []byte("abc"), 3))
	n, err := Get(rc, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// A positive count must not appear in the zero set.
	took, err := Take(zero, 10, nil)
	require.NoError(t, err)
	assert.NotContains(t, took, "abc")
}

func TestSetZeroMovesToZeroSet(t *testing.T) {
	rc, zero, _ := openTables(t)

	require.NoError(t, Set(rc, zero, []byte("abc"), 5))
	require.NoError(t, Set(rc, zero, []byte("abc"), 0))

	n, err := Get(rc, []byte("abc"))
	require.NoError(t, err)
	assert.Zero(t, n)

	took, err := Take(zero, 10, nil)
	require.NoError(t, err)
	assert.Contains(t, took, "abc")
}

func TestGetOnAbsentIsZero(t *testing.T) {
	rc, _, _ := openTables(t)
	n, err := Get(rc, []byte("nope"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetRejectsNegative(t *testing.T) {
	rc, zero, _ := openTables(t)
	assert.Error(t, Set(rc, zero, []byte("abc"), -1))
}

func TestTakeRespectsLimitAndForbidden(t *testing.T) {
	rc, zero, _ := openTables(t)
	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, Set(rc, zero, []byte(s), 0))
	}

	took, err := Take(zero, 2, func(s string) bool { return s == "a" })
	require.NoError(t, err)
	assert.Len(t, took, 2)
	assert.NotContains(t, took, "a")

	remaining, err := Take(zero, 10, nil)
	require.NoError(t, err)
	// "a" was forbidden so it's still there; the two taken are gone.
	assert.Contains(t, remaining, "a")
	assert.Len(t, remaining, 2)
}

func TestTakeIsDestructive(t *testing.T) {
	rc, zero, _ := openTables(t)
	require.NoError(t, Set(rc, zero, []byte("x"), 0))

	first, err := Take(zero, 10, nil)
	require.NoError(t, err)
	assert.Contains(t, first, "x")

	second, err := Take(zero, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int64{1, 9, 10, 42, 1000000} {
		enc := encode(n)
		assert.NotEqual(t, byte('0'), enc[0])
		dec, err := decode(enc)
		require.NoError(t, err)
		assert.Equal(t, n, dec)
	}
}

func TestDecodeRejectsLeadingZero(t *testing.T) {
	_, err := decode([]byte("01"))
	assert.Error(t, err)
}

func TestDecodeRejectsNonDigit(t *testing.T) {
	_, err := decode([]byte("1a"))
	assert.Error(t, err)
}
