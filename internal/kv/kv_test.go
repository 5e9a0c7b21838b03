package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMapSetGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	m := db.Map("widgets")

	require.NoError(t, m.Set([]byte("a"), []byte("1")))
	v, err := m.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}

func TestMapsAreIndependentNamespaces(t *testing.T) {
	db := newTestDB(t)
	a := db.Map("a")
	b := db.Map("b")

	require.NoError(t, a.Set([]byte("k"), []byte("from-a")))
	_, err := b.Get([]byte("k"))
	assert.Error(t, err, "same key in a different map must not be visible")
}

func TestSetIfAbsentOnlyWritesOnce(t *testing.T) {
	db := newTestDB(t)
	m := db.Map("counters")

	wrote, err := m.SetIfAbsent([]byte("k"), []byte("first"))
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = m.SetIfAbsent([]byte("k"), []byte("second"))
	require.NoError(t, err)
	assert.False(t, wrote)

	v, err := m.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(v), "second write must not have overwritten the first")
}

func TestStreamForwardCursorVisitsKeysInOrder(t *testing.T) {
	db := newTestDB(t)
	m := db.Map("ordered")
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Set([]byte(k), []byte(k)))
	}

	c := m.Stream(context.Background(), DefaultReadOptions(), nil)
	defer c.Close()
	c.Init(nil)

	var got []string
	for c.Valid() {
		got = append(got, string(c.Key()))
		c.Next()
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRevStreamVisitsKeysInReverseOrder(t *testing.T) {
	db := newTestDB(t)
	m := db.Map("ordered-rev")
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Set([]byte(k), []byte(k)))
	}

	c := m.RevStream(context.Background(), DefaultReadOptions(), nil)
	defer c.Close()
	c.Init(nil)

	var got []string
	for c.Valid() {
		got = append(got, string(c.Key()))
		c.Next()
	}
	assert.Equal(t, []string{"c", "b", "a"}, got)
}

func TestCursorExhaustedAfterLastEntry(t *testing.T) {
	db := newTestDB(t)
	m := db.Map("single")
	require.NoError(t, m.Set([]byte("only"), []byte("v")))

	c := m.Stream(context.Background(), DefaultReadOptions(), nil)
	defer c.Close()
	c.Init(nil)
	require.True(t, c.Valid())
	c.Next()
	assert.False(t, c.Valid())

	// Next on an exhausted cursor is a no-op, not a panic.
	c.Next()
	assert.False(t, c.Valid())
}

func TestStreamPrefixScopesToSubsetOfKeys(t *testing.T) {
	db := newTestDB(t)
	m := db.Map("prefixed")
	require.NoError(t, m.Set([]byte("room1/a"), []byte("1")))
	require.NoError(t, m.Set([]byte("room1/b"), []byte("1")))
	require.NoError(t, m.Set([]byte("room2/a"), []byte("1")))

	c := m.Stream(context.Background(), DefaultReadOptions(), []byte("room1/"))
	defer c.Close()
	c.Init(nil)

	count := 0
	for c.Valid() {
		count++
		c.Next()
	}
	assert.Equal(t, 2, count)
}

func TestIsIncompleteReflectsFillCacheOption(t *testing.T) {
	opts := ReadOptions{FillCache: false}
	db := newTestDB(t)
	m := db.Map("x")
	c := m.Stream(context.Background(), opts, nil)
	defer c.Close()
	assert.True(t, c.IsIncomplete(opts))

	opts2 := DefaultReadOptions()
	assert.False(t, c.IsIncomplete(opts2))
}
