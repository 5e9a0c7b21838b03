package shortid

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/rerrors"
)

func newTestInterner(t *testing.T) *Interner {
	t.Helper()
	db, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil)
}

func TestGetOrCreateEventNIDIsStableAndMonotonic(t *testing.T) {
	in := newTestInterner(t)

	first, err := in.GetOrCreateEventNID("$a:example.org")
	require.NoError(t, err)
	assert.EqualValues(t, 1, first)

	second, err := in.GetOrCreateEventNID("$b:example.org")
	require.NoError(t, err)
	assert.EqualValues(t, 2, second)

	again, err := in.GetOrCreateEventNID("$a:example.org")
	require.NoError(t, err)
	assert.Equal(t, first, again, "re-interning the same id must return the same NID")
}

func TestGetEventNIDMissReportsNotOK(t *testing.T) {
	in := newTestInterner(t)
	_, ok, err := in.GetEventNID("$never-seen:example.org")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetEventIDReversesEventNID(t *testing.T) {
	in := newTestInterner(t)
	nid, err := in.GetOrCreateEventNID("$round-trip:example.org")
	require.NoError(t, err)

	id, err := in.GetEventID(nid)
	require.NoError(t, err)
	assert.EqualValues(t, "$round-trip:example.org", id)
}

func TestGetEventIDUnknownNIDReturnsErrUnknownShortID(t *testing.T) {
	in := newTestInterner(t)
	_, err := in.GetEventID(types.EventNID(99999))
	assert.ErrorIs(t, err, rerrors.ErrUnknownShortID)
}

func TestMultiGetOrCreateEventNIDPreservesIndexAlignment(t *testing.T) {
	in := newTestInterner(t)
	ids := []types.EventID{"$a:x", "$b:x", "$c:x", "$a:x"}
	nids, err := in.MultiGetOrCreateEventNID(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, nids, len(ids))
	assert.Equal(t, nids[0], nids[3], "duplicate input id must map to the same NID at its own index")
	assert.NotEqual(t, nids[0], nids[1])
	assert.NotEqual(t, nids[1], nids[2])
}

func TestEventStateKeyNIDRoundTrip(t *testing.T) {
	in := newTestInterner(t)
	tuple := types.StateKeyTuple{EventType: "m.room.member", StateKey: "@alice:example.org"}

	nid, err := in.GetOrCreateEventStateKeyNID(tuple)
	require.NoError(t, err)

	got, err := in.GetStateKeyTuple(nid)
	require.NoError(t, err)
	assert.Equal(t, tuple, got)

	again, err := in.GetOrCreateEventStateKeyNID(tuple)
	require.NoError(t, err)
	assert.Equal(t, nid, again)
}

func TestRoomNIDRoundTrip(t *testing.T) {
	in := newTestInterner(t)
	nid, err := in.GetOrCreateRoomNID("!room:example.org")
	require.NoError(t, err)

	id, err := in.GetRoomID(nid)
	require.NoError(t, err)
	assert.EqualValues(t, "!room:example.org", id)
}

func TestNamespaceNextFailsOnceCounterIsExhausted(t *testing.T) {
	in := newTestInterner(t)
	require.NoError(t, in.events.counter.Set([]byte("n"), encodeNID(math.MaxUint64-1)))

	nid, err := in.events.next()
	require.NoError(t, err)
	assert.EqualValues(t, math.MaxUint64, nid)

	_, err = in.events.next()
	assert.ErrorIs(t, err, rerrors.ErrStorage)
}

func TestGetOrCreateStateSnapshotNIDReportsExisted(t *testing.T) {
	in := newTestInterner(t)
	var hash [32]byte
	copy(hash[:], "deterministic-test-hash-value!!")

	nid, existed, err := in.GetOrCreateStateSnapshotNID(hash)
	require.NoError(t, err)
	assert.False(t, existed)

	again, existed, err := in.GetOrCreateStateSnapshotNID(hash)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, nid, again)
}
