package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/shortid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	in := shortid.New(db, nil)
	return New(db, in)
}

func sampleState() types.StateMap {
	return types.StateMap{
		{EventType: "m.room.create", StateKey: ""}:                   "$create:example.org",
		{EventType: "m.room.member", StateKey: "@alice:example.org"}: "$alice-join:example.org",
		{EventType: "m.room.member", StateKey: "@bob:example.org"}:   "$bob-join:example.org",
	}
}

func TestCompressStateEventsThenStateFullIDsRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries, err := s.CompressStateEvents(ctx, sampleState())
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	nid, existed, err := s.GetOrCreateShortStateHash(entries)
	require.NoError(t, err)
	assert.False(t, existed)

	got, err := s.StateFullIDs(ctx, nid)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)
}

func TestIdenticalStateSharesOneSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entriesA, err := s.CompressStateEvents(ctx, sampleState())
	require.NoError(t, err)
	nidA, _, err := s.GetOrCreateShortStateHash(entriesA)
	require.NoError(t, err)

	entriesB, err := s.CompressStateEvents(ctx, sampleState())
	require.NoError(t, err)
	nidB, existed, err := s.GetOrCreateShortStateHash(entriesB)
	require.NoError(t, err)

	assert.True(t, existed)
	assert.Equal(t, nidA, nidB)
}

func TestStateHashIsOrderIndependent(t *testing.T) {
	a := []types.StateEntry{{EventStateKeyNID: 2, EventNID: 20}, {EventStateKeyNID: 1, EventNID: 10}}
	b := []types.StateEntry{{EventStateKeyNID: 1, EventNID: 10}, {EventStateKeyNID: 2, EventNID: 20}}
	assert.Equal(t, StateHash(a), StateHash(b))
}

func TestAddStateAppliesDiffAgainstParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries, err := s.CompressStateEvents(ctx, sampleState())
	require.NoError(t, err)
	parentNID, _, err := s.GetOrCreateShortStateHash(entries)
	require.NoError(t, err)

	carolSK, err := s.interner.GetOrCreateEventStateKeyNID(types.StateKeyTuple{EventType: "m.room.member", StateKey: "@carol:example.org"})
	require.NoError(t, err)
	carolEV, err := s.interner.GetOrCreateEventNID("$carol-join:example.org")
	require.NoError(t, err)

	childNID, err := s.AddState(parentNID, []types.StateEntry{{EventStateKeyNID: carolSK, EventNID: carolEV}}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, parentNID, childNID)

	full, err := s.StateFullIDs(ctx, childNID)
	require.NoError(t, err)
	assert.Len(t, full, 4)
	assert.Equal(t, types.EventID("$carol-join:example.org"), full[types.StateKeyTuple{EventType: "m.room.member", StateKey: "@carol:example.org"}])

	// The parent snapshot itself must be unaffected by the diff.
	parentFull, err := s.StateFullIDs(ctx, parentNID)
	require.NoError(t, err)
	assert.Len(t, parentFull, 3)
}
