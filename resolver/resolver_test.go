package resolver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixkeep/roomstate/authchain"
	"github.com/matrixkeep/roomstate/eventstore"
	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/rerrors"
	"github.com/matrixkeep/roomstate/roominfo"
	"github.com/matrixkeep/roomstate/shortid"
	"github.com/matrixkeep/roomstate/statestore"
)

func newTestDriver(t *testing.T) (*Driver, *eventstore.Store) {
	t.Helper()
	db, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	in := shortid.New(db, nil)
	events := eventstore.New(db, in, nil)
	states := statestore.New(db, in)
	rooms := roominfo.New(db, in)
	chain := authchain.New(db, nil, events.Get, 8)

	return New(in, events, states, rooms, chain), events
}

func createPdu(roomID types.RoomID) *types.Pdu {
	sk := ""
	return &types.Pdu{
		EventID:     "$create:example.org",
		RoomID:      roomID,
		RoomVersion: "10",
		Type:        "m.room.create",
		StateKey:    &sk,
		Content:     json.RawMessage(`{"creator":"@alice:example.org"}`),
	}
}

func TestResolveStateForRoomWithNoPriorPointerFails(t *testing.T) {
	d, _ := newTestDriver(t)
	_, err := d.ResolveState(context.Background(), "!missing:example.org", types.StateMap{})
	assert.ErrorIs(t, err, rerrors.ErrNoStateForRoom)
}

func TestResolveStateOnFreshRoomProducesSnapshotFromIncomingState(t *testing.T) {
	d, events := newTestDriver(t)
	ctx := context.Background()
	roomID := types.RoomID("!room:example.org")

	create := createPdu(roomID)
	_, err := events.Put(ctx, create)
	require.NoError(t, err)

	require.NoError(t, d.Rooms.Put(&types.RoomInfo{RoomID: roomID, RoomVersion: "10"}))

	incoming := types.StateMap{
		{EventType: "m.room.create", StateKey: ""}: create.EventID,
	}

	res, err := d.ResolveState(ctx, roomID, incoming)
	require.NoError(t, err)
	assert.Equal(t, create.EventID, res.State[types.StateKeyTuple{EventType: "m.room.create", StateKey: ""}])
	assert.NotZero(t, res.SnapshotNID)
}

func TestResolveStateIsIdempotentForIdenticalInput(t *testing.T) {
	d, events := newTestDriver(t)
	ctx := context.Background()
	roomID := types.RoomID("!room2:example.org")

	create := createPdu(roomID)
	_, err := events.Put(ctx, create)
	require.NoError(t, err)
	require.NoError(t, d.Rooms.Put(&types.RoomInfo{RoomID: roomID, RoomVersion: "10"}))

	incoming := types.StateMap{
		{EventType: "m.room.create", StateKey: ""}: create.EventID,
	}

	first, err := d.ResolveState(ctx, roomID, incoming)
	require.NoError(t, err)

	require.NoError(t, d.Rooms.SetCurrentStateNID(roomID, first.SnapshotNID))

	second, err := d.ResolveState(ctx, roomID, incoming)
	require.NoError(t, err)
	assert.Equal(t, first.SnapshotNID, second.SnapshotNID)
	assert.True(t, second.AlreadyKnown)
}
