package eventstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/rerrors"
	"github.com/matrixkeep/roomstate/shortid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, shortid.New(db, nil), nil)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pdu := &types.Pdu{
		EventID: "$a:example.org",
		RoomID:  "!room:example.org",
		Type:    "m.room.message",
		Content: json.RawMessage(`{"body":"hi"}`),
	}

	_, err := s.Put(ctx, pdu)
	require.NoError(t, err)

	got, err := s.Get(ctx, pdu.EventID)
	require.NoError(t, err)
	assert.Equal(t, pdu.EventID, got.EventID)
	assert.Equal(t, pdu.RoomID, got.RoomID)
}

func TestGetUnknownEventReturnsErrUnknownShortID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "$never-stored:example.org")
	assert.ErrorIs(t, err, rerrors.ErrUnknownShortID)
}

func TestEventsInRoomReturnsOnlyThatRoomsEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Put(ctx, &types.Pdu{EventID: "$a:example.org", RoomID: "!room1:example.org", Content: json.RawMessage(`{}`)})
	require.NoError(t, err)
	b, err := s.Put(ctx, &types.Pdu{EventID: "$b:example.org", RoomID: "!room1:example.org", Content: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = s.Put(ctx, &types.Pdu{EventID: "$c:example.org", RoomID: "!room2:example.org", Content: json.RawMessage(`{}`)})
	require.NoError(t, err)

	nids, err := s.EventsInRoom(ctx, "!room1:example.org")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.EventNID{a, b}, nids)
}

func TestEventsInRoomUnknownRoomReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	nids, err := s.EventsInRoom(context.Background(), "!never-seen:example.org")
	require.NoError(t, err)
	assert.Empty(t, nids)
}

func TestExistsReflectsPriorPut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	assert.False(t, s.Exists(ctx, "$missing:example.org"))

	pdu := &types.Pdu{EventID: "$present:example.org", Content: json.RawMessage(`{}`)}
	_, err := s.Put(ctx, pdu)
	require.NoError(t, err)
	assert.True(t, s.Exists(ctx, "$present:example.org"))
}
