package roominfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/rerrors"
	"github.com/matrixkeep/roomstate/shortid"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	db, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, shortid.New(db, nil))
}

func TestGetUnknownRoomReturnsErrNoStateForRoom(t *testing.T) {
	tbl := newTestTable(t)
	_, err := tbl.Get("!unknown:example.org")
	assert.ErrorIs(t, err, rerrors.ErrNoStateForRoom)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	tbl := newTestTable(t)
	info := &types.RoomInfo{RoomID: "!room:example.org", RoomVersion: "10", CurrentStateNID: 7}
	require.NoError(t, tbl.Put(info))

	got, err := tbl.Get("!room:example.org")
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.CurrentStateNID)
	assert.Equal(t, types.RoomVersion("10"), got.RoomVersion)
}

func TestSetCurrentStateNIDUpdatesOnlyThatField(t *testing.T) {
	tbl := newTestTable(t)
	info := &types.RoomInfo{RoomID: "!room:example.org", RoomVersion: "9", CurrentStateNID: 1}
	require.NoError(t, tbl.Put(info))

	require.NoError(t, tbl.SetCurrentStateNID("!room:example.org", 42))

	got, err := tbl.Get("!room:example.org")
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.CurrentStateNID)
	assert.Equal(t, types.RoomVersion("9"), got.RoomVersion)
}
