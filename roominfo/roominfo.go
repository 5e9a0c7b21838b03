// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package roominfo persists the small per-room pointer record the
// resolver driver looks up first: which room version governs auth and
// resolution, and which state snapshot is currently authoritative.
// Grounded on the roomserver_rooms table (room_nid, room_version,
// state_snapshot_nid, latest_event_nids) adapted from a SQL row to a
// badger record keyed by RoomNID.
package roominfo

import (
	"encoding/json"
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/rerrors"
	"github.com/matrixkeep/roomstate/shortid"
)

// Table persists RoomInfo records keyed by RoomNID.
type Table struct {
	interner *shortid.Interner
	byNID    *kv.Map
}

// New opens a Table backed by db and in.
func New(db *kv.DB, in *shortid.Interner) *Table {
	return &Table{interner: in, byNID: db.Map("roominfo")}
}

func nidKey(n types.RoomNID) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

// Get returns the RoomInfo for roomID, or rerrors.ErrNoStateForRoom if
// the room has no recorded pointer row yet (e.g. its create event has
// not been processed).
func (t *Table) Get(roomID types.RoomID) (*types.RoomInfo, error) {
	nid, ok, err := t.interner.GetRoomNID(roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rerrors.ErrNoStateForRoom
	}
	b, err := t.byNID.Get(nidKey(nid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, rerrors.ErrNoStateForRoom
	}
	if err != nil {
		return nil, errors.Join(rerrors.ErrStorage, err)
	}
	var info types.RoomInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, errors.Join(rerrors.ErrStorage, err)
	}
	return &info, nil
}

// Put creates or overwrites the pointer row for info.RoomID, interning
// the room ID if needed.
func (t *Table) Put(info *types.RoomInfo) error {
	nid, err := t.interner.GetOrCreateRoomNID(info.RoomID)
	if err != nil {
		return err
	}
	info.RoomNID = nid
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return t.byNID.Set(nidKey(nid), b)
}

// SetCurrentStateNID updates only the current state snapshot pointer
// for an already-created room. The resolver driver does not call it;
// its caller does, after ResolveState has compressed and stored a
// freshly resolved state.
func (t *Table) SetCurrentStateNID(roomID types.RoomID, stateNID types.StateSnapshotNID) error {
	info, err := t.Get(roomID)
	if err != nil {
		return err
	}
	info.CurrentStateNID = stateNID
	return t.Put(info)
}
