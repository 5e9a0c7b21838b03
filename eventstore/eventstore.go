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

// Package eventstore persists PDUs keyed by their interned EventNID
// and implements the EventFetchFunc/EventExistsFunc collaborators the
// resolver driver, auth chain assembler and stateres algorithms need
// to turn an event ID into its content. Grounded on the NID-indexed
// storage style of Murazaki's roomserver_rooms table, adapted from SQL
// rows to badger records. Alongside the primary EventNID->PDU table it
// maintains a shorteventid_authchain-adjacent eventid_roomid index —
// (room NID, event NID) composite keys — so a room's known events can
// be range-scanned without walking every PDU in the store.
package eventstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/matrixkeep/roomstate/internal/caching"
	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/rerrors"
	"github.com/matrixkeep/roomstate/shortid"
)

// Store persists PDUs keyed by EventNID, the shortid interner's
// intern of their event ID.
type Store struct {
	interner *shortid.Interner
	byNID    *kv.Map
	byRoom   *kv.Map
	caches   *caching.Caches
}

// New opens a Store backed by db and in. caches, if non-nil, fronts
// Get/Put with the Events partition so a hot PDU lookup skips the KV
// round-trip.
func New(db *kv.DB, in *shortid.Interner, caches *caching.Caches) *Store {
	return &Store{
		interner: in,
		byNID:    db.Map("eventstore_pdu"),
		byRoom:   db.Map("eventid_roomid"),
		caches:   caches,
	}
}

func nidKey(n types.EventNID) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}

// roomEventKey builds the eventid_roomid index key: the room NID
// followed by the event NID, so Stream-ing with the room NID as
// prefix yields every event NID known for that room in key order.
func roomEventKey(room types.RoomNID, event types.EventNID) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(room))
	binary.BigEndian.PutUint64(b[8:], uint64(event))
	return b
}

// Put interns pdu's event ID (if not already interned) and persists
// its content, returning the assigned EventNID. It also records the
// event under its room in the eventid_roomid index.
func (s *Store) Put(ctx context.Context, pdu *types.Pdu) (types.EventNID, error) {
	nid, err := s.interner.GetOrCreateEventNID(pdu.EventID)
	if err != nil {
		return 0, err
	}
	b, err := json.Marshal(pdu)
	if err != nil {
		return 0, err
	}
	if err := s.byNID.Set(nidKey(nid), b); err != nil {
		return 0, err
	}

	if pdu.RoomID != "" {
		roomNID, err := s.interner.GetOrCreateRoomNID(pdu.RoomID)
		if err != nil {
			return 0, err
		}
		if err := s.byRoom.Set(roomEventKey(roomNID, nid), []byte{}); err != nil {
			return 0, err
		}
	}

	if s.caches != nil {
		s.caches.Events.Set(uint64(nid), *pdu)
	}
	return nid, nil
}

// Get fetches the PDU for id. This is the EventFetchFunc the resolver
// driver hands to authchain.New and stateres.Dispatch results.
func (s *Store) Get(ctx context.Context, id types.EventID) (*types.Pdu, error) {
	nid, ok, err := s.interner.GetEventNID(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rerrors.ErrUnknownShortID
	}

	if s.caches != nil {
		if pdu, ok := s.caches.Events.Get(uint64(nid)); ok {
			cp := pdu
			return &cp, nil
		}
	}

	b, err := s.byNID.Get(nidKey(nid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, rerrors.ErrUnknownShortID
	}
	if err != nil {
		return nil, errors.Join(rerrors.ErrStorage, err)
	}
	var pdu types.Pdu
	if err := json.Unmarshal(b, &pdu); err != nil {
		return nil, errors.Join(rerrors.ErrStorage, err)
	}
	if s.caches != nil {
		s.caches.Events.Set(uint64(nid), pdu)
	}
	return &pdu, nil
}

// EventsInRoom returns every EventNID persisted for roomID via the
// eventid_roomid index, backing room-scoped lookups without scanning
// the whole pdu column family. Returns (nil, nil) for a room with no
// persisted events, including one that was never interned.
func (s *Store) EventsInRoom(ctx context.Context, roomID types.RoomID) ([]types.EventNID, error) {
	roomNID, ok, err := s.interner.GetRoomNID(roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(roomNID))

	cur := s.byRoom.Stream(ctx, kv.DefaultReadOptions(), prefix)
	defer cur.Close()

	var out []types.EventNID
	cur.Init(nil)
	for cur.Valid() {
		key := cur.Key()
		if len(key) == 16 {
			out = append(out, types.EventNID(binary.BigEndian.Uint64(key[8:])))
		}
		cur.Next()
	}
	return out, nil
}

// Exists reports whether id is known locally, without surfacing a
// storage error to the caller — the resolver driver hands it to the
// stateres algorithms as their best-effort EventExistsFunc probe.
func (s *Store) Exists(ctx context.Context, id types.EventID) bool {
	_, err := s.Get(ctx, id)
	return err == nil
}
