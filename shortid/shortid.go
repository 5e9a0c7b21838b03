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

// Package shortid implements the short-id interner: a bidirectional
// mapping between Matrix string identifiers (event IDs, room IDs,
// (type, state_key) tuples, state snapshot content hashes) and the
// compact uint64 NIDs the rest of roomstate stores everywhere instead
// of repeating long strings. It is grounded directly on conduwuit's
// service/rooms/short module, which exposes the same four namespaces
// behind get_or_create_shortFOO / get_FOO_from_short pairs.
package shortid

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/matrixkeep/roomstate/internal/caching"
	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/internal/wideband"
	"github.com/matrixkeep/roomstate/rerrors"
)

// namespace groups the forward map (string -> NID), the reverse map
// (NID -> string) and the monotonic counter for one of the four
// interned identifier spaces. Each namespace has its own mutex:
// allocation must be serialized per-namespace to keep the counter
// gap-free, but the four namespaces never block each other.
type namespace struct {
	mu      sync.Mutex
	fwd     *kv.Map // string -> 8-byte big-endian NID
	rev     *kv.Map // 8-byte big-endian NID -> string
	counter *kv.Map // single key "n" -> 8-byte big-endian next NID
}

// Interner is the short-id interner over all four namespaces:
// event IDs, (event_type, state_key) tuples, room IDs and state
// snapshot hashes.
type Interner struct {
	events     namespace
	stateKeys  namespace
	rooms      namespace
	snapshots  namespace
	caches     *caching.Caches
	log        *logrus.Entry
}

// New opens an Interner backed by db, creating its twelve column
// families (forward/reverse/counter x 4 namespaces) if they don't
// already exist. caches fronts the forward/reverse lookups so repeat
// interning of a hot event/room/state-key id skips the KV round-trip
// entirely; a nil caches disables fronting and every call falls
// through to db.
func New(db *kv.DB, caches *caching.Caches) *Interner {
	return &Interner{
		events: namespace{
			fwd:     db.Map("shortid_eventid_fwd"),
			rev:     db.Map("shortid_eventid_rev"),
			counter: db.Map("shortid_eventid_ctr"),
		},
		stateKeys: namespace{
			fwd:     db.Map("shortid_statekey_fwd"),
			rev:     db.Map("shortid_statekey_rev"),
			counter: db.Map("shortid_statekey_ctr"),
		},
		rooms: namespace{
			fwd:     db.Map("shortid_roomid_fwd"),
			rev:     db.Map("shortid_roomid_rev"),
			counter: db.Map("shortid_roomid_ctr"),
		},
		snapshots: namespace{
			fwd:     db.Map("shortid_statehash_fwd"),
			rev:     db.Map("shortid_statehash_rev"),
			counter: db.Map("shortid_statehash_ctr"),
		},
		caches: caches,
		log:    logrus.WithField("component", "shortid"),
	}
}

func encodeNID(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func decodeNID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// next allocates and persists the next counter value for ns, under
// ns.mu, guaranteeing a gap-free monotonic sequence: 1, 2, 3, ... The
// namespace is exhausted once its counter reaches math.MaxUint64:
// that value is still a valid allocation, but the allocation that
// would follow it (MaxUint64+1) cannot be represented, so it fails
// with ErrStorage rather than wrapping around to 0.
func (ns *namespace) next() (uint64, error) {
	cur, err := ns.counter.Get([]byte("n"))
	var next uint64 = 1
	if err == nil {
		curVal := decodeNID(cur)
		if curVal == math.MaxUint64 {
			return 0, rerrors.ErrStorage
		}
		next = curVal + 1
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, errors.Join(rerrors.ErrStorage, err)
	}
	if err := ns.counter.Set([]byte("n"), encodeNID(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// get returns the NID for key, or (0, false, nil) if no mapping
// exists yet.
func (ns *namespace) get(key string) (uint64, bool, error) {
	v, err := ns.fwd.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Join(rerrors.ErrInternerLookupFailed, err)
	}
	return decodeNID(v), true, nil
}

// getOrCreate returns the existing NID for key if present, otherwise
// allocates the next NID, persists both directions of the mapping,
// and returns it along with created=true. Entries are never remapped
// or removed once written: a short ID, once minted, is permanent.
func (ns *namespace) getOrCreate(key string) (nid uint64, created bool, err error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if existing, ok, err := ns.get(key); err != nil {
		return 0, false, err
	} else if ok {
		return existing, false, nil
	}

	n, err := ns.next()
	if err != nil {
		return 0, false, err
	}
	if err := ns.fwd.Set([]byte(key), encodeNID(n)); err != nil {
		return 0, false, err
	}
	if err := ns.rev.Set(encodeNID(n), []byte(key)); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (ns *namespace) getValue(nid uint64) (string, error) {
	v, err := ns.rev.Get(encodeNID(nid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", rerrors.ErrUnknownShortID
	}
	if err != nil {
		return "", errors.Join(rerrors.ErrStorage, err)
	}
	return string(v), nil
}

// --- Event ID namespace ---

// GetEventNID returns the EventNID for id if one has already been
// minted, or ok=false if not. Ristretto-fronted: a hit avoids the KV
// round-trip entirely.
func (in *Interner) GetEventNID(id types.EventID) (types.EventNID, bool, error) {
	if in.caches != nil {
		if nid, ok := in.caches.EventNIDs.Get(string(id)); ok {
			return nid, true, nil
		}
	}
	n, ok, err := in.events.get(string(id))
	if err == nil && ok && in.caches != nil {
		in.caches.EventNIDs.Set(string(id), types.EventNID(n))
	}
	return types.EventNID(n), ok, err
}

// GetOrCreateEventNID mints (or returns the existing) EventNID for id.
func (in *Interner) GetOrCreateEventNID(id types.EventID) (types.EventNID, error) {
	if in.caches != nil {
		if nid, ok := in.caches.EventNIDs.Get(string(id)); ok {
			return nid, nil
		}
	}
	n, _, err := in.events.getOrCreate(string(id))
	if err == nil && in.caches != nil {
		in.caches.EventNIDs.Set(string(id), types.EventNID(n))
		in.caches.EventIDs.Set(n, id)
	}
	return types.EventNID(n), err
}

// MultiGetOrCreateEventNID mints NIDs for many event IDs at once,
// fanned out with bounded concurrency the way conduwuit's
// multi_get_or_create_shorteventid uses wide_then, preserving index
// alignment between ids and the returned NIDs.
func (in *Interner) MultiGetOrCreateEventNID(ctx context.Context, ids []types.EventID) ([]types.EventNID, error) {
	return wideband.Then(ctx, wideband.DefaultWidth, ids, func(_ context.Context, id types.EventID) (types.EventNID, error) {
		return in.GetOrCreateEventNID(id)
	})
}

// GetEventID reverses an EventNID back to its string event ID.
func (in *Interner) GetEventID(nid types.EventNID) (types.EventID, error) {
	if in.caches != nil {
		if id, ok := in.caches.EventIDs.Get(uint64(nid)); ok {
			return id, nil
		}
	}
	s, err := in.events.getValue(uint64(nid))
	if err == nil && in.caches != nil {
		in.caches.EventIDs.Set(uint64(nid), types.EventID(s))
	}
	return types.EventID(s), err
}

// --- (event_type, state_key) namespace ---

func encodeStateKeyTuple(t types.StateKeyTuple) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStateKeyTuple(s string) (types.StateKeyTuple, error) {
	var t types.StateKeyTuple
	err := json.Unmarshal([]byte(s), &t)
	return t, err
}

// GetEventStateKeyNID returns the NID for a (type, state_key) tuple if
// one has already been minted.
func (in *Interner) GetEventStateKeyNID(t types.StateKeyTuple) (types.EventStateKeyNID, bool, error) {
	key, err := encodeStateKeyTuple(t)
	if err != nil {
		return 0, false, err
	}
	if in.caches != nil {
		if nid, ok := in.caches.StateKeyNIDs.Get(key); ok {
			return nid, true, nil
		}
	}
	n, ok, err := in.stateKeys.get(key)
	if err == nil && ok && in.caches != nil {
		in.caches.StateKeyNIDs.Set(key, types.EventStateKeyNID(n))
	}
	return types.EventStateKeyNID(n), ok, err
}

// GetOrCreateEventStateKeyNID mints (or returns the existing) NID for
// a (type, state_key) tuple.
func (in *Interner) GetOrCreateEventStateKeyNID(t types.StateKeyTuple) (types.EventStateKeyNID, error) {
	key, err := encodeStateKeyTuple(t)
	if err != nil {
		return 0, err
	}
	if in.caches != nil {
		if nid, ok := in.caches.StateKeyNIDs.Get(key); ok {
			return nid, nil
		}
	}
	n, _, err := in.stateKeys.getOrCreate(key)
	if err == nil && in.caches != nil {
		in.caches.StateKeyNIDs.Set(key, types.EventStateKeyNID(n))
		in.caches.StateKeyTuples.Set(n, key)
	}
	return types.EventStateKeyNID(n), err
}

// GetStateKeyTuple reverses an EventStateKeyNID back to its tuple.
func (in *Interner) GetStateKeyTuple(nid types.EventStateKeyNID) (types.StateKeyTuple, error) {
	if in.caches != nil {
		if key, ok := in.caches.StateKeyTuples.Get(uint64(nid)); ok {
			return decodeStateKeyTuple(key)
		}
	}
	s, err := in.stateKeys.getValue(uint64(nid))
	if err != nil {
		return types.StateKeyTuple{}, err
	}
	if in.caches != nil {
		in.caches.StateKeyTuples.Set(uint64(nid), s)
	}
	return decodeStateKeyTuple(s)
}

// --- Room ID namespace ---

// GetRoomNID returns the NID for a room ID if one has already been
// minted.
func (in *Interner) GetRoomNID(id types.RoomID) (types.RoomNID, bool, error) {
	if in.caches != nil {
		if nid, ok := in.caches.RoomNIDs.Get(string(id)); ok {
			return nid, true, nil
		}
	}
	n, ok, err := in.rooms.get(string(id))
	if err == nil && ok && in.caches != nil {
		in.caches.RoomNIDs.Set(string(id), types.RoomNID(n))
	}
	return types.RoomNID(n), ok, err
}

// GetOrCreateRoomNID mints (or returns the existing) NID for a room ID.
func (in *Interner) GetOrCreateRoomNID(id types.RoomID) (types.RoomNID, error) {
	if in.caches != nil {
		if nid, ok := in.caches.RoomNIDs.Get(string(id)); ok {
			return nid, nil
		}
	}
	n, _, err := in.rooms.getOrCreate(string(id))
	if err == nil && in.caches != nil {
		in.caches.RoomNIDs.Set(string(id), types.RoomNID(n))
		in.caches.RoomIDs.Set(n, id)
	}
	return types.RoomNID(n), err
}

// GetRoomID reverses a RoomNID back to its string room ID.
func (in *Interner) GetRoomID(nid types.RoomNID) (types.RoomID, error) {
	if in.caches != nil {
		if id, ok := in.caches.RoomIDs.Get(uint64(nid)); ok {
			return id, nil
		}
	}
	s, err := in.rooms.getValue(uint64(nid))
	if err == nil && in.caches != nil {
		in.caches.RoomIDs.Set(uint64(nid), types.RoomID(s))
	}
	return types.RoomID(s), err
}

// --- State snapshot hash namespace ---

// GetOrCreateStateSnapshotNID mints (or returns the existing) NID for
// a state snapshot's content hash, and reports whether the snapshot
// already existed — statestore uses the existed flag to skip
// rewriting the record array of a snapshot it has already stored, and
// the resolver driver reports it as Result.AlreadyKnown, mirroring
// conduwuit's get_or_create_shortstatehash (u64, bool) return.
func (in *Interner) GetOrCreateStateSnapshotNID(hash [32]byte) (nid types.StateSnapshotNID, existed bool, err error) {
	key := string(hash[:])
	n, created, err := in.snapshots.getOrCreate(key)
	return types.StateSnapshotNID(n), !created, err
}
