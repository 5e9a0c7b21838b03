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

// Package statestore implements the compressed state store: it turns
// a resolved StateMap into a sorted array of fixed-width 16-byte
// (shortstatekey, shorteventid) records, content-addresses that array
// with a SHA-256 hash, and persists it behind the hash so that two
// rooms (or two points in the same room's history) that land on
// identical state share one snapshot. Grounded on conduwuit's
// state_compressor service and its CompressedStateEvent /
// StateSnapshotNID data model.
package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/rerrors"
	"github.com/matrixkeep/roomstate/shortid"
)

// recordSize is the width of one compressed state record: an 8-byte
// big-endian EventStateKeyNID followed by an 8-byte big-endian
// EventNID.
const recordSize = 16

// Store persists compressed state snapshots and the parent-diff chain
// used to avoid storing every snapshot's full record set.
type Store struct {
	interner *shortid.Interner
	full     *kv.Map // StateSnapshotNID -> sorted full record array
	parent   *kv.Map // StateSnapshotNID -> parent StateSnapshotNID (0 = none)
	diff     *kv.Map // StateSnapshotNID -> added/removed records relative to parent
	log      *logrus.Entry
}

// New opens a Store backed by db and in, the interner used to resolve
// event IDs and state key tuples to their NIDs.
func New(db *kv.DB, in *shortid.Interner) *Store {
	return &Store{
		interner: in,
		full:     db.Map("statestore_full"),
		parent:   db.Map("statestore_parent"),
		diff:     db.Map("statestore_diff"),
		log:      logrus.WithField("component", "statestore"),
	}
}

func encodeEntry(e types.StateEntry) []byte {
	b := make([]byte, recordSize)
	binary.BigEndian.PutUint64(b[0:8], uint64(e.EventStateKeyNID))
	binary.BigEndian.PutUint64(b[8:16], uint64(e.EventNID))
	return b
}

func decodeEntry(b []byte) types.StateEntry {
	return types.StateEntry{
		EventStateKeyNID: types.EventStateKeyNID(binary.BigEndian.Uint64(b[0:8])),
		EventNID:         types.EventNID(binary.BigEndian.Uint64(b[8:16])),
	}
}

func encodeEntries(entries []types.StateEntry) []byte {
	sorted := append([]types.StateEntry{}, entries...)
	sort.Sort(types.StateEntryByStateKeyNID(sorted))
	out := make([]byte, 0, len(sorted)*recordSize)
	for _, e := range sorted {
		out = append(out, encodeEntry(e)...)
	}
	return out
}

func decodeEntries(b []byte) []types.StateEntry {
	n := len(b) / recordSize
	out := make([]types.StateEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, decodeEntry(b[i*recordSize:(i+1)*recordSize]))
	}
	return out
}

// StateHash content-addresses a sorted record array with SHA-256:
// two snapshots with identical (state key nid, event nid) pairs, in
// sorted order, hash identically regardless of how the snapshot was
// constructed.
func StateHash(entries []types.StateEntry) [32]byte {
	return sha256.Sum256(encodeEntries(entries))
}

// CompressStateEvents converts a resolved StateMap into a sorted
// array of StateEntry records, interning every event ID and state key
// tuple it has not seen before along the way. A duplicate (type,
// state_key) slot in the input is impossible by construction because
// StateMap is itself keyed by StateKeyTuple, so this never surfaces
// ErrDuplicateStateKey itself — callers assembling a StateMap from
// looser inputs (e.g. a raw PDU list) are the ones that must guard
// against it before calling in.
func (s *Store) CompressStateEvents(ctx context.Context, sm types.StateMap) ([]types.StateEntry, error) {
	entries := make([]types.StateEntry, 0, len(sm))
	for tuple, eventID := range sm {
		skNID, err := s.interner.GetOrCreateEventStateKeyNID(tuple)
		if err != nil {
			return nil, errors.Join(rerrors.ErrStorage, err)
		}
		evNID, err := s.interner.GetOrCreateEventNID(eventID)
		if err != nil {
			return nil, errors.Join(rerrors.ErrStorage, err)
		}
		entries = append(entries, types.StateEntry{EventStateKeyNID: skNID, EventNID: evNID})
	}
	sort.Sort(types.StateEntryByStateKeyNID(entries))
	return entries, nil
}

// GetOrCreateShortStateHash mints (or returns the existing)
// StateSnapshotNID for a set of compressed state entries, persisting
// the full record array behind it the first time it is seen.
func (s *Store) GetOrCreateShortStateHash(entries []types.StateEntry) (types.StateSnapshotNID, bool, error) {
	hash := StateHash(entries)
	nid, existed, err := s.interner.GetOrCreateStateSnapshotNID(hash)
	if err != nil {
		return 0, false, err
	}
	if existed {
		return nid, true, nil
	}
	key := nidKey(nid)
	if err := s.full.Set(key, encodeEntries(entries)); err != nil {
		return 0, false, err
	}
	if err := s.parent.Set(key, nidKey(0)); err != nil {
		return 0, false, err
	}
	return nid, false, nil
}

func nidKey(n types.StateSnapshotNID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

// StateFullIDs returns the full, resolved state map for a state
// snapshot: every (type, state_key) -> event_id pair it contains,
// walking the diff-parent chain back to the nearest full record if the
// snapshot was stored as a diff. Mirrors conduwuit's state_full_ids.
func (s *Store) StateFullIDs(ctx context.Context, nid types.StateSnapshotNID) (types.StateMap, error) {
	entries, err := s.fullEntries(nid)
	if err != nil {
		return nil, err
	}
	out := make(types.StateMap, len(entries))
	for _, e := range entries {
		tuple, err := s.interner.GetStateKeyTuple(e.EventStateKeyNID)
		if err != nil {
			return nil, err
		}
		eventID, err := s.interner.GetEventID(e.EventNID)
		if err != nil {
			return nil, err
		}
		out[tuple] = eventID
	}
	return out, nil
}

// fullEntries reconstructs the complete record set for nid, applying
// any diffs recorded relative to its parent chain. The chain is
// walked until an ancestor that stores a full record set directly is
// reached (every snapshot GetOrCreateShortStateHash writes is one).
func (s *Store) fullEntries(nid types.StateSnapshotNID) ([]types.StateEntry, error) {
	// Fast path: this snapshot has a full record set stored directly.
	if b, err := s.full.Get(nidKey(nid)); err == nil {
		return decodeEntries(b), nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.Join(rerrors.ErrStorage, err)
	}

	// Otherwise walk the diff-parent chain.
	var chain [][]byte
	cur := nid
	for {
		pb, err := s.parent.Get(nidKey(cur))
		if err != nil {
			return nil, errors.Join(rerrors.ErrNoStateForRoom, err)
		}
		parentNID := types.StateSnapshotNID(binary.BigEndian.Uint64(pb))
		db, err := s.diff.Get(nidKey(cur))
		if err != nil {
			return nil, errors.Join(rerrors.ErrNoStateForRoom, err)
		}
		chain = append(chain, db)
		if parentNID == 0 {
			full, err := s.full.Get(nidKey(cur))
			if err != nil {
				return nil, errors.Join(rerrors.ErrNoStateForRoom, err)
			}
			base := applyDiffs(decodeEntries(full), chain)
			return base, nil
		}
		if full, err := s.full.Get(nidKey(parentNID)); err == nil {
			return applyDiffs(decodeEntries(full), chain), nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errors.Join(rerrors.ErrStorage, err)
		}
		cur = parentNID
	}
}

// applyDiffs folds a chain of diffs (nearest-ancestor first in the
// walk, so applied in reverse here) onto a base record set. A diff
// entry with EventNID 0 means "remove this state key"; any other
// value means "set this state key to this event".
func applyDiffs(base []types.StateEntry, chain [][]byte) []types.StateEntry {
	bySlot := make(map[types.EventStateKeyNID]types.EventNID, len(base))
	for _, e := range base {
		bySlot[e.EventStateKeyNID] = e.EventNID
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, e := range decodeEntries(chain[i]) {
			if e.EventNID == 0 {
				delete(bySlot, e.EventStateKeyNID)
			} else {
				bySlot[e.EventStateKeyNID] = e.EventNID
			}
		}
	}
	out := make([]types.StateEntry, 0, len(bySlot))
	for sk, ev := range bySlot {
		out = append(out, types.StateEntry{EventStateKeyNID: sk, EventNID: ev})
	}
	sort.Sort(types.StateEntryByStateKeyNID(out))
	return out
}

// AddState stores a new snapshot as a diff against parent rather than
// as a full record set, an internal storage optimization invisible to
// callers of StateFullIDs. It suits a state that differs from its
// predecessor by only a handful of entries, the common case for a
// single new state event. The resolver driver does not call it; it
// stores full snapshots through GetOrCreateShortStateHash.
func (s *Store) AddState(parent types.StateSnapshotNID, added, removed []types.StateEntry) (types.StateSnapshotNID, error) {
	full, err := s.fullEntries(parent)
	if err != nil {
		return 0, err
	}
	bySlot := make(map[types.EventStateKeyNID]types.EventNID, len(full))
	for _, e := range full {
		bySlot[e.EventStateKeyNID] = e.EventNID
	}
	for _, e := range removed {
		delete(bySlot, e.EventStateKeyNID)
	}
	for _, e := range added {
		bySlot[e.EventStateKeyNID] = e.EventNID
	}
	merged := make([]types.StateEntry, 0, len(bySlot))
	for sk, ev := range bySlot {
		merged = append(merged, types.StateEntry{EventStateKeyNID: sk, EventNID: ev})
	}
	sort.Sort(types.StateEntryByStateKeyNID(merged))

	hash := StateHash(merged)
	nid, existed, err := s.interner.GetOrCreateStateSnapshotNID(hash)
	if err != nil {
		return 0, err
	}
	if existed {
		return nid, nil
	}

	diffEntries := make([]types.StateEntry, 0, len(added)+len(removed))
	diffEntries = append(diffEntries, added...)
	for _, e := range removed {
		diffEntries = append(diffEntries, types.StateEntry{EventStateKeyNID: e.EventStateKeyNID, EventNID: 0})
	}

	key := nidKey(nid)
	if err := s.parent.Set(key, nidKey(parent)); err != nil {
		return 0, err
	}
	if err := s.diff.Set(key, encodeEntries(diffEntries)); err != nil {
		return 0, err
	}
	return nid, nil
}
