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

// Package types holds the identifier and data types shared by every
// roomstate package: the string-keyed Matrix identifiers, the interned
// short ID wrapper types, and the PDU/state-entry shapes the resolver
// driver passes between the interner, the compressed state store and
// the auth chain assembler.
package types

import "encoding/json"

// EventID is a Matrix event ID, e.g. "$abc123:example.org".
type EventID string

// RoomID is a Matrix room ID, e.g. "!abc123:example.org".
type RoomID string

// RoomVersion identifies the room version governing auth rules and the
// state resolution algorithm to apply.
type RoomVersion string

// StateKeyTuple is the (event_type, state_key) pair that identifies a
// slot in a room's state map.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// EventNID is the interned short ID for an event ID.
type EventNID uint64

// EventStateKeyNID is the interned short ID for a (type, state_key) tuple.
type EventStateKeyNID uint64

// RoomNID is the interned short ID for a room ID.
type RoomNID uint64

// StateSnapshotNID is the interned short ID for a compressed state
// snapshot's content hash.
type StateSnapshotNID uint64

// StateEntry pairs an interned state-key slot with the event NID
// currently occupying it. This is the in-memory analogue of a
// CompressedStateEvent record once both halves have been resolved
// against the interner.
type StateEntry struct {
	EventStateKeyNID EventStateKeyNID
	EventNID         EventNID
}

// StateEntryByStateKeyNID sorts StateEntry values by their state key
// NID, the order the compressed state store persists them in.
type StateEntryByStateKeyNID []StateEntry

func (s StateEntryByStateKeyNID) Len() int      { return len(s) }
func (s StateEntryByStateKeyNID) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s StateEntryByStateKeyNID) Less(i, j int) bool {
	if s[i].EventStateKeyNID != s[j].EventStateKeyNID {
		return s[i].EventStateKeyNID < s[j].EventStateKeyNID
	}
	return s[i].EventNID < s[j].EventNID
}

// StateMap maps a state key tuple to the event ID currently resident in
// that slot. This is the shape the version-specific resolution
// algorithms consume and produce.
type StateMap map[StateKeyTuple]EventID

// Pdu is the subset of a Matrix persistent data unit the resolver core
// needs: enough to walk auth_events/prev_events, classify membership
// and power-level content, and hand the raw bytes back to a federation
// or client-API layer that asked for it. It deliberately does not
// attempt to be the full client-server event schema.
type Pdu struct {
	EventID        EventID         `json:"event_id"`
	RoomID         RoomID          `json:"room_id"`
	RoomVersion    RoomVersion     `json:"room_version"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	AuthEventIDs   []EventID       `json:"auth_events"`
	PrevEventIDs   []EventID       `json:"prev_events"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	Raw            json.RawMessage `json:"-"`
	Rejected       bool            `json:"-"`
}

// IsState reports whether the PDU carries a state_key and therefore
// occupies a slot in room state.
func (p *Pdu) IsState() bool {
	return p.StateKey != nil
}

// StateKeyTuple returns the (type, state_key) slot this PDU occupies.
// Panics if called on a non-state event; callers must guard with
// IsState first.
func (p *Pdu) StateKeyTuple() StateKeyTuple {
	return StateKeyTuple{EventType: p.Type, StateKey: *p.StateKey}
}

// RoomInfo is the small pointer record the resolver driver looks up
// before doing anything else: which room version governs this room,
// and which state snapshot is presently current.
type RoomInfo struct {
	RoomID            RoomID
	RoomNID           RoomNID
	RoomVersion       RoomVersion
	CurrentStateNID   StateSnapshotNID
	LatestEventNIDs   []EventNID
	LastEventSentNID  EventNID
}
