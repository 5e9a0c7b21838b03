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

// Package lazyload tracks, per (user, device, room), which other
// members' membership events a client has already been sent under
// lazy-loading, so a caller building a sync response can tell whether
// a newly-visible member needs to be included or can be omitted
// because the client already has it. Grounded directly on conduwuit's
// service/rooms/lazy_loading module: an in-memory waiting table keyed
// by (user, device, room, last-seen-count) mapping to the set of user
// IDs already sent, with each sent marker also kept on disk for
// WasSentBefore.
package lazyload

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
)

// Key identifies one lazy-loading waiting entry: a specific client
// (user + device) reading a specific room as of a specific event
// count, the point up to which "already sent" is being tracked.
type Key struct {
	UserID   string
	DeviceID string
	RoomID   types.RoomID
	Count    int64
}

// Table tracks pending (sent-but-not-yet-confirmed) lazy-loading
// entries in an in-memory, mutex-guarded waiting map, matching
// conduwuit's lazy_load_waiting map. WasSentBefore, the probe other
// callers actually consult, is instead backed by a KV column family
// mirrored on every Mark/Confirm/Reset, so it survives a process
// restart even though the waiting map itself does not.
type Table struct {
	mu      sync.Mutex
	waiting map[Key]map[string]struct{}
	sent    *kv.Map
	log     *logrus.Entry
}

// New constructs an empty Table backed by db.
func New(db *kv.DB) *Table {
	return &Table{
		waiting: make(map[Key]map[string]struct{}),
		sent:    db.Map("lazyload_sent"),
		log:     logrus.WithField("component", "lazyload"),
	}
}

// sentKey builds the persisted probe key for (key, targetUserID): the
// client identity and count, null-separated, followed by the target
// user id.
func sentKey(key Key, targetUserID string) []byte {
	b := make([]byte, 0, len(key.UserID)+len(key.DeviceID)+len(key.RoomID)+len(targetUserID)+16)
	b = append(b, key.UserID...)
	b = append(b, 0)
	b = append(b, key.DeviceID...)
	b = append(b, 0)
	b = append(b, key.RoomID...)
	b = append(b, 0)
	count := make([]byte, 8)
	binary.BigEndian.PutUint64(count, uint64(key.Count))
	b = append(b, count...)
	b = append(b, 0)
	b = append(b, targetUserID...)
	return b
}

// WasSentBefore reports whether targetUserID's membership has already
// been sent to this client as of key. Backed by the KV layer, not the
// in-memory waiting map, so the answer is correct even immediately
// after a restart.
func (t *Table) WasSentBefore(key Key, targetUserID string) bool {
	_, err := t.sent.Get(sentKey(key, targetUserID))
	return err == nil
}

// MarkSent records that targetUserID's membership has been sent to
// this client as of key, both in the in-memory waiting map (for
// ConfirmDelivery) and in the persisted probe.
func (t *Table) MarkSent(key Key, targetUserID string) {
	t.mu.Lock()
	set, ok := t.waiting[key]
	if !ok {
		set = make(map[string]struct{})
		t.waiting[key] = set
	}
	set[targetUserID] = struct{}{}
	t.mu.Unlock()

	if err := t.sent.Set(sentKey(key, targetUserID), []byte{}); err != nil {
		t.log.WithError(err).Warn("failed to persist lazy-load sent marker")
	}
}

// ConfirmDelivery removes targetUserID from key's waiting set once the
// client has acknowledged the sync response that carried it, e.g. by
// presenting a newer since-token. Confirming an entry that was never
// marked sent is a silent no-op, mirroring conduwuit's behaviour.
func (t *Table) ConfirmDelivery(key Key, targetUserID string) {
	t.mu.Lock()
	if set, ok := t.waiting[key]; ok {
		delete(set, targetUserID)
		if len(set) == 0 {
			delete(t.waiting, key)
		}
	}
	t.mu.Unlock()

	if err := t.sent.Delete(sentKey(key, targetUserID)); err != nil {
		t.log.WithError(err).Warn("failed to clear persisted lazy-load sent marker")
	}
}

// Reset clears all waiting entries for a (user, device, room),
// used when a client starts a fresh (non-incremental) sync and lazy-
// loading bookkeeping from any prior session no longer applies.
func (t *Table) Reset(userID, deviceID string, roomID types.RoomID) {
	type target struct {
		key    Key
		userID string
	}
	var cleared []target

	t.mu.Lock()
	for key, set := range t.waiting {
		if key.UserID == userID && key.DeviceID == deviceID && key.RoomID == roomID {
			for targetUserID := range set {
				cleared = append(cleared, target{key, targetUserID})
			}
			delete(t.waiting, key)
		}
	}
	t.mu.Unlock()

	for _, c := range cleared {
		if err := t.sent.Delete(sentKey(c.key, c.userID)); err != nil {
			t.log.WithError(err).Warn("failed to clear persisted lazy-load sent marker")
		}
	}
}
