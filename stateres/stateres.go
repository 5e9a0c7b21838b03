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

// Package stateres implements the version-specific state resolution
// algorithms (v1, v2) the resolver driver dispatches to once it has
// built the conflicted fork states and their auth chain sets. The v2
// implementation is grounded directly on gomatrixserverlib's
// stateresolutionv2.go: power-level mainline ordering, Kahn's
// algorithm over the auth-event DAG, and iterative auth-and-apply of
// the conflicted set in mainline order.
package stateres

import (
	"context"

	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/rerrors"
)

// EventFetchFunc retrieves a PDU by event ID for use during
// resolution (e.g. when auth-checking a conflicted event against its
// own auth_events).
type EventFetchFunc func(ctx context.Context, id types.EventID) (*types.Pdu, error)

// EventExistsFunc reports whether an event ID is known locally,
// without necessarily fetching its full PDU.
type EventExistsFunc func(ctx context.Context, id types.EventID) bool

// Algorithm is a version-specific state resolution implementation.
// forkStates holds one StateMap per conflicting branch; authChains
// holds the corresponding auth chain (as a set of event IDs) for each
// fork, same indexing.
type Algorithm interface {
	Resolve(
		ctx context.Context,
		forkStates []types.StateMap,
		authChains []map[types.EventID]struct{},
		fetch EventFetchFunc,
		exists EventExistsFunc,
	) (types.StateMap, error)
}

// Dispatch returns the Algorithm registered for roomVersion.
func Dispatch(roomVersion types.RoomVersion) (Algorithm, error) {
	switch roomVersion {
	case "1", "2":
		return V1{}, nil
	case "3", "4", "5", "6", "7", "8", "9", "10", "11":
		return V2{}, nil
	default:
		return nil, rerrors.ErrUnknownRoomVersion
	}
}

// splitConflicted partitions the union of fork states into the
// unconflicted set (every fork agrees on the occupant) and the
// conflicted set (at least one fork disagrees, or the slot is absent
// in at least one fork while present in another).
func splitConflicted(forkStates []types.StateMap) (unconflicted types.StateMap, conflicted map[types.StateKeyTuple][]types.EventID) {
	unconflicted = make(types.StateMap)
	conflicted = make(map[types.StateKeyTuple][]types.EventID)

	slots := make(map[types.StateKeyTuple]struct{})
	for _, fs := range forkStates {
		for tuple := range fs {
			slots[tuple] = struct{}{}
		}
	}

	for tuple := range slots {
		seen := make(map[types.EventID]struct{})
		var all []types.EventID
		agree := true
		var first types.EventID
		firstSet := false
		for _, fs := range forkStates {
			id, ok := fs[tuple]
			if !ok {
				agree = false
				continue
			}
			if !firstSet {
				first = id
				firstSet = true
			} else if id != first {
				agree = false
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				all = append(all, id)
			}
		}
		if agree && firstSet {
			unconflicted[tuple] = first
		} else {
			conflicted[tuple] = all
		}
	}
	return unconflicted, conflicted
}
