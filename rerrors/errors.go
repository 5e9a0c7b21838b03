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

// Package rerrors defines the sentinel errors shared across the roomstate
// packages. Callers should use errors.Is against these values rather than
// string-matching error messages.
package rerrors

import "errors"

var (
	// ErrStorage wraps any failure returned by the underlying KV engine.
	ErrStorage = errors.New("roomstate: storage error")

	// ErrNoStateForRoom is returned when a room has no recorded current
	// state snapshot, e.g. before its create event has been processed.
	ErrNoStateForRoom = errors.New("roomstate: no state for room")

	// ErrUnknownShortID is returned when a short ID has no corresponding
	// entry in the interner's reverse mapping.
	ErrUnknownShortID = errors.New("roomstate: unknown short id")

	// ErrDuplicateStateKey is returned when a state snapshot is built
	// with two events that share the same (type, state_key) pair.
	ErrDuplicateStateKey = errors.New("roomstate: duplicate state key in snapshot")

	// ErrStateResolutionFailed is returned when the version-specific
	// resolution algorithm cannot produce a resolved state map.
	ErrStateResolutionFailed = errors.New("roomstate: state resolution failed")

	// ErrAuthChainFetchFailed is returned when the auth chain assembler
	// cannot retrieve one or more auth events required to complete a
	// chain.
	ErrAuthChainFetchFailed = errors.New("roomstate: auth chain fetch failed")

	// ErrInternerLookupFailed wraps a lookup failure in the short ID
	// interner that isn't a plain unknown-id miss, e.g. a storage error
	// surfacing through a MultiGetOrCreate call.
	ErrInternerLookupFailed = errors.New("roomstate: interner lookup failed")

	// ErrAuthChainIncomplete marks an auth chain that could not be
	// completed within the configured fan-out budget. Callers log this
	// rather than abort resolution outright, matching the degraded-but-
	// best-effort behaviour used when federation partners are slow.
	ErrAuthChainIncomplete = errors.New("roomstate: auth chain incomplete")

	// ErrUnknownRoomVersion is returned by stateres.Dispatch when asked
	// to resolve state for a room version with no registered algorithm.
	ErrUnknownRoomVersion = errors.New("roomstate: unknown room version")
)
