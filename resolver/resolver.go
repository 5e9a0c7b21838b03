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

// Package resolver implements the state resolution driver: given a
// room's current state and an incoming event's computed state, it
// builds the conflicting fork states, assembles their auth chains,
// serializes the actual version-specific resolution call behind a
// single process-wide mutex, and persists the result as a new
// compressed state snapshot. Grounded on bluemiles-dendrite's
// input.processRoomEvent / calculateAndSetState ambient style:
// context-timeout wrapping, logrus.WithFields request-scoped logging,
// and a Prometheus histogram measuring end-to-end duration.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrixkeep/roomstate/authchain"
	"github.com/matrixkeep/roomstate/eventstore"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/rerrors"
	"github.com/matrixkeep/roomstate/roominfo"
	"github.com/matrixkeep/roomstate/shortid"
	"github.com/matrixkeep/roomstate/stateres"
	"github.com/matrixkeep/roomstate/statestore"
)

func init() {
	prometheus.MustRegister(resolveStateDuration)
}

// MaximumResolutionTime bounds a single ResolveState call the way
// bluemiles-dendrite bounds processRoomEvent, so a wedged federation
// fetch during auth chain assembly can't hang the driver forever.
const MaximumResolutionTime = time.Minute * 2

var resolveStateDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "roomstate",
		Subsystem: "resolver",
		Name:      "resolve_state_duration_millis",
		Help:      "How long it takes the resolver driver to resolve state for a room",
		Buckets: []float64{
			5, 10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 6000,
			7000, 8000, 9000, 10000, 15000, 20000,
		},
	},
	[]string{"room_id"},
)

// Driver is the ResolveState entry point. It owns the process-wide
// serialization mutex this package requires: only one resolution call
// may be inside the actual version-specific algorithm invocation at a
// time, across every room, matching conduwuit's stateres_mutex.
type Driver struct {
	Interner  *shortid.Interner
	Events    *eventstore.Store
	States    *statestore.Store
	Rooms     *roominfo.Table
	AuthChain *authchain.Assembler

	stateresMu stateResMutex
}

// stateResMutex is a one-slot channel used as a mutex, so that a
// waiting caller (d.stateresMu.Lock(ctx)) gives up when ctx is done,
// which a plain sync.Mutex cannot do.
type stateResMutex struct{ mu chan struct{} }

func newStateResMutex() stateResMutex {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	return stateResMutex{mu: ch}
}

func (m *stateResMutex) Lock(ctx context.Context) error {
	select {
	case <-m.mu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *stateResMutex) Unlock() {
	m.mu <- struct{}{}
}

// New constructs a Driver from its component collaborators.
func New(interner *shortid.Interner, events *eventstore.Store, states *statestore.Store, rooms *roominfo.Table, chain *authchain.Assembler) *Driver {
	return &Driver{
		Interner:   interner,
		Events:     events,
		States:     states,
		Rooms:      rooms,
		AuthChain:  chain,
		stateresMu: newStateResMutex(),
	}
}

// Result is the outcome of resolving state before/after an incoming
// event: the resolved state map plus the snapshot NID it now lives
// under, so the caller can update a room's current-state pointer or
// attach the snapshot to the event being persisted.
type Result struct {
	State        types.StateMap
	SnapshotNID  types.StateSnapshotNID
	AlreadyKnown bool
}

// ResolveState implements the core resolution algorithm:
//  1. look up the room's current state snapshot
//  2. load its full state map
//  3. build the fork states (current state, incoming event's computed
//     state)
//  4. assemble each fork's auth chain
//  5. use the fork states as given: both are already keyed by
//     (type, state_key), so no interner lookup happens here and no
//     entries are dropped
//  6. dispatch to the version-specific algorithm under the process-
//     wide mutex
//  7. compress the resolved state and persist it as a new snapshot
func (d *Driver) ResolveState(inctx context.Context, roomID types.RoomID, incoming types.StateMap) (res *Result, err error) {
	select {
	case <-inctx.Done():
		return nil, context.DeadlineExceeded
	default:
	}

	ctx, cancel := context.WithTimeout(inctx, MaximumResolutionTime)
	defer cancel()

	started := time.Now()
	logger := logrus.WithFields(logrus.Fields{"room_id": string(roomID)})
	defer func() {
		resolveStateDuration.With(prometheus.Labels{"room_id": string(roomID)}).Observe(float64(time.Since(started).Milliseconds()))
		if err != nil {
			logger.WithError(err).Warn("state resolution failed")
			sentry.CaptureException(err)
		}
	}()

	info, err := d.Rooms.Get(roomID)
	if errors.Is(err, rerrors.ErrNoStateForRoom) {
		return nil, fmt.Errorf("room %s: %w", roomID, err)
	}
	if err != nil {
		return nil, err
	}

	currentState, err := d.States.StateFullIDs(ctx, info.CurrentStateNID)
	if err != nil && !errors.Is(err, rerrors.ErrNoStateForRoom) {
		return nil, err
	}

	forkStates := []types.StateMap{currentState, incoming}

	authChains := make([]map[types.EventID]struct{}, len(forkStates))
	for i, fs := range forkStates {
		seeds := seedEventIDs(fs)
		chain, chainErr := d.AuthChain.GetEventIDs(ctx, seeds)
		if chainErr != nil && !errors.Is(chainErr, rerrors.ErrAuthChainIncomplete) {
			return nil, errors.Join(rerrors.ErrAuthChainFetchFailed, chainErr)
		}
		if errors.Is(chainErr, rerrors.ErrAuthChainIncomplete) {
			logger.Warn("proceeding with an incomplete auth chain for one fork")
		}
		set := make(map[types.EventID]struct{}, len(chain))
		for _, id := range chain {
			set[id] = struct{}{}
		}
		authChains[i] = set
	}

	algo, err := stateres.Dispatch(info.RoomVersion)
	if err != nil {
		return nil, err
	}

	if err := d.stateresMu.Lock(ctx); err != nil {
		return nil, err
	}
	resolved, resolveErr := algo.Resolve(ctx, forkStates, authChains, d.Events.Get, d.Events.Exists)
	d.stateresMu.Unlock()
	if resolveErr != nil {
		return nil, fmt.Errorf("room %s: %w", roomID, errors.Join(rerrors.ErrStateResolutionFailed, resolveErr))
	}

	entries, err := d.States.CompressStateEvents(ctx, resolved)
	if err != nil {
		return nil, err
	}
	snapshotNID, existed, err := d.States.GetOrCreateShortStateHash(entries)
	if err != nil {
		return nil, err
	}

	return &Result{State: resolved, SnapshotNID: snapshotNID, AlreadyKnown: existed}, nil
}

// seedEventIDs flattens a StateMap's event IDs into a slice suitable
// as auth chain assembly seeds.
func seedEventIDs(sm types.StateMap) []types.EventID {
	out := make([]types.EventID, 0, len(sm))
	for _, id := range sm {
		out = append(out, id)
	}
	return out
}
