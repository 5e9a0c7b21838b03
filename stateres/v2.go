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

package stateres

import (
	"container/heap"
	"encoding/json"
	"sort"

	"context"

	"github.com/matrixkeep/roomstate/internal/types"
)

// V2 implements state resolution algorithm v2: unconflicted state is
// kept unchanged, the conflicted set is split into "power events"
// (m.room.create / m.room.power_levels / m.room.join_rules and any
// m.room.member event that changes a user's membership in a way that
// affects their ability to send power events) and "other" conflicted
// events, the power events are ordered along the power-level mainline
// and auth-checked in that order, and the remaining conflicted events
// are then applied in reverse-topological (auth-event) order against
// the state the power events produced. Directly grounded on
// gomatrixserverlib's stateResolverV2.
type V2 struct{}

func (V2) Resolve(
	ctx context.Context,
	forkStates []types.StateMap,
	authChains []map[types.EventID]struct{},
	fetch EventFetchFunc,
	exists EventExistsFunc,
) (types.StateMap, error) {
	r := &resolverV2{fetch: fetch, exists: exists}
	return r.resolve(ctx, forkStates, authChains)
}

type resolverV2 struct {
	fetch  EventFetchFunc
	exists EventExistsFunc

	authEventMap map[types.EventID]*types.Pdu
	resolved     types.StateMap
}

func (r *resolverV2) resolve(ctx context.Context, forkStates []types.StateMap, authChains []map[types.EventID]struct{}) (types.StateMap, error) {
	unconflicted, conflicted := splitConflicted(forkStates)

	authSet := make(map[types.EventID]struct{})
	for _, chain := range authChains {
		for id := range chain {
			authSet[id] = struct{}{}
		}
	}
	r.authEventMap = make(map[types.EventID]*types.Pdu, len(authSet))
	for id := range authSet {
		pdu, err := r.fetch(ctx, id)
		if err != nil || pdu == nil {
			continue
		}
		r.authEventMap[id] = pdu
	}

	powerEvents, otherEvents := r.separatePowerEvents(conflicted)

	r.resolved = make(types.StateMap, len(unconflicted))
	for tuple, id := range unconflicted {
		r.resolved[tuple] = id
	}

	mainline := r.powerLevelMainline()
	orderedPower := r.mainlineOrder(powerEvents, mainline)
	r.authAndApply(ctx, orderedPower)

	orderedOthers := r.reverseTopologicalOrder(otherEvents)
	r.authAndApply(ctx, orderedOthers)

	return r.resolved, nil
}

// separatePowerEvents pulls m.room.create, m.room.power_levels,
// m.room.join_rules and membership-affecting m.room.member events out
// of the conflicted candidate lists into one flat slice, and the rest
// into a second flat slice for reverse-topological ordering.
func (r *resolverV2) separatePowerEvents(conflicted map[types.StateKeyTuple][]types.EventID) (power []types.EventID, others []types.EventID) {
	for tuple, candidates := range conflicted {
		isPower := tuple.EventType == "m.room.create" ||
			tuple.EventType == "m.room.power_levels" ||
			tuple.EventType == "m.room.join_rules" ||
			(tuple.EventType == "m.room.member" && r.memberChangeAffectsPower(candidates))
		if isPower {
			power = append(power, candidates...)
		} else {
			others = append(others, candidates...)
		}
	}
	return power, others
}

// memberChangeAffectsPower reports whether any candidate for a member
// conflict targets a membership transition into/out of join, the only
// transitions that can change who is able to send power events.
func (r *resolverV2) memberChangeAffectsPower(candidates []types.EventID) bool {
	for _, id := range candidates {
		pdu := r.authEventMap[id]
		if pdu == nil {
			continue
		}
		var content struct {
			Membership string `json:"membership"`
		}
		if err := json.Unmarshal(pdu.Content, &content); err != nil {
			continue
		}
		if content.Membership == "join" || content.Membership == "leave" || content.Membership == "ban" {
			return true
		}
	}
	return false
}

// powerLevelMainline starts at the m.room.power_levels event in the
// current resolved state and follows each power_levels event's
// auth_events to its own power_levels parent (ignoring the create
// event), producing the ordered chain, newest first, whose indices
// mainlinePosition uses for any other event's nearest power-levels
// ancestor. It returns nil when the resolved state has no
// power_levels event.
func (r *resolverV2) powerLevelMainline() []types.EventID {
	var createID types.EventID
	for tuple, id := range r.resolved {
		if tuple.EventType == "m.room.create" {
			createID = id
			break
		}
	}
	var currentPL types.EventID
	for tuple, id := range r.resolved {
		if tuple.EventType == "m.room.power_levels" {
			currentPL = id
			break
		}
	}
	if currentPL == "" {
		return nil
	}

	var mainline []types.EventID
	cur := currentPL
	visited := make(map[types.EventID]struct{})
	for cur != "" {
		if _, ok := visited[cur]; ok {
			break
		}
		visited[cur] = struct{}{}
		mainline = append(mainline, cur)
		pdu := r.authEventMap[cur]
		if pdu == nil {
			break
		}
		next := types.EventID("")
		for _, aid := range pdu.AuthEventIDs {
			if aid == createID {
				continue
			}
			apdu := r.authEventMap[aid]
			if apdu != nil && apdu.Type == "m.room.power_levels" {
				next = aid
				break
			}
		}
		cur = next
	}
	return mainline
}

// mainlinePosition walks the event's own auth_events chain of
// power_levels references until it reaches an event in mainline, and
// returns that event's index in mainline plus the number of steps taken.
// Events with no power_levels ancestor sort last (len(mainline)+1).
func (r *resolverV2) mainlinePosition(event types.EventID, mainline []types.EventID) int {
	inMainline := make(map[types.EventID]int, len(mainline))
	for i, id := range mainline {
		inMainline[id] = i
	}
	cur := event
	steps := 0
	visited := make(map[types.EventID]struct{})
	for {
		if pos, ok := inMainline[cur]; ok {
			return pos + steps
		}
		if _, ok := visited[cur]; ok {
			break
		}
		visited[cur] = struct{}{}
		pdu := r.authEventMap[cur]
		if pdu == nil {
			break
		}
		next := types.EventID("")
		for _, aid := range pdu.AuthEventIDs {
			apdu := r.authEventMap[aid]
			if apdu != nil && apdu.Type == "m.room.power_levels" {
				next = aid
				break
			}
		}
		if next == "" {
			break
		}
		cur = next
		steps++
	}
	return len(mainline) + 1
}

// mainlineOrder sorts power events by (mainline position ascending,
// origin_server_ts ascending, event_id ascending), the order v2 auth-
// checks and applies them in.
func (r *resolverV2) mainlineOrder(events []types.EventID, mainline []types.EventID) []types.EventID {
	type scored struct {
		id  types.EventID
		pos int
		ts  int64
	}
	scoredEvents := make([]scored, 0, len(events))
	seen := make(map[types.EventID]struct{})
	for _, id := range events {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		pdu := r.authEventMap[id]
		ts := int64(0)
		if pdu != nil {
			ts = pdu.OriginServerTS
		}
		scoredEvents = append(scoredEvents, scored{id: id, pos: r.mainlinePosition(id, mainline), ts: ts})
	}
	sort.Slice(scoredEvents, func(i, j int) bool {
		if scoredEvents[i].pos != scoredEvents[j].pos {
			return scoredEvents[i].pos < scoredEvents[j].pos
		}
		if scoredEvents[i].ts != scoredEvents[j].ts {
			return scoredEvents[i].ts < scoredEvents[j].ts
		}
		return scoredEvents[i].id < scoredEvents[j].id
	})
	out := make([]types.EventID, len(scoredEvents))
	for i, s := range scoredEvents {
		out[i] = s.id
	}
	return out
}

// authAndApply auth-checks each event in order against the state
// accumulated so far, applying it to r.resolved only if the check
// passes (see checkAuth). Events that cannot be fetched, and non-state
// events, are skipped.
func (r *resolverV2) authAndApply(ctx context.Context, events []types.EventID) {
	for _, id := range events {
		pdu := r.authEventMap[id]
		if pdu == nil {
			var err error
			pdu, err = r.fetch(ctx, id)
			if err != nil || pdu == nil {
				continue
			}
		}
		if !pdu.IsState() {
			continue
		}
		if r.checkAuth(pdu) {
			r.resolved[pdu.StateKeyTuple()] = pdu.EventID
		}
	}
}

// checkAuth performs a minimal auth check against the resolver's
// current state: m.room.create always passes, and every other event
// passes only if an m.room.create event (state key "") is already
// present. Power levels, join rules and the sender's membership are
// not checked. Full Matrix auth rule evaluation is an external collaborator
// of this package; this exists only so v2 can make forward progress
// against the state it has built, not as a replacement for it.
func (r *resolverV2) checkAuth(pdu *types.Pdu) bool {
	switch pdu.Type {
	case "m.room.create":
		return true
	default:
		_, hasCreate := r.resolved[types.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]
		return hasCreate
	}
}

// reverseTopologicalOrder orders the remaining conflicted events by
// Kahn's algorithm over the auth-event DAG restricted to this event
// set: events with no unresolved auth-event dependency within the set
// are emitted first, using origin_server_ts then event_id to break
// ties among simultaneously-ready events, mirroring
// kahnsAlgorithmUsingAuthEvents.
func (r *resolverV2) reverseTopologicalOrder(events []types.EventID) []types.EventID {
	seen := make(map[types.EventID]struct{})
	var unique []types.EventID
	for _, id := range events {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	inSet := make(map[types.EventID]struct{}, len(unique))
	for _, id := range unique {
		inSet[id] = struct{}{}
	}

	inDegree := make(map[types.EventID]int, len(unique))
	dependents := make(map[types.EventID][]types.EventID)
	for _, id := range unique {
		pdu := r.authEventMap[id]
		if pdu == nil {
			inDegree[id] = 0
			continue
		}
		count := 0
		for _, aid := range pdu.AuthEventIDs {
			if _, ok := inSet[aid]; ok {
				count++
				dependents[aid] = append(dependents[aid], id)
			}
		}
		inDegree[id] = count
	}

	pq := &eventHeap{byEventFn: r.eventOf}
	for _, id := range unique {
		if inDegree[id] == 0 {
			heap.Push(pq, id)
		}
	}

	var order []types.EventID
	for pq.Len() > 0 {
		id := heap.Pop(pq).(types.EventID)
		order = append(order, id)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				heap.Push(pq, dep)
			}
		}
	}
	return order
}

func (r *resolverV2) eventOf(id types.EventID) *types.Pdu {
	return r.authEventMap[id]
}

// eventHeap is a container/heap priority queue over event IDs ordered
// by (origin_server_ts, event_id), used by reverseTopologicalOrder to
// break ties between simultaneously-ready events deterministically.
type eventHeap struct {
	items     []types.EventID
	byEventFn func(types.EventID) *types.Pdu
}

func (h *eventHeap) Len() int { return len(h.items) }
func (h *eventHeap) Less(i, j int) bool {
	a, b := h.byEventFn(h.items[i]), h.byEventFn(h.items[j])
	var ats, bts int64
	if a != nil {
		ats = a.OriginServerTS
	}
	if b != nil {
		bts = b.OriginServerTS
	}
	if ats != bts {
		return ats < bts
	}
	return h.items[i] < h.items[j]
}
func (h *eventHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *eventHeap) Push(x any)    { h.items = append(h.items, x.(types.EventID)) }
func (h *eventHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
