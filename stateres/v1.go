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
	"context"
	"sort"

	"github.com/matrixkeep/roomstate/internal/types"
)

// V1 implements the original (pre-room-version-2) state resolution
// algorithm: unconflicted state is kept as-is, and for each
// conflicted slot the candidates are ordered by the number of auth
// events they list (more first) and then lexicographically by event ID,
// with the winner simply the first in that order. Unlike V2 there is
// no mainline-power-level reordering pass.
type V1 struct{}

func (V1) Resolve(
	ctx context.Context,
	forkStates []types.StateMap,
	authChains []map[types.EventID]struct{},
	fetch EventFetchFunc,
	exists EventExistsFunc,
) (types.StateMap, error) {
	unconflicted, conflicted := splitConflicted(forkStates)

	result := make(types.StateMap, len(unconflicted)+len(conflicted))
	for tuple, id := range unconflicted {
		result[tuple] = id
	}

	for tuple, candidates := range conflicted {
		winner, err := v1SelectWinner(ctx, candidates, fetch)
		if err != nil {
			return nil, err
		}
		result[tuple] = winner
	}
	return result, nil
}

// v1SelectWinner picks the candidate with the most auth events,
// breaking ties by lexicographically smallest event ID. This mirrors
// the "power over precedence" heuristic v1 used before mainline
// ordering was introduced in v2.
func v1SelectWinner(ctx context.Context, candidates []types.EventID, fetch EventFetchFunc) (types.EventID, error) {
	type scored struct {
		id       types.EventID
		authSize int
	}
	scoredCandidates := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		pdu, err := fetch(ctx, id)
		authSize := 0
		if err == nil && pdu != nil {
			authSize = len(pdu.AuthEventIDs)
		}
		scoredCandidates = append(scoredCandidates, scored{id: id, authSize: authSize})
	}
	sort.Slice(scoredCandidates, func(i, j int) bool {
		if scoredCandidates[i].authSize != scoredCandidates[j].authSize {
			return scoredCandidates[i].authSize > scoredCandidates[j].authSize
		}
		return scoredCandidates[i].id < scoredCandidates[j].id
	})
	return scoredCandidates[0].id, nil
}
