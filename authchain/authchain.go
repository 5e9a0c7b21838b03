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

// Package authchain assembles the transitive closure of a PDU's
// auth_events: the set of every event reachable by repeatedly
// following auth_events references, used by the state resolution v2
// algorithm to build its auth_chain_sets input. Grounded on
// conduwuit's auth_chain service (get_event_ids, cached sorted seeds)
// and the fetch/walk shape already present in bluemiles-dendrite's
// input.fetchAuthEvents. The cache is two-tiered the way conduwuit's
// own service fronts its column families: a Ristretto partition for
// the hot path, falling through on a miss to the shorteventid_authchain
// column family before recomputing from scratch.
package authchain

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/matrixkeep/roomstate/internal/caching"
	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/internal/wideband"
	"github.com/matrixkeep/roomstate/rerrors"
)

// EventFetchFunc retrieves a PDU by event ID. It is supplied by the
// caller (normally backed by eventstore, with a federation fallback
// for events not locally known) rather than owned by this package.
type EventFetchFunc func(ctx context.Context, id types.EventID) (*types.Pdu, error)

// Assembler computes and caches auth chains for sets of seed events.
type Assembler struct {
	fetch EventFetchFunc
	width int

	persisted *kv.Map // shorteventid_authchain: sorted-seed key -> JSON chain
	cache     *caching.Partition[string, []types.EventID]
	log       *logrus.Entry
}

// New constructs an Assembler that uses fetch to resolve event IDs to
// PDUs and fans out lookups with the given concurrency width (0 uses
// wideband.DefaultWidth). db backs the persisted shorteventid_authchain
// column family; caches, if non-nil, fronts it with the AuthChains
// Ristretto partition.
func New(db *kv.DB, caches *caching.Caches, fetch EventFetchFunc, width int) *Assembler {
	a := &Assembler{
		fetch:     fetch,
		width:     width,
		persisted: db.Map("shorteventid_authchain"),
		log:       logrus.WithField("component", "authchain"),
	}
	if caches != nil {
		a.cache = caches.AuthChains
	}
	return a
}

// cacheKey builds a stable lookup key from a seed set the way
// conduwuit sorts seeds before hashing them, so that the same set of
// seeds presented in a different order still hits the cache.
func cacheKey(seeds []types.EventID) string {
	sorted := append([]types.EventID{}, seeds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	key := make([]byte, 0, 64)
	for _, s := range sorted {
		key = append(key, []byte(s)...)
		key = append(key, 0)
	}
	return string(key)
}

// GetEventIDs returns the full auth chain — the seeds themselves plus
// every event reachable via auth_events — for the given seed events.
// A seed or intermediate event that cannot be fetched is skipped
// rather than aborting the whole call, and ErrAuthChainIncomplete is
// returned alongside the partial chain so the caller can log and
// proceed, matching the degraded-but-best-effort posture described for
// this assembler.
func (a *Assembler) GetEventIDs(ctx context.Context, seeds []types.EventID) ([]types.EventID, error) {
	key := cacheKey(seeds)

	if a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			out := make([]types.EventID, len(cached))
			copy(out, cached)
			return out, nil
		}
	}

	if chain, ok, err := a.loadPersisted(key); err != nil {
		return nil, err
	} else if ok {
		if a.cache != nil {
			a.cache.Set(key, chain)
		}
		out := make([]types.EventID, len(chain))
		copy(out, chain)
		return out, nil
	}

	chain, incomplete, err := a.walk(ctx, seeds)
	if err != nil {
		return nil, err
	}

	if err := a.storePersisted(key, chain); err != nil {
		a.log.WithError(err).Warn("failed to persist auth chain")
	}
	if a.cache != nil {
		a.cache.Set(key, chain)
	}

	if incomplete {
		a.log.Warn("auth chain assembled with missing events")
		return chain, rerrors.ErrAuthChainIncomplete
	}
	return chain, nil
}

// loadPersisted probes the shorteventid_authchain column family for a
// previously computed chain under key.
func (a *Assembler) loadPersisted(key string) ([]types.EventID, bool, error) {
	b, err := a.persisted.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Join(rerrors.ErrStorage, err)
	}
	var chain []types.EventID
	if err := json.Unmarshal(b, &chain); err != nil {
		return nil, false, errors.Join(rerrors.ErrStorage, err)
	}
	return chain, true, nil
}

// storePersisted writes chain under key in the shorteventid_authchain
// column family.
func (a *Assembler) storePersisted(key string, chain []types.EventID) error {
	b, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	return a.persisted.Set([]byte(key), b)
}

// walk performs a breadth-first traversal of auth_events starting
// from seeds, fetching each newly discovered frontier in parallel via
// wideband.FilterMap the way conduwuit's wide_filter_map drives the
// equivalent Rust stream combinator.
func (a *Assembler) walk(ctx context.Context, seeds []types.EventID) ([]types.EventID, bool, error) {
	visited := make(map[types.EventID]struct{}, len(seeds)*4)
	var chain []types.EventID
	incomplete := false

	frontier := append([]types.EventID{}, seeds...)
	for len(frontier) > 0 {
		pending := make([]types.EventID, 0, len(frontier))
		for _, id := range frontier {
			if _, ok := visited[id]; ok {
				continue
			}
			visited[id] = struct{}{}
			pending = append(pending, id)
		}
		if len(pending) == 0 {
			break
		}

		pdus := wideband.FilterMap(ctx, a.width, pending, func(ctx context.Context, id types.EventID) (*types.Pdu, bool) {
			pdu, err := a.fetch(ctx, id)
			if err != nil {
				return nil, false
			}
			return pdu, true
		})
		if len(pdus) != len(pending) {
			incomplete = true
		}

		var next []types.EventID
		for _, pdu := range pdus {
			chain = append(chain, pdu.EventID)
			next = append(next, pdu.AuthEventIDs...)
		}
		frontier = next
	}

	return chain, incomplete, nil
}
