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

// Package caching fronts the shortid interner and event store with an
// in-process Ristretto cache, the same cost-aware TTL cache Dendrite's
// internal/caching package wraps for its RoomServerRoomNIDs,
// RoomServerEvents and related partitions. Each partition here is a
// small generic wrapper around one *ristretto.Cache so call sites get
// typed Get/Set/Unset instead of passing `any` around.
package caching

import (
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/matrixkeep/roomstate/internal/types"
)

// DataUnit expresses a cache's max cost budget in bytes, matching the
// config.DataUnit shape Dendrite threads through NewRistrettoCache.
type DataUnit int64

const (
	_ DataUnit = iota
	KB DataUnit = 1 << (10 * iota)
	MB
	GB
)

// Partition is a typed, generic wrapper around a ristretto.Cache,
// giving each cache table (interned NIDs, PDUs, auth chains) its
// own key namespace within one shared cost budget.
type Partition[K comparable, V any] struct {
	rc        *ristretto.Cache
	namespace string
	ttl       time.Duration
	mutable   bool
}

func newPartition[K comparable, V any](rc *ristretto.Cache, namespace string, ttl time.Duration, mutable bool) *Partition[K, V] {
	return &Partition[K, V]{rc: rc, namespace: namespace, ttl: ttl, mutable: mutable}
}

func (p *Partition[K, V]) key(k K) string {
	return p.namespace + ":" + toKeyString(k)
}

func toKeyString[K comparable](k K) string {
	switch v := any(k).(type) {
	case string:
		return v
	case uint64:
		return strconv.FormatUint(v, 36)
	case types.RoomID:
		return string(v)
	default:
		return ""
	}
}

// Get returns the cached value for k, if present and not expired.
func (p *Partition[K, V]) Get(k K) (V, bool) {
	var zero V
	v, ok := p.rc.Get(p.key(k))
	if !ok {
		return zero, false
	}
	val, ok := v.(V)
	if !ok {
		return zero, false
	}
	return val, true
}

// Set stores v under k with a cost of 1 unit. Immutable partitions
// (interned NID mappings, which never change once minted) panic on an
// attempt to overwrite an existing key with a different value, the
// same invariant Dendrite's immutable caches enforce, because a
// short ID silently changing meaning would corrupt every snapshot
// that referenced it.
func (p *Partition[K, V]) Set(k K, v V) {
	if !p.mutable {
		if existing, ok := p.Get(k); ok {
			if !valuesEqual(existing, v) {
				panic("caching: attempt to change immutable cache entry for " + p.key(k))
			}
			return
		}
	}
	if p.ttl > 0 {
		p.rc.SetWithTTL(p.key(k), v, 1, p.ttl)
	} else {
		p.rc.Set(p.key(k), v, 1)
	}
}

// Unset removes k from the partition.
func (p *Partition[K, V]) Unset(k K) {
	p.rc.Del(p.key(k))
}

func valuesEqual[V any](a, b V) bool {
	type comparer interface{ Equal(V) bool }
	if ac, ok := any(a).(comparer); ok {
		return ac.Equal(b)
	}
	// Best-effort: rely on Go's built-in comparison when V is
	// comparable at the call site's concrete type; for the NID/string
	// partitions this package actually instantiates, equality is
	// always string or uint64 comparison.
	return any(a) == any(b)
}

// Caches bundles every cache partition the resolver driver and
// interner consult before falling back to storage, mirroring the
// shape (if not the exact field set) of Dendrite's RoomServerCaches.
type Caches struct {
	rc *ristretto.Cache

	RoomVersions          *Partition[types.RoomID, types.RoomVersion]
	RoomNIDs              *Partition[string, types.RoomNID]
	RoomIDs               *Partition[uint64, types.RoomID]
	EventNIDs             *Partition[string, types.EventNID]
	EventIDs              *Partition[uint64, types.EventID]
	StateKeyNIDs          *Partition[string, types.EventStateKeyNID]
	StateKeyTuples        *Partition[uint64, string]
	Events                *Partition[uint64, types.Pdu]
	AuthChains            *Partition[string, []types.EventID]
}

// MetricsFlag toggles Ristretto's internal hit/miss metrics
// collection, matching Dendrite's DisableMetrics/EnableMetrics
// constants passed to NewRistrettoCache.
type MetricsFlag bool

const (
	DisableMetrics MetricsFlag = false
	EnableMetrics  MetricsFlag = true
)

// New constructs a Caches bundle with a combined cost budget of
// maxCost, ageing entries out after maxAge (0 disables TTL eviction).
func New(maxCost DataUnit, maxAge time.Duration, metrics MetricsFlag) (*Caches, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxCost) / 100,
		MaxCost:     int64(maxCost),
		BufferItems: 64,
		Metrics:     bool(metrics),
	})
	if err != nil {
		return nil, err
	}
	return &Caches{
		rc:             rc,
		RoomVersions:   newPartition[types.RoomID, types.RoomVersion](rc, "room_version", maxAge, false),
		RoomNIDs:       newPartition[string, types.RoomNID](rc, "room_nid", maxAge, false),
		RoomIDs:        newPartition[uint64, types.RoomID](rc, "room_id", maxAge, false),
		EventNIDs:      newPartition[string, types.EventNID](rc, "event_nid", maxAge, false),
		EventIDs:       newPartition[uint64, types.EventID](rc, "event_id", maxAge, false),
		StateKeyNIDs:   newPartition[string, types.EventStateKeyNID](rc, "statekey_nid", maxAge, false),
		StateKeyTuples: newPartition[uint64, string](rc, "statekey_tuple", maxAge, false),
		Events:         newPartition[uint64, types.Pdu](rc, "event", maxAge, true),
		AuthChains:     newPartition[string, []types.EventID](rc, "authchain", maxAge, true),
	}, nil
}

// Close releases the underlying Ristretto cache's background goroutines.
func (c *Caches) Close() {
	c.rc.Close()
}
