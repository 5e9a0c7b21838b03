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

// Package roomstate wires every sub-package (interner, compressed
// state store, auth chain assembler, resolver driver, lazy-loading
// table, caches) into a single Services handle, the same "embed many
// sub-services into one top-level API struct" shape
// RoomserverInternalAPI uses in Dendrite, adapted here since
// roomstate has no HTTP surface of its own: callers embed *Services
// into their own process rather than reaching it over an internal
// HTTP API.
package roomstate

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/matrixkeep/roomstate/authchain"
	"github.com/matrixkeep/roomstate/eventstore"
	"github.com/matrixkeep/roomstate/internal/caching"
	"github.com/matrixkeep/roomstate/internal/config"
	"github.com/matrixkeep/roomstate/internal/kv"
	"github.com/matrixkeep/roomstate/internal/logging"
	"github.com/matrixkeep/roomstate/internal/types"
	"github.com/matrixkeep/roomstate/lazyload"
	"github.com/matrixkeep/roomstate/resolver"
	"github.com/matrixkeep/roomstate/roominfo"
	"github.com/matrixkeep/roomstate/shortid"
	"github.com/matrixkeep/roomstate/statestore"
)

// Services bundles every roomstate sub-package behind one handle.
type Services struct {
	*resolver.Driver

	DB        *kv.DB
	Interner  *shortid.Interner
	Events    *eventstore.Store
	States    *statestore.Store
	Rooms     *roominfo.Table
	AuthChain *authchain.Assembler
	LazyLoad  *lazyload.Table
	Caches    *caching.Caches

	js          nats.JetStreamContext
	outputTopic string
}

// New opens the badger database at cfg.DataDir, wires every
// sub-package together and returns the resulting Services. Callers
// own the lifetime of the returned Services and must call Close when
// done.
func New(cfg *config.Config) (*Services, error) {
	if err := logging.Setup(cfg.LogLevel); err != nil {
		return nil, err
	}
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, ServerName: cfg.ServerName}); err != nil {
			return nil, err
		}
	}

	db, err := kv.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	caches, err := caching.New(caching.DataUnit(cfg.CacheMaxCostMB)*caching.MB, cfg.CacheMaxAge, caching.EnableMetrics)
	if err != nil {
		db.Close()
		return nil, err
	}

	interner := shortid.New(db, caches)
	events := eventstore.New(db, interner, caches)
	states := statestore.New(db, interner)
	rooms := roominfo.New(db, interner)
	chain := authchain.New(db, caches, events.Get, cfg.AuthChainFanout)
	driver := resolver.New(interner, events, states, rooms, chain)

	svc := &Services{
		Driver:      driver,
		DB:          db,
		Interner:    interner,
		Events:      events,
		States:      states,
		Rooms:       rooms,
		AuthChain:   chain,
		LazyLoad:    lazyload.New(db),
		Caches:      caches,
		outputTopic: cfg.OutputTopic,
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		js, err := nc.JetStream()
		if err != nil {
			return nil, err
		}
		svc.js = js
	}

	return svc, nil
}

// Close releases the cache and the underlying badger database.
func (s *Services) Close() error {
	s.Caches.Close()
	return s.DB.Close()
}

// outputEvent is the shape PublishResolved sends to JetStream for a
// resolved state snapshot; ResolveState itself publishes nothing, so
// the caller invokes PublishResolved with its result. Downstream consumers (sync, appservice dispatch) subscribe to this
// instead of polling roominfo directly. Publishing these events is
// outside roomstate's own non-goals boundary, but wiring the
// resolved-state change out to a stream is the one piece of output
// plumbing the resolution dataflow expects the driver to feed.
type outputEvent struct {
	RoomID      types.RoomID           `json:"room_id"`
	SnapshotNID types.StateSnapshotNID `json:"snapshot_nid"`
}

// PublishResolved publishes an outputEvent for a freshly resolved
// snapshot if JetStream output is configured; it is a no-op otherwise.
func (s *Services) PublishResolved(ctx context.Context, roomID types.RoomID, res *resolver.Result) error {
	if s.js == nil {
		return nil
	}
	b, err := json.Marshal(outputEvent{RoomID: roomID, SnapshotNID: res.SnapshotNID})
	if err != nil {
		return err
	}
	if _, err := s.js.Publish(s.outputTopic, b); err != nil {
		logrus.WithError(err).WithField("room_id", string(roomID)).Warn("failed to publish resolved state output event")
		return err
	}
	return nil
}
