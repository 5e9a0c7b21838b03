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

// Package config loads roomstate's runtime configuration from the
// environment using caarlos0/env, the same env-tag-driven config
// loading style used across the Dendrite config packages this module
// was distilled from, adapted here to a single flat struct since
// roomstate has no HTTP-facing component of its own.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-tunable knob the resolver core and
// its ambient stack need at process start.
type Config struct {
	// DataDir is the directory badger opens its database in.
	DataDir string `env:"ROOMSTATE_DATA_DIR" envDefault:"./data"`

	// ServerName is this homeserver's own server name, used to scope
	// logging and Sentry tags; roomstate itself never signs or verifies
	// federation requests.
	ServerName string `env:"ROOMSTATE_SERVER_NAME"`

	// AuthChainFanout bounds concurrent auth-event fetches during chain
	// assembly.
	AuthChainFanout int `env:"ROOMSTATE_AUTHCHAIN_FANOUT" envDefault:"32"`

	// CacheMaxCostMB bounds the Ristretto cache's combined cost budget.
	CacheMaxCostMB int64 `env:"ROOMSTATE_CACHE_MAX_COST_MB" envDefault:"256"`

	// CacheMaxAge ages cache entries out after this long; 0 disables
	// TTL eviction entirely.
	CacheMaxAge time.Duration `env:"ROOMSTATE_CACHE_MAX_AGE" envDefault:"1h"`

	// SentryDSN, if set, enables error reporting via sentry-go.
	SentryDSN string `env:"ROOMSTATE_SENTRY_DSN"`

	// NATSURL, if set, enables publishing resolved-state output events
	// to a JetStream stream for downstream consumers (sync, appservice
	// dispatch); roomstate's own scope stops at computing the event.
	NATSURL string `env:"ROOMSTATE_NATS_URL"`

	// OutputTopic is the JetStream subject resolved-state change events
	// are published to.
	OutputTopic string `env:"ROOMSTATE_OUTPUT_TOPIC" envDefault:"roomstate.output"`

	// LogLevel sets the logrus level by name (debug, info, warn, error).
	LogLevel string `env:"ROOMSTATE_LOG_LEVEL" envDefault:"info"`
}

// Load parses Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
