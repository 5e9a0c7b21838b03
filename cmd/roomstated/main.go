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

// Command roomstated starts the roomstate core as a standalone
// process, wired for local development and integration testing
// against a federation/client-API layer running out of process. A
// production homeserver embeds the roomstate package directly rather
// than talking to this binary.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/matrixkeep/roomstate"
	"github.com/matrixkeep/roomstate/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	svc, err := roomstate.New(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to start roomstate services")
	}
	defer svc.Close()

	logrus.WithFields(logrus.Fields{
		"data_dir":    cfg.DataDir,
		"server_name": cfg.ServerName,
	}).Info("roomstate core started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
