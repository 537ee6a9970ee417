// Copyright 2024 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/stratalabs/relay/server"
	"go.uber.org/zap"
)

var (
	version  string = "dev"
	commitID string = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file.")
	flag.Parse()

	config, err := server.ParseConfig(*configPath)
	if err != nil {
		// No logger yet.
		os.Stderr.WriteString("Invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := server.NewLogger(config.GetLogger())
	defer logger.Sync()

	logger.Info("Relay starting",
		zap.String("name", config.GetName()),
		zap.String("version", version),
		zap.String("commit", commitID))

	db, err := server.NewDB(logger, config.GetDatabase())
	if err != nil {
		// Loss of the persistence backend at startup is the one fatal
		// precondition.
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	metrics := server.NewLocalMetrics(config.GetName())

	presenceStore := server.NewPGPresenceStore(logger, db)
	messageStore := server.NewPGMessageStore(logger, db)
	membership := server.NewPGMembershipAuthority(logger, db)

	sessionRegistry := server.NewLocalSessionRegistry(logger, metrics)
	roomRegistry := server.NewLocalRoomRegistry(logger)
	router := server.NewLocalMessageRouter(sessionRegistry, roomRegistry)
	tracker := server.StartLocalTracker(logger, config.GetPresence(), sessionRegistry, presenceStore, router, metrics)
	pipeline := server.NewPipeline(logger, config, sessionRegistry, roomRegistry, tracker, router, messageStore, membership)

	apiServer := server.StartApiServer(logger, config, db, sessionRegistry, roomRegistry, tracker, router, messageStore, pipeline, metrics)

	logger.Info("Startup done")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down")
	apiServer.Stop()
	tracker.Stop()
	sessionRegistry.Range(func(session server.Session) bool {
		session.Close("server shutting down")
		return true
	})
	sessionRegistry.Stop()
	roomRegistry.Stop()
	logger.Info("Shutdown complete")
}
