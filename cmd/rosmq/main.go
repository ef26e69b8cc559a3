// Copyright 2024 The rosmq Authors
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

// package main is the entrypoint for the rosmq broker.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rosmq/rosmq/pkg/admin"
	"github.com/rosmq/rosmq/pkg/broker"
	"github.com/rosmq/rosmq/pkg/config"
	"github.com/rosmq/rosmq/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file (optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] Failed to load config: %v", err)
	}
	if cfg.Broker.NodeID == "" {
		cfg.Broker.NodeID, _ = os.Hostname()
		if cfg.Broker.NodeID == "" {
			cfg.Broker.NodeID = "local-node"
		}
	}

	log.Printf("[INFO] Starting rosmq broker (node %s)", cfg.Broker.NodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := broker.New(cfg)
	if err != nil {
		log.Fatalf("[ERROR] Failed to create broker: %v", err)
	}
	if err := b.Listen(); err != nil {
		log.Fatalf("[ERROR] Failed to listen on %s: %v", cfg.Broker.MQTTAddr, err)
	}

	go func() {
		if err := b.Serve(ctx); err != nil {
			log.Fatalf("[ERROR] Broker server failed: %v", err)
		}
	}()

	// --- Start Metrics Server ---
	go metrics.Serve(cfg.Broker.MetricsAddr)

	// --- Start Admin API Server ---
	api := admin.NewAPIServer(b)
	go func() {
		if err := api.Serve(ctx, cfg.Broker.AdminAddr); err != nil {
			log.Printf("[ERROR] Admin API server failed: %v", err)
		}
	}()

	// --- Wait for Shutdown Signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("[INFO] Shutdown signal received. Shutting down...")
	cancel()
}
