package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ripple/chat-engine/internal/messaging"
	"github.com/ripple/chat-engine/internal/reaper"
	"github.com/ripple/chat-engine/internal/store"
)

func main() {
	log.Println("Starting chat-engine reaper...")

	// PostgreSQL setup.
	pgDSN := "postgres://localhost:5432/chatengine?sslmode=disable"
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		pgDSN = v
	}
	messageStore, err := store.Open(pgDSN)
	if err != nil {
		log.Fatalf("failed to open message store: %v", err)
	}

	// NATS setup.
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chat-engine-reaper"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	config := reaper.DefaultConfig()
	if v := os.Getenv("REAP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.Interval = d
		}
	}
	if v := os.Getenv("REAP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.BatchSize = n
		}
	}

	log.Printf("chat-engine reaper running")
	log.Printf("  nats_url:   %s", natsConfig.URL)
	log.Printf("  interval:   %s", config.Interval)
	log.Printf("  batch_size: %d", config.BatchSize)

	// The standalone reaper has no in-process room hub; realtime nodes drop
	// reaped messages from their caches via the change feed.
	r := reaper.New(config, messageStore, natsClient, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	cancel()
	natsClient.Close()
	if err := messageStore.Close(); err != nil {
		log.Printf("message store close error: %v", err)
	}
}
