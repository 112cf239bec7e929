package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kinsync/kinsync/internal/config"
	"github.com/kinsync/kinsync/internal/core/events/bus"
	"github.com/kinsync/kinsync/internal/core/hub"
	"github.com/kinsync/kinsync/internal/core/lockstore"
	"github.com/kinsync/kinsync/internal/observability/log"
	"github.com/kinsync/kinsync/internal/transport/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Log.Level)
	defer func() { _ = logger.Sync() }()

	store := lockstore.NewMemoryStore()
	eventBus := bus.New()
	coordinator := hub.New(hub.Config{
		LockTTL:       cfg.Hub.LockTTL,
		SendQueueSize: cfg.Hub.SendQueueSize,
	}, store, eventBus, logger)

	srv := websocket.New(cfg.Server, cfg.Auth, coordinator, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", log.Error(err))
		os.Exit(1)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-stopCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop server", log.Error(err))
	}
	if err := coordinator.Close(shutdownCtx); err != nil {
		logger.Error("failed to close hub", log.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Error("failed to close lock store", log.Error(err))
	}
	logger.Info("shutdown complete")
}
