package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r4ai/cutit/internal/api"
	"github.com/r4ai/cutit/internal/config"
	"github.com/r4ai/cutit/internal/engine"
	"github.com/r4ai/cutit/internal/logging"
	"github.com/r4ai/cutit/internal/media/ffmpegcli"
	"github.com/r4ai/cutit/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting cutit", "version", config.Version, "data_dir", logging.SanitizePath(cfg.DataDir()))

	database, err := store.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := store.NewRepository(database.Conn())

	backend := ffmpegcli.NewWithTools(cfg.FFmpegPath(), cfg.FFprobePath(), logging.WithComponent(logger, "media"))

	opts := engine.DefaultOptions()
	opts.FrameCacheEntries = cfg.FrameCacheEntries()
	opts.SeekCacheEntries = cfg.SeekCacheEntries()

	eng, err := engine.New(backend, repo, opts, logging.WithComponent(logger, "engine"))
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eng.Run(ctx)

	hub := api.NewEventHub()
	go hub.Run(ctx, eng.Events())

	apiServer := api.NewServer(api.ServerConfig{
		Port:       cfg.Port(),
		Engine:     eng,
		Hub:        hub,
		Repository: repo,
		Logger:     logging.WithComponent(logger, "api"),
		StartTime:  startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	logger.Info("ready", "addr", apiServer.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
