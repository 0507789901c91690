package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/deskd-io/deskd/internal/api"
	"github.com/deskd-io/deskd/internal/config"
	"github.com/deskd-io/deskd/internal/engine"
	"github.com/deskd-io/deskd/internal/janitor"
	"github.com/deskd-io/deskd/internal/logbuf"
	"github.com/deskd-io/deskd/internal/mcp"
	"github.com/deskd-io/deskd/internal/notify"
	"github.com/deskd-io/deskd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	// Load config (file or env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("deskd starting", "data_dir", cfg.DataDir)

	// 1. State store
	os.MkdirAll(cfg.DataDir, 0o755)
	dbPath := filepath.Join(cfg.DataDir, "tickets.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("failed to open state store", "path", dbPath, "error", err)
		os.Exit(1)
	}

	// 2. Tool clients
	toolTimeout := time.Duration(cfg.Tools.TimeoutSeconds) * time.Second
	common := mcp.NewClient("common", cfg.Tools.CommonURL, toolTimeout, st, logger)
	atlas := mcp.NewClient("atlas", cfg.Tools.AtlasURL, toolTimeout, st, logger)

	// 3. Notifier (optional)
	var notifier engine.Notifier
	if cfg.Notify.SlackToken != "" {
		slackNotifier, err := notify.NewSlack(cfg.Notify.SlackToken, cfg.Notify.SlackChannel, logger)
		if err != nil {
			logger.Error("failed to init slack notifier", "error", err)
			os.Exit(1)
		}
		notifier = slackNotifier
		logger.Info("slack notifications enabled", "channel", cfg.Notify.SlackChannel)
	}

	// 4. Workflow engine
	eng := engine.New(st, common, atlas, notifier, engine.Config{
		RetryAttempts: cfg.Tools.RetryAttempts,
		RetryBase:     time.Duration(cfg.Tools.RetryBaseMS) * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// 5. Janitor sweeps stranded instances back into motion
	jan := janitor.New(eng, st, cfg.Janitor.SweepSchedule,
		time.Duration(cfg.Janitor.StaleAfterSeconds)*time.Second, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := jan.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("janitor exited", "error", err)
		}
	}()

	// 6. REST API
	server := api.NewServer(eng, api.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger, logBuf)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			logger.Error("api server exited", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	st.DB().Close()
	logger.Info("deskd stopped")
}
