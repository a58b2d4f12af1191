package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convsync/internal/cache"
	"convsync/internal/config"
	"convsync/internal/constants"
	"convsync/internal/index"
	"convsync/internal/metrics"
	"convsync/internal/reconcile"
	"convsync/internal/retry"
	"convsync/internal/service"
	"convsync/internal/tracing"
	"convsync/pkg/chatapi"
	"convsync/pkg/push"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("convsync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting convsync")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Open the cache store with exponential backoff; the sqlite file may
	// sit on storage that is still mounting at boot.
	var store *cache.Store
	storeBackoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: constants.DefaultStoreBackoffMs * time.Millisecond,
		MaxDelay:     constants.DefaultStoreMaxBackoffSec * time.Second,
		MaxAttempts:  constants.DefaultStoreRetryAttempts,
	})
	err = storeBackoff.Retry(ctx, func() error {
		var openErr error
		store, openErr = cache.New(cfg.Cache.Path, cache.Options{
			TTL:        time.Duration(cfg.Cache.TTLMin) * time.Minute,
			ByteBudget: cfg.Cache.ByteBudget,
			EntryCap:   cfg.Cache.EntryCap,
		}, logger)
		if openErr != nil {
			logger.Warnf("Failed to open cache store: %v", openErr)
		}
		return openErr
	})
	if err != nil {
		return fmt.Errorf("failed to open cache store after retries: %w", err)
	}
	defer func() { _ = store.Close() }()

	client := chatapi.NewClient(chatapi.ClientConfig{
		BaseURL:   cfg.API.BaseURL,
		CompanyID: cfg.API.CompanyID,
		Timeout:   time.Duration(cfg.API.TimeoutSec) * time.Second,
	})

	pushManager := push.NewManager(push.Config{
		URL:         cfg.Push.URL,
		BaseDelay:   time.Duration(cfg.Push.ReconnectBaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Push.ReconnectMaxDelayMs) * time.Millisecond,
		MaxAttempts: cfg.Push.MaxReconnectAttempts,
		DialTimeout: time.Duration(cfg.Push.DialTimeoutSec) * time.Second,
		ReadLimit:   constants.DefaultReadLimitBytes,
	}, logger)

	registry := metrics.NewRegistry()
	reconciler := reconcile.New(reconcile.Options{}, logger)
	conversationIndex := index.New(logger)

	engine := service.NewSyncEngine(service.EngineDeps{
		Client:   client,
		Push:     pushManager,
		Rec:      reconciler,
		Index:    conversationIndex,
		Store:    store,
		Registry: registry,
		Logger:   logger,
	},
		time.Duration(cfg.Poll.IntervalSec)*time.Second,
		time.Duration(cfg.Poll.TimeoutSec)*time.Second,
		time.Duration(constants.DefaultReactionBufferTTLMin)*time.Minute,
	)

	sendBackoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		MaxAttempts:  cfg.Retry.MaxAttempts,
	})
	sender := service.NewSender(client, reconciler, sendBackoff,
		time.Duration(constants.DefaultSendTimeoutSec)*time.Second, registry, logger)
	engine.SetSender(sender)

	sweeper := cache.NewSweeper(store, time.Duration(cfg.Cache.SweepMin)*time.Minute, logger)
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	defer engine.Stop()

	server := NewServer(cfg, engine, registry, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	// One last sweep so the cache on disk is pruned before exit.
	sweeper.Sweep(shutdownCtx)

	logger.Info("Server shutdown completed")
	return nil
}
