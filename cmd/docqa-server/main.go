package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/genkai/docqa/pkg/docqa/backend"
	"github.com/genkai/docqa/pkg/docqa/common"
	"github.com/genkai/docqa/pkg/docqa/concurrency"
	"github.com/genkai/docqa/pkg/docqa/config"
	"github.com/genkai/docqa/pkg/docqa/server"
	"github.com/genkai/docqa/pkg/docqa/version"
)

func main() {
	var (
		configPath  string
		listenAddr  string
		logLevel    string
		showVersion bool
	)

	pflag.StringVar(&configPath, "config", "config/default.yaml", "Path to YAML configuration file")
	pflag.StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	pflag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pflag.BoolVar(&showVersion, "version", false, "Print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := common.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}

	logger, err := common.NewLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("docqa server starting",
		zap.String("version", version.GetVersion()),
		zap.String("listen", cfg.Listen),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("model", cfg.Backend.Model),
		zap.Int("max_concurrent", cfg.Concurrency.MaxConcurrentRequests),
		zap.Int("max_queue_size", cfg.Concurrency.MaxQueueSize))

	backendClient, err := backend.NewClient(cfg.Backend, logger.Named("backend"))
	if err != nil {
		logger.Fatal("Failed to create backend client", zap.Error(err))
	}

	manager, err := concurrency.NewManager(cfg.Concurrency, logger.Named("concurrency"))
	if err != nil {
		logger.Fatal("Failed to create concurrency manager", zap.Error(err))
	}
	if err := manager.Start(); err != nil {
		logger.Fatal("Failed to start concurrency manager", zap.Error(err))
	}
	defer func() {
		_ = manager.Close()
	}()

	srv := server.New(cfg.Listen, manager, backendClient, logger.Named("server"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		logger.Error("Server error", zap.Error(err))
		cancel()
		_ = manager.Close()
		os.Exit(1)
	}

	logger.Info("docqa server stopped")
}
