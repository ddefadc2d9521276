package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML, TOML or JSON config file")
		sim        = flag.Bool("sim", false, "Run against the in-process simulated front")
		logLevel   = flag.String("log-level", "", "Override the configured log level")
	)
	flag.Parse()

	// Flags override the file through the environment.
	if *sim {
		os.Setenv(config.EnvPrefix+"_SIM", "true")
	}
	if *logLevel != "" {
		os.Setenv(config.EnvPrefix+"_LOG_LEVEL", *logLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := log.ToLevel(cfg.LogLevel)
	if err != nil {
		level, _ = log.ToLevel("info")
	}
	logger := log.NewTestLogger(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := newNode(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize gateway", "error", err)
		os.Exit(1)
	}

	if err := n.start(ctx); err != nil {
		logger.Error("Failed to start gateway", "error", err)
		cancel()
		n.stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down gateway...")
	cancel()

	done := make(chan struct{})
	go func() {
		n.stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Gateway stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timed out")
	}
}
