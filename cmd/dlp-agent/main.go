package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whaac1289-debug/dlp-agent/internal/agent"
	"github.com/whaac1289-debug/dlp-agent/internal/config"
	"github.com/whaac1289-debug/dlp-agent/internal/logging"
)

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)
	logger.LogSystemEvent("agent_started", "version", agent.Version)

	// Log configuration (without sensitive data)
	logger.LogSystemEvent("config_loaded",
		"host_id", cfg.HostID,
		"data_dir", cfg.DataDir,
		"nats_url", cfg.NATSURL,
		"rules_path", cfg.RulesPath,
		"policy_endpoint", cfg.PolicyEndpoint,
		"fingerprint_store", cfg.FingerprintStore,
		"enforcement_enabled", cfg.EnforcementEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentInstance, err := agent.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create agent", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- agentInstance.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-done:
		if err != nil {
			logger.Error("Agent run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	select {
	case err := <-done:
		if err != nil {
			logger.Error("Agent shutdown failed", "error", err)
			os.Exit(1)
		}
	case <-time.After(30 * time.Second):
		logger.Error("Graceful shutdown timed out")
		os.Exit(1)
	}

	logger.LogSystemEvent("agent_stopped")
}
