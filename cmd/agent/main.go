// Package main is the entrypoint for the NetPulse probe agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netpulse/netpulse/internal/agent"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/tracing"
)

// Populated at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("NETPULSE_AGENT_CONFIG"), "path to the agent config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("netpulse-agent %s (commit %s, built %s)\n", version, commit, buildTime)
		return nil
	}
	if version != "dev" {
		agent.Version = version
	}

	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Str("agent_id", cfg.AgentID).
		Str("orchestrator", cfg.OrchestratorURL).
		Int("max_concurrent", cfg.MaxConcurrent).
		Str("version", agent.Version).
		Msg("starting netpulse agent")

	// The API key may live in Vault rather than the config file.
	resolveCtx, resolveCancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = cfg.ResolveAPIKey(resolveCtx)
	resolveCancel()
	if err != nil {
		return err
	}

	agentMetrics := metrics.NewAgentMetrics()

	var tracer *tracing.Tracer
	tracingEndpoint := os.Getenv("NETPULSE_TRACING_ENDPOINT")
	if os.Getenv("NETPULSE_TRACING_ENABLED") == "true" && tracingEndpoint != "" {
		tracer, err = tracing.InitTracer(tracing.Config{
			ServiceName:    "netpulse-agent",
			ServiceVersion: agent.Version,
			Endpoint:       tracingEndpoint,
			Insecure:       os.Getenv("NETPULSE_TRACING_INSECURE") != "false",
			SampleRate:     1.0,
			Environment:    os.Getenv("NETPULSE_ENVIRONMENT"),
			Enabled:        true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize tracing, continuing without it")
		} else {
			logger.Info().Str("endpoint", tracingEndpoint).Msg("tracing initialized")
		}
	}

	metricsPort := os.Getenv("NETPULSE_AGENT_METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9092"
	}
	metricsServer := &http.Server{
		Addr:         ":" + metricsPort,
		Handler:      agentMetrics.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("address", metricsServer.Addr).Msg("starting agent metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	agnt, err := agent.New(cfg, logger, agentMetrics.Agent)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := agnt.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errChan:
		logger.Error().Err(err).Msg("agent error")
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown error")
		}
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := agnt.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		return err
	}

	logger.Info().Msg("agent shutdown complete")
	return nil
}
