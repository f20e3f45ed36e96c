// Package main is the entrypoint for the NetPulse orchestrator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/internal/allocator"
	"github.com/netpulse/netpulse/internal/config"
	"github.com/netpulse/netpulse/internal/connmgr"
	"github.com/netpulse/netpulse/internal/database"
	"github.com/netpulse/netpulse/internal/dedup"
	"github.com/netpulse/netpulse/internal/dispatch"
	"github.com/netpulse/netpulse/internal/events"
	"github.com/netpulse/netpulse/internal/notification"
	"github.com/netpulse/netpulse/internal/rawstore"
	"github.com/netpulse/netpulse/internal/registry"
	"github.com/netpulse/netpulse/internal/scheduler"
	"github.com/netpulse/netpulse/internal/server"
	"github.com/netpulse/netpulse/internal/wire"
	"github.com/netpulse/netpulse/pkg/health"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/tracing"
)

// Build information, set by ldflags during build.
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
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := log.New(cfg.Log.Level, cfg.Log.Format)
	slogger := newSlogLogger(cfg.Log.Level)

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_time", buildTime).
		Str("go_version", runtime.Version()).
		Msg("starting netpulse orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	appMetrics := metrics.NewOrchestratorMetrics()

	var tracer *tracing.Tracer
	if cfg.Observability.TracingEnabled && cfg.Observability.TracingEndpoint != "" {
		tracer, err = tracing.InitTracer(tracing.Config{
			ServiceName:    "netpulse-orchestrator",
			ServiceVersion: version,
			Endpoint:       cfg.Observability.TracingEndpoint,
			Insecure:       cfg.Observability.TracingInsecure,
			SampleRate:     cfg.Observability.TracingSampleRate,
			Environment:    cfg.Observability.Environment,
			Enabled:        true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize tracing, continuing without it")
			tracer = nil
		} else {
			logger.Info().
				Str("endpoint", cfg.Observability.TracingEndpoint).
				Float64("sample_rate", cfg.Observability.TracingSampleRate).
				Msg("tracing initialized")
		}
	}

	logger.Info().Msg("connecting to database")
	db, err := database.New(ctx, database.Config{
		URL:               cfg.Database.URL,
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime:   cfg.Database.ConnMaxIdleTime,
		HealthCheckPeriod: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewEmbeddedMigrator(db)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("database migrations up to date")

	repos := database.NewRepositories(db)

	// Raw payload offload is optional; without it large payloads stay inline.
	var rawStore *rawstore.Storage
	if cfg.RawStoreEnabled() {
		rawStore, err = rawstore.New(rawstore.Config{
			Endpoint:        cfg.RawStore.Endpoint,
			Bucket:          cfg.RawStore.Bucket,
			Region:          cfg.RawStore.Region,
			AccessKeyID:     cfg.RawStore.AccessKeyID,
			SecretAccessKey: cfg.RawStore.SecretAccessKey,
			UseSSL:          cfg.RawStore.UseSSL,
			PathStyle:       cfg.RawStore.PathStyle,
		}, slogger)
		if err != nil {
			return fmt.Errorf("failed to create raw payload store: %w", err)
		}

		setupCtx, setupCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := rawStore.EnsureBucket(setupCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to ensure raw payload bucket, offload may not work")
		}
		if err := rawStore.HealthCheck(setupCtx); err != nil {
			logger.Warn().Err(err).Msg("raw payload store health check failed")
		} else {
			logger.Info().
				Str("endpoint", cfg.RawStore.Endpoint).
				Str("bucket", cfg.RawStore.Bucket).
				Msg("raw payload store initialized")
		}
		setupCancel()
	}

	// Redis-backed dedup survives restarts; the in-memory set is the
	// single-instance fallback.
	var deduper dedup.Deduper
	if cfg.RedisEnabled() {
		deduper, err = dedup.NewRedisFromURL(cfg.Redis.URL, dedup.PoolConfig{
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, cfg.Redis.DedupTTL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info().Msg("redis result dedup enabled")
	} else {
		deduper = dedup.NewMemory(cfg.Redis.DedupTTL)
	}
	defer deduper.Close()

	hub := events.NewHub(appMetrics.Orchestrator, logger)
	hubPublisher := events.NewHubPublisher(hub, appMetrics.Orchestrator, logger)

	var publisher events.Publisher = hubPublisher
	var notifier *notification.Service
	if cfg.NotificationsEnabled() {
		notifier, err = createNotifier(cfg, repos, appMetrics.Orchestrator, slogger)
		if err != nil {
			return fmt.Errorf("failed to create notification service: %w", err)
		}
		publisher = events.MultiPublisher{hubPublisher, notifier}
	}

	connMgr := connmgr.NewManager(repos.Agents, publisher, appMetrics.Orchestrator, slogger, connmgr.Config{
		MaxConnectionsPerAgent: cfg.Connection.MaxConnectionsPerAgent,
		RateLimit:              cfg.Connection.RateLimit,
		RateBurst:              cfg.Connection.RateBurst,
		Auth: connmgr.AuthConfig{
			Timeout:      cfg.Connection.AuthTimeout,
			ReplayWindow: cfg.Connection.ReplayWindow,
		},
		Heartbeat: connmgr.HeartbeatConfig{
			Interval:  cfg.Connection.HeartbeatInterval,
			Timeout:   cfg.Connection.HeartbeatTimeout,
			MaxMissed: cfg.Connection.MaxMissedHeartbeats,
		},
		Load: connmgr.LoadConfig{
			Thresholds: connmgr.LoadThresholds{
				CPU:    cfg.Load.CPUThreshold,
				Memory: cfg.Load.MemoryThreshold,
				Disk:   cfg.Load.DiskThreshold,
			},
			SampleHistory: cfg.Load.SampleHistory,
		},
		Recovery: connmgr.RecoveryConfig{
			MaxAttempts: cfg.Recovery.MaxAttempts,
			Delay:       cfg.Recovery.Delay,
			Multiplier:  cfg.Recovery.BackoffMultiplier,
		},
	})

	dispatcher := dispatch.NewDispatcher(connMgr, appMetrics.Orchestrator, slogger, dispatch.Config{
		QueueCapacity: cfg.Dispatch.QueueMaxSize,
		PollInterval:  cfg.Dispatch.DequeuePollInterval,
		MaxRetries:    cfg.Dispatch.HandlerMaxRetries,
	})

	distributor := dispatch.NewDistributor(dispatcher, connMgr, repos.Agents, deduper, slogger)
	if err := distributor.SetDefaultStrategy(dispatch.Strategy(strings.ToLower(cfg.Dispatch.DefaultStrategy))); err != nil {
		return fmt.Errorf("invalid dispatch default strategy: %w", err)
	}

	statusUpdater := dispatch.NewStatusUpdater(dispatcher, slogger)

	var objectStore dispatch.ObjectStore
	if rawStore != nil {
		objectStore = rawStore
	}
	collector := dispatch.NewCollector(repos.Results, repos.Tasks, deduper, objectStore, publisher, appMetrics.Orchestrator, slogger)

	alloc := allocator.NewAllocator(repos.Agents, repos.Results, appMetrics.Orchestrator, slogger, allocator.Config{
		LocationWeight:     cfg.Allocator.LocationWeight,
		PerformanceWeight:  cfg.Allocator.PerformanceWeight,
		LoadWeight:         cfg.Allocator.LoadWeight,
		MaxAgentLoad:       cfg.Allocator.MaxAgentLoad,
		MinAvailability:    cfg.Allocator.MinAvailability,
		PerformanceWindow:  cfg.Allocator.PerformanceWindow,
		AvailabilityWindow: cfg.Connection.AvailabilityWindow,
	})

	reassigner := allocator.NewReassignmentManager(alloc, repos.Reassignments, appMetrics.Orchestrator, slogger, allocator.ReassignmentConfig{
		MaxPerTask: cfg.Allocator.MaxReassignments,
		Retention:  cfg.Allocator.ReassignmentRetention,
	})

	sched := scheduler.NewScheduler(repos.Tasks, repos.Results, alloc, distributor, reassigner, publisher, appMetrics.Orchestrator, slogger, scheduler.Config{
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		CheckInterval:      cfg.Scheduler.CheckInterval,
		TaskTimeout:        cfg.Scheduler.TaskTimeout,
		ReaperInterval:     cfg.Scheduler.ReaperInterval,
		RetryDelay:         cfg.Scheduler.RetryDelay,
		DiscoverBatchSize:  cfg.Scheduler.DiscoverBatchSize,
	})
	collector.RegisterHandler("scheduler", sched.HandleTaskResult)

	// A dead agent's in-flight tasks go straight back through allocation
	// rather than waiting out the execution reaper.
	connMgr.OnAgentFailure(func(agentID uuid.UUID) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if moved := sched.HandleAgentFailure(ctx, agentID); moved > 0 {
			slogger.Info("reassigned tasks from failed agent",
				"agent_id", agentID,
				"tasks", moved,
			)
		}
	})

	balancer := allocator.NewLoadBalancer(repos.Agents, sched, appMetrics.Orchestrator, slogger, allocator.BalancerConfig{
		RebalanceInterval:  cfg.Allocator.RebalanceInterval,
		VarianceThreshold:  cfg.Allocator.LoadVarianceThreshold,
		RatioDiffThreshold: cfg.Allocator.RatioDiffThreshold,
		AvailabilityWindow: cfg.Connection.AvailabilityWindow,
	})

	// Inbound task results flow from the connection manager into the
	// collector; the ack travels back on the same channel.
	connMgr.RegisterHandler(wire.FrameTypeTaskResult, func(ctx context.Context, conn *connmgr.Connection, frame *wire.Frame) error {
		var res wire.TaskResult
		if err := frame.Decode(&res); err != nil {
			return fmt.Errorf("malformed task result: %w", err)
		}
		agentID := conn.AgentID()
		return collector.HandleResult(ctx, agentID, &res, func(ack *wire.TaskResultAck) error {
			ackFrame, err := wire.NewFrame(wire.FrameTypeTaskResultAck, ack)
			if err != nil {
				return err
			}
			if !connMgr.Send(ctx, agentID, ackFrame) {
				return fmt.Errorf("agent %s unreachable for result ack", agentID)
			}
			return nil
		})
	})

	var sweeper rawstore.ObjectSweeper
	if rawStore != nil && cfg.RawStore.CleanupEnabled {
		sweeper = rawStore
	}
	retention := rawstore.NewRetentionService(repos.Results, sweeper, rawstore.RetentionConfig{
		ResultInterval:   cfg.Results.CleanupInterval,
		PayloadInterval:  cfg.RawStore.CleanupInterval,
		ResultRetention:  cfg.Results.Retention,
		PayloadRetention: cfg.RawStore.Retention,
	}, slogger)

	manifests := registry.NewRegistry(repos.Tasks, publisher, slogger)

	var payloadStore server.RawPayloadStore
	if rawStore != nil {
		payloadStore = rawStore
	}

	httpServer := server.NewHTTPServer(server.HTTPConfig{
		Port:           cfg.Server.HTTPPort,
		AdminToken:     cfg.Server.AdminToken,
		EnableCORS:     true,
		AllowedOrigins: []string{cfg.Server.CORSOrigin},
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		EventsPath:     "/ws",
		EnableTracing:  tracer != nil,
		Metrics:        appMetrics.Orchestrator,
	}, server.Deps{
		Repos:     repos,
		Scheduler: sched,
		Conns:     connMgr,
		Queue:     dispatcher,
		Ready:     db.Health,
		Publisher: publisher,
		Events:    events.NewHandler(hub, logger),
		RawStore:  payloadStore,
		Manifests: manifests,
	}, logger)

	channelServer := server.NewAgentChannelServer(server.AgentChannelConfig{
		Port:             cfg.Server.AgentPort,
		Path:             "/v1/channel",
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}, connMgr, logger)

	checks := health.NewRegistry()
	checks.Add(health.CheckFunc{CheckName: "database", Fn: db.Health})
	checks.Add(health.NewEventHubCheck(hub))

	metricsServer := server.NewMetricsServer(server.MetricsServerConfig{
		Port:         cfg.Server.MetricsPort,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Path:         "/metrics",
	}, appMetrics, checks.Check, logger)

	// Start background services, dependencies first.
	go hub.Run(ctx)

	if notifier != nil {
		if err := notifier.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notification service: %w", err)
		}
		logger.Info().Msg("notification service started")
	}
	if err := connMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connection manager: %w", err)
	}
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if err := reassigner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reassignment manager: %w", err)
	}
	if err := balancer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start load balancer: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	retention.Start(ctx)

	// Sample fleet and pool gauges that have no natural event to hang off.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poolStats := db.Stats()
				appMetrics.Orchestrator.SetDBConnections(
					float64(poolStats.AcquiredConns),
					float64(poolStats.IdleConns),
				)
				counts, err := repos.Agents.CountByStatus(ctx)
				if err != nil {
					continue
				}
				for status, n := range counts {
					appMetrics.Orchestrator.SetAgentCount(string(status), float64(n))
				}
			}
		}
	}()

	// Retry persisting results that failed their first write.
	go func() {
		ticker := time.NewTicker(cfg.Results.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if persisted, remaining := collector.FlushPending(ctx); persisted > 0 || remaining > 0 {
					logger.Info().
						Int("persisted", persisted).
						Int("remaining", remaining).
						Msg("flushed pending results")
				}
			}
		}
	}()

	if cfg.Registry.ManifestDir != "" {
		applyCtx, applyCancel := context.WithTimeout(ctx, 30*time.Second)
		result, err := manifests.ApplyDir(applyCtx, cfg.Registry.ManifestDir)
		applyCancel()
		if err != nil {
			logger.Warn().Err(err).Str("dir", cfg.Registry.ManifestDir).Msg("failed to apply task manifests")
		} else {
			logger.Info().
				Int("created", result.Created).
				Int("updated", result.Updated).
				Int("unchanged", result.Unchanged).
				Msg("task manifests applied")
		}
	}

	errCh := make(chan error, 5)

	go func() {
		if err := channelServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("agent channel server error: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	logger.Info().
		Int("http_port", cfg.Server.HTTPPort).
		Int("agent_port", cfg.Server.AgentPort).
		Int("metrics_port", cfg.Server.MetricsPort).
		Msg("netpulse orchestrator started")

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server error")
	}

	logger.Info().Msg("initiating graceful shutdown")

	// Tell connected agents before tearing the channels down so they spool
	// results instead of retrying into a closing socket.
	if err := statusUpdater.SendSystemNotification("orchestrator shutting down", "warning", uuid.Nil); err != nil {
		logger.Warn().Err(err).Msg("failed to broadcast shutdown notice")
	}
	time.Sleep(250 * time.Millisecond)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	shutdown := func(name string, stop func(context.Context) error) {
		if err := stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("component", name).Msg("shutdown error")
			shutdownErr = err
		}
	}

	shutdown("agent_channel", channelServer.Stop)
	shutdown("http_server", httpServer.Stop)
	shutdown("metrics_server", metricsServer.Stop)
	shutdown("scheduler", sched.Stop)
	shutdown("balancer", balancer.Stop)
	shutdown("reassignment", reassigner.Stop)
	shutdown("dispatcher", dispatcher.Stop)
	shutdown("connection_manager", connMgr.Stop)
	if notifier != nil {
		shutdown("notifications", notifier.Stop)
	}
	if tracer != nil {
		shutdown("tracer", tracer.Shutdown)
	}

	// Flush whatever results are still pending before the process exits.
	if persisted, remaining := collector.FlushPending(shutdownCtx); remaining > 0 {
		logger.Warn().
			Int("persisted", persisted).
			Int("remaining", remaining).
			Msg("results still pending at shutdown")
	}

	if shutdownErr != nil {
		return fmt.Errorf("shutdown completed with errors: %w", shutdownErr)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// newSlogLogger builds the slog logger the orchestrator subsystems share.
func newSlogLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// createNotifier builds the notification service from the configured
// channels. Without a rules file every channel gets the default rule set.
func createNotifier(cfg *config.Config, repos *database.Repositories, m *metrics.OrchestratorMetrics, slogger *slog.Logger) (*notification.Service, error) {
	var rules []notification.Rule
	if cfg.Notifications.RulesPath != "" {
		loaded, err := notification.LoadRules(cfg.Notifications.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	} else {
		var channels []string
		if cfg.Notifications.WebhookURL != "" {
			channels = append(channels, string(notification.ChannelTypeWebhook))
		}
		if cfg.Notifications.SlackWebhookURL != "" {
			channels = append(channels, string(notification.ChannelTypeSlack))
		}
		if cfg.Notifications.Email.SMTPHost != "" {
			channels = append(channels, string(notification.ChannelTypeEmail))
		}
		rules = notification.DefaultRules(channels)
	}

	return notification.NewService(notification.Config{
		RetryAttempts:    cfg.Notifications.RetryAttempts,
		RetryBackoff:     cfg.Notifications.RetryBackoff,
		ThrottleDuration: cfg.Notifications.MinInterval,
		WebhookURL:       cfg.Notifications.WebhookURL,
		WebhookSecret:    cfg.Notifications.WebhookSecret,
		SlackWebhookURL:  cfg.Notifications.SlackWebhookURL,
		Email: notification.EmailSettings{
			SMTPHost:    cfg.Notifications.Email.SMTPHost,
			SMTPPort:    cfg.Notifications.Email.SMTPPort,
			Username:    cfg.Notifications.Email.Username,
			Password:    cfg.Notifications.Email.Password,
			FromAddress: cfg.Notifications.Email.FromAddress,
			FromName:    cfg.Notifications.Email.FromName,
			Recipients:  cfg.Notifications.Email.Recipients,
			UseTLS:      cfg.Notifications.Email.UseTLS,
			SkipVerify:  cfg.Notifications.Email.SkipVerify,
			ConnTimeout: cfg.Notifications.Email.ConnTimeout,
		},
	}, rules, repos.Tasks, repos.Agents, m, slogger)
}
