// Package config provides configuration management for the NetPulse orchestrator.
// Configuration is loaded from environment variables with the NETPULSE_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration settings for the orchestrator.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Connection    ConnectionConfig
	Load          LoadConfig
	Recovery      RecoveryConfig
	Dispatch      DispatchConfig
	Scheduler     SchedulerConfig
	Allocator     AllocatorConfig
	RawStore      RawStoreConfig
	Redis         RedisConfig
	Results       ResultsConfig
	Notifications NotificationConfig
	Registry      RegistryConfig
	Log           LogConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP, agent channel, and metrics server settings.
type ServerConfig struct {
	// HTTPPort is the port for the admin JSON API (default: 8080)
	HTTPPort int
	// AgentPort is the port for the agent websocket channel (default: 8081)
	AgentPort int
	// MetricsPort is the port for Prometheus metrics (default: 9091)
	MetricsPort int
	// AdminToken is the bearer token for the admin API (required)
	AdminToken string
	// CORSOrigin is the allowed origin for the admin API (default: *)
	CORSOrigin string
	// ShutdownTimeout is the graceful shutdown timeout (default: 30s)
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string
	// MaxConns is the maximum number of pooled connections (default: 25)
	MaxConns int
	// MinConns is the minimum number of pooled connections (default: 5)
	MinConns int
	// ConnMaxLifetime is the maximum connection lifetime (default: 1h)
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime is the maximum idle time for connections (default: 30m)
	ConnMaxIdleTime time.Duration
	// QueryTimeout is the default query timeout (default: 30s)
	QueryTimeout time.Duration
}

// ConnectionConfig holds agent connection management settings.
type ConnectionConfig struct {
	// MaxConnectionsPerAgent caps concurrent connections per agent (default: 1)
	MaxConnectionsPerAgent int
	// HeartbeatInterval is the expected agent heartbeat cadence (default: 30s)
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the silence window counted as one miss (default: 90s)
	HeartbeatTimeout time.Duration
	// MaxMissedHeartbeats disconnects the agent when reached (default: 3)
	MaxMissedHeartbeats int
	// AuthTimeout bounds the authentication handshake (default: 10s)
	AuthTimeout time.Duration
	// ReplayWindow is the accepted auth timestamp skew (default: 5m)
	ReplayWindow time.Duration
	// AvailabilityWindow is the heartbeat freshness required for an agent
	// to count as available (default: 5m)
	AvailabilityWindow time.Duration
	// RateLimit is the per-connection inbound frame rate in frames/s (default: 50)
	RateLimit float64
	// RateBurst is the per-connection inbound burst size (default: 100)
	RateBurst int
}

// LoadConfig holds agent resource monitoring settings.
type LoadConfig struct {
	// CPUThreshold raises an alert when CPU usage exceeds it (default: 80)
	CPUThreshold float64
	// MemoryThreshold raises an alert when memory usage exceeds it (default: 85)
	MemoryThreshold float64
	// DiskThreshold raises an alert when disk usage exceeds it (default: 90)
	DiskThreshold float64
	// SampleHistory is the per-agent rolling sample count (default: 100)
	SampleHistory int
}

// RecoveryConfig holds connection recovery settings.
type RecoveryConfig struct {
	// MaxAttempts is the number of recovery attempts per disconnect (default: 3)
	MaxAttempts int
	// Delay is the base delay before the first attempt (default: 5s)
	Delay time.Duration
	// BackoffMultiplier scales the delay per attempt (default: 2)
	BackoffMultiplier float64
}

// DispatchConfig holds message queue and dispatcher settings.
type DispatchConfig struct {
	// QueueMaxSize is the total message queue capacity, split equally
	// across the four priority levels (default: 10000)
	QueueMaxSize int
	// DequeuePollInterval is the blocking dequeue poll cadence (default: 100ms)
	DequeuePollInterval time.Duration
	// HandlerMaxRetries re-enqueues a message this many times on handler
	// failure before giving up (default: 3)
	HandlerMaxRetries int
	// DefaultStrategy is the distributor strategy when none is given
	// (round_robin, load_based, location_based, capability_based) (default: load_based)
	DefaultStrategy string
}

// SchedulerConfig holds task scheduler settings.
type SchedulerConfig struct {
	// MaxConcurrentTasks is the global execution cap (default: 100)
	MaxConcurrentTasks int
	// CheckInterval is the scheduling loop cadence (default: 10s)
	CheckInterval time.Duration
	// TaskTimeout reaps in-flight tasks older than this (default: 300s)
	TaskTimeout time.Duration
	// ReaperInterval is the timeout scan cadence (default: 30s)
	ReaperInterval time.Duration
	// RetryDelay defers re-dispatch after a failed allocation (default: 60s)
	RetryDelay time.Duration
	// DiscoverBatchSize caps due tasks fetched per tick (default: 100)
	DiscoverBatchSize int
}

// AllocatorConfig holds agent allocation settings.
type AllocatorConfig struct {
	// LocationWeight is the location score weight (default: 0.3)
	LocationWeight float64
	// PerformanceWeight is the performance score weight (default: 0.4)
	PerformanceWeight float64
	// LoadWeight is the load score weight (default: 0.3)
	LoadWeight float64
	// MaxAgentLoad filters agents whose CPU or memory exceed it (default: 0.8)
	MaxAgentLoad float64
	// MinAvailability filters agents below this availability (default: 0.7)
	MinAvailability float64
	// PerformanceWindow is the result history window for scoring (default: 168h)
	PerformanceWindow time.Duration
	// MaxReassignments caps reassignments per task (default: 3)
	MaxReassignments int
	// ReassignmentRetention prunes reassignment history older than this (default: 168h)
	ReassignmentRetention time.Duration
	// RebalanceInterval is the minimum spacing between rebalance passes (default: 300s)
	RebalanceInterval time.Duration
	// LoadVarianceThreshold triggers rebalancing when exceeded (default: 0.1)
	LoadVarianceThreshold float64
	// RatioDiffThreshold gates individual move suggestions (default: 0.3)
	RatioDiffThreshold float64
}

// RawStoreConfig holds S3/MinIO raw payload storage settings.
type RawStoreConfig struct {
	// Endpoint is the S3/MinIO endpoint (optional, enables offload if set)
	Endpoint string
	// Bucket is the bucket name for raw payloads (default: netpulse-raw)
	Bucket string
	// Region is the bucket region (default: us-east-1)
	Region string
	// AccessKeyID is the access key (required when endpoint is set)
	AccessKeyID string
	// SecretAccessKey is the secret key (required when endpoint is set)
	SecretAccessKey string
	// UseSSL enables SSL for the connection (default: true)
	UseSSL bool
	// PathStyle forces path-style addressing (default: true for MinIO compatibility)
	PathStyle bool
	// InlineThreshold keeps payloads at or below this size in the database,
	// in bytes (default: 4096)
	InlineThreshold int
	// CleanupEnabled enables periodic payload cleanup (default: false)
	CleanupEnabled bool
	// CleanupInterval is how often to run cleanup (default: 1h)
	CleanupInterval time.Duration
	// Retention controls how long to keep raw payloads (default: 168h)
	Retention time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// URL is the Redis connection URL (optional, enables Redis dedup if set)
	URL string
	// PoolSize is the connection pool size (default: 10)
	PoolSize int
	// MinIdleConns is the minimum number of idle connections (default: 2)
	MinIdleConns int
	// DialTimeout is the connection timeout (default: 5s)
	DialTimeout time.Duration
	// ReadTimeout is the read timeout (default: 3s)
	ReadTimeout time.Duration
	// WriteTimeout is the write timeout (default: 3s)
	WriteTimeout time.Duration
	// DedupTTL is the result dedup marker lifetime (default: 10m)
	DedupTTL time.Duration
}

// ResultsConfig holds task result retention settings.
type ResultsConfig struct {
	// Retention prunes results older than this (default: 168h)
	Retention time.Duration
	// CleanupInterval is how often to run result cleanup (default: 1h)
	CleanupInterval time.Duration
	// FlushInterval retries persisting pending results (default: 30s)
	FlushInterval time.Duration
}

// NotificationConfig holds notification-related settings.
type NotificationConfig struct {
	// Enabled turns the notification service on (default: false)
	Enabled bool
	// RulesPath is the YAML rules file (optional)
	RulesPath string
	// WebhookURL is the generic webhook target (optional)
	WebhookURL string
	// WebhookSecret signs webhook payloads with HMAC-SHA256 when set
	WebhookSecret string
	// SlackWebhookURL is the Slack incoming webhook target (optional)
	SlackWebhookURL string
	// RetryAttempts is the per-channel delivery retry count (default: 3)
	RetryAttempts int
	// RetryBackoff is the base delay between delivery retries (default: 5s)
	RetryBackoff time.Duration
	// MinInterval rate-limits repeated firings of one rule (default: 1m)
	MinInterval time.Duration
	Email       EmailConfig
}

// EmailConfig holds SMTP settings for email notifications.
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	// Recipients is the comma-separated alert recipient list
	Recipients  []string
	UseTLS      bool
	SkipVerify  bool
	ConnTimeout time.Duration
}

// RegistryConfig holds task manifest registry settings.
type RegistryConfig struct {
	// ManifestDir is loaded and applied at startup when set (optional)
	ManifestDir string
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error) (default: info)
	Level string
	// Format is the log format (json, console) (default: json)
	Format string
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	// TracingEnabled enables OpenTelemetry tracing (default: false)
	TracingEnabled bool
	// TracingEndpoint is the OTLP collector endpoint (e.g., "localhost:4318")
	TracingEndpoint string
	// TracingInsecure disables TLS for the tracing connection (default: true)
	TracingInsecure bool
	// TracingSampleRate is the sampling rate (0.0 to 1.0) (default: 1.0)
	TracingSampleRate float64
	// Environment is the deployment environment (e.g., "production", "staging")
	Environment string
}

// Load reads configuration from environment variables.
// Environment variables use the NETPULSE_ prefix.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:        getEnvInt("NETPULSE_HTTP_PORT", 8080),
			AgentPort:       getEnvInt("NETPULSE_AGENT_PORT", 8081),
			MetricsPort:     getEnvInt("NETPULSE_METRICS_PORT", 9091),
			AdminToken:      getEnv("NETPULSE_ADMIN_TOKEN", ""),
			CORSOrigin:      getEnv("NETPULSE_CORS_ORIGIN", "*"),
			ShutdownTimeout: getEnvDuration("NETPULSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("NETPULSE_DATABASE_URL", ""),
			MaxConns:        getEnvInt("NETPULSE_DATABASE_MAX_CONNS", 25),
			MinConns:        getEnvInt("NETPULSE_DATABASE_MIN_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("NETPULSE_DATABASE_CONN_MAX_LIFETIME", time.Hour),
			ConnMaxIdleTime: getEnvDuration("NETPULSE_DATABASE_CONN_MAX_IDLE_TIME", 30*time.Minute),
			QueryTimeout:    getEnvDuration("NETPULSE_DATABASE_QUERY_TIMEOUT", 30*time.Second),
		},
		Connection: ConnectionConfig{
			MaxConnectionsPerAgent: getEnvInt("NETPULSE_MAX_CONNECTIONS_PER_AGENT", 1),
			HeartbeatInterval:      getEnvDuration("NETPULSE_HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatTimeout:       getEnvDuration("NETPULSE_HEARTBEAT_TIMEOUT", 90*time.Second),
			MaxMissedHeartbeats:    getEnvInt("NETPULSE_MAX_MISSED_HEARTBEATS", 3),
			AuthTimeout:            getEnvDuration("NETPULSE_AUTH_TIMEOUT", 10*time.Second),
			ReplayWindow:           getEnvDuration("NETPULSE_AUTH_REPLAY_WINDOW", 5*time.Minute),
			AvailabilityWindow:     getEnvDuration("NETPULSE_AGENT_AVAILABILITY_WINDOW", 5*time.Minute),
			RateLimit:              getEnvFloat("NETPULSE_CONNECTION_RATE_LIMIT", 50),
			RateBurst:              getEnvInt("NETPULSE_CONNECTION_RATE_BURST", 100),
		},
		Load: LoadConfig{
			CPUThreshold:    getEnvFloat("NETPULSE_LOAD_CPU_THRESHOLD", 80),
			MemoryThreshold: getEnvFloat("NETPULSE_LOAD_MEMORY_THRESHOLD", 85),
			DiskThreshold:   getEnvFloat("NETPULSE_LOAD_DISK_THRESHOLD", 90),
			SampleHistory:   getEnvInt("NETPULSE_LOAD_SAMPLE_HISTORY", 100),
		},
		Recovery: RecoveryConfig{
			MaxAttempts:       getEnvInt("NETPULSE_RECOVERY_MAX_ATTEMPTS", 3),
			Delay:             getEnvDuration("NETPULSE_RECOVERY_DELAY", 5*time.Second),
			BackoffMultiplier: getEnvFloat("NETPULSE_RECOVERY_BACKOFF_MULTIPLIER", 2),
		},
		Dispatch: DispatchConfig{
			QueueMaxSize:        getEnvInt("NETPULSE_QUEUE_MAX_SIZE", 10000),
			DequeuePollInterval: getEnvDuration("NETPULSE_QUEUE_POLL_INTERVAL", 100*time.Millisecond),
			HandlerMaxRetries:   getEnvInt("NETPULSE_DISPATCH_MAX_RETRIES", 3),
			DefaultStrategy:     getEnv("NETPULSE_DISPATCH_DEFAULT_STRATEGY", "load_based"),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: getEnvInt("NETPULSE_SCHEDULER_MAX_CONCURRENT_TASKS", 100),
			CheckInterval:      getEnvDuration("NETPULSE_SCHEDULER_CHECK_INTERVAL", 10*time.Second),
			TaskTimeout:        getEnvDuration("NETPULSE_SCHEDULER_TASK_TIMEOUT", 300*time.Second),
			ReaperInterval:     getEnvDuration("NETPULSE_SCHEDULER_REAPER_INTERVAL", 30*time.Second),
			RetryDelay:         getEnvDuration("NETPULSE_SCHEDULER_RETRY_DELAY", 60*time.Second),
			DiscoverBatchSize:  getEnvInt("NETPULSE_SCHEDULER_DISCOVER_BATCH_SIZE", 100),
		},
		Allocator: AllocatorConfig{
			LocationWeight:        getEnvFloat("NETPULSE_ALLOCATOR_LOCATION_WEIGHT", 0.3),
			PerformanceWeight:     getEnvFloat("NETPULSE_ALLOCATOR_PERFORMANCE_WEIGHT", 0.4),
			LoadWeight:            getEnvFloat("NETPULSE_ALLOCATOR_LOAD_WEIGHT", 0.3),
			MaxAgentLoad:          getEnvFloat("NETPULSE_ALLOCATOR_MAX_AGENT_LOAD", 0.8),
			MinAvailability:       getEnvFloat("NETPULSE_ALLOCATOR_MIN_AVAILABILITY", 0.7),
			PerformanceWindow:     getEnvDuration("NETPULSE_ALLOCATOR_PERFORMANCE_WINDOW", 7*24*time.Hour),
			MaxReassignments:      getEnvInt("NETPULSE_ALLOCATOR_MAX_REASSIGNMENTS", 3),
			ReassignmentRetention: getEnvDuration("NETPULSE_ALLOCATOR_REASSIGNMENT_RETENTION", 7*24*time.Hour),
			RebalanceInterval:     getEnvDuration("NETPULSE_ALLOCATOR_REBALANCE_INTERVAL", 300*time.Second),
			LoadVarianceThreshold: getEnvFloat("NETPULSE_ALLOCATOR_LOAD_VARIANCE_THRESHOLD", 0.1),
			RatioDiffThreshold:    getEnvFloat("NETPULSE_ALLOCATOR_RATIO_DIFF_THRESHOLD", 0.3),
		},
		RawStore: RawStoreConfig{
			Endpoint:        getEnv("NETPULSE_RAWSTORE_ENDPOINT", ""),
			Bucket:          getEnv("NETPULSE_RAWSTORE_BUCKET", "netpulse-raw"),
			Region:          getEnv("NETPULSE_RAWSTORE_REGION", "us-east-1"),
			AccessKeyID:     getEnv("NETPULSE_RAWSTORE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("NETPULSE_RAWSTORE_SECRET_ACCESS_KEY", ""),
			UseSSL:          getEnvBool("NETPULSE_RAWSTORE_USE_SSL", true),
			PathStyle:       getEnvBool("NETPULSE_RAWSTORE_PATH_STYLE", true),
			InlineThreshold: getEnvInt("NETPULSE_RAWSTORE_INLINE_THRESHOLD", 4096),
			CleanupEnabled:  getEnvBool("NETPULSE_RAWSTORE_CLEANUP_ENABLED", false),
			CleanupInterval: getEnvDuration("NETPULSE_RAWSTORE_CLEANUP_INTERVAL", time.Hour),
			Retention:       getEnvDuration("NETPULSE_RAWSTORE_RETENTION", 7*24*time.Hour),
		},
		Redis: RedisConfig{
			URL:          getEnv("NETPULSE_REDIS_URL", ""),
			PoolSize:     getEnvInt("NETPULSE_REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("NETPULSE_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("NETPULSE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("NETPULSE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("NETPULSE_REDIS_WRITE_TIMEOUT", 3*time.Second),
			DedupTTL:     getEnvDuration("NETPULSE_DEDUP_TTL", 10*time.Minute),
		},
		Results: ResultsConfig{
			Retention:       getEnvDuration("NETPULSE_RESULTS_RETENTION", 7*24*time.Hour),
			CleanupInterval: getEnvDuration("NETPULSE_RESULTS_CLEANUP_INTERVAL", time.Hour),
			FlushInterval:   getEnvDuration("NETPULSE_RESULTS_FLUSH_INTERVAL", 30*time.Second),
		},
		Notifications: NotificationConfig{
			Enabled:         getEnvBool("NETPULSE_NOTIFICATIONS_ENABLED", false),
			RulesPath:       getEnv("NETPULSE_NOTIFICATIONS_RULES_PATH", ""),
			WebhookURL:      getEnv("NETPULSE_NOTIFICATIONS_WEBHOOK_URL", ""),
			WebhookSecret:   getEnv("NETPULSE_NOTIFICATIONS_WEBHOOK_SECRET", ""),
			SlackWebhookURL: getEnv("NETPULSE_NOTIFICATIONS_SLACK_WEBHOOK_URL", ""),
			RetryAttempts:   getEnvInt("NETPULSE_NOTIFICATIONS_RETRY_ATTEMPTS", 3),
			RetryBackoff:    getEnvDuration("NETPULSE_NOTIFICATIONS_RETRY_BACKOFF", 5*time.Second),
			MinInterval:     getEnvDuration("NETPULSE_NOTIFICATIONS_MIN_INTERVAL", time.Minute),
			Email: EmailConfig{
				SMTPHost:    getEnv("NETPULSE_NOTIFICATIONS_EMAIL_SMTP_HOST", ""),
				SMTPPort:    getEnvInt("NETPULSE_NOTIFICATIONS_EMAIL_SMTP_PORT", 0),
				Username:    getEnv("NETPULSE_NOTIFICATIONS_EMAIL_USERNAME", ""),
				Password:    getEnv("NETPULSE_NOTIFICATIONS_EMAIL_PASSWORD", ""),
				FromAddress: getEnv("NETPULSE_NOTIFICATIONS_EMAIL_FROM_ADDRESS", ""),
				FromName:    getEnv("NETPULSE_NOTIFICATIONS_EMAIL_FROM_NAME", ""),
				Recipients:  getEnvList("NETPULSE_NOTIFICATIONS_EMAIL_RECIPIENTS"),
				UseTLS:      getEnvBool("NETPULSE_NOTIFICATIONS_EMAIL_USE_TLS", true),
				SkipVerify:  getEnvBool("NETPULSE_NOTIFICATIONS_EMAIL_SKIP_VERIFY", false),
				ConnTimeout: getEnvDuration("NETPULSE_NOTIFICATIONS_EMAIL_CONN_TIMEOUT", 30*time.Second),
			},
		},
		Registry: RegistryConfig{
			ManifestDir: getEnv("NETPULSE_REGISTRY_MANIFEST_DIR", ""),
		},
		Log: LogConfig{
			Level:  getEnv("NETPULSE_LOG_LEVEL", "info"),
			Format: getEnv("NETPULSE_LOG_FORMAT", "json"),
		},
		Observability: ObservabilityConfig{
			TracingEnabled:    getEnvBool("NETPULSE_TRACING_ENABLED", false),
			TracingEndpoint:   getEnv("NETPULSE_TRACING_ENDPOINT", ""),
			TracingInsecure:   getEnvBool("NETPULSE_TRACING_INSECURE", true),
			TracingSampleRate: getEnvFloat("NETPULSE_TRACING_SAMPLE_RATE", 1.0),
			Environment:       getEnv("NETPULSE_ENVIRONMENT", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error

	// Server validation
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("NETPULSE_HTTP_PORT must be between 1 and 65535"))
	}
	if c.Server.AgentPort < 1 || c.Server.AgentPort > 65535 {
		errs = append(errs, errors.New("NETPULSE_AGENT_PORT must be between 1 and 65535"))
	}
	if c.Server.MetricsPort < 1 || c.Server.MetricsPort > 65535 {
		errs = append(errs, errors.New("NETPULSE_METRICS_PORT must be between 1 and 65535"))
	}
	if c.Server.AdminToken == "" {
		errs = append(errs, errors.New("NETPULSE_ADMIN_TOKEN is required"))
	} else if len(c.Server.AdminToken) < 16 {
		errs = append(errs, errors.New("NETPULSE_ADMIN_TOKEN must be at least 16 characters"))
	}

	// Database validation (required)
	if c.Database.URL == "" {
		errs = append(errs, errors.New("NETPULSE_DATABASE_URL is required"))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, errors.New("NETPULSE_DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, errors.New("NETPULSE_DATABASE_MIN_CONNS cannot be negative"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("NETPULSE_DATABASE_MIN_CONNS cannot exceed MAX_CONNS"))
	}

	// Connection validation
	if c.Connection.MaxConnectionsPerAgent < 1 {
		errs = append(errs, errors.New("NETPULSE_MAX_CONNECTIONS_PER_AGENT must be at least 1"))
	}
	if c.Connection.HeartbeatInterval < time.Second {
		errs = append(errs, errors.New("NETPULSE_HEARTBEAT_INTERVAL must be at least 1 second"))
	}
	if c.Connection.HeartbeatTimeout < c.Connection.HeartbeatInterval {
		errs = append(errs, errors.New("NETPULSE_HEARTBEAT_TIMEOUT must be >= HEARTBEAT_INTERVAL"))
	}
	if c.Connection.MaxMissedHeartbeats < 1 {
		errs = append(errs, errors.New("NETPULSE_MAX_MISSED_HEARTBEATS must be at least 1"))
	}
	if c.Connection.AuthTimeout <= 0 {
		errs = append(errs, errors.New("NETPULSE_AUTH_TIMEOUT must be greater than 0"))
	}
	if c.Connection.ReplayWindow <= 0 {
		errs = append(errs, errors.New("NETPULSE_AUTH_REPLAY_WINDOW must be greater than 0"))
	}
	if c.Connection.RateLimit <= 0 {
		errs = append(errs, errors.New("NETPULSE_CONNECTION_RATE_LIMIT must be greater than 0"))
	}

	// Load monitor validation
	if c.Load.CPUThreshold <= 0 || c.Load.CPUThreshold > 100 {
		errs = append(errs, errors.New("NETPULSE_LOAD_CPU_THRESHOLD must be between 0 and 100"))
	}
	if c.Load.MemoryThreshold <= 0 || c.Load.MemoryThreshold > 100 {
		errs = append(errs, errors.New("NETPULSE_LOAD_MEMORY_THRESHOLD must be between 0 and 100"))
	}
	if c.Load.DiskThreshold <= 0 || c.Load.DiskThreshold > 100 {
		errs = append(errs, errors.New("NETPULSE_LOAD_DISK_THRESHOLD must be between 0 and 100"))
	}
	if c.Load.SampleHistory < 1 {
		errs = append(errs, errors.New("NETPULSE_LOAD_SAMPLE_HISTORY must be at least 1"))
	}

	// Recovery validation
	if c.Recovery.MaxAttempts < 0 {
		errs = append(errs, errors.New("NETPULSE_RECOVERY_MAX_ATTEMPTS cannot be negative"))
	}
	if c.Recovery.Delay <= 0 {
		errs = append(errs, errors.New("NETPULSE_RECOVERY_DELAY must be greater than 0"))
	}
	if c.Recovery.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("NETPULSE_RECOVERY_BACKOFF_MULTIPLIER must be at least 1"))
	}

	// Dispatch validation
	if c.Dispatch.QueueMaxSize < 4 {
		errs = append(errs, errors.New("NETPULSE_QUEUE_MAX_SIZE must be at least 4"))
	}
	if c.Dispatch.DequeuePollInterval <= 0 {
		errs = append(errs, errors.New("NETPULSE_QUEUE_POLL_INTERVAL must be greater than 0"))
	}
	if c.Dispatch.HandlerMaxRetries < 0 {
		errs = append(errs, errors.New("NETPULSE_DISPATCH_MAX_RETRIES cannot be negative"))
	}
	validStrategies := map[string]bool{
		"round_robin": true, "load_based": true, "location_based": true, "capability_based": true,
	}
	if !validStrategies[strings.ToLower(c.Dispatch.DefaultStrategy)] {
		errs = append(errs, errors.New("NETPULSE_DISPATCH_DEFAULT_STRATEGY must be one of: round_robin, load_based, location_based, capability_based"))
	}

	// Scheduler validation
	if c.Scheduler.MaxConcurrentTasks < 1 {
		errs = append(errs, errors.New("NETPULSE_SCHEDULER_MAX_CONCURRENT_TASKS must be at least 1"))
	}
	if c.Scheduler.CheckInterval < time.Second {
		errs = append(errs, errors.New("NETPULSE_SCHEDULER_CHECK_INTERVAL must be at least 1 second"))
	}
	if c.Scheduler.TaskTimeout < time.Second {
		errs = append(errs, errors.New("NETPULSE_SCHEDULER_TASK_TIMEOUT must be at least 1 second"))
	}
	if c.Scheduler.ReaperInterval <= 0 {
		errs = append(errs, errors.New("NETPULSE_SCHEDULER_REAPER_INTERVAL must be greater than 0"))
	}
	if c.Scheduler.RetryDelay < 0 {
		errs = append(errs, errors.New("NETPULSE_SCHEDULER_RETRY_DELAY cannot be negative"))
	}
	if c.Scheduler.DiscoverBatchSize < 1 {
		errs = append(errs, errors.New("NETPULSE_SCHEDULER_DISCOVER_BATCH_SIZE must be at least 1"))
	}

	// Allocator validation
	if c.Allocator.LocationWeight < 0 || c.Allocator.PerformanceWeight < 0 || c.Allocator.LoadWeight < 0 {
		errs = append(errs, errors.New("NETPULSE_ALLOCATOR_*_WEIGHT values cannot be negative"))
	}
	if c.Allocator.LocationWeight+c.Allocator.PerformanceWeight+c.Allocator.LoadWeight <= 0 {
		errs = append(errs, errors.New("NETPULSE_ALLOCATOR_*_WEIGHT values must sum to a positive number"))
	}
	if c.Allocator.MaxAgentLoad <= 0 || c.Allocator.MaxAgentLoad > 1 {
		errs = append(errs, errors.New("NETPULSE_ALLOCATOR_MAX_AGENT_LOAD must be between 0 and 1"))
	}
	if c.Allocator.MinAvailability < 0 || c.Allocator.MinAvailability > 1 {
		errs = append(errs, errors.New("NETPULSE_ALLOCATOR_MIN_AVAILABILITY must be between 0 and 1"))
	}
	if c.Allocator.MaxReassignments < 0 {
		errs = append(errs, errors.New("NETPULSE_ALLOCATOR_MAX_REASSIGNMENTS cannot be negative"))
	}
	if c.Allocator.RebalanceInterval <= 0 {
		errs = append(errs, errors.New("NETPULSE_ALLOCATOR_REBALANCE_INTERVAL must be greater than 0"))
	}

	// Raw store validation (conditional)
	if c.RawStore.Endpoint != "" {
		if c.RawStore.Bucket == "" {
			errs = append(errs, errors.New("NETPULSE_RAWSTORE_BUCKET is required when the raw store endpoint is set"))
		}
		if c.RawStore.AccessKeyID == "" {
			errs = append(errs, errors.New("NETPULSE_RAWSTORE_ACCESS_KEY_ID is required when the raw store endpoint is set"))
		}
		if c.RawStore.SecretAccessKey == "" {
			errs = append(errs, errors.New("NETPULSE_RAWSTORE_SECRET_ACCESS_KEY is required when the raw store endpoint is set"))
		}
	}
	if c.RawStore.InlineThreshold < 0 {
		errs = append(errs, errors.New("NETPULSE_RAWSTORE_INLINE_THRESHOLD cannot be negative"))
	}
	if c.RawStore.CleanupEnabled {
		if c.RawStore.Retention <= 0 {
			errs = append(errs, errors.New("NETPULSE_RAWSTORE_RETENTION must be greater than 0 when cleanup is enabled"))
		}
		if c.RawStore.CleanupInterval <= 0 {
			errs = append(errs, errors.New("NETPULSE_RAWSTORE_CLEANUP_INTERVAL must be greater than 0 when cleanup is enabled"))
		}
	}

	// Results validation
	if c.Results.Retention <= 0 {
		errs = append(errs, errors.New("NETPULSE_RESULTS_RETENTION must be greater than 0"))
	}
	if c.Results.CleanupInterval <= 0 {
		errs = append(errs, errors.New("NETPULSE_RESULTS_CLEANUP_INTERVAL must be greater than 0"))
	}

	// Notifications validation (conditional)
	if c.Notifications.Email.SMTPHost != "" {
		if c.Notifications.Email.SMTPPort <= 0 {
			errs = append(errs, errors.New("NETPULSE_NOTIFICATIONS_EMAIL_SMTP_PORT must be set when SMTP host is configured"))
		}
		if c.Notifications.Email.FromAddress == "" {
			errs = append(errs, errors.New("NETPULSE_NOTIFICATIONS_EMAIL_FROM_ADDRESS must be set when SMTP host is configured"))
		}
		if len(c.Notifications.Email.Recipients) == 0 {
			errs = append(errs, errors.New("NETPULSE_NOTIFICATIONS_EMAIL_RECIPIENTS must be set when SMTP host is configured"))
		}
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, errors.New("NETPULSE_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, errors.New("NETPULSE_LOG_FORMAT must be one of: json, console"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// RedisEnabled returns true if Redis is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.URL != ""
}

// RawStoreEnabled returns true if raw payload offload is configured.
func (c *Config) RawStoreEnabled() bool {
	return c.RawStore.Endpoint != ""
}

// NotificationsEnabled returns true if the notification service should run.
func (c *Config) NotificationsEnabled() bool {
	return c.Notifications.Enabled
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable, trimming
// whitespace and dropping empty entries.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
