// Package testutil provides test utilities and helpers for integration tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/netpulse/netpulse/internal/config"
)

// PostgresContainer wraps a testcontainers postgres instance.
type PostgresContainer struct {
	Container *postgres.PostgresContainer
	ConnStr   string
	Host      string
	Port      string
	Database  string
	Username  string
	Password  string
}

// PostgresContainerConfig holds configuration for creating a postgres container.
type PostgresContainerConfig struct {
	Database string
	Username string
	Password string
	ImageTag string
}

// DefaultPostgresConfig returns a default postgres container configuration.
func DefaultPostgresConfig() PostgresContainerConfig {
	return PostgresContainerConfig{
		Database: "netpulse_test",
		Username: "netpulse",
		Password: "netpulse_test_pass",
		ImageTag: "16-alpine",
	}
}

// NewPostgresContainer creates a new postgres testcontainer.
func NewPostgresContainer(ctx context.Context, cfg PostgresContainerConfig) (*PostgresContainer, error) {
	if cfg.Database == "" {
		cfg = DefaultPostgresConfig()
	}

	container, err := postgres.Run(ctx,
		fmt.Sprintf("postgres:%s", cfg.ImageTag),
		postgres.WithDatabase(cfg.Database),
		postgres.WithUsername(cfg.Username),
		postgres.WithPassword(cfg.Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &PostgresContainer{
		Container: container,
		ConnStr:   connStr,
		Host:      host,
		Port:      mappedPort.Port(),
		Database:  cfg.Database,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}, nil
}

// Terminate stops and removes the container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	if c.Container != nil {
		return c.Container.Terminate(ctx)
	}
	return nil
}

// MinioContainer wraps a testcontainers minio instance.
type MinioContainer struct {
	Container       *minio.MinioContainer
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// MinioContainerConfig holds configuration for creating a minio container.
type MinioContainerConfig struct {
	Username string
	Password string
	ImageTag string
}

// DefaultMinioConfig returns a default minio container configuration.
func DefaultMinioConfig() MinioContainerConfig {
	return MinioContainerConfig{
		Username: "minioadmin",
		Password: "minioadmin",
		ImageTag: "latest",
	}
}

// NewMinioContainer creates a new minio testcontainer.
func NewMinioContainer(ctx context.Context, cfg MinioContainerConfig) (*MinioContainer, error) {
	if cfg.Username == "" {
		cfg = DefaultMinioConfig()
	}

	container, err := minio.Run(ctx,
		fmt.Sprintf("minio/minio:%s", cfg.ImageTag),
		minio.WithUsername(cfg.Username),
		minio.WithPassword(cfg.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start minio container: %w", err)
	}

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get minio endpoint: %w", err)
	}

	return &MinioContainer{
		Container:       container,
		Endpoint:        endpoint,
		AccessKeyID:     cfg.Username,
		SecretAccessKey: cfg.Password,
	}, nil
}

// Terminate stops and removes the container.
func (c *MinioContainer) Terminate(ctx context.Context) error {
	if c.Container != nil {
		return c.Container.Terminate(ctx)
	}
	return nil
}

// RedisContainer wraps a testcontainers redis instance.
type RedisContainer struct {
	Container *redis.RedisContainer
	URL       string
	Host      string
	Port      string
}

// RedisContainerConfig holds configuration for creating a redis container.
type RedisContainerConfig struct {
	ImageTag string
}

// DefaultRedisConfig returns a default redis container configuration.
func DefaultRedisConfig() RedisContainerConfig {
	return RedisContainerConfig{
		ImageTag: "7-alpine",
	}
}

// NewRedisContainer creates a new redis testcontainer.
func NewRedisContainer(ctx context.Context, cfg RedisContainerConfig) (*RedisContainer, error) {
	if cfg.ImageTag == "" {
		cfg = DefaultRedisConfig()
	}

	container, err := redis.Run(ctx,
		fmt.Sprintf("redis:%s", cfg.ImageTag),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis connection string: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, "6379")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &RedisContainer{
		Container: container,
		URL:       connStr,
		Host:      host,
		Port:      mappedPort.Port(),
	}, nil
}

// Terminate stops and removes the container.
func (c *RedisContainer) Terminate(ctx context.Context) error {
	if c.Container != nil {
		return c.Container.Terminate(ctx)
	}
	return nil
}

// MailhogContainer wraps a testcontainers mailhog instance for email
// notification tests.
type MailhogContainer struct {
	Container testcontainers.Container
	SMTPHost  string
	SMTPPort  string
	HTTPHost  string
	HTTPPort  string
	APIURL    string
}

// NewMailhogContainer creates a new mailhog testcontainer.
func NewMailhogContainer(ctx context.Context) (*MailhogContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "mailhog/mailhog:latest",
		ExposedPorts: []string{"1025/tcp", "8025/tcp"},
		WaitingFor:   wait.ForHTTP("/api/v2/messages").WithPort("8025").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start mailhog container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	smtpPort, err := container.MappedPort(ctx, "1025")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get SMTP port: %w", err)
	}

	httpPort, err := container.MappedPort(ctx, "8025")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get HTTP port: %w", err)
	}

	return &MailhogContainer{
		Container: container,
		SMTPHost:  host,
		SMTPPort:  smtpPort.Port(),
		HTTPHost:  host,
		HTTPPort:  httpPort.Port(),
		APIURL:    fmt.Sprintf("http://%s:%s/api/v2", host, httpPort.Port()),
	}, nil
}

// Terminate stops and removes the container.
func (c *MailhogContainer) Terminate(ctx context.Context) error {
	if c.Container != nil {
		return c.Container.Terminate(ctx)
	}
	return nil
}

// MailhogMessage represents a message from Mailhog API.
type MailhogMessage struct {
	ID      string `json:"ID"`
	Content struct {
		Headers struct {
			Subject []string `json:"Subject"`
			To      []string `json:"To"`
			From    []string `json:"From"`
		} `json:"Headers"`
		Body string `json:"Body"`
	} `json:"Content"`
}

// MailhogResponse represents the response from Mailhog API.
type MailhogResponse struct {
	Total int              `json:"total"`
	Items []MailhogMessage `json:"items"`
}

// GetMessages retrieves messages from the Mailhog API.
func (c *MailhogContainer) GetMessages(ctx context.Context) ([]MailhogMessage, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+"/messages", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mailhog returned status %d", resp.StatusCode)
	}

	var result MailhogResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return result.Items, nil
}

// Stack groups the backing service containers a test needs.
type Stack struct {
	Postgres *PostgresContainer
	Minio    *MinioContainer
	Redis    *RedisContainer
	Mailhog  *MailhogContainer
}

// NewStack starts postgres. Most integration tests only need the database.
func NewStack(ctx context.Context) (*Stack, error) {
	pg, err := NewPostgresContainer(ctx, DefaultPostgresConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres container: %w", err)
	}
	return &Stack{Postgres: pg}, nil
}

// NewStackWithMinio starts postgres and minio for raw payload offload tests.
func NewStackWithMinio(ctx context.Context) (*Stack, error) {
	stack, err := NewStack(ctx)
	if err != nil {
		return nil, err
	}

	mc, err := NewMinioContainer(ctx, DefaultMinioConfig())
	if err != nil {
		stack.Terminate(ctx)
		return nil, fmt.Errorf("failed to create minio container: %w", err)
	}
	stack.Minio = mc

	return stack, nil
}

// NewStackWithRedis starts postgres and redis for dedup tests.
func NewStackWithRedis(ctx context.Context) (*Stack, error) {
	stack, err := NewStack(ctx)
	if err != nil {
		return nil, err
	}

	rc, err := NewRedisContainer(ctx, DefaultRedisConfig())
	if err != nil {
		stack.Terminate(ctx)
		return nil, fmt.Errorf("failed to create redis container: %w", err)
	}
	stack.Redis = rc

	return stack, nil
}

// NewStackWithMailhog starts postgres and mailhog for email notifier tests.
func NewStackWithMailhog(ctx context.Context) (*Stack, error) {
	stack, err := NewStack(ctx)
	if err != nil {
		return nil, err
	}

	mh, err := NewMailhogContainer(ctx)
	if err != nil {
		stack.Terminate(ctx)
		return nil, fmt.Errorf("failed to create mailhog container: %w", err)
	}
	stack.Mailhog = mh

	return stack, nil
}

// Terminate stops all containers in the stack.
func (s *Stack) Terminate(ctx context.Context) {
	if s.Postgres != nil {
		s.Postgres.Terminate(ctx)
	}
	if s.Minio != nil {
		s.Minio.Terminate(ctx)
	}
	if s.Redis != nil {
		s.Redis.Terminate(ctx)
	}
	if s.Mailhog != nil {
		s.Mailhog.Terminate(ctx)
	}
}

// OrchestratorConfig builds an orchestrator configuration pointed at the
// stack's containers. Intervals are shortened so tests converge quickly.
func (s *Stack) OrchestratorConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			HTTPPort:        0, // Random port
			AgentPort:       0, // Random port
			MetricsPort:     0, // Random port
			AdminToken:      "test-admin-token-for-integration",
			CORSOrigin:      "*",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: config.DatabaseConfig{
			URL:             s.Postgres.ConnStr,
			MaxConns:        5,
			MinConns:        1,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 1 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Connection: config.ConnectionConfig{
			MaxConnectionsPerAgent: 1,
			HeartbeatInterval:      2 * time.Second,
			HeartbeatTimeout:       6 * time.Second,
			MaxMissedHeartbeats:    3,
			AuthTimeout:            5 * time.Second,
			ReplayWindow:           5 * time.Minute,
			AvailabilityWindow:     time.Minute,
			RateLimit:              100,
			RateBurst:              200,
		},
		Dispatch: config.DispatchConfig{
			QueueMaxSize:        1000,
			DequeuePollInterval: 20 * time.Millisecond,
			HandlerMaxRetries:   3,
			DefaultStrategy:     "load_based",
		},
		Scheduler: config.SchedulerConfig{
			MaxConcurrentTasks: 10,
			CheckInterval:      time.Second,
			TaskTimeout:        30 * time.Second,
			ReaperInterval:     2 * time.Second,
			RetryDelay:         2 * time.Second,
			DiscoverBatchSize:  50,
		},
		Allocator: config.AllocatorConfig{
			LocationWeight:        0.3,
			PerformanceWeight:     0.4,
			LoadWeight:            0.3,
			MaxAgentLoad:          0.8,
			MinAvailability:       0,
			PerformanceWindow:     time.Hour,
			MaxReassignments:      3,
			ReassignmentRetention: time.Hour,
			RebalanceInterval:     time.Minute,
			LoadVarianceThreshold: 0.1,
			RatioDiffThreshold:    0.3,
		},
		Results: config.ResultsConfig{
			Retention:       time.Hour,
			CleanupInterval: time.Minute,
			FlushInterval:   time.Second,
		},
		Log: config.LogConfig{
			Level:  "debug",
			Format: "console",
		},
		Observability: config.ObservabilityConfig{
			TracingEnabled: false,
			Environment:    "test",
		},
	}

	if s.Minio != nil {
		cfg.RawStore = config.RawStoreConfig{
			Endpoint:        s.Minio.Endpoint,
			Bucket:          "netpulse-test",
			Region:          "us-east-1",
			AccessKeyID:     s.Minio.AccessKeyID,
			SecretAccessKey: s.Minio.SecretAccessKey,
			UseSSL:          false,
			PathStyle:       true,
			InlineThreshold: 1024,
		}
	}

	if s.Redis != nil {
		cfg.Redis = config.RedisConfig{
			URL:          s.Redis.URL,
			PoolSize:     5,
			MinIdleConns: 1,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			DedupTTL:     time.Minute,
		}
	}

	if s.Mailhog != nil {
		cfg.Notifications.Enabled = true
		cfg.Notifications.Email = config.EmailConfig{
			SMTPHost:    s.Mailhog.SMTPHost,
			FromAddress: "orchestrator@netpulse.test",
			FromName:    "NetPulse",
			Recipients:  []string{"oncall@netpulse.test"},
			UseTLS:      false,
			ConnTimeout: 10 * time.Second,
		}
		fmt.Sscanf(s.Mailhog.SMTPPort, "%d", &cfg.Notifications.Email.SMTPPort)
	}

	return cfg
}

// IsDockerAvailable checks if Docker is available for running containers.
func IsDockerAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			// If testcontainers panics while inspecting Docker host, treat as unavailable.
			available = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}

	err = provider.Health(ctx)
	return err == nil
}
