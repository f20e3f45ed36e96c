package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/netpulse/netpulse/internal/secrets"
	"github.com/netpulse/netpulse/internal/wire"
)

// Config holds all configuration settings for the agent. Values come from
// a YAML config file; environment variables with the NETPULSE_AGENT_ prefix
// take precedence over the file.
type Config struct {
	// OrchestratorURL is the agent channel endpoint, e.g.
	// ws://orchestrator:8081 (required). http/https schemes are accepted
	// and rewritten to ws/wss.
	OrchestratorURL string `yaml:"orchestrator_url"`

	// AgentID is the UUID issued when the agent was registered (required).
	AgentID string `yaml:"agent_id"`

	// APIKey authenticates the agent. Required unless api_key_vault is set.
	APIKey string `yaml:"api_key"`

	// APIKeyVault resolves the API key from HashiCorp Vault instead of
	// storing it inline.
	APIKeyVault *VaultKeySource `yaml:"api_key_vault,omitempty"`

	// Capabilities are the probe protocols this agent executes
	// (default: all supported protocols).
	Capabilities []string `yaml:"capabilities"`

	// MaxConcurrent caps simultaneously executing probes (default: 10).
	MaxConcurrent int `yaml:"max_concurrent"`

	// HeartbeatInterval is the liveness signal cadence (default: 30s).
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// ResourceInterval is the resource report cadence (default: 60s).
	ResourceInterval Duration `yaml:"resource_interval"`

	// ReconnectMinInterval is the initial reconnect backoff (default: 1s).
	ReconnectMinInterval Duration `yaml:"reconnect_min_interval"`

	// ReconnectMaxInterval caps the reconnect backoff (default: 60s).
	ReconnectMaxInterval Duration `yaml:"reconnect_max_interval"`

	// SpoolPath is the SQLite database holding unacknowledged results
	// (default: /var/lib/netpulse/agent.db).
	SpoolPath string `yaml:"spool_path"`

	// SpoolMaxPending bounds the spool; the oldest results are dropped
	// beyond it. Zero disables the cap (default: 1000).
	SpoolMaxPending int `yaml:"spool_max_pending"`

	// DiskPath is the filesystem sampled for disk usage reports (default: /).
	DiskPath string `yaml:"disk_path"`

	// TLSInsecureSkipVerify skips certificate verification on the
	// orchestrator connection (not recommended).
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`

	// LogLevel is the log level (debug, info, warn, error) (default: info).
	LogLevel string `yaml:"log_level"`

	// LogFormat is the log format (json, console) (default: json).
	LogFormat string `yaml:"log_format"`
}

// VaultKeySource locates the agent API key in HashiCorp Vault KV v2.
type VaultKeySource struct {
	// Address is the Vault API address, e.g. https://vault:8200.
	Address string `yaml:"address"`
	// Token authenticates against Vault. Falls back to the VAULT_TOKEN
	// environment variable when empty.
	Token string `yaml:"token,omitempty"`
	// Namespace is the optional Vault namespace header.
	Namespace string `yaml:"namespace,omitempty"`
	// Mount is the KV mount path (default: secret).
	Mount string `yaml:"mount,omitempty"`
	// Path is the secret path under the mount.
	Path string `yaml:"path"`
	// Key is the field holding the API key.
	Key string `yaml:"key"`
	// Version pins a secret version; zero reads the latest.
	Version int `yaml:"version,omitempty"`
}

// Duration is a time.Duration that decodes from YAML strings like "30s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML decodes a duration string such as "90s" or "2m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfig returns a config populated with defaults. Required fields
// (orchestrator URL, agent ID, API key) are left empty.
func DefaultConfig() *Config {
	caps := make([]string, 0, len(wire.Protocols()))
	for _, p := range wire.Protocols() {
		caps = append(caps, string(p))
	}
	return &Config{
		Capabilities:         caps,
		MaxConcurrent:        10,
		HeartbeatInterval:    Duration(30 * time.Second),
		ResourceInterval:     Duration(60 * time.Second),
		ReconnectMinInterval: Duration(time.Second),
		ReconnectMaxInterval: Duration(60 * time.Second),
		SpoolPath:            "/var/lib/netpulse/agent.db",
		SpoolMaxPending:      1000,
		DiskPath:             "/",
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// LoadConfig reads the YAML config file at path (skipped when empty),
// applies NETPULSE_AGENT_ environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.APIKeyVault != nil && cfg.APIKeyVault.Token == "" {
		// The vault CLI convention; keeps tokens out of config files.
		cfg.APIKeyVault.Token = os.Getenv("VAULT_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error

	if c.OrchestratorURL == "" {
		errs = append(errs, errors.New("orchestrator_url is required"))
	} else if u, err := url.Parse(c.OrchestratorURL); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator_url is not a valid URL: %w", err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("orchestrator_url scheme must be ws, wss, http, or https, got %q", u.Scheme))
		}
	}

	if c.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	} else if _, err := uuid.Parse(c.AgentID); err != nil {
		errs = append(errs, errors.New("agent_id must be a valid UUID"))
	}

	if c.APIKey == "" {
		if c.APIKeyVault == nil {
			errs = append(errs, errors.New("api_key or api_key_vault is required"))
		} else {
			if c.APIKeyVault.Address == "" {
				errs = append(errs, errors.New("api_key_vault.address is required"))
			}
			if c.APIKeyVault.Token == "" {
				errs = append(errs, errors.New("api_key_vault.token or VAULT_TOKEN is required"))
			}
			if c.APIKeyVault.Path == "" {
				errs = append(errs, errors.New("api_key_vault.path is required"))
			}
			if c.APIKeyVault.Key == "" {
				errs = append(errs, errors.New("api_key_vault.key is required"))
			}
		}
	}

	if len(c.Capabilities) == 0 {
		errs = append(errs, errors.New("capabilities must list at least one protocol"))
	}
	for _, capability := range c.Capabilities {
		if !wire.Protocol(capability).Valid() {
			errs = append(errs, fmt.Errorf("unknown capability %q", capability))
		}
	}

	if c.MaxConcurrent < 1 {
		errs = append(errs, errors.New("max_concurrent must be at least 1"))
	}
	if c.MaxConcurrent > 100 {
		errs = append(errs, errors.New("max_concurrent cannot exceed 100"))
	}

	if c.HeartbeatInterval.Std() < 5*time.Second {
		errs = append(errs, errors.New("heartbeat_interval must be at least 5 seconds"))
	}
	if c.ResourceInterval.Std() < 5*time.Second {
		errs = append(errs, errors.New("resource_interval must be at least 5 seconds"))
	}
	if c.ReconnectMinInterval.Std() < 100*time.Millisecond {
		errs = append(errs, errors.New("reconnect_min_interval must be at least 100ms"))
	}
	if c.ReconnectMaxInterval < c.ReconnectMinInterval {
		errs = append(errs, errors.New("reconnect_max_interval must be >= reconnect_min_interval"))
	}

	if c.SpoolPath == "" {
		errs = append(errs, errors.New("spool_path is required"))
	}
	if c.SpoolMaxPending < 0 {
		errs = append(errs, errors.New("spool_max_pending cannot be negative"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, errors.New("log_level must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, errors.New("log_format must be one of: json, console"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// ResolveAPIKey fills APIKey from the configured Vault source. It is a
// no-op when the key is already set inline.
func (c *Config) ResolveAPIKey(ctx context.Context) error {
	if c.APIKey != "" || c.APIKeyVault == nil {
		return nil
	}

	store, err := secrets.NewVaultStore(secrets.VaultConfig{
		Address:   c.APIKeyVault.Address,
		Token:     c.APIKeyVault.Token,
		Namespace: c.APIKeyVault.Namespace,
		Mount:     c.APIKeyVault.Mount,
	})
	if err != nil {
		return fmt.Errorf("failed to configure vault secrets: %w", err)
	}

	key, err := store.Resolve(ctx, secrets.Reference{
		Name:     "api_key",
		Provider: secrets.ProviderVault,
		Path:     c.APIKeyVault.Path,
		Key:      c.APIKeyVault.Key,
		Version:  c.APIKeyVault.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to resolve api key from vault: %w", err)
	}

	c.APIKey = key
	return nil
}

// Protocols returns the configured capabilities as protocol tags.
func (c *Config) Protocols() []wire.Protocol {
	out := make([]wire.Protocol, 0, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		out = append(out, wire.Protocol(capability))
	}
	return out
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

// Environment overrides. Malformed values are ignored in favor of the
// file value, matching how missing variables behave.

func applyEnvOverrides(cfg *Config) {
	setEnvString("NETPULSE_AGENT_ORCHESTRATOR_URL", &cfg.OrchestratorURL)
	setEnvString("NETPULSE_AGENT_ID", &cfg.AgentID)
	setEnvString("NETPULSE_AGENT_API_KEY", &cfg.APIKey)
	setEnvList("NETPULSE_AGENT_CAPABILITIES", &cfg.Capabilities)
	setEnvInt("NETPULSE_AGENT_MAX_CONCURRENT", &cfg.MaxConcurrent)
	setEnvDuration("NETPULSE_AGENT_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	setEnvDuration("NETPULSE_AGENT_RESOURCE_INTERVAL", &cfg.ResourceInterval)
	setEnvDuration("NETPULSE_AGENT_RECONNECT_MIN_INTERVAL", &cfg.ReconnectMinInterval)
	setEnvDuration("NETPULSE_AGENT_RECONNECT_MAX_INTERVAL", &cfg.ReconnectMaxInterval)
	setEnvString("NETPULSE_AGENT_SPOOL_PATH", &cfg.SpoolPath)
	setEnvInt("NETPULSE_AGENT_SPOOL_MAX_PENDING", &cfg.SpoolMaxPending)
	setEnvString("NETPULSE_AGENT_DISK_PATH", &cfg.DiskPath)
	setEnvBool("NETPULSE_AGENT_TLS_INSECURE_SKIP_VERIFY", &cfg.TLSInsecureSkipVerify)
	setEnvString("NETPULSE_AGENT_LOG_LEVEL", &cfg.LogLevel)
	setEnvString("NETPULSE_AGENT_LOG_FORMAT", &cfg.LogFormat)

	if cfg.APIKeyVault == nil && (os.Getenv("NETPULSE_AGENT_VAULT_ADDR") != "" || os.Getenv("NETPULSE_AGENT_VAULT_PATH") != "") {
		cfg.APIKeyVault = &VaultKeySource{}
	}
	if cfg.APIKeyVault != nil {
		setEnvString("NETPULSE_AGENT_VAULT_ADDR", &cfg.APIKeyVault.Address)
		setEnvString("NETPULSE_AGENT_VAULT_TOKEN", &cfg.APIKeyVault.Token)
		setEnvString("NETPULSE_AGENT_VAULT_NAMESPACE", &cfg.APIKeyVault.Namespace)
		setEnvString("NETPULSE_AGENT_VAULT_MOUNT", &cfg.APIKeyVault.Mount)
		setEnvString("NETPULSE_AGENT_VAULT_PATH", &cfg.APIKeyVault.Path)
		setEnvString("NETPULSE_AGENT_VAULT_KEY", &cfg.APIKeyVault.Key)
	}
}

func setEnvString(key string, dst *string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setEnvInt(key string, dst *int) {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			*dst = intVal
		}
	}
}

func setEnvBool(key string, dst *bool) {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			*dst = boolVal
		}
	}
}

func setEnvDuration(key string, dst *Duration) {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			*dst = Duration(duration)
		}
	}
}

func setEnvList(key string, dst *[]string) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
