package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultVaultMount   = "secret"
	defaultVaultTimeout = 10 * time.Second
)

// VaultConfig configures a Vault-backed secret store.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
	Timeout   time.Duration
}

// VaultStore resolves secrets from HashiCorp Vault's KV version 2 engine.
type VaultStore struct {
	address   string
	token     string
	namespace string
	mount     string
	client    *http.Client
}

// NewVaultStore creates a Vault-backed store. Address and token are
// required; the mount defaults to "secret".
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("vault token is required")
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = defaultVaultMount
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultVaultTimeout
	}

	return &VaultStore{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		mount:     mount,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Resolve fetches one key from a KV v2 secret, optionally pinned to a
// specific version.
func (v *VaultStore) Resolve(ctx context.Context, ref Reference) (string, error) {
	if ref.Path == "" {
		return "", errors.New("secret path is required")
	}
	if ref.Key == "" {
		return "", errors.New("secret key is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.dataURL(ref), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)
	if v.namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault returned status %d for %s", resp.StatusCode, ref.Path)
	}

	// KV v2 wraps the secret in data.data.
	var payload struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode vault response: %w", err)
	}

	value, ok := payload.Data.Data[ref.Key]
	if !ok {
		return "", fmt.Errorf("vault secret %s has no key %q", ref.Path, ref.Key)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("vault key %q is not a string", ref.Key)
	}
	return str, nil
}

// dataURL builds the KV v2 read endpoint for the reference.
func (v *VaultStore) dataURL(ref Reference) string {
	endpoint := fmt.Sprintf("%s/v1/%s/data/%s", v.address, v.mount, strings.TrimLeft(ref.Path, "/"))
	if ref.Version > 0 {
		q := url.Values{}
		q.Set("version", strconv.Itoa(ref.Version))
		endpoint += "?" + q.Encode()
	}
	return endpoint
}
