// Package secrets resolves sensitive values, such as agent API keys, from
// external stores so they never have to live in config files on disk.
package secrets

import (
	"context"
	"fmt"
	"os"
)

// Provider identifies the secret backend.
type Provider string

const (
	ProviderVault Provider = "vault"
	ProviderEnv   Provider = "env"
)

// Reference identifies a single secret value in a store.
type Reference struct {
	Name     string
	Provider Provider
	Path     string
	Key      string
	Version  int
}

// Store resolves secret references to plaintext values.
type Store interface {
	Resolve(ctx context.Context, ref Reference) (string, error)
}

// EnvStore resolves secrets from process environment variables. The
// reference Key names the variable; Path and Version are ignored.
type EnvStore struct{}

// Resolve looks up the environment variable named by ref.Key.
func (EnvStore) Resolve(_ context.Context, ref Reference) (string, error) {
	if ref.Key == "" {
		return "", fmt.Errorf("secret key is required")
	}
	value, ok := os.LookupEnv(ref.Key)
	if !ok {
		return "", fmt.Errorf("environment variable %s not set", ref.Key)
	}
	return value, nil
}
