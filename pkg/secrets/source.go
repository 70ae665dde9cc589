// Package secrets fetches runtime secrets through a circuit breaker, with a
// static source for local development and a Vault source for production.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
)

// Source is the pluggable live-fetch transport behind the breaker.
type Source interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// VaultSource reads a KV path from a Vault server.
type VaultSource struct {
	client *vaultapi.Client
	path   string
}

// NewVaultSource builds a VaultSource against the given address, token and
// secret path (e.g. "secret/data/jobserver").
func NewVaultSource(addr, token, path string) (*VaultSource, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: new vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultSource{client: client, path: path}, nil
}

func (v *VaultSource) Fetch(ctx context.Context) (map[string]string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault read %s: %w", v.path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secrets: vault path %s returned no data", v.path)
	}

	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	out := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}

// StaticSource reads secrets from environment variables sharing a prefix,
// for local development where no Vault server is available.
type StaticSource struct {
	prefix string
}

// NewStaticSource builds a StaticSource reading every env var starting with
// prefix, stripping the prefix from the resulting key.
func NewStaticSource(prefix string) *StaticSource {
	return &StaticSource{prefix: prefix}
}

func (s *StaticSource) Fetch(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(k, s.prefix) {
			continue
		}
		out[strings.TrimPrefix(k, s.prefix)] = v
	}
	return out, nil
}
