package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/openbao/openbao/api/v2"
)

// VaultBackend reads a single KV secret and returns the requested field.
// Both KV v2 (secret/data/<name>) and KV v1 payloads are understood.
type VaultBackend struct {
	Address string
	Token   string
	Path    string

	// MaxRetries is passed to the vault client; the resolver timeout still
	// bounds the total call.
	MaxRetries int

	mu     sync.Mutex
	client *api.Client
}

func (b *VaultBackend) Source() Source { return SourceVault }

func (b *VaultBackend) Ready() bool { return b.Address != "" && b.Path != "" }

func (b *VaultBackend) Lookup(ctx context.Context, name string) (string, error) {
	client, err := b.getClient()
	if err != nil {
		return "", err
	}

	secret, err := client.Logical().ReadWithContext(ctx, b.Path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", b.Path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", nil
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	raw, ok := data[name]
	if !ok || raw == nil {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("field %q at %s is %T, not a string", name, b.Path, raw)
	}
	return value, nil
}

func (b *VaultBackend) getClient() (*api.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	conf := api.DefaultConfig()
	if conf.Error != nil {
		return nil, fmt.Errorf("vault client config: %w", conf.Error)
	}
	conf.Address = b.Address
	conf.MaxRetries = b.MaxRetries

	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if b.Token != "" {
		client.SetToken(b.Token)
	}
	b.client = client
	return client, nil
}
