package secrets

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// HashiVaultProvider reads secrets from a single HashiCorp Vault kv2 path
type HashiVaultProvider struct {
	client *api.Client
	path   string
}

// NewHashiVaultProvider creates a new HashiCorp Vault provider for the secrets at path, i.e. secret/data/csvq
func NewHashiVaultProvider(addr, path, token string) (*HashiVaultProvider, error) {
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("can't make vault client: %w", err)
	}
	client.SetToken(token)
	return &HashiVaultProvider{client: client, path: path}, nil
}

// Get reads the path and returns the value of key
func (p *HashiVaultProvider) Get(key string) (string, error) {
	secret, err := p.client.Logical().Read(p.path)
	if err != nil {
		return "", fmt.Errorf("can't read vault path %s: %w", p.path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: nothing at vault path %s", ErrNotFound, p.path)
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return "", errors.New("unexpected vault data format, kv2 engine expected")
	}
	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type %T of vault secret %s", val, key)
	}
	return s, nil
}
