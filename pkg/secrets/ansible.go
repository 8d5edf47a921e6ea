package secrets

import (
	"fmt"
	"log"
	"os"

	vault "github.com/sosedoff/ansible-vault-go"
	"gopkg.in/yaml.v3"
)

// AnsibleVaultProvider reads secrets from an ansible-vault encrypted yaml file
type AnsibleVaultProvider struct {
	data map[string]any
}

// NewAnsibleVaultProvider decrypts the vault file with the password and loads all values
func NewAnsibleVaultProvider(vaultPath, password string) (*AnsibleVaultProvider, error) {
	fi, err := os.Stat(vaultPath)
	if err != nil {
		return nil, fmt.Errorf("can't access vault file: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", vaultPath)
	}

	decrypted, err := vault.DecryptFile(vaultPath, password)
	if err != nil {
		return nil, fmt.Errorf("can't decrypt vault file %s: %w", vaultPath, err)
	}

	data := map[string]any{}
	if err := yaml.Unmarshal([]byte(decrypted), &data); err != nil {
		return nil, fmt.Errorf("can't parse decrypted vault file %s: %w", vaultPath, err)
	}
	log.Printf("[INFO] ansible vault %s decrypted, %d keys", vaultPath, len(data))
	return &AnsibleVaultProvider{data: data}, nil
}

// Get returns the value of key, non-string values are formatted
func (p *AnsibleVaultProvider) Get(key string) (string, error) {
	v, ok := p.data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", v), nil
}
