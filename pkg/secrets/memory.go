package secrets

import (
	"fmt"
	"strings"
)

// MemoryProvider keeps secrets in a map. Filled from the environment by NewEnvProvider, also handy in tests.
type MemoryProvider struct {
	secrets map[string]string
}

// NewMemoryProvider creates a new MemoryProvider with the given secrets.
func NewMemoryProvider(secrets map[string]string) *MemoryProvider {
	return &MemoryProvider{secrets: secrets}
}

// NewEnvProvider makes a MemoryProvider from environment entries (KEY=value) starting with prefix.
// Keys are the rest of the name in lower case, i.e. CSVQ_SECRET_PG_PASS is pg_pass.
func NewEnvProvider(prefix string, environ []string) *MemoryProvider {
	res := map[string]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || len(k) == len(prefix) {
			continue
		}
		res[strings.ToLower(k[len(prefix):])] = v
	}
	return NewMemoryProvider(res)
}

// Get returns the secret for the given key.
func (m *MemoryProvider) Get(key string) (string, error) {
	if val, ok := m.secrets[key]; ok {
		return val, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}
