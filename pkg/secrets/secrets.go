// Package secrets provides values for {{secret:KEY}} placeholders in the catalog.
package secrets

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by providers for unknown keys
var ErrNotFound = errors.New("secret not found")

// NoOpProvider is a provider without secrets, used when no provider is configured
type NoOpProvider struct{}

// Get always fails
func (p *NoOpProvider) Get(key string) (string, error) {
	return "", fmt.Errorf("%w: %s, no secrets provider set", ErrNotFound, key)
}
