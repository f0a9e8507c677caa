package credential

import (
	"fmt"
	"sync"
)

// Memory is an in-process Vault. It backs tests and the short-lived
// references minted while probing a connection that has no saved account.
type Memory struct {
	mu      sync.Mutex
	secrets map[string]string
}

// NewMemory creates an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{secrets: make(map[string]string)}
}

// Resolve returns the secret behind ref.
func (m *Memory) Resolve(ref string) (string, error) {
	key, err := keyFromRef(ref)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	secret, ok := m.secrets[key]
	if !ok {
		return "", fmt.Errorf("unknown credential %q", key)
	}
	return secret, nil
}

// Store saves secret under key and returns its reference.
func (m *Memory) Store(key, secret string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.secrets[key] = secret
	return Ref(key), nil
}

// Delete removes the secret behind ref.
func (m *Memory) Delete(ref string) error {
	key, err := keyFromRef(ref)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.secrets, key)
	return nil
}
