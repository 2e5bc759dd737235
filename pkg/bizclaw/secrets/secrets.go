// Package secrets provides credential storage for per-trigger webhook
// secrets. The default implementation uses the operating system's native
// keyring (Linux: Secret Service/GNOME Keyring, macOS: Keychain, Windows:
// Credential Manager); tests and single-binary deployments can use the
// in-memory store.
package secrets

import (
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// CredentialStore resolves decrypted secrets by service name.
type CredentialStore interface {
	// Decrypt returns the secret stored under the service name.
	Decrypt(serviceName string) (string, error)

	// Store saves a secret under the service name.
	Store(serviceName, secret string) error
}

// ErrNotFound is returned when no secret exists for a service name.
var ErrNotFound = fmt.Errorf("secret not found")

// keyringService is the service name used in the OS keyring.
const keyringService = "bizclaw"

// KeyringStore is a CredentialStore backed by the OS keyring.
type KeyringStore struct{}

// NewKeyringStore creates a keyring-backed credential store.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

// Decrypt retrieves a secret from the OS keyring.
func (k *KeyringStore) Decrypt(serviceName string) (string, error) {
	val, err := keyring.Get(keyringService, serviceName)
	if err != nil {
		return "", fmt.Errorf("keyring get %q: %w", serviceName, ErrNotFound)
	}
	return val, nil
}

// Store saves a secret to the OS keyring.
func (k *KeyringStore) Store(serviceName, secret string) error {
	if err := keyring.Set(keyringService, serviceName, secret); err != nil {
		return fmt.Errorf("keyring set %q: %w", serviceName, err)
	}
	return nil
}

// Available checks if the OS keyring is accessible via a write+delete cycle.
func (k *KeyringStore) Available() bool {
	testKey := "__bizclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// MemoryStore is an in-memory CredentialStore for tests and deployments
// without an OS keyring.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

// Decrypt returns the stored secret or ErrNotFound.
func (m *MemoryStore) Decrypt(serviceName string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.secrets[serviceName]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

// Store saves a secret in memory.
func (m *MemoryStore) Store(serviceName, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[serviceName] = secret
	return nil
}
