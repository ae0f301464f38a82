package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "mail-sync-engine"

var ErrSecretNotFound = errors.New("secret not found")

// SecretStore holds static mailbox passwords outside the database
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// SecretKey is the key under which an account's password is stored
func SecretKey(accountID string) string {
	return "imap:" + accountID
}

// KeyringStore is a SecretStore backed by an encrypted file keyring
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the file keyring in dir
func OpenKeyring(dir, password string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      serviceName,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          dir,
		FilePasswordFunc: keyring.FixedStringPrompt(password),
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// Get retrieves a secret by key
func (k *KeyringStore) Get(key string) (string, error) {
	item, err := k.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting secret %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a secret
func (k *KeyringStore) Set(key, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting secret %q: %w", key, err)
	}
	return nil
}

// Delete removes a secret. Missing keys are not an error.
func (k *KeyringStore) Delete(key string) error {
	err := k.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting secret %q: %w", key, err)
	}
	return nil
}

// MemorySecretStore keeps secrets in process memory
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string]string)}
}

func (m *MemorySecretStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *MemorySecretStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = value
	return nil
}

func (m *MemorySecretStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}
