package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the keyring service under which every agent secret lives.
	ServiceName = "flowagent"

	indexKey = "__flowagent_index__"
)

// ErrCredentialNotFound is returned when a key has no stored value.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialStore is secure key/value storage for connector secrets.
type CredentialStore interface {
	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
	List() ([]string, error)
}

// KeyringCredentialStore stores credentials in the OS keyring
// (Keychain, Credential Manager, Secret Service). The keyring cannot
// enumerate entries, so key names are tracked in an index entry.
type KeyringCredentialStore struct {
	service string
	mu      sync.Mutex
}

// NewKeyringCredentialStore returns a store under ServiceName.
func NewKeyringCredentialStore() *KeyringCredentialStore {
	return &KeyringCredentialStore{service: ServiceName}
}

// Set stores value under key.
func (s *KeyringCredentialStore) Set(key, value string) error {
	if key == "" {
		return fmt.Errorf("credential key cannot be empty")
	}
	if key == indexKey {
		return fmt.Errorf("credential key %q is reserved", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	keys, err := s.listLocked()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	return s.saveIndexLocked(append(keys, key))
}

// Get returns the value for key, or ErrCredentialNotFound.
func (s *KeyringCredentialStore) Get(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("credential key cannot be empty")
	}
	value, err := keyring.Get(s.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, key)
		}
		return "", fmt.Errorf("failed to retrieve credential: %w", err)
	}
	return value, nil
}

// Delete removes key.
func (s *KeyringCredentialStore) Delete(key string) error {
	if key == "" {
		return fmt.Errorf("credential key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := keyring.Delete(s.service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCredentialNotFound, key)
		}
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	keys, err := s.listLocked()
	if err != nil {
		return err
	}
	kept := keys[:0]
	for _, k := range keys {
		if k != key {
			kept = append(kept, k)
		}
	}
	return s.saveIndexLocked(kept)
}

// List returns the stored key names, sorted. Values are never returned.
func (s *KeyringCredentialStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *KeyringCredentialStore) listLocked() ([]string, error) {
	indexJSON, err := keyring.Get(s.service, indexKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to retrieve credential index: %w", err)
	}
	var keys []string
	if err := json.Unmarshal([]byte(indexJSON), &keys); err != nil {
		return nil, fmt.Errorf("failed to parse credential index: %w", err)
	}
	return keys, nil
}

func (s *KeyringCredentialStore) saveIndexLocked(keys []string) error {
	indexJSON, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal credential index: %w", err)
	}
	if err := keyring.Set(s.service, indexKey, string(indexJSON)); err != nil {
		return fmt.Errorf("failed to save credential index: %w", err)
	}
	return nil
}

// Lookup reads key and reports whether it exists; any other failure is
// returned as an error.
func Lookup(store CredentialStore, key string) (string, bool, error) {
	value, err := store.Get(key)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}
