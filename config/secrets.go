package config

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

// KeyringService names the OS keyring entry that holds API keys.
const KeyringService = "tally"

// ErrSecretNotFound is returned when the keyring has no entry for a key.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes API keys outside the environment.
type SecretStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// openSecrets is swapped in tests.
var openSecrets = OpenKeyring

type keyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the OS keyring. Plain-file backends are not allowed.
func OpenKeyring() (SecretStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: KeyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.PassBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &keyringStore{ring: ring}, nil
}

func (s *keyringStore) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from keyring: %w", key, err)
	}
	return string(item.Data), nil
}

func (s *keyringStore) Set(key, value string) error {
	if err := s.ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: "tally " + key}); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", key, err)
	}
	return nil
}

func (s *keyringStore) Delete(key string) error {
	err := s.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return ErrSecretNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to remove %s from keyring: %w", key, err)
	}
	return nil
}

// SetAPIKey stores a provider's API key in the keyring.
func SetAPIKey(provider, key string) error {
	if key == "" {
		return errors.New("API key is empty")
	}
	name, err := APIKeyEnv(provider)
	if err != nil {
		return err
	}
	store, err := openSecrets()
	if err != nil {
		return err
	}
	return store.Set(name, key)
}

// DeleteAPIKey removes a provider's API key from the keyring.
func DeleteAPIKey(provider string) error {
	name, err := APIKeyEnv(provider)
	if err != nil {
		return err
	}
	store, err := openSecrets()
	if err != nil {
		return err
	}
	return store.Delete(name)
}
