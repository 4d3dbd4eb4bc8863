package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailcore"

// ErrNotFound is returned when no password is stored for an account.
var ErrNotFound = errors.New("credential not found")

// Store keeps account passwords out of the job store.
type Store struct {
	ring keyring.Keyring
}

// Open returns a Store backed by the system keyring. dir is used by the
// encrypted file backend when no native keyring is available.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = "~/.config/mailcore/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailcore-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves the password stored for addr.
func (s *Store) Get(addr string) (string, error) {
	item, err := s.ring.Get(addr)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", addr, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", addr, err)
	}

	return string(item.Data), nil
}

// Set stores the password for addr.
func (s *Store) Set(addr, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:   addr,
		Data:  []byte(password),
		Label: "mailcore " + addr,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", addr, err)
	}

	return nil
}

// Delete removes the password for addr. A missing entry is not an error.
func (s *Store) Delete(addr string) error {
	err := s.ring.Remove(addr)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", addr, err)
	}

	return nil
}
