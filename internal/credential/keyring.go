package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "incidentwatch"

// TokenKey is the keyring entry holding the API bearer token.
const TokenKey = "api-token"

// MailboxPasswordKey is the keyring entry holding the IMAP password.
const MailboxPasswordKey = "mailbox-password"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/incidentwatch/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("incidentwatch-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	return get(ring, key)
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	return set(ring, key, value)
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	return remove(ring, key)
}

func get(ring keyring.Keyring, key string) (string, error) {
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func set(ring keyring.Keyring, key, value string) error {
	err := ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func remove(ring keyring.Keyring, key string) error {
	err := ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}

// Keyring is a token Provider backed by a keyring entry. The ring is
// opened lazily on each call so a token stored by another process (the
// login command) is picked up without restarting.
type Keyring struct {
	key  string
	open func() (keyring.Keyring, error)
}

// NewKeyring returns a provider reading key from the system keyring.
func NewKeyring(key string) *Keyring {
	return &Keyring{key: key, open: openKeyring}
}

// NewKeyringWith returns a provider over an already opened ring.
// Tests pass keyring.NewArrayKeyring.
func NewKeyringWith(ring keyring.Keyring, key string) *Keyring {
	return &Keyring{
		key:  key,
		open: func() (keyring.Keyring, error) { return ring, nil },
	}
}

// Token returns the stored token. Any keyring failure reads as "no
// credential"; the server decides what an unauthenticated request may do.
func (k *Keyring) Token() (string, bool) {
	ring, err := k.open()
	if err != nil {
		return "", false
	}
	token, err := get(ring, k.key)
	if err != nil || token == "" {
		return "", false
	}
	return token, true
}

// Store saves token under the provider's key.
func (k *Keyring) Store(token string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}
	return set(ring, k.key, token)
}

// Clear removes the stored token. Clearing an absent token succeeds.
func (k *Keyring) Clear() error {
	ring, err := k.open()
	if err != nil {
		return err
	}
	return remove(ring, k.key)
}
