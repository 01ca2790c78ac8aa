// Package credential stores account secrets, IMAP passwords keyed by
// the account's credential key, in the operating system keyring. On
// headless hosts the file backend holds them encrypted under the user's
// config directory.
package credential

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const (
	service     = "mailmirror"
	fileDir     = "~/.config/mailmirror/credentials"
	filePassKey = "mailmirror-file-key"
)

// ErrNotFound reports a key with no stored secret.
var ErrNotFound = errors.New("credential not found")

// Keyring adapts the package functions to components that take a
// credential store as a value.
type Keyring struct{}

func (Keyring) Get(key string) (string, error) { return Get(key) }
func (Keyring) Set(key, value string) error    { return Set(key, value) }
func (Keyring) Delete(key string) error        { return Delete(key) }

var (
	ringOnce sync.Once
	ring     keyring.Keyring
	ringErr  error
)

// open configures the keyring once and reuses it; some backends prompt
// the user on open.
func open() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: service,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,
				keyring.SecretServiceBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
				keyring.FileBackend,
			},
			FileDir:                  fileDir,
			FilePasswordFunc:         keyring.FixedStringPrompt(filePassKey),
			KeychainTrustApplication: true,
		})
	})
	if ringErr != nil {
		return nil, fmt.Errorf("opening %s keyring: %w", service, ringErr)
	}
	return ring, nil
}

// Get retrieves the secret stored under key, or ErrNotFound.
func Get(key string) (string, error) {
	kr, err := open()
	if err != nil {
		return "", err
	}
	item, err := kr.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a secret under key, replacing any previous value.
func Set(key, value string) error {
	kr, err := open()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("storing credential %q: %w", key, err)
	}
	return nil
}

// Delete removes the secret stored under key. Deleting an absent key is
// not an error.
func Delete(key string) error {
	kr, err := open()
	if err != nil {
		return err
	}
	err = kr.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
