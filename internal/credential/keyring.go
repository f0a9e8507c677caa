package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// Keyring is the system-keyring backed Vault used outside of tests.
type Keyring struct {
	fileDir string
}

// NewKeyring creates a keyring vault. fileDir is the fallback location for
// the encrypted-file backend on platforms without a native secret service.
func NewKeyring(fileDir string) *Keyring {
	return &Keyring{fileDir: fileDir}
}

func (k *Keyring) open() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  k.fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Resolve returns the secret behind ref.
func (k *Keyring) Resolve(ref string) (string, error) {
	key, err := keyFromRef(ref)
	if err != nil {
		return "", err
	}

	ring, err := k.open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Store saves secret under key and returns the reference to persist.
func (k *Keyring) Store(key, secret string) (string, error) {
	ring, err := k.open()
	if err != nil {
		return "", err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(secret),
	})
	if err != nil {
		return "", fmt.Errorf("setting credential %q: %w", key, err)
	}

	return Ref(key), nil
}

// Delete removes the secret behind ref. Missing entries are ignored.
func (k *Keyring) Delete(ref string) error {
	key, err := keyFromRef(ref)
	if err != nil {
		return err
	}

	ring, err := k.open()
	if err != nil {
		return err
	}

	if err := ring.Remove(key); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
