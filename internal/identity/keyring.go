package identity

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/99designs/keyring"
)

const (
	secretService = "rewardclaim"
	secretKey     = "wallet-password"
)

// platformKeyring keeps the passphrase in the desktop secret store:
// Keychain on macOS, Secret Service or KWallet on Linux.
type platformKeyring struct{}

func (platformKeyring) source() PasswordSource { return PasswordFromKeyring }

func (platformKeyring) describe() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "linux":
		return "Secret Service"
	}
	return "system keyring"
}

func (p platformKeyring) open() (keyring.Keyring, error) {
	var backends []keyring.BackendType
	switch runtime.GOOS {
	case "darwin":
		backends = []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		backends = []keyring.BackendType{keyring.SecretServiceBackend, keyring.KWalletBackend}
	default:
		return nil, fmt.Errorf("no platform keyring on %s", runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    secretService,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.describe(), err)
	}
	return ring, nil
}

func (p platformKeyring) get() (string, error) {
	ring, err := p.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(secretKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

func (p platformKeyring) set(password string) error {
	ring, err := p.open()
	if err != nil {
		return err
	}
	return ring.Set(keyring.Item{
		Key:         secretKey,
		Data:        []byte(password),
		Label:       "rewardclaim wallet",
		Description: "Passphrase of the delegator keystore",
	})
}

func (p platformKeyring) remove() error {
	ring, err := p.open()
	if err != nil {
		return err
	}
	if err := ring.Remove(secretKey); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}
	return nil
}
