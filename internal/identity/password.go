package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// PasswordEnv overrides every other passphrase source
const PasswordEnv = "REWARDCLAIM_WALLET_PASSWORD"

// PasswordSource names where a passphrase was found
type PasswordSource string

const (
	PasswordFromEnv     PasswordSource = "environment"
	PasswordFromFile    PasswordSource = "password file"
	PasswordFromKeyring PasswordSource = "platform keyring"
	PasswordFromKernel  PasswordSource = "kernel keyring"
)

// secretStore is a keyring able to hold the passphrase. get returns
// ("", nil) when the store is reachable but empty.
type secretStore interface {
	source() PasswordSource
	describe() string
	get() (string, error)
	set(password string) error
	remove() error
}

// secretStores in lookup and store order
var secretStores = []secretStore{platformKeyring{}, kernelKeyring{}}

// ResolvePassword looks up the wallet passphrase without prompting. Order:
// environment, password file, then each keyring when useKeyring is set.
// Returns ("", "", nil) when nothing is stored so the caller can prompt.
func ResolvePassword(passwordFile string, useKeyring bool) (string, PasswordSource, error) {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, PasswordFromEnv, nil
	}

	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return "", "", fmt.Errorf("failed to read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), PasswordFromFile, nil
	}

	if !useKeyring {
		return "", "", nil
	}
	if pw, src := storedPassword(); pw != "" {
		return pw, src, nil
	}
	return "", "", nil
}

// StoredIn reports which keyring holds a passphrase, or "" if none does
func StoredIn() PasswordSource {
	_, src := storedPassword()
	return src
}

func storedPassword() (string, PasswordSource) {
	for _, s := range secretStores {
		if pw, err := s.get(); err == nil && pw != "" {
			return pw, s.source()
		}
	}
	return "", ""
}

// StorePassword saves the passphrase in the first keyring that accepts it
// and returns that keyring's name
func StorePassword(password string) (string, error) {
	var errs []error
	for _, s := range secretStores {
		err := s.set(password)
		if err == nil {
			return s.describe(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.describe(), err))
	}
	return "", fmt.Errorf("no keyring available: %w", errors.Join(errs...))
}

// ForgetPassword removes the passphrase from every keyring
func ForgetPassword() error {
	var errs []error
	for _, s := range secretStores {
		if err := s.remove(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.describe(), err))
		}
	}
	return errors.Join(errs...)
}
