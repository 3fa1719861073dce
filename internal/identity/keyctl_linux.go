//go:build linux

package identity

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const kernelKeyName = "rewardclaim-wallet"

// kernelKeyring keeps the passphrase in the user session keyring through
// keyctl(1). Keys live in kernel memory and do not survive a reboot.
type kernelKeyring struct{}

func (kernelKeyring) source() PasswordSource { return PasswordFromKernel }

func (kernelKeyring) describe() string { return "kernel keyring" }

func keyctl(stdin string, args ...string) (string, error) {
	cmd := exec.Command("keyctl", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("keyctl %s: %w: %s", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("keyctl %s: %w", args[0], err)
	}
	return string(out), nil
}

// lookup returns the key id, or "" when no key is stored
func (kernelKeyring) lookup() (string, error) {
	if _, err := exec.LookPath("keyctl"); err != nil {
		return "", err
	}
	out, err := keyctl("", "search", "@u", "user", kernelKeyName)
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

func (k kernelKeyring) get() (string, error) {
	id, err := k.lookup()
	if err != nil || id == "" {
		return "", err
	}
	return keyctl("", "pipe", id)
}

func (kernelKeyring) set(password string) error {
	_, err := keyctl(password, "padd", "user", kernelKeyName, "@u")
	return err
}

func (k kernelKeyring) remove() error {
	if id, _ := k.lookup(); id != "" {
		_, err := keyctl("", "unlink", id, "@u")
		return err
	}
	return nil
}
