//go:build !linux

package identity

import "errors"

var errNoKernelKeyring = errors.New("kernel keyring requires linux")

type kernelKeyring struct{}

func (kernelKeyring) source() PasswordSource { return PasswordFromKernel }
func (kernelKeyring) describe() string       { return "kernel keyring" }
func (kernelKeyring) get() (string, error)   { return "", nil }
func (kernelKeyring) set(string) error       { return errNoKernelKeyring }
func (kernelKeyring) remove() error          { return nil }
