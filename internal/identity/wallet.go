// Package identity holds the delegator wallet: keystore management, the
// unlocked signing key, and passphrase storage.
package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	pkgtypes "github.com/moltbunker/rewardclaim/pkg/types"
)

var (
	// ErrNoWallet is returned when the keystore holds no account
	ErrNoWallet = errors.New("no wallet found")
	// ErrLocked is returned when signing is attempted before Unlock
	ErrLocked = errors.New("wallet is locked")
)

// Keystore scrypt parameters. Tests lower them.
var (
	scryptN = keystore.StandardScryptN
	scryptP = keystore.StandardScryptP
)

// Wallet is the delegator account backed by an encrypted keystore file
type Wallet struct {
	keystore *keystore.KeyStore
	keyPath  string
	address  common.Address
	alias    string

	mu         sync.RWMutex
	privateKey *ecdsa.PrivateKey
}

func openKeystore(keystoreDir string) (*keystore.KeyStore, error) {
	if err := os.MkdirAll(keystoreDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return keystore.NewKeyStore(keystoreDir, scryptN, scryptP), nil
}

// LoadWallet loads the first account of the keystore directory.
// Returns ErrNoWallet if the directory holds no key file.
func LoadWallet(keystoreDir string) (*Wallet, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	accts := ks.Accounts()
	if len(accts) == 0 {
		return nil, ErrNoWallet
	}
	return &Wallet{keystore: ks, keyPath: keystoreDir, address: accts[0].Address}, nil
}

// CreateWallet generates a new key in the keystore directory.
// Returns an error if a wallet already exists.
func CreateWallet(keystoreDir, password string) (*Wallet, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", keystoreDir)
	}

	account, err := ks.NewAccount(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &Wallet{keystore: ks, keyPath: keystoreDir, address: account.Address}, nil
}

// ImportWallet imports a hex private key into a new keystore file.
// Returns an error if a wallet already exists.
func ImportWallet(keystoreDir, privKeyHex, password string) (*Wallet, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", keystoreDir)
	}

	privateKey, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	account, err := ks.ImportECDSA(privateKey, password)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}
	return &Wallet{keystore: ks, keyPath: keystoreDir, address: account.Address}, nil
}

// Address returns the account address
func (w *Wallet) Address() common.Address {
	return w.address
}

// KeystoreDir returns the keystore directory
func (w *Wallet) KeystoreDir() string {
	return w.keyPath
}

// SetAlias sets the display name reported with the account
func (w *Wallet) SetAlias(alias string) {
	w.mu.Lock()
	w.alias = alias
	w.mu.Unlock()
}

// Account implements the claim flow's account source
func (w *Wallet) Account() (*pkgtypes.Account, bool) {
	if w == nil {
		return nil, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return &pkgtypes.Account{Address: w.address.Hex(), Alias: w.alias}, true
}

// Unlock decrypts the key file and caches the private key
func (w *Wallet) Unlock(password string) (*ecdsa.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.privateKey != nil {
		return w.privateKey, nil
	}

	account, err := w.keystore.Find(accounts.Account{Address: w.address})
	if err != nil {
		return nil, ErrNoWallet
	}
	keyJSON, err := os.ReadFile(account.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	w.privateKey = key.PrivateKey
	return key.PrivateKey, nil
}

// Lock zeros and drops the cached private key
func (w *Wallet) Lock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.privateKey != nil {
		w.privateKey.D.SetUint64(0)
		w.privateKey = nil
	}
}

// Unlocked reports whether a private key is cached
func (w *Wallet) Unlocked() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.privateKey != nil
}

// ExportKey returns the hex private key
func (w *Wallet) ExportKey(password string) (string, error) {
	key, err := w.Unlock(password)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", crypto.FromECDSA(key)), nil
}

func (w *Wallet) signingKey() *ecdsa.PrivateKey {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.privateKey
}
