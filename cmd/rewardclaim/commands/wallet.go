package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/moltbunker/rewardclaim/internal/identity"
)

// minPasswordLength is enforced when a keystore is created
const minPasswordLength = 8

// NewWalletCmd creates the wallet command group
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the delegator wallet",
		Long: `Manage the Ethereum wallet that owns the delegations.

The wallet is stored as an encrypted keystore file (geth V3 format).
Its passphrase is looked up in this order when claiming:
  REWARDCLAIM_WALLET_PASSWORD   environment variable
  wallet.password_file          in config.yaml
  platform keyring              Keychain, Secret Service (use_keyring)
  kernel keyring                Linux servers, lost on reboot (use_keyring)

Examples:
  rewardclaim wallet create   # Generate a new wallet
  rewardclaim wallet import   # Import from a private key
  rewardclaim wallet show     # Show address and keystore path
  rewardclaim wallet export   # Export private key (use with caution)`,
	}

	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletShowCmd())
	cmd.AddCommand(newWalletExportCmd())
	cmd.AddCommand(newWalletForgetPasswordCmd())

	return cmd
}

// keystoreDir returns the flag value or the configured directory
func keystoreDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Wallet.KeystoreDir, nil
}

// ensureNoWallet fails when dir already holds a key
func ensureNoWallet(dir string) error {
	w, err := identity.LoadWallet(dir)
	switch {
	case errors.Is(err, identity.ErrNoWallet):
		return nil
	case err != nil:
		return fmt.Errorf("failed to check keystore: %w", err)
	}
	return fmt.Errorf("wallet already exists at %s (address: %s)", dir, w.Address().Hex())
}

// promptNewPassword asks for a passphrase twice, up to three times
func promptNewPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Fprint(os.Stderr, "Enter wallet password: ")
		password, err := readPasswordNoEcho()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if len(password) < minPasswordLength {
			Warning(fmt.Sprintf("Password must be at least %d characters. Try again.", minPasswordLength))
			continue
		}

		fmt.Fprint(os.Stderr, "Confirm wallet password: ")
		confirm, err := readPasswordNoEcho()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		if password != confirm {
			Warning("Passwords do not match. Try again.")
			continue
		}
		return password, nil
	}
	return "", fmt.Errorf("too many failed attempts")
}

// storePasswordInKeyring saves the passphrase for unattended claims, or
// explains the alternatives when no keyring is available
func storePasswordInKeyring(password string) {
	backend, err := identity.StorePassword(password)
	if err == nil {
		fmt.Printf("  Password saved to %s\n", backend)
		fmt.Println("  The wallet will be unlocked automatically by claim and serve.")
		return
	}
	fmt.Println("  Could not store password in a keyring.")
	fmt.Println("  For automatic unlock, set one of:")
	fmt.Printf("    - %s environment variable\n", identity.PasswordEnv)
	fmt.Println("    - wallet.password_file in config.yaml")
}

func newWalletCreateCmd() *cobra.Command {
	var dir string
	var noKeyring bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new wallet",
		Long:  "Create a new Ethereum wallet with a password-encrypted keystore file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dir)
			if err != nil {
				return err
			}
			if err := ensureNoWallet(dir); err != nil {
				return err
			}
			password, err := promptNewPassword()
			if err != nil {
				return err
			}

			var w *identity.Wallet
			err = WithSpinner("Encrypting keystore", func() error {
				var cerr error
				w, cerr = identity.CreateWallet(dir, password)
				return cerr
			})
			if err != nil {
				return err
			}

			fmt.Println()
			Success("Wallet created!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", dir},
			}))
			if !noKeyring {
				storePasswordInKeyring(password)
			}
			fmt.Println()
			Warning("Back up your keystore directory and remember your password.")
			fmt.Println(Hint("If you lose either, your stake and rewards are unrecoverable."))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "keystore", "", "Path to keystore directory (default: wallet.keystore_dir)")
	cmd.Flags().BoolVar(&noKeyring, "no-keyring", false, "Do not save the password in a keyring")

	return cmd
}

func newWalletImportCmd() *cobra.Command {
	var dir string
	var noKeyring bool

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a wallet from a private key",
		Long:  "Import an existing Ethereum private key into an encrypted keystore file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dir)
			if err != nil {
				return err
			}
			if err := ensureNoWallet(dir); err != nil {
				return err
			}

			const maxAttempts = 3
			var privKeyHex string
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				fmt.Fprint(os.Stderr, "Enter private key (hex, with or without 0x prefix): ")
				input, err := readPasswordNoEcho()
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to read private key: %w", err)
				}
				input = strings.TrimPrefix(strings.TrimSpace(input), "0x")
				if len(input) != 64 {
					Warning(fmt.Sprintf("Private key must be 64 hex characters (32 bytes), got %d. Try again.", len(input)))
					continue
				}
				privKeyHex = input
				break
			}
			if privKeyHex == "" {
				return fmt.Errorf("too many failed attempts")
			}

			password, err := promptNewPassword()
			if err != nil {
				return err
			}

			var w *identity.Wallet
			err = WithSpinner("Encrypting keystore", func() error {
				var ierr error
				w, ierr = identity.ImportWallet(dir, privKeyHex, password)
				return ierr
			})
			if err != nil {
				return err
			}

			fmt.Println()
			Success("Wallet imported!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", dir},
			}))
			if !noKeyring {
				storePasswordInKeyring(password)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "keystore", "", "Path to keystore directory (default: wallet.keystore_dir)")
	cmd.Flags().BoolVar(&noKeyring, "no-keyring", false, "Do not save the password in a keyring")

	return cmd
}

func newWalletShowCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show wallet address and keystore path",
		Long:  "Display the wallet address and where its passphrase is stored. No password needed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dir)
			if err != nil {
				return err
			}
			w, err := identity.LoadWallet(dir)
			if errors.Is(err, identity.ErrNoWallet) {
				Info("No wallet found.")
				fmt.Println(Hint("Create one with: rewardclaim wallet create"))
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to load wallet: %w", err)
			}

			pwStatus := "not stored (manual unlock required)"
			if os.Getenv(identity.PasswordEnv) != "" {
				pwStatus = "set in " + identity.PasswordEnv
			} else if src := identity.StoredIn(); src != "" {
				pwStatus = "stored in " + string(src)
			}

			if jsonOutput() {
				return printJSON(map[string]string{
					"address":  w.Address().Hex(),
					"keystore": dir,
					"password": pwStatus,
				})
			}
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", w.Address().Hex()},
				{"Keystore", dir},
				{"Password", pwStatus},
			}))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "keystore", "", "Path to keystore directory (default: wallet.keystore_dir)")

	return cmd
}

func newWalletExportCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the wallet's private key",
		Long: `Export the wallet's private key in hex format.

WARNING: The private key controls the delegations and all funds in this
wallet. Never share it, and clear your terminal history after use.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := keystoreDir(dir)
			if err != nil {
				return err
			}
			w, err := identity.LoadWallet(dir)
			if err != nil {
				return fmt.Errorf("failed to load wallet from %s: %w", dir, err)
			}

			fmt.Fprintf(os.Stderr, "WARNING: This will display your private key in plain text.\n")
			fmt.Fprintf(os.Stderr, "Anyone with this key can move your stake and rewards.\n\n")

			fmt.Fprint(os.Stderr, "Enter wallet password: ")
			password, err := readPasswordNoEcho()
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}

			key, err := w.ExportKey(password)
			if err != nil {
				return fmt.Errorf("failed to export key (wrong password?): %w", err)
			}
			w.Lock()

			fmt.Println()
			fmt.Printf("Address:     %s\n", w.Address().Hex())
			fmt.Printf("Private Key: %s\n", key)
			fmt.Println()
			fmt.Fprintln(os.Stderr, "Clear your terminal history: history -c && history -w")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "keystore", "", "Path to keystore directory (default: wallet.keystore_dir)")

	return cmd
}

func newWalletForgetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-password",
		Short: "Remove the wallet password from the system keyring",
		Long: `Remove the stored wallet password from the platform keyring and kernel keyring.

After this, claim will prompt for the password and serve will run with
claims disabled unless the environment variable or a password file is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := identity.ForgetPassword(); err != nil {
				Warning(fmt.Sprintf("Some keyrings could not be cleared: %v", err))
				return nil
			}
			Success("Password removed from every keyring")
			return nil
		},
	}
}

// readPasswordNoEcho reads a line from stdin with echo disabled.
func readPasswordNoEcho() (string, error) {
	password, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(password), nil
}
