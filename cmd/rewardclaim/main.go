package main

import (
	"fmt"
	"os"

	"github.com/moltbunker/rewardclaim/cmd/rewardclaim/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "rewardclaim",
	Short:        "Claim and restake delegation rewards",
	Long:         "Inspect claimable staking rewards and claim them, optionally restaking, from the CLI or a local API.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ~/.rewardclaim/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&commands.OutputFormat, "output", "o", "", "Output format: \"\" (auto), \"json\"")
	rootCmd.PersistentFlags().BoolVarP(&commands.Verbose, "verbose", "v", false, "Log at debug level")
}

func main() {
	rootCmd.AddCommand(commands.NewRewardsCmd())
	rootCmd.AddCommand(commands.NewClaimCmd())
	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewWalletCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
