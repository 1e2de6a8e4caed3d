// Package cli implements the credence command line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/credence-ai/credence/internal/api"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "credence",
	Short: "Credit-metered dispatch service for slow inference backends",
	Long: `Credence fronts a slow, unreliable inference service with a credit
ledger and an asynchronous job pipeline. Every request reserves one
credit before any work starts; the credit is committed only when a
response is delivered and refunded on failure or timeout.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"Path to the TOML config file")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if env := os.Getenv("CREDENCE_CONFIG"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".credence", "config.toml")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the credence version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "credence %s\n", api.Version)
	},
}
