package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keytap",
	Short: "Deliver identity tokens to Bluetooth Low Energy access points",
	Long: `keytap finds a nearby access point advertising the token service,
connects to it, writes an identity token and disconnects once the write
was acknowledged.

- Open a door with a token or a stored profile
- Scan for nearby access points
- Keep named profiles with encrypted tokens
- Review the history of previous attempts`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("keytap {{.Version}} (commit %s, built %s)\n", commit, date))

	// Add subcommands
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(tokenCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for profiles, history and the vault key (default $HOME/.keytap)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
