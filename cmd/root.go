package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"tether/internal/config"
)

// Exit codes for CLI commands.
// These follow common conventions and are meant to be stable for scripting.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeConfigError indicates the configuration could not be loaded or is invalid.
	ExitCodeConfigError = 2
)

// rootCmd represents the base command for the tether application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Connect a personal-assistant backend to remote integrations",
	Long: `tether manages OAuth connections between a personal-assistant backend
and remote integration servers. It discovers each server's authorization
server, registers a client when needed, runs the PKCE authorization flow,
and keeps access tokens fresh for the lifetime of the connection.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that
	// are handled by the application. This keeps error output clean.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// It initializes and executes the root command, which in turn handles subcommands and flags.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "tether version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	var configErr *config.LoadError
	if errors.As(err, &configErr) {
		return ExitCodeConfigError
	}
	return ExitCodeError
}

// init adds subcommands to the root command.
func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newGenerateKeyCmd())
}
