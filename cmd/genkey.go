package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tether/internal/store"
)

// newGenerateKeyCmd creates the command that generates a token encryption key.
// The output is suitable for the store.encryptionKey configuration field.
func newGenerateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Generate a token encryption key",
		Long: `Generates a random 256-bit AES key, base64-encoded, for encrypting
stored tokens at rest. Put the output in config.yaml under store.encryptionKey.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := store.GenerateEncryptionKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
