package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/sharescan/internal/api/middleware"
)

const (
	apiKeyPrefix = "ss_"
	apiKeyBytes  = 24
)

// apiKeyCmd groups API key helpers.
var apiKeyCmd = &cobra.Command{
	Use:     "apikey",
	Aliases: []string{"apikeys", "key"},
	Short:   "Manage API keys for the sharescan server",
	Long: `The sharescan server stores only bcrypt hashes of its API keys, listed
under api.api_key_hashes in the config file.

'apikey hash' prints a hash for a key, generating a new key when none is
given. Hand the key to clients (--api-key or SHARESCAN_API_KEY) and put the
hash in the server config.`,
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

var apiKeyHashCmd = &cobra.Command{
	Use:   "hash [KEY]",
	Short: "Print the bcrypt hash of an API key",
	Example: `  sharescan apikey hash
  sharescan apikey hash ss_0123abcd...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAPIKeyHash,
}

func init() {
	rootCmd.AddCommand(apiKeyCmd)
	apiKeyCmd.AddCommand(apiKeyHashCmd)
}

func runAPIKeyHash(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var key string
	if len(args) == 1 {
		key = strings.TrimSpace(args[0])
		if key == "" {
			return fmt.Errorf("key must not be empty")
		}
	} else {
		generated, err := generateAPIKey()
		if err != nil {
			return err
		}
		key = generated
		fmt.Fprintf(out, "Key:  %s\n", key)
	}

	hash, err := middleware.HashAPIKey(key)
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}
	fmt.Fprintf(out, "Hash: %s\n", hash)
	return nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
