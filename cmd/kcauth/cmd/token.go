package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/kcauth/cmd/kcauth/cmd/cmdutil"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Token inspection commands",
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify a bearer token without syncing it",
	Long: `Verifies signature and claims of a token against the configured realm and
prints the extracted claims as JSON. The identity store is not touched. Reads
the token from stdin when no argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw string
		if len(args) == 1 {
			raw = args[0]
		} else {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read token from stdin: %w", err)
			}
			raw = string(b)
		}
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "Bearer ")

		keys := cmdutil.NewKeyResolver(cfg, logger, nil)
		verifier, err := cmdutil.NewVerifier(cfg, keys, logger)
		if err != nil {
			return err
		}

		claims, err := verifier.Verify(cmd.Context(), raw)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"sub":                claims.Subject,
			"iss":                claims.Issuer,
			"aud":                claims.Audience,
			"exp":                claims.ExpiresAt,
			"iat":                claims.IssuedAt,
			"preferred_username": claims.PreferredUsername,
			"email":              claims.Email,
			"roles":              claims.RealmRoles,
		})
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)
}
