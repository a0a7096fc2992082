package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/kcauth/cmd/kcauth/cmd/cmdutil"
)

var revealFlag bool

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Secret resolution commands",

	Annotations: cmdutil.LocalConfig(),
}

var secretGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Resolve a secret through the backend chain",
	Long: `Resolves a secret through the environment, vault and cloud secret manager
backends in that order and reports which backend supplied it. The value is only
printed with --reveal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := cmdutil.NewSecretResolver(cfg, logger)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "backends: %v\n", resolver.Sources())

		v, err := resolver.Resolve(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v.String())
		if revealFlag {
			fmt.Fprintln(out, v.Value)
		}
		return nil
	},
}

func init() {
	secretGetCmd.Flags().BoolVar(&revealFlag, "reveal", false, "Print the secret value")

	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretGetCmd)
}
