package users

import (
	"github.com/spf13/cobra"

	"github.com/terraconstructs/kcauth/cmd/kcauth/cmd/cmdutil"
)

// UsersCmd is the parent command for reading the local identity mirror
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect synchronized users",
	Long:  `Commands for reading users and role assignments mirrored from the realm.`,

	Annotations: cmdutil.LocalConfig(),
}

func init() {
	listCmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum number of users to list (0 for all)")
	listCmd.Flags().IntVar(&offsetFlag, "offset", 0, "Number of users to skip")

	UsersCmd.AddCommand(listCmd)
	UsersCmd.AddCommand(rolesCmd)
}
