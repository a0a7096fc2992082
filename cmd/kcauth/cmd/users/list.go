package users

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/terraconstructs/kcauth/cmd/kcauth/cmd/cmdutil"
	"github.com/terraconstructs/kcauth/internal/config"
	"github.com/terraconstructs/kcauth/internal/db/bunx"
	"github.com/terraconstructs/kcauth/internal/repository"
)

var (
	limitFlag  int
	offsetFlag int
)

func openRepository(cmd *cobra.Command) (*repository.BunIdentityRepository, func(), error) {
	cfg, err := config.LoadLocal()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := cmdutil.OpenDB(cmd.Context(), cfg, false, hclog.NewNullLogger())
	if err != nil {
		return nil, nil, err
	}
	return repository.NewBunIdentityRepository(db), func() { _ = bunx.Close(db) }, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List synchronized users",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeDB, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		ctx := cmd.Context()
		users, err := repo.ListUsers(ctx, limitFlag, offsetFlag)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}

		if len(users) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No users synchronized yet.")
			return nil
		}

		rows := pterm.TableData{{"ID", "USERNAME", "EMAIL", "ROLES", "LAST SYNCED"}}
		for _, u := range users {
			roles, err := repo.GetRoles(ctx, u.ID)
			if err != nil {
				return fmt.Errorf("get roles for %s: %w", u.ID, err)
			}
			lastSynced := "-"
			if u.LastSyncedAt != nil {
				lastSynced = u.LastSyncedAt.Format(time.RFC3339)
			}
			rows = append(rows, []string{u.ID, u.DisplayName(), deref(u.Email), strings.Join(roles, ","), lastSynced})
		}
		return cmdutil.RenderTable(cmd.OutOrStdout(), rows)
	},
}

var rolesCmd = &cobra.Command{
	Use:   "roles <user-id>",
	Short: "Show the persisted roles of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeDB, err := openRepository(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		ctx := cmd.Context()
		if _, err := repo.GetUser(ctx, args[0]); err != nil {
			return err
		}
		roles, err := repo.GetRoles(ctx, args[0])
		if err != nil {
			return err
		}
		for _, r := range roles {
			fmt.Fprintln(cmd.OutOrStdout(), r)
		}
		return nil
	},
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
