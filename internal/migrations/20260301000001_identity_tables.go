package migrations

import (
	"context"
	"fmt"

	"github.com/terraconstructs/kcauth/internal/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20260301000001, down_20260301000001)
}

// up_20260301000001 creates the users and role_assignments tables
func up_20260301000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating users table...")
	_, err := db.NewCreateTable().
		Model((*models.User)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	fmt.Println(" OK")

	fmt.Print(" [up] creating role_assignments table...")
	_, err = db.NewCreateTable().
		Model((*models.RoleAssignment)(nil)).
		IfNotExists().
		ForeignKey(`("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create role_assignments table: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.RoleAssignment)(nil)).
		Index("idx_role_assignments_role").
		Column("role").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create role_assignments role index: %w", err)
	}
	fmt.Println(" OK")

	return nil
}

// down_20260301000001 drops the identity tables
func down_20260301000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping identity tables...")

	for _, model := range []interface{}{(*models.RoleAssignment)(nil), (*models.User)(nil)} {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop identity tables: %w", err)
		}
	}

	fmt.Println(" OK")
	return nil
}
