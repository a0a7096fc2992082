package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"

	"github.com/terraconstructs/kcauth/internal/db/bunx"
)

func TestApply_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	defer bunx.Close(db)

	group, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.NotZero(t, group.ID)

	group, err = Apply(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, group.ID, "second run must have nothing to apply")

	for _, table := range []string{"users", "role_assignments"} {
		var n int
		err := db.NewSelect().TableExpr(table).ColumnExpr("count(*)").Scan(ctx, &n)
		require.NoError(t, err, table)
	}
}

func TestRollback_DropsTables(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	defer bunx.Close(db)

	_, err = Apply(ctx, db)
	require.NoError(t, err)

	migrator := migrate.NewMigrator(db, Migrations)
	group, err := migrator.Rollback(ctx)
	require.NoError(t, err)
	assert.NotZero(t, group.ID)

	var n int
	err = db.NewSelect().TableExpr("users").ColumnExpr("count(*)").Scan(ctx, &n)
	assert.Error(t, err)
}
