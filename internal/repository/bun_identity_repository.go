package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/terraconstructs/kcauth/internal/auth"
	"github.com/terraconstructs/kcauth/internal/db/bunx"
	"github.com/terraconstructs/kcauth/internal/db/models"
	"github.com/uptrace/bun"
)

// BunIdentityRepository implements IdentityRepository using Bun ORM
type BunIdentityRepository struct {
	db  *bun.DB
	now func() time.Time
}

// NewBunIdentityRepository creates a new Bun-based identity repository
func NewBunIdentityRepository(db *bun.DB) *BunIdentityRepository {
	return &BunIdentityRepository{db: db, now: time.Now}
}

// UpsertUser inserts the user or updates the set fields of an existing row
func (r *BunIdentityRepository) UpsertUser(ctx context.Context, user *models.User) error {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return r.upsertUser(ctx, tx, user, r.now().UTC())
	})
	return storageErr("upsert user", err)
}

// ReplaceRoles replaces the role set of an existing user
func (r *BunIdentityRepository) ReplaceRoles(ctx context.Context, userID string, roles []string) error {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return r.replaceRoles(ctx, tx, userID, roles, r.now().UTC())
	})
	return storageErr("replace roles", err)
}

// Sync upserts the user and replaces its roles atomically
func (r *BunIdentityRepository) Sync(ctx context.Context, user *models.User, roles []string) error {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := r.now().UTC()
		if err := r.upsertUser(ctx, tx, user, now); err != nil {
			return err
		}
		return r.replaceRoles(ctx, tx, user.ID, roles, now)
	})
	return storageErr("sync identity", err)
}

func (r *BunIdentityRepository) upsertUser(ctx context.Context, tx bun.Tx, user *models.User, now time.Time) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user id is required")
	}

	row := &models.User{
		ID:           user.ID,
		Username:     user.Username,
		Email:        user.Email,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastSyncedAt: &now,
	}
	if _, err := tx.NewInsert().
		Model(row).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	q := tx.NewUpdate().
		Model((*models.User)(nil)).
		Set("updated_at = ?", now).
		Set("last_synced_at = ?", now).
		Where("id = ?", user.ID)
	if user.Username != nil {
		q = q.Set("username = ?", *user.Username)
	}
	if user.Email != nil {
		q = q.Set("email = ?", *user.Email)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (r *BunIdentityRepository) replaceRoles(ctx context.Context, tx bun.Tx, userID string, roles []string, now time.Time) error {
	desired := auth.NormalizeRoles(roles)

	// Lock the user row on postgres so concurrent syncs of one user serialize.
	// sqlite serializes writers on its single connection.
	var id string
	sel := tx.NewSelect().
		Model((*models.User)(nil)).
		Column("id").
		Where("id = ?", userID)
	if bunx.IsPostgreSQL(tx) {
		sel = sel.For("UPDATE")
	}
	if err := sel.Scan(ctx, &id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if len(desired) == 0 {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return fmt.Errorf("lock user: %w", err)
	}

	var current []string
	if err := tx.NewSelect().
		Model((*models.RoleAssignment)(nil)).
		Column("role").
		Where("user_id = ?", userID).
		Scan(ctx, &current); err != nil {
		return fmt.Errorf("select roles: %w", err)
	}

	want := make(map[string]struct{}, len(desired))
	for _, role := range desired {
		want[role] = struct{}{}
	}
	have := make(map[string]struct{}, len(current))
	var stale []string
	for _, role := range current {
		have[role] = struct{}{}
		if _, ok := want[role]; !ok {
			stale = append(stale, role)
		}
	}
	var missing []models.RoleAssignment
	for _, role := range desired {
		if _, ok := have[role]; !ok {
			missing = append(missing, models.RoleAssignment{UserID: userID, Role: role, AssignedAt: now})
		}
	}

	if len(stale) > 0 {
		if _, err := tx.NewDelete().
			Model((*models.RoleAssignment)(nil)).
			Where("user_id = ?", userID).
			Where("role IN (?)", bun.In(stale)).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete stale roles: %w", err)
		}
	}
	if len(missing) > 0 {
		if _, err := tx.NewInsert().
			Model(&missing).
			On("CONFLICT (user_id, role) DO NOTHING").
			Exec(ctx); err != nil {
			return fmt.Errorf("insert roles: %w", err)
		}
	}
	return nil
}

// GetRoles returns the user's roles sorted by name
func (r *BunIdentityRepository) GetRoles(ctx context.Context, userID string) ([]string, error) {
	roles := []string{}
	err := r.db.NewSelect().
		Model((*models.RoleAssignment)(nil)).
		Column("role").
		Where("user_id = ?", userID).
		Order("role ASC").
		Scan(ctx, &roles)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, storageErr("get roles", err)
	}
	if roles == nil {
		roles = []string{}
	}
	return roles, nil
}

// GetUser retrieves a user by ID
func (r *BunIdentityRepository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("id = ?", userID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, storageErr("get user", err)
	}
	return user, nil
}

// ListUsers returns users ordered by ID. A non-positive limit returns all rows
// and ignores offset.
func (r *BunIdentityRepository) ListUsers(ctx context.Context, limit, offset int) ([]models.User, error) {
	var users []models.User
	q := r.db.NewSelect().
		Model(&users).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
		if offset > 0 {
			q = q.Offset(offset)
		}
	}
	if err := q.Scan(ctx); err != nil {
		return nil, storageErr("list users", err)
	}
	return users, nil
}
