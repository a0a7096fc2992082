package repository

import (
	"context"

	"github.com/terraconstructs/kcauth/internal/db/models"
)

// IdentityRepository is the local mirror of realm users and their roles.
type IdentityRepository interface {
	// UpsertUser inserts the user or overwrites the fields that are set
	// (non-nil) on an existing row.
	UpsertUser(ctx context.Context, user *models.User) error
	// ReplaceRoles makes the persisted role set of userID exactly roles.
	ReplaceRoles(ctx context.Context, userID string, roles []string) error
	// Sync performs UpsertUser and ReplaceRoles in one transaction.
	Sync(ctx context.Context, user *models.User, roles []string) error
	// GetRoles returns the sorted role set, empty for unknown users.
	GetRoles(ctx context.Context, userID string) ([]string, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]models.User, error)
}
