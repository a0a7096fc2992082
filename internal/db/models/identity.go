package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User mirrors one realm user. ID is the token subject. Rows are created and
// updated by identity sync and never deleted by it.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           string     `bun:"id,pk"`
	Username     *string    `bun:"username"`
	Email        *string    `bun:"email"`
	CreatedAt    time.Time  `bun:"created_at,notnull"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull"`
	LastSyncedAt *time.Time `bun:"last_synced_at"`
}

// DisplayName returns the username, falling back to the subject.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != nil && *u.Username != "" {
		return *u.Username
	}
	return u.ID
}

// RoleAssignment grants one realm role to a user. (user_id, role) is unique.
type RoleAssignment struct {
	bun.BaseModel `bun:"table:role_assignments,alias:ra"`

	UserID     string    `bun:"user_id,pk"`
	Role       string    `bun:"role,pk"`
	AssignedAt time.Time `bun:"assigned_at,notnull"`
}
