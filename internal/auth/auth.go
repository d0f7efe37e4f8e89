package auth

import (
	"context"
	"time"
)

// Account statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusBanned    = "banned"
)

// ─────────────────────────────────────────────
// User is a job owner. Its ID is the owner id used by the queue and ledger.
// ─────────────────────────────────────────────

type User struct {
	ID         int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Email      string     `json:"email" gorm:"uniqueIndex"`
	Password   string     `json:"-"` // bcrypt hash, never serialised
	Nickname   string     `json:"nickname"`
	APIKey     string     `json:"api_key" gorm:"uniqueIndex"`   // non-expiring key, issued on register
	Status     string     `json:"status" gorm:"default:active"` // active | suspended | banned
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Active reports whether the user may submit and manage jobs.
func (u *User) Active() bool {
	return u.Status == StatusActive
}

// ─────────────────────────────────────────────
// UserService – the single auth interface.
// ─────────────────────────────────────────────

type UserService interface {
	// Register creates a new user via email + password.
	// A unique API key is generated and returned with the User.
	Register(ctx context.Context, email, password, nickname string) (*User, error)

	// LoginEmail authenticates via email + password, returns the user (incl. API key).
	LoginEmail(ctx context.Context, email, password string) (*User, error)

	// GetByAPIKey looks up a user by their API key.
	// This is the main method used by the auth middleware on every request.
	GetByAPIKey(ctx context.Context, apiKey string) (*User, error)

	// GetByID retrieves a user by their owner id.
	GetByID(ctx context.Context, userID int64) (*User, error)

	// ResetAPIKey regenerates the user's API key (invalidates old one).
	ResetAPIKey(ctx context.Context, userID int64) (*User, error)

	// SetStatus sets user account status (active / suspended / banned).
	SetStatus(ctx context.Context, userID int64, status string) error
}
