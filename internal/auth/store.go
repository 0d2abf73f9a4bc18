package auth

import (
	"context"
	"time"
)

// UserStore is the durable store for user records. Implementations return
// ErrNotFound for missing rows and ErrAlreadyExists on unique violations.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByRefreshTokenHash(ctx context.Context, hash string) (*User, error)
	FindByResetTokenHash(ctx context.Context, hash string) (*User, error)
	Create(ctx context.Context, u *User) error
	Save(ctx context.Context, u *User) error
	// RecordFailedAttempt increments the user's failure counter as one
	// atomic store-side operation and returns the resulting count.
	// Concurrent attempts must each land exactly once.
	RecordFailedAttempt(ctx context.Context, id string) (int, error)
}

// RoleStore reads the role hierarchy. Roles are administered externally
// and read-only here.
type RoleStore interface {
	FindRole(ctx context.Context, id string) (*Role, error)
}

// OrgStore reads organizations and their materialized paths.
type OrgStore interface {
	FindOrg(ctx context.Context, id string) (*Organization, error)
}

// APIKeyStore is the durable store for API key records, addressed by key
// hash.
type APIKeyStore interface {
	FindKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	CreateKey(ctx context.Context, k *APIKey) error
	SaveKey(ctx context.Context, k *APIKey) error
	// TouchKey bumps the usage counter and last-used stamp in place,
	// leaving every other column untouched. Revoked and expired statuses
	// must survive a late touch.
	TouchKey(ctx context.Context, keyHash string, usedAt time.Time) error
}

// RateStore tracks fixed-window request counters. Allow performs the
// read-check-increment as one atomic operation: it increments only when
// the counter is under the limit and reports whether the request may
// proceed.
type RateStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// AuditSink receives security events. Fire-and-forget from this package's
// perspective: implementations log their own failures.
type AuditSink interface {
	Record(ctx context.Context, ev Event)
}

// Store aggregates every durable collaborator interface.
type Store interface {
	UserStore
	RoleStore
	OrgStore
	APIKeyStore
}
