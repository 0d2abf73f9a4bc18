package auth

import "time"

// User account status values. Only an administrative action exits "disabled".
const (
	UserStatusActive   = "active"
	UserStatusLocked   = "locked"
	UserStatusDisabled = "disabled"
)

// API key status values. Revocation is irreversible.
const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
	KeyStatusExpired = "expired"
)

// User is an authenticating identity. The store owns the record; this
// package reads and mutates only the fields relevant to authentication
// and writes back through UserStore.Save.
type User struct {
	ID             string
	Username       string
	Email          string
	PasswordHash   string
	Status         string
	RoleID         string
	OrganizationID string

	FailedAttempts int
	LockoutUntil   *time.Time

	RefreshTokenHash string
	RefreshExpiresAt *time.Time

	ResetTokenHash string
	ResetExpiresAt *time.Time

	MFAEnabled bool
	MFASecret  string

	LastLoginAt *time.Time
	LastLoginIP string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Role groups permissions. ParentRoleID forms a hierarchy; the effective
// permission set of a user is the union over the role and its ancestors.
// Read-only to this package.
type Role struct {
	ID           string
	Name         string
	ParentRoleID string
	Permissions  []string // "resource:action"
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Organization carries a materialized hierarchy path such as
// "/org-root/org-emea" used for scope containment checks. Read-only to
// this package.
type Organization struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey is a long-lived machine credential. The raw key exists only at
// issuance; KeyHash is the persisted lookup key.
type APIKey struct {
	ID             string
	Name           string
	KeyHash        string
	KeyPrefix      string
	UserID         string
	OrganizationID string
	Scopes         []string // "resource:action" with "*" wildcards
	Status         string
	RateLimit      int // requests per window
	ExpiresAt      *time.Time
	AllowedIPs     []string // exact IPs or CIDR blocks; empty means any

	UsageCount int64
	LastUsedAt *time.Time

	CreatedAt time.Time
	CreatedBy string
	RevokedAt *time.Time
	RevokedBy string
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Event is a security audit record handed to the configured AuditSink.
type Event struct {
	Kind       string
	Actor      string
	SourceIP   string
	Context    map[string]any
	OccurredAt time.Time
}
