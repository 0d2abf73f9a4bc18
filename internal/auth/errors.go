package auth

import (
	"errors"
	"fmt"
	"time"
)

// Expected authentication outcomes. Each is a typed result callers match
// with errors.Is; none of them indicates an internal fault. Store and
// serialization failures pass through wrapped and unclassified.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrMFARequired        = errors.New("auth: mfa required")

	ErrTokenInvalid        = errors.New("auth: token invalid or expired")
	ErrRefreshTokenInvalid = errors.New("auth: refresh token invalid or expired")
	ErrResetTokenInvalid   = errors.New("auth: reset token invalid or expired")

	ErrKeyNotFound    = errors.New("auth: api key not found")
	ErrKeyRevoked     = errors.New("auth: api key revoked")
	ErrKeyExpired     = errors.New("auth: api key expired")
	ErrKeyIPBlocked   = errors.New("auth: api key source ip not allowed")
	ErrKeyRateLimited = errors.New("auth: api key rate limit exceeded")

	ErrInsufficientScope     = errors.New("auth: insufficient scope")
	ErrInsufficientPrivilege = errors.New("auth: insufficient privilege")
	ErrNoCredentials         = errors.New("auth: no credentials presented")
	ErrOrgScopeDenied        = errors.New("auth: organization out of scope")

	ErrWeakPassword = errors.New("auth: password does not meet complexity policy")

	// Store-level sentinels shared with the store implementations.
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
)

// LockedError reports an active lockout with the time remaining. It
// matches ErrAccountLocked under errors.Is.
type LockedError struct {
	Until time.Time
	Retry time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account locked, retry in %d minute(s)", e.Minutes())
}

// Minutes returns the remaining lockout time rounded up to whole minutes,
// never less than one.
func (e *LockedError) Minutes() int {
	mins := int((e.Retry + time.Minute - 1) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return mins
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }
