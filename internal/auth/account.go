package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
	defaultAccessTTL   = 15 * time.Minute
	defaultRefreshTTL  = 7 * 24 * time.Hour
	defaultResetTTL    = time.Hour
)

// Guard runs the account security state machine: credential login with
// failed-attempt tracking and timed lockout, refresh-token rotation,
// password reset and the MFA toggle. Every state transition emits an
// audit event.
type Guard struct {
	users UserStore
	mint  *Mint
	audit AuditSink
	now   func() time.Time

	maxAttempts int
	lockWindow  time.Duration
	accessTTL   time.Duration
	refreshTTL  time.Duration
	resetTTL    time.Duration

	verifyMFACode func(secret, code string) bool
}

// GuardOption configures Guard behavior.
type GuardOption func(*Guard)

// WithMaxAttempts sets the failed-attempt ceiling before lockout.
func WithMaxAttempts(n int) GuardOption {
	return func(g *Guard) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithLockWindow sets the lockout duration.
func WithLockWindow(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.lockWindow = d
		}
	}
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.accessTTL = d
		}
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.refreshTTL = d
		}
	}
}

// WithResetTTL sets the password-reset token lifetime.
func WithResetTTL(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.resetTTL = d
		}
	}
}

// WithGuardClock overrides the time source (useful for tests).
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithMFAVerifier installs the second-factor code check. The default
// compares the presented code against the stored secret in constant time;
// production deployments plug in a TOTP verifier.
func WithMFAVerifier(fn func(secret, code string) bool) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.verifyMFACode = fn
		}
	}
}

// NewGuard constructs a Guard over the user store, token mint and audit
// sink.
func NewGuard(users UserStore, mint *Mint, audit AuditSink, opts ...GuardOption) (*Guard, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if mint == nil {
		return nil, errors.New("auth: token mint is required")
	}
	g := &Guard{
		users:       users,
		mint:        mint,
		audit:       audit,
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		lockWindow:  defaultLockWindow,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		resetTTL:    defaultResetTTL,
		verifyMFACode: func(secret, code string) bool {
			return subtle.ConstantTimeCompare([]byte(secret), []byte(code)) == 1
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// RegisterParams carries the fields needed to create an account.
type RegisterParams struct {
	Username       string
	Email          string
	Password       string
	RoleID         string
	OrganizationID string
	SourceIP       string
}

// Register validates complexity, enforces username/email uniqueness and
// creates an active account.
func (g *Guard) Register(ctx context.Context, p RegisterParams) (*User, error) {
	username := strings.TrimSpace(strings.ToLower(p.Username))
	email := strings.TrimSpace(strings.ToLower(p.Email))
	if username == "" || email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: username and valid email are required", ErrInvalidCredentials)
	}
	if res := ValidateComplexity(p.Password); !res.Valid {
		return nil, fmt.Errorf("%w: %s", ErrWeakPassword, strings.Join(res.Problems, "; "))
	}
	if _, err := g.users.FindByUsername(ctx, username); err == nil {
		return nil, fmt.Errorf("%w: username taken", ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := g.users.FindByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("%w: email taken", ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := HashPassword(p.Password)
	if err != nil {
		return nil, err
	}
	now := g.now().UTC()
	user := &User{
		Username:       username,
		Email:          email,
		PasswordHash:   hash,
		Status:         UserStatusActive,
		RoleID:         p.RoleID,
		OrganizationID: p.OrganizationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.users.Create(ctx, user); err != nil {
		return nil, err
	}
	g.record(ctx, "account.registered", user.ID, p.SourceIP, map[string]any{"username": username})
	return user, nil
}

// Login evaluates a credential attempt against the account state machine
// and on success mints a fresh token pair.
func (g *Guard) Login(ctx context.Context, username, password, sourceIP string) (TokenPair, *User, error) {
	user, err := g.beginAttempt(ctx, username, password, sourceIP)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if user.MFAEnabled {
		g.record(ctx, "login.mfa_pending", user.ID, sourceIP, nil)
		return TokenPair{}, nil, ErrMFARequired
	}
	return g.completeLogin(ctx, user, sourceIP, "login.succeeded")
}

// LoginMFA is the second step for MFA-enabled accounts: password plus
// code in one call.
func (g *Guard) LoginMFA(ctx context.Context, username, password, code, sourceIP string) (TokenPair, *User, error) {
	user, err := g.beginAttempt(ctx, username, password, sourceIP)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if !user.MFAEnabled {
		return g.completeLogin(ctx, user, sourceIP, "login.succeeded")
	}
	if !g.verifyMFACode(user.MFASecret, code) {
		return TokenPair{}, nil, g.registerFailure(ctx, user, sourceIP, "bad mfa code")
	}
	return g.completeLogin(ctx, user, sourceIP, "login.succeeded")
}

// beginAttempt walks the lockout state machine up to and including the
// password check. On return the account is active and the credential has
// been accepted; the failure counter has already been persisted otherwise.
func (g *Guard) beginAttempt(ctx context.Context, username, password, sourceIP string) (*User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := g.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			g.record(ctx, "login.rejected", username, sourceIP, map[string]any{"reason": "unknown user"})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	now := g.now().UTC()
	switch user.Status {
	case UserStatusDisabled:
		g.record(ctx, "login.rejected", user.ID, sourceIP, map[string]any{"reason": "disabled"})
		return nil, ErrAccountDisabled
	case UserStatusLocked:
		if user.LockoutUntil != nil && now.Before(*user.LockoutUntil) {
			g.record(ctx, "login.rejected", user.ID, sourceIP, map[string]any{"reason": "locked"})
			return nil, &LockedError{Until: *user.LockoutUntil, Retry: user.LockoutUntil.Sub(now)}
		}
		// Lockout elapsed: reopen the account before evaluating the
		// credential in the same call.
		user.Status = UserStatusActive
		user.FailedAttempts = 0
		user.LockoutUntil = nil
		if err := g.save(ctx, user); err != nil {
			return nil, err
		}
	}

	if !VerifyPassword(password, user.PasswordHash) {
		return nil, g.registerFailure(ctx, user, sourceIP, "bad password")
	}
	return user, nil
}

// registerFailure increments the counter and locks the account when the
// ceiling is reached. The increment happens inside the store so that
// overlapping attempts each count exactly once.
func (g *Guard) registerFailure(ctx context.Context, user *User, sourceIP, reason string) error {
	attempts, err := g.users.RecordFailedAttempt(ctx, user.ID)
	if err != nil {
		return err
	}
	user.FailedAttempts = attempts
	if user.FailedAttempts >= g.maxAttempts {
		until := g.now().UTC().Add(g.lockWindow)
		user.Status = UserStatusLocked
		user.LockoutUntil = &until
		if err := g.save(ctx, user); err != nil {
			return err
		}
		g.record(ctx, "account.locked", user.ID, sourceIP, map[string]any{
			"attempts":     user.FailedAttempts,
			"locked_until": until.Format(time.RFC3339),
		})
		return &LockedError{Until: until, Retry: g.lockWindow}
	}
	g.record(ctx, "login.rejected", user.ID, sourceIP, map[string]any{
		"reason":   reason,
		"attempts": user.FailedAttempts,
	})
	return ErrInvalidCredentials
}

func (g *Guard) completeLogin(ctx context.Context, user *User, sourceIP, kind string) (TokenPair, *User, error) {
	now := g.now().UTC()
	user.Status = UserStatusActive
	user.FailedAttempts = 0
	user.LockoutUntil = nil
	user.LastLoginAt = &now
	user.LastLoginIP = sourceIP

	access, accessExp, err := g.mint.AccessToken(user, g.accessTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refresh, err := g.mint.RefreshToken()
	if err != nil {
		return TokenPair{}, nil, err
	}
	refreshExp := now.Add(g.refreshTTL)
	user.RefreshTokenHash = HashToken(refresh)
	user.RefreshExpiresAt = &refreshExp
	if err := g.save(ctx, user); err != nil {
		return TokenPair{}, nil, err
	}
	g.record(ctx, kind, user.ID, sourceIP, nil)
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, user, nil
}

// Refresh exchanges a valid refresh token for a new pair. The presented
// token is invalidated whether or not a new one is issued.
func (g *Guard) Refresh(ctx context.Context, refreshToken, sourceIP string) (TokenPair, *User, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, nil, ErrRefreshTokenInvalid
	}
	user, err := g.users.FindByRefreshTokenHash(ctx, HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrRefreshTokenInvalid
		}
		return TokenPair{}, nil, err
	}
	now := g.now().UTC()
	if user.RefreshExpiresAt == nil || now.After(*user.RefreshExpiresAt) {
		return TokenPair{}, nil, ErrRefreshTokenInvalid
	}
	switch user.Status {
	case UserStatusDisabled:
		g.record(ctx, "refresh.rejected", user.ID, sourceIP, map[string]any{"reason": "disabled"})
		return TokenPair{}, nil, ErrAccountDisabled
	case UserStatusLocked:
		g.record(ctx, "refresh.rejected", user.ID, sourceIP, map[string]any{"reason": "locked"})
		return TokenPair{}, nil, ErrRefreshTokenInvalid
	}
	return g.completeLogin(ctx, user, sourceIP, "token.refreshed")
}

// Logout revokes the outstanding refresh token.
func (g *Guard) Logout(ctx context.Context, userID, sourceIP string) error {
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	user.RefreshTokenHash = ""
	user.RefreshExpiresAt = nil
	if err := g.save(ctx, user); err != nil {
		return err
	}
	g.record(ctx, "logout", user.ID, sourceIP, nil)
	return nil
}

// ChangePassword re-hashes the credential after verifying the current one
// and revokes the outstanding refresh token.
func (g *Guard) ChangePassword(ctx context.Context, userID, current, next, sourceIP string) error {
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(current, user.PasswordHash) {
		g.record(ctx, "password.change_rejected", user.ID, sourceIP, nil)
		return ErrInvalidCredentials
	}
	if res := ValidateComplexity(next); !res.Valid {
		return fmt.Errorf("%w: %s", ErrWeakPassword, strings.Join(res.Problems, "; "))
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.RefreshTokenHash = ""
	user.RefreshExpiresAt = nil
	if err := g.save(ctx, user); err != nil {
		return err
	}
	g.record(ctx, "password.changed", user.ID, sourceIP, nil)
	return nil
}

// InitiateReset issues a reset token for the account behind the email.
// The raw token goes back to the caller for external delivery; the store
// keeps only its digest. Whether the email exists is not observable: the
// caller always presents the same generic response, and an unknown email
// simply yields an empty token.
func (g *Guard) InitiateReset(ctx context.Context, email, sourceIP string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := g.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			g.record(ctx, "reset.requested", email, sourceIP, map[string]any{"known": false})
			return "", nil
		}
		return "", err
	}
	raw, err := g.mint.ResetToken()
	if err != nil {
		return "", err
	}
	exp := g.now().UTC().Add(g.resetTTL)
	user.ResetTokenHash = HashToken(raw)
	user.ResetExpiresAt = &exp
	if err := g.save(ctx, user); err != nil {
		return "", err
	}
	g.record(ctx, "reset.requested", user.ID, sourceIP, map[string]any{"known": true})
	return raw, nil
}

// CompleteReset consumes a reset token, re-hashes the password, zeroes
// the failure counter and forces the account back to active.
func (g *Guard) CompleteReset(ctx context.Context, rawToken, newPassword, sourceIP string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrResetTokenInvalid
	}
	user, err := g.users.FindByResetTokenHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrResetTokenInvalid
		}
		return err
	}
	if user.ResetExpiresAt == nil || g.now().UTC().After(*user.ResetExpiresAt) {
		return ErrResetTokenInvalid
	}
	if res := ValidateComplexity(newPassword); !res.Valid {
		return fmt.Errorf("%w: %s", ErrWeakPassword, strings.Join(res.Problems, "; "))
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.ResetTokenHash = ""
	user.ResetExpiresAt = nil
	user.FailedAttempts = 0
	user.LockoutUntil = nil
	user.Status = UserStatusActive
	user.RefreshTokenHash = ""
	user.RefreshExpiresAt = nil
	if err := g.save(ctx, user); err != nil {
		return err
	}
	g.record(ctx, "reset.completed", user.ID, sourceIP, nil)
	return nil
}

// EnableMFA stores the second-factor secret and flips the flag.
func (g *Guard) EnableMFA(ctx context.Context, userID, secret, sourceIP string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: mfa secret is required", ErrInvalidCredentials)
	}
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	user.MFAEnabled = true
	user.MFASecret = secret
	if err := g.save(ctx, user); err != nil {
		return err
	}
	g.record(ctx, "mfa.enabled", user.ID, sourceIP, nil)
	return nil
}

// DisableMFA requires the current password before clearing the flag and
// secret.
func (g *Guard) DisableMFA(ctx context.Context, userID, password, sourceIP string) error {
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(password, user.PasswordHash) {
		g.record(ctx, "mfa.disable_rejected", user.ID, sourceIP, nil)
		return ErrInvalidCredentials
	}
	user.MFAEnabled = false
	user.MFASecret = ""
	if err := g.save(ctx, user); err != nil {
		return err
	}
	g.record(ctx, "mfa.disabled", user.ID, sourceIP, nil)
	return nil
}

// Disable is the administrative exit to the terminal disabled state. It
// also revokes the outstanding refresh token.
func (g *Guard) Disable(ctx context.Context, userID, disabledBy, sourceIP string) error {
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	user.Status = UserStatusDisabled
	user.RefreshTokenHash = ""
	user.RefreshExpiresAt = nil
	if err := g.save(ctx, user); err != nil {
		return err
	}
	g.record(ctx, "account.disabled", user.ID, sourceIP, map[string]any{"by": disabledBy})
	return nil
}

// Enable is the administrative re-activation of a disabled account.
func (g *Guard) Enable(ctx context.Context, userID, enabledBy, sourceIP string) error {
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	user.Status = UserStatusActive
	user.FailedAttempts = 0
	user.LockoutUntil = nil
	if err := g.save(ctx, user); err != nil {
		return err
	}
	g.record(ctx, "account.enabled", user.ID, sourceIP, map[string]any{"by": enabledBy})
	return nil
}

func (g *Guard) save(ctx context.Context, user *User) error {
	user.UpdatedAt = g.now().UTC()
	return g.users.Save(ctx, user)
}

func (g *Guard) record(ctx context.Context, kind, actor, sourceIP string, fields map[string]any) {
	if g.audit == nil {
		return
	}
	g.audit.Record(ctx, Event{
		Kind:       kind,
		Actor:      actor,
		SourceIP:   sourceIP,
		Context:    fields,
		OccurredAt: g.now().UTC(),
	})
}
