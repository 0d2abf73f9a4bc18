package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Request is the credential material and request shape the gate inspects
// for one inbound call.
type Request struct {
	BearerToken string
	APIKey      string
	SourceIP    string
	Path        string
	Method      string
}

// Context is the per-request authentication result: the resolved user,
// its effective permission set, and the API key when the caller
// authenticated with one. Discarded at end of request, never persisted.
type Context struct {
	User        *User
	Permissions map[string]struct{}
	Key         *APIKey
}

// HasPermission checks for an exact resource:action match or a full
// wildcard grant.
func (c *Context) HasPermission(resource, action string) bool {
	if c == nil {
		return false
	}
	if _, ok := c.Permissions["*"]; ok {
		return true
	}
	_, ok := c.Permissions[resource+":"+action]
	return ok
}

// Gate is the single authentication entry point per inbound request:
// bearer token first, API key as fallback, typed rejection otherwise.
type Gate struct {
	mint     *Mint
	users    UserStore
	resolver *Resolver
	keys     *Authority
	audit    AuditSink
	now      func() time.Time
}

// GateOption configures Gate behavior.
type GateOption func(*Gate)

// WithGateClock overrides the time source (useful for tests).
func WithGateClock(fn func() time.Time) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGate composes the token mint, user store, permission resolver and
// API key authority into the request-authentication decision.
func NewGate(mint *Mint, users UserStore, resolver *Resolver, keys *Authority, audit AuditSink, opts ...GateOption) (*Gate, error) {
	if mint == nil || users == nil || resolver == nil || keys == nil {
		return nil, errors.New("auth: mint, user store, resolver and key authority are required")
	}
	g := &Gate{
		mint:     mint,
		users:    users,
		resolver: resolver,
		keys:     keys,
		audit:    audit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authenticate resolves the caller's identity and permissions, or returns
// a typed rejection.
func (g *Gate) Authenticate(ctx context.Context, req Request) (*Context, error) {
	switch {
	case strings.TrimSpace(req.BearerToken) != "":
		return g.authenticateBearer(ctx, req)
	case strings.TrimSpace(req.APIKey) != "":
		return g.keys.Authenticate(ctx, req.APIKey, req.SourceIP, req.Path, req.Method)
	default:
		return nil, ErrNoCredentials
	}
}

func (g *Gate) authenticateBearer(ctx context.Context, req Request) (*Context, error) {
	claims, err := g.mint.VerifyAccessToken(req.BearerToken)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	user, err := g.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	switch user.Status {
	case UserStatusDisabled:
		g.record(ctx, "gate.rejected", user.ID, req.SourceIP, map[string]any{"reason": "disabled", "path": req.Path})
		return nil, ErrAccountDisabled
	case UserStatusLocked:
		now := g.now().UTC()
		g.record(ctx, "gate.rejected", user.ID, req.SourceIP, map[string]any{"reason": "locked", "path": req.Path})
		if user.LockoutUntil != nil && now.Before(*user.LockoutUntil) {
			return nil, &LockedError{Until: *user.LockoutUntil, Retry: user.LockoutUntil.Sub(now)}
		}
		return nil, ErrAccountLocked
	}
	perms, err := g.resolver.PermissionSet(ctx, user.RoleID)
	if err != nil {
		return nil, err
	}
	return &Context{User: user, Permissions: perms}, nil
}

// RequirePermission rejects unless the authenticated caller holds
// resource:action or a full wildcard.
func (g *Gate) RequirePermission(ac *Context, resource, action string) error {
	if ac == nil {
		return ErrNoCredentials
	}
	if !ac.HasPermission(resource, action) {
		return ErrInsufficientPrivilege
	}
	return nil
}

// RequireOrgScope rejects unless the caller's organization contains the
// target organization.
func (g *Gate) RequireOrgScope(ctx context.Context, ac *Context, targetOrgID string) error {
	if ac == nil || ac.User == nil {
		return ErrNoCredentials
	}
	ok, err := g.resolver.ValidateOrgScope(ctx, ac.User.OrganizationID, targetOrgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOrgScopeDenied
	}
	return nil
}

func (g *Gate) record(ctx context.Context, kind, actor, sourceIP string, fields map[string]any) {
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
