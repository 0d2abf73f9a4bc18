package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	keyPrefixLive = "sk_live_"
	keyPrefixTest = "sk_test_"

	keyBodySize         = 32
	keyDisplayPrefixLen = 12

	defaultKeyRateLimit = 1000
	defaultRateWindow   = time.Hour
	usageStampTimeout   = 5 * time.Second
)

// GenerateKey returns a fresh raw API key: a recognizable environment
// prefix plus a hex-encoded random body.
func GenerateKey(live bool) (string, error) {
	buf := make([]byte, keyBodySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	prefix := keyPrefixTest
	if live {
		prefix = keyPrefixLive
	}
	return prefix + hex.EncodeToString(buf), nil
}

// HashKey is the one-way digest under which keys are persisted; the raw
// value never re-enters the system after issuance.
func HashKey(raw string) string {
	return HashToken(raw)
}

// Authority issues, authenticates and revokes API keys. Authentication
// layers status, expiry, IP allow-list, fixed-window rate limit and scope
// checks in front of the owning user's RBAC permissions.
type Authority struct {
	keys     APIKeyStore
	users    UserStore
	resolver *Resolver
	rates    RateStore
	audit    AuditSink
	now      func() time.Time

	rateWindow time.Duration
}

// AuthorityOption configures Authority behavior.
type AuthorityOption func(*Authority)

// WithRateWindow overrides the rate-limit window (useful for tests).
func WithRateWindow(d time.Duration) AuthorityOption {
	return func(a *Authority) {
		if d > 0 {
			a.rateWindow = d
		}
	}
}

// WithAuthorityClock overrides the time source (useful for tests).
func WithAuthorityClock(fn func() time.Time) AuthorityOption {
	return func(a *Authority) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAuthority constructs an Authority.
func NewAuthority(keys APIKeyStore, users UserStore, resolver *Resolver, rates RateStore, audit AuditSink, opts ...AuthorityOption) (*Authority, error) {
	if keys == nil || users == nil || resolver == nil || rates == nil {
		return nil, errors.New("auth: key store, user store, resolver and rate store are required")
	}
	a := &Authority{
		keys:       keys,
		users:      users,
		resolver:   resolver,
		rates:      rates,
		audit:      audit,
		now:        time.Now,
		rateWindow: defaultRateWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// IssueParams carries the fields for key issuance. Zero values fall back
// to full wildcard scope and the default rate limit.
type IssueParams struct {
	Name           string
	UserID         string
	OrganizationID string
	Scopes         []string
	RateLimit      int
	ExpiresAt      *time.Time
	AllowedIPs     []string
	Live           bool
	IssuedBy       string
	SourceIP       string
}

// IssuedKey pairs the raw key, returned to the caller exactly once, with
// the persisted record.
type IssuedKey struct {
	Raw    string
	Record *APIKey
}

// Issue creates an API key and returns the raw value. Only the hash is
// persisted.
func (a *Authority) Issue(ctx context.Context, p IssueParams) (IssuedKey, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return IssuedKey{}, fmt.Errorf("%w: owning user is required", ErrInvalidCredentials)
	}
	raw, err := GenerateKey(p.Live)
	if err != nil {
		return IssuedKey{}, err
	}
	scopes := normalizeScopes(p.Scopes)
	if len(scopes) == 0 {
		scopes = []string{"*"}
	}
	limit := p.RateLimit
	if limit <= 0 {
		limit = defaultKeyRateLimit
	}
	now := a.now().UTC()
	rec := &APIKey{
		Name:           strings.TrimSpace(p.Name),
		KeyHash:        HashKey(raw),
		KeyPrefix:      raw[:keyDisplayPrefixLen],
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		Scopes:         scopes,
		Status:         KeyStatusActive,
		RateLimit:      limit,
		ExpiresAt:      p.ExpiresAt,
		AllowedIPs:     p.AllowedIPs,
		CreatedAt:      now,
		CreatedBy:      p.IssuedBy,
	}
	if err := a.keys.CreateKey(ctx, rec); err != nil {
		return IssuedKey{}, err
	}
	a.record(ctx, "apikey.issued", p.IssuedBy, p.SourceIP, map[string]any{
		"key_prefix": rec.KeyPrefix,
		"scopes":     scopes,
	})
	return IssuedKey{Raw: raw, Record: rec}, nil
}

// Authenticate verifies a presented key against the full rejection ladder
// and on success returns a context populated with the owning user and its
// resolved permissions. Usage counters are stamped asynchronously so the
// verdict is never blocked on the write.
func (a *Authority) Authenticate(ctx context.Context, rawKey, sourceIP, path, method string) (*Context, error) {
	hash := HashKey(strings.TrimSpace(rawKey))
	key, err := a.keys.FindKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	now := a.now().UTC()
	switch key.Status {
	case KeyStatusRevoked:
		return nil, ErrKeyRevoked
	case KeyStatusExpired:
		return nil, ErrKeyExpired
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		key.Status = KeyStatusExpired
		_ = a.keys.SaveKey(ctx, key)
		return nil, ErrKeyExpired
	}
	if len(key.AllowedIPs) > 0 && !ipAllowed(key.AllowedIPs, sourceIP) {
		a.record(ctx, "apikey.rejected", key.UserID, sourceIP, map[string]any{
			"key_prefix": key.KeyPrefix,
			"reason":     "ip blocked",
		})
		return nil, ErrKeyIPBlocked
	}
	allowed, err := a.rates.Allow(ctx, key.KeyHash, key.RateLimit, a.rateWindow)
	if err != nil {
		return nil, err
	}
	if !allowed {
		a.record(ctx, "apikey.rejected", key.UserID, sourceIP, map[string]any{
			"key_prefix": key.KeyPrefix,
			"reason":     "rate limited",
		})
		return nil, ErrKeyRateLimited
	}
	resource, action := RequestScope(path, method)
	if !ScopesAllow(key.Scopes, resource, action) {
		a.record(ctx, "apikey.rejected", key.UserID, sourceIP, map[string]any{
			"key_prefix": key.KeyPrefix,
			"reason":     "insufficient scope",
			"wanted":     resource + ":" + action,
		})
		return nil, ErrInsufficientScope
	}

	user, err := a.users.FindByID(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	switch user.Status {
	case UserStatusDisabled:
		return nil, ErrAccountDisabled
	case UserStatusLocked:
		return nil, ErrAccountLocked
	}
	perms, err := a.resolver.PermissionSet(ctx, user.RoleID)
	if err != nil {
		return nil, err
	}

	go a.stampUsage(key.KeyHash)

	a.record(ctx, "apikey.authenticated", user.ID, sourceIP, map[string]any{
		"key_prefix": key.KeyPrefix,
	})
	return &Context{User: user, Permissions: perms, Key: key}, nil
}

// Revoke flips the key to its terminal revoked status.
func (a *Authority) Revoke(ctx context.Context, keyHash, revokedBy, sourceIP string) error {
	key, err := a.keys.FindKeyByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrKeyNotFound
		}
		return err
	}
	if key.Status == KeyStatusRevoked {
		return nil
	}
	now := a.now().UTC()
	key.Status = KeyStatusRevoked
	key.RevokedAt = &now
	key.RevokedBy = revokedBy
	if err := a.keys.SaveKey(ctx, key); err != nil {
		return err
	}
	a.record(ctx, "apikey.revoked", revokedBy, sourceIP, map[string]any{
		"key_prefix": key.KeyPrefix,
	})
	return nil
}

// stampUsage runs outside the request: the authorization verdict has
// already been returned when this write lands. Only the usage columns
// move; a revoke or expiry that raced ahead of the stamp stays in place.
func (a *Authority) stampUsage(keyHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), usageStampTimeout)
	defer cancel()
	_ = a.keys.TouchKey(ctx, keyHash, a.now().UTC())
}

func (a *Authority) record(ctx context.Context, kind, actor, sourceIP string, fields map[string]any) {
	if a.audit == nil {
		return
	}
	a.audit.Record(ctx, Event{
		Kind:       kind,
		Actor:      actor,
		SourceIP:   sourceIP,
		Context:    fields,
		OccurredAt: a.now().UTC(),
	})
}

// ScopesAllow reports whether any scope grants resource:action. Honored
// wildcard forms: "*", "resource:*" and "*:action".
func ScopesAllow(scopes []string, resource, action string) bool {
	want := resource + ":" + action
	for _, scope := range scopes {
		if scope == "*" || scope == want {
			return true
		}
		res, act, ok := strings.Cut(scope, ":")
		if !ok {
			continue
		}
		if (res == "*" || res == resource) && (act == "*" || act == action) {
			return true
		}
	}
	return false
}

// RequestScope maps a request path and HTTP method onto the scope pair it
// requires: the first meaningful path segment singularized as the
// resource, the method canonicalized as the action.
func RequestScope(path, method string) (resource, action string) {
	resource = pathResource(path)
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		action = "read"
	case "POST":
		action = "create"
	case "PUT", "PATCH":
		action = "update"
	case "DELETE":
		action = "delete"
	default:
		action = strings.ToLower(method)
	}
	return resource, action
}

func pathResource(path string) string {
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" || isVersionSegment(seg) {
			continue
		}
		return strings.TrimSuffix(strings.ToLower(seg), "s")
	}
	return ""
}

func isVersionSegment(seg string) bool {
	if seg == "api" {
		return true
	}
	if len(seg) < 2 || seg[0] != 'v' {
		return false
	}
	for _, r := range seg[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	var out []string
	for _, scope := range scopes {
		scope = strings.TrimSpace(strings.ToLower(scope))
		if scope == "" {
			continue
		}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	return out
}

// ipAllowed matches the source address against exact IPs and CIDR blocks.
func ipAllowed(allowed []string, sourceIP string) bool {
	ip := net.ParseIP(strings.TrimSpace(sourceIP))
	if ip == nil {
		return false
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, block, err := net.ParseCIDR(entry); err == nil && block.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}
