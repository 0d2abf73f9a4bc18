package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer    = "threatdesk"
	defaultTokenTTL  = time.Hour
	refreshTokenSize = 64
	resetTokenSize   = 32
)

// AccessClaims are the claims carried by a bearer token.
type AccessClaims struct {
	Username       string `json:"username,omitempty"`
	RoleID         string `json:"role_id,omitempty"`
	OrganizationID string `json:"org_id,omitempty"`
	TokenType      string `json:"token_type"`
	jwt.RegisteredClaims
}

// Mint builds and verifies self-signed bearer tokens and opaque refresh
// tokens. Access tokens are HS256-signed three-segment strings; refresh
// tokens carry no claims and serve only as store lookup keys.
type Mint struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// MintOption configures Mint behavior.
type MintOption func(*Mint)

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) MintOption {
	return func(m *Mint) {
		if iss := strings.TrimSpace(issuer); iss != "" {
			m.issuer = iss
		}
	}
}

// WithMintClock overrides the time source (useful for tests).
func WithMintClock(fn func() time.Time) MintOption {
	return func(m *Mint) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMint constructs a Mint. The signing secret is required and must come
// from configuration, never a literal default.
func NewMint(secret string, opts ...MintOption) (*Mint, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("auth: signing secret is required")
	}
	m := &Mint{
		secret: []byte(secret),
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AccessToken signs a bearer token for the user with the given lifetime.
func (m *Mint) AccessToken(user *User, ttl time.Duration) (string, time.Time, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, fmt.Errorf("auth: user is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := m.now().UTC()
	exp := now.Add(ttl)
	claims := AccessClaims{
		Username:       user.Username,
		RoleID:         user.RoleID,
		OrganizationID: user.OrganizationID,
		TokenType:      "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccessToken recomputes the signature and validates expiry and
// issuer. Any parse failure, signature mismatch or expired timestamp
// collapses into ErrTokenInvalid; malformed input never panics.
func (m *Mint) VerifyAccessToken(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithIssuer(m.issuer))
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || claims.TokenType != "access" || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// RefreshToken returns an opaque random credential. It carries no claims;
// the store keeps only its digest.
func (m *Mint) RefreshToken() (string, error) {
	return randomToken(refreshTokenSize)
}

// ResetToken returns an opaque token for the password-reset flow.
func (m *Mint) ResetToken() (string, error) {
	return randomToken(resetTokenSize)
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken is the one-way digest under which opaque tokens and API keys
// are persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ParseTTL converts a duration string with an s/m/h/d unit suffix into a
// time.Duration. Unknown suffixes and unparseable values fall back to one
// hour.
func ParseTTL(s string) time.Duration {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) < 2 {
		return defaultTokenTTL
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return defaultTokenTTL
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return defaultTokenTTL
	}
	return time.Duration(n) * unit
}
