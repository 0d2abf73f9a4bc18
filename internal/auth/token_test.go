package auth

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "unit-test-signing-secret"

func testUser() *User {
	return &User{
		ID:             "user-1",
		Username:       "analyst",
		RoleID:         "role-analyst",
		OrganizationID: "org-1",
	}
}

func TestMintRequiresSecret(t *testing.T) {
	if _, err := NewMint(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewMint("   "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mint, err := NewMint(testSecret, WithMintClock(clock.Now))
	if err != nil {
		t.Fatalf("NewMint: %v", err)
	}

	token, exp, err := mint.AccessToken(testUser(), 15*time.Minute)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if got, want := exp, clock.Now().Add(15*time.Minute); !got.Equal(want) {
		t.Fatalf("expiry = %v, want %v", got, want)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}

	claims, err := mint.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != "user-1" || claims.Username != "analyst" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.RoleID != "role-analyst" || claims.OrganizationID != "org-1" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.ID == "" {
		t.Fatal("missing token id claim")
	}
}

func TestVerifyAccessTokenExpired(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mint, _ := NewMint(testSecret, WithMintClock(clock.Now))

	token, _, err := mint.AccessToken(testUser(), 10*time.Minute)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if _, err := mint.VerifyAccessToken(token); err != nil {
		t.Fatalf("verify before expiry: %v", err)
	}
	clock.Advance(11 * time.Minute)
	if _, err := mint.VerifyAccessToken(token); err != ErrTokenInvalid {
		t.Fatalf("verify after expiry: got %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyAccessTokenTampered(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mint, _ := NewMint(testSecret, WithMintClock(clock.Now))
	token, _, err := mint.AccessToken(testUser(), time.Hour)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + ".eyJzdWIiOiJzb21lb25lLWVsc2UifQ." + parts[2]
	if _, err := mint.VerifyAccessToken(tampered); err != ErrTokenInvalid {
		t.Fatalf("tampered token: got %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyAccessTokenWrongSecret(t *testing.T) {
	mint, _ := NewMint(testSecret)
	other, _ := NewMint("a-different-secret")
	token, _, err := mint.AccessToken(testUser(), time.Hour)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if _, err := other.VerifyAccessToken(token); err != ErrTokenInvalid {
		t.Fatalf("wrong secret: got %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyAccessTokenMalformed(t *testing.T) {
	mint, _ := NewMint(testSecret)
	for _, token := range []string{"", "   ", "garbage", "a.b", "a.b.c.d"} {
		if _, err := mint.VerifyAccessToken(token); err != ErrTokenInvalid {
			t.Fatalf("VerifyAccessToken(%q) = %v, want ErrTokenInvalid", token, err)
		}
	}
}

func TestRefreshTokenOpaque(t *testing.T) {
	mint, _ := NewMint(testSecret)
	a, err := mint.RefreshToken()
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	b, err := mint.RefreshToken()
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if a == b {
		t.Fatal("two refresh tokens are identical")
	}
	if len(a) != refreshTokenSize*2 {
		t.Fatalf("refresh token length = %d, want %d", len(a), refreshTokenSize*2)
	}
	if strings.Contains(a, ".") {
		t.Fatal("refresh token should carry no claim segments")
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("digest not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("distinct inputs collide")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("digest length = %d, want 64", len(HashToken("abc")))
	}
}

func TestParseTTL(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"15m", 15 * time.Minute},
		{"2h", 2 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{" 1H ", time.Hour},
		{"", time.Hour},
		{"x", time.Hour},
		{"10", time.Hour},
		{"-5m", time.Hour},
		{"0h", time.Hour},
		{"abch", time.Hour},
	}
	for _, tc := range tests {
		if got := ParseTTL(tc.in); got != tc.want {
			t.Fatalf("ParseTTL(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
