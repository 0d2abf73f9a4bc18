package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations  = 120_000
	saltLength        = 16
	derivedKeyLength  = 64
	minPasswordLength = 12
)

// Substrings no password may contain, matched case-insensitively.
var deniedFragments = []string{
	"password",
	"qwerty",
	"123456",
	"letmein",
	"admin",
	"welcome",
}

// HashPassword derives a PBKDF2-SHA512 key from the password under a
// fresh random salt and returns "hex(salt):hex(key)".
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidCredentials)
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeyLength, sha512.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// VerifyPassword re-derives the key with the stored salt and compares in
// constant time. Malformed stored hashes fail verification, they never
// raise.
func VerifyPassword(password, stored string) bool {
	saltHex, keyHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return false
	}
	want, err := hex.DecodeString(keyHex)
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, len(want), sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// ComplexityResult lists every violated rule, not just the first.
type ComplexityResult struct {
	Valid    bool
	Problems []string
}

// ValidateComplexity checks the platform password policy: minimum length,
// mixed character classes and a deny-list of common fragments.
func ValidateComplexity(password string) ComplexityResult {
	var problems []string
	if utf8.RuneCountInString(password) < minPasswordLength {
		problems = append(problems, fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !upper {
		problems = append(problems, "must contain an uppercase letter")
	}
	if !lower {
		problems = append(problems, "must contain a lowercase letter")
	}
	if !digit {
		problems = append(problems, "must contain a digit")
	}
	if !symbol {
		problems = append(problems, "must contain a symbol")
	}

	lowered := strings.ToLower(password)
	for _, fragment := range deniedFragments {
		if strings.Contains(lowered, fragment) {
			problems = append(problems, fmt.Sprintf("must not contain %q", fragment))
		}
	}

	return ComplexityResult{Valid: len(problems) == 0, Problems: problems}
}
