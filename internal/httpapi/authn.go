package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"threatdesk.io/internal/auth"
	"threatdesk.io/internal/obs"
)

const (
	authHeader   = "Authorization"
	bearerScheme = "Bearer "
	apiKeyHeader = "X-API-Key"
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/reset",
	"/v1/auth/reset/complete",
}

// withAuth runs the authentication gate for every non-public route and
// attaches the resolved context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		bearer, _ := extractBearerToken(r.Header.Get(authHeader))
		apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		credential := "none"
		switch {
		case bearer != "":
			credential = "bearer"
		case apiKey != "":
			credential = "apikey"
		}

		ac, err := a.gate.Authenticate(r.Context(), auth.Request{
			BearerToken: bearer,
			APIKey:      apiKey,
			SourceIP:    clientIP(r),
			Path:        r.URL.Path,
			Method:      r.Method,
		})
		if err != nil {
			obs.AuthDecision(credential, rejectionClass(err))
			if credential == "apikey" {
				obs.APIKeyRejected(rejectionClass(err))
			}
			a.rejectAuth(w, r, err)
			return
		}
		obs.AuthDecision(credential, "accepted")

		ctx := auth.ContextWithAuth(r.Context(), ac)
		if bearer != "" {
			ctx = auth.ContextWithToken(ctx, bearer)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rejectAuth maps a gate rejection onto a response without revealing
// which factor failed.
func (a *API) rejectAuth(w http.ResponseWriter, r *http.Request, err error) {
	var locked *auth.LockedError
	switch {
	case errors.As(err, &locked):
		writeError(w, r, http.StatusLocked,
			fmt.Sprintf("account locked, retry in %d minute(s)", locked.Minutes()))
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, "account locked")
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(w, r, http.StatusForbidden, "account disabled")
	case errors.Is(err, auth.ErrKeyRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, auth.ErrKeyIPBlocked):
		writeError(w, r, http.StatusForbidden, "source address not allowed")
	case errors.Is(err, auth.ErrInsufficientScope):
		writeError(w, r, http.StatusForbidden, "insufficient scope")
	case errors.Is(err, auth.ErrNoCredentials):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrKeyNotFound),
		errors.Is(err, auth.ErrKeyRevoked),
		errors.Is(err, auth.ErrKeyExpired),
		errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	default:
		writeError(w, r, http.StatusInternalServerError, "authentication error")
	}
}

// rejectionClass buckets rejections for the auth_decisions_total metric.
func rejectionClass(err error) string {
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		return "locked"
	case errors.Is(err, auth.ErrAccountDisabled):
		return "disabled"
	case errors.Is(err, auth.ErrKeyRateLimited):
		return "rate_limited"
	case errors.Is(err, auth.ErrKeyIPBlocked):
		return "ip_blocked"
	case errors.Is(err, auth.ErrInsufficientScope):
		return "scope"
	case errors.Is(err, auth.ErrNoCredentials):
		return "no_credentials"
	case errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrKeyNotFound),
		errors.Is(err, auth.ErrKeyRevoked),
		errors.Is(err, auth.ErrKeyExpired),
		errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid"
	default:
		return "error"
	}
}

// requirePermission guards a handler body after authentication.
func (a *API) requirePermission(w http.ResponseWriter, r *http.Request, resource, action string) (*auth.Context, bool) {
	ac, ok := auth.AuthFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if err := a.gate.RequirePermission(ac, resource, action); err != nil {
		writeError(w, r, http.StatusForbidden, "insufficient privilege")
		return nil, false
	}
	return ac, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerScheme)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerScheme):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
