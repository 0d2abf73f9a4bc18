package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"threatdesk.io/internal/auth"
	"threatdesk.io/internal/obs"
)

// ReadyProbe reports readiness, pinging the database when one is wired.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP surface over the identity core.
type API struct {
	mux        *http.ServeMux
	guard      *auth.Guard
	gate       *auth.Gate
	authority  *auth.Authority
	readyProbe ReadyProbe
	version    string

	loginRateBurst  int
	loginRatePerSec int
}

// Option configures the API.
type Option func(*API)

// WithLoginRate bounds the per-IP token bucket for credential endpoints.
func WithLoginRate(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 {
			a.loginRateBurst = burst
		}
		if perSecond > 0 {
			a.loginRatePerSec = perSecond
		}
	}
}

// New wires the route table.
func New(guard *auth.Guard, gate *auth.Gate, authority *auth.Authority, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:             http.NewServeMux(),
		guard:           guard,
		gate:            gate,
		authority:       authority,
		readyProbe:      rp,
		version:         version,
		loginRateBurst:  10,
		loginRatePerSec: 2,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	credential := RateLimit(a.loginRateBurst, a.loginRatePerSec)
	a.mux.Handle("/v1/auth/register", credential(http.HandlerFunc(a.handleRegister)))
	a.mux.Handle("/v1/auth/login", credential(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("/v1/auth/refresh", credential(http.HandlerFunc(a.handleRefresh)))
	a.mux.Handle("/v1/auth/reset", credential(http.HandlerFunc(a.handleResetInitiate)))
	a.mux.Handle("/v1/auth/reset/complete", credential(http.HandlerFunc(a.handleResetComplete)))

	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/mfa/enable", a.handleEnableMFA)
	a.mux.HandleFunc("/v1/auth/mfa/disable", a.handleDisableMFA)

	a.mux.HandleFunc("/v1/apikeys", a.handleIssueKey)
	a.mux.HandleFunc("/v1/apikeys/", a.handleRevokeKey)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return h
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "threatdesk-identity",
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
