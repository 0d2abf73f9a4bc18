// Command api runs the identity and authorization HTTP service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"threatdesk.io/internal/audit"
	"threatdesk.io/internal/auth"
	"threatdesk.io/internal/config"
	"threatdesk.io/internal/httpapi"
	"threatdesk.io/internal/obs"
	"threatdesk.io/internal/store/mem"
	"threatdesk.io/internal/store/pg"
)

const version = "0.3.0"

func main() {
	_ = godotenv.Load()
	logger := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	obs.Init()

	var (
		store auth.Store
		rates auth.RateStore
		sink  auth.AuditSink = audit.LogSink{}
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		defer pgStore.Close()
		db = pgStore.DB()
		store = pgStore
		rates = pg.NewRateLimiter(db, time.Now)
		sink = audit.FanoutSink{audit.LogSink{}, pg.NewAuditSink(db)}
		obs.LogEntry(map[string]any{"msg": "using postgres store"})
	} else {
		store = mem.NewStore()
		rates = mem.NewRateLimiter(time.Now)
		obs.LogEntry(map[string]any{"msg": "using in-memory store", "warning": "state is not persisted"})
	}

	mint, err := auth.NewMint(cfg.AuthSecret, auth.WithIssuer(cfg.Issuer))
	if err != nil {
		logger.Fatalf("token mint: %v", err)
	}
	guard, err := auth.NewGuard(store, mint, sink,
		auth.WithMaxAttempts(cfg.MaxLoginAttempts),
		auth.WithLockWindow(cfg.LockoutWindow),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithResetTTL(cfg.ResetTTL),
	)
	if err != nil {
		logger.Fatalf("account guard: %v", err)
	}
	resolver := auth.NewResolver(store, store)
	authority, err := auth.NewAuthority(store, store, resolver, rates, sink)
	if err != nil {
		logger.Fatalf("key authority: %v", err)
	}
	gate, err := auth.NewGate(mint, store, resolver, authority, sink)
	if err != nil {
		logger.Fatalf("auth gate: %v", err)
	}

	api := httpapi.New(guard, gate, authority, httpapi.ReadyProbe{DB: db}, version,
		httpapi.WithLoginRate(cfg.LoginRateBurst, cfg.LoginRatePerSec))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		obs.LogEntry(map[string]any{"msg": "api listening", "addr": cfg.Addr, "version": version})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		obs.LogEntry(map[string]any{"msg": "shutdown signal received"})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("serve: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	obs.LogEntry(map[string]any{"msg": "api stopped"})
}
