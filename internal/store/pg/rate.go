package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"threatdesk.io/internal/auth"
)

// RateLimiter implements auth.RateStore on the rate_windows table. The
// row lock taken by select-for-update makes the read-check-increment one
// atomic operation across API instances.
type RateLimiter struct {
	db  *sql.DB
	now func() time.Time
}

var _ auth.RateStore = (*RateLimiter)(nil)

// NewRateLimiter constructs a RateLimiter. A nil clock falls back to
// time.Now.
func NewRateLimiter(db *sql.DB, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{db: db, now: now}
}

func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return true, nil
	}
	now := l.now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		count   int
		startAt time.Time
	)
	err = tx.QueryRowContext(ctx,
		`select count, window_start from rate_windows where key = $1 for update`, key,
	).Scan(&count, &startAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`insert into rate_windows(key, count, window_start) values($1, 1, $2)`, key, now,
		); err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	case now.Sub(startAt) >= window:
		if _, err := tx.ExecContext(ctx,
			`update rate_windows set count = 1, window_start = $2 where key = $1`, key, now,
		); err != nil {
			return false, err
		}
	case count >= limit:
		return false, tx.Commit()
	default:
		if _, err := tx.ExecContext(ctx,
			`update rate_windows set count = count + 1 where key = $1`, key,
		); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}
