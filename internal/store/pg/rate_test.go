package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockLimiter(t *testing.T, now time.Time) (*RateLimiter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRateLimiter(db, func() time.Time { return now }), mock
}

func TestRateLimiterFirstRequestInsertsWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter, mock := newMockLimiter(t, now)

	mock.ExpectBegin()
	mock.ExpectQuery("select count, window_start from rate_windows").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "window_start"}))
	mock.ExpectExec("insert into rate_windows").
		WithArgs("key-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := limiter.Allow(context.Background(), "key-1", 10, time.Hour)
	if err != nil || !ok {
		t.Fatalf("Allow = (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRateLimiterIncrementsUnderLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter, mock := newMockLimiter(t, now)

	mock.ExpectBegin()
	mock.ExpectQuery("select count, window_start from rate_windows").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "window_start"}).
			AddRow(4, now.Add(-time.Minute)))
	mock.ExpectExec(`update rate_windows set count = count \+ 1`).
		WithArgs("key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := limiter.Allow(context.Background(), "key-1", 10, time.Hour)
	if err != nil || !ok {
		t.Fatalf("Allow = (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRateLimiterRejectsAtLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter, mock := newMockLimiter(t, now)

	mock.ExpectBegin()
	mock.ExpectQuery("select count, window_start from rate_windows").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "window_start"}).
			AddRow(10, now.Add(-time.Minute)))
	mock.ExpectCommit()

	ok, err := limiter.Allow(context.Background(), "key-1", 10, time.Hour)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("request at the limit allowed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRateLimiterResetsElapsedWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter, mock := newMockLimiter(t, now)

	mock.ExpectBegin()
	mock.ExpectQuery("select count, window_start from rate_windows").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"count", "window_start"}).
			AddRow(10, now.Add(-2*time.Hour)))
	mock.ExpectExec("update rate_windows set count = 1").
		WithArgs("key-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := limiter.Allow(context.Background(), "key-1", 10, time.Hour)
	if err != nil || !ok {
		t.Fatalf("Allow = (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRateLimiterZeroLimitSkipsDatabase(t *testing.T) {
	limiter, mock := newMockLimiter(t, time.Now())
	ok, err := limiter.Allow(context.Background(), "key-1", 0, time.Hour)
	if err != nil || !ok {
		t.Fatalf("Allow = (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
