// Package pg implements the auth collaborator interfaces on PostgreSQL
// through the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"threatdesk.io/internal/auth"
	"threatdesk.io/internal/ids"
)

// Store implements auth.Store on a PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects to PostgreSQL with pool defaults tuned for the API
// service.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection, used by tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const userColumns = `id, username, email, password_hash, status, role_id, organization_id,
	failed_attempts, lockout_until, refresh_token_hash, refresh_expires_at,
	reset_token_hash, reset_expires_at, mfa_enabled, mfa_secret,
	last_login_at, last_login_ip, created_at, updated_at`

func (s *Store) FindByID(ctx context.Context, id string) (*auth.User, error) {
	return s.findUser(ctx, `where id = $1`, id)
}

func (s *Store) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	return s.findUser(ctx, `where username = $1`, username)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.findUser(ctx, `where email = $1`, email)
}

func (s *Store) FindByRefreshTokenHash(ctx context.Context, hash string) (*auth.User, error) {
	if hash == "" {
		return nil, auth.ErrNotFound
	}
	return s.findUser(ctx, `where refresh_token_hash = $1`, hash)
}

func (s *Store) FindByResetTokenHash(ctx context.Context, hash string) (*auth.User, error) {
	if hash == "" {
		return nil, auth.ErrNotFound
	}
	return s.findUser(ctx, `where reset_token_hash = $1`, hash)
}

func (s *Store) findUser(ctx context.Context, where string, arg any) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users `+where, arg)
	var (
		u            auth.User
		refreshHash  sql.NullString
		resetHash    sql.NullString
		mfaSecret    sql.NullString
		lastLoginIP  sql.NullString
		lockoutUntil sql.NullTime
		refreshExp   sql.NullTime
		resetExp     sql.NullTime
		lastLoginAt  sql.NullTime
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Status, &u.RoleID, &u.OrganizationID,
		&u.FailedAttempts, &lockoutUntil, &refreshHash, &refreshExp,
		&resetHash, &resetExp, &u.MFAEnabled, &mfaSecret,
		&lastLoginAt, &lastLoginIP, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	u.RefreshTokenHash = refreshHash.String
	u.ResetTokenHash = resetHash.String
	u.MFASecret = mfaSecret.String
	u.LastLoginIP = lastLoginIP.String
	u.LockoutUntil = timePtr(lockoutUntil)
	u.RefreshExpiresAt = timePtr(refreshExp)
	u.ResetExpiresAt = timePtr(resetExp)
	u.LastLoginAt = timePtr(lastLoginAt)
	return &u, nil
}

func (s *Store) Create(ctx context.Context, u *auth.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, username, email, password_hash, status, role_id, organization_id, created_at, updated_at)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Status, u.RoleID, u.OrganizationID, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (s *Store) Save(ctx context.Context, u *auth.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users set
			password_hash = $2, status = $3, failed_attempts = $4, lockout_until = $5,
			refresh_token_hash = nullif($6, ''), refresh_expires_at = $7,
			reset_token_hash = nullif($8, ''), reset_expires_at = $9,
			mfa_enabled = $10, mfa_secret = nullif($11, ''),
			last_login_at = $12, last_login_ip = nullif($13, ''), updated_at = $14
		where id = $1`,
		u.ID, u.PasswordHash, u.Status, u.FailedAttempts, u.LockoutUntil,
		u.RefreshTokenHash, u.RefreshExpiresAt,
		u.ResetTokenHash, u.ResetExpiresAt,
		u.MFAEnabled, u.MFASecret,
		u.LastLoginAt, u.LastLoginIP, u.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecordFailedAttempt is a single conditional increment so overlapping
// login failures never lose a count.
func (s *Store) RecordFailedAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		update users set failed_attempts = failed_attempts + 1, updated_at = now()
		where id = $1
		returning failed_attempts`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, auth.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (s *Store) FindRole(ctx context.Context, id string) (*auth.Role, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, name, parent_role_id, permissions, created_at, updated_at
		from roles where id = $1`, id)
	var (
		r        auth.Role
		parentID sql.NullString
		perms    []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &parentID, &perms, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	r.ParentRoleID = parentID.String
	_ = json.Unmarshal(perms, &r.Permissions)
	return &r, nil
}

func (s *Store) FindOrg(ctx context.Context, id string) (*auth.Organization, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, name, path, created_at, updated_at
		from organizations where id = $1`, id)
	var o auth.Organization
	if err := row.Scan(&o.ID, &o.Name, &o.Path, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

const keyColumns = `id, name, key_hash, key_prefix, user_id, organization_id, scopes, status,
	rate_limit, expires_at, allowed_ips, usage_count, last_used_at,
	created_at, created_by, revoked_at, revoked_by`

func (s *Store) FindKeyByHash(ctx context.Context, hash string) (*auth.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `select `+keyColumns+` from api_keys where key_hash = $1`, hash)
	var (
		k          auth.APIKey
		scopes     []byte
		allowedIPs []byte
		expiresAt  sql.NullTime
		lastUsedAt sql.NullTime
		revokedAt  sql.NullTime
		createdBy  sql.NullString
		revokedBy  sql.NullString
	)
	err := row.Scan(
		&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.UserID, &k.OrganizationID, &scopes, &k.Status,
		&k.RateLimit, &expiresAt, &allowedIPs, &k.UsageCount, &lastUsedAt,
		&k.CreatedAt, &createdBy, &revokedAt, &revokedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(scopes, &k.Scopes)
	_ = json.Unmarshal(allowedIPs, &k.AllowedIPs)
	k.ExpiresAt = timePtr(expiresAt)
	k.LastUsedAt = timePtr(lastUsedAt)
	k.RevokedAt = timePtr(revokedAt)
	k.CreatedBy = createdBy.String
	k.RevokedBy = revokedBy.String
	return &k, nil
}

func (s *Store) CreateKey(ctx context.Context, k *auth.APIKey) error {
	if k.ID == "" {
		k.ID = ids.New()
	}
	scopes, _ := json.Marshal(k.Scopes)
	allowedIPs, _ := json.Marshal(k.AllowedIPs)
	_, err := s.db.ExecContext(ctx, `
		insert into api_keys(id, name, key_hash, key_prefix, user_id, organization_id, scopes, status,
			rate_limit, expires_at, allowed_ips, created_at, created_by)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		k.ID, k.Name, k.KeyHash, k.KeyPrefix, k.UserID, k.OrganizationID, scopes, k.Status,
		k.RateLimit, k.ExpiresAt, allowedIPs, k.CreatedAt, k.CreatedBy,
	)
	return err
}

func (s *Store) SaveKey(ctx context.Context, k *auth.APIKey) error {
	res, err := s.db.ExecContext(ctx, `
		update api_keys set
			status = $2, usage_count = $3, last_used_at = $4,
			revoked_at = $5, revoked_by = nullif($6, '')
		where key_hash = $1`,
		k.KeyHash, k.Status, k.UsageCount, k.LastUsedAt, k.RevokedAt, k.RevokedBy,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchKey moves only the usage columns; status written by a concurrent
// revoke or expiry stays as-is.
func (s *Store) TouchKey(ctx context.Context, keyHash string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update api_keys set usage_count = usage_count + 1, last_used_at = $2
		where key_hash = $1`,
		keyHash, usedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	out := t.Time
	return &out
}
