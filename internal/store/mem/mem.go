// Package mem provides in-memory implementations of the auth collaborator
// interfaces, used in tests and single-node deployments.
package mem

import (
	"context"
	"sync"
	"time"

	"threatdesk.io/internal/auth"
	"threatdesk.io/internal/ids"
)

// Store keeps users, roles, organizations and API keys in mutex-guarded
// maps. Entities are copied on the way in and out so callers never share
// memory with the store.
type Store struct {
	mu    sync.RWMutex
	users map[string]*auth.User
	roles map[string]*auth.Role
	orgs  map[string]*auth.Organization
	keys  map[string]*auth.APIKey // by key hash
}

var _ auth.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		users: make(map[string]*auth.User),
		roles: make(map[string]*auth.Role),
		orgs:  make(map[string]*auth.Organization),
		keys:  make(map[string]*auth.APIKey),
	}
}

func (s *Store) FindByID(_ context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) FindByUsername(_ context.Context, username string) (*auth.User, error) {
	return s.findUser(func(u *auth.User) bool { return u.Username == username })
}

func (s *Store) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	return s.findUser(func(u *auth.User) bool { return u.Email == email })
}

func (s *Store) FindByRefreshTokenHash(_ context.Context, hash string) (*auth.User, error) {
	if hash == "" {
		return nil, auth.ErrNotFound
	}
	return s.findUser(func(u *auth.User) bool { return u.RefreshTokenHash == hash })
}

func (s *Store) FindByResetTokenHash(_ context.Context, hash string) (*auth.User, error) {
	if hash == "" {
		return nil, auth.ErrNotFound
	}
	return s.findUser(func(u *auth.User) bool { return u.ResetTokenHash == hash })
}

func (s *Store) Create(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if _, exists := s.users[u.ID]; exists {
		return auth.ErrAlreadyExists
	}
	for _, existing := range s.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return auth.ErrAlreadyExists
		}
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *Store) Save(_ context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.ID]; !exists {
		return auth.ErrNotFound
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

// RecordFailedAttempt increments under the store mutex so concurrent
// login failures each count exactly once.
func (s *Store) RecordFailedAttempt(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, auth.ErrNotFound
	}
	u.FailedAttempts++
	return u.FailedAttempts, nil
}

func (s *Store) FindRole(_ context.Context, id string) (*auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneRole(r), nil
}

func (s *Store) FindOrg(_ context.Context, id string) (*auth.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := *o
	return &out, nil
}

func (s *Store) FindKeyByHash(_ context.Context, hash string) (*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return cloneKey(k), nil
}

func (s *Store) CreateKey(_ context.Context, k *auth.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.ID == "" {
		k.ID = ids.New()
	}
	if _, exists := s.keys[k.KeyHash]; exists {
		return auth.ErrAlreadyExists
	}
	s.keys[k.KeyHash] = cloneKey(k)
	return nil
}

func (s *Store) SaveKey(_ context.Context, k *auth.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[k.KeyHash]; !exists {
		return auth.ErrNotFound
	}
	s.keys[k.KeyHash] = cloneKey(k)
	return nil
}

// TouchKey bumps usage in place; a revoked or expired status survives a
// late stamp.
func (s *Store) TouchKey(_ context.Context, keyHash string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyHash]
	if !ok {
		return auth.ErrNotFound
	}
	k.UsageCount++
	used := usedAt
	k.LastUsedAt = &used
	return nil
}

// PutRole upserts a role. Roles are administered outside the auth core;
// this is the seam tests and bootstrap code use.
func (s *Store) PutRole(r *auth.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = ids.New()
	}
	s.roles[r.ID] = cloneRole(r)
}

// PutOrg upserts an organization.
func (s *Store) PutOrg(o *auth.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = ids.New()
	}
	out := *o
	s.orgs[o.ID] = &out
}

func (s *Store) findUser(match func(*auth.User) bool) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, auth.ErrNotFound
}

func cloneUser(u *auth.User) *auth.User {
	out := *u
	out.LockoutUntil = cloneTime(u.LockoutUntil)
	out.RefreshExpiresAt = cloneTime(u.RefreshExpiresAt)
	out.ResetExpiresAt = cloneTime(u.ResetExpiresAt)
	out.LastLoginAt = cloneTime(u.LastLoginAt)
	return &out
}

func cloneRole(r *auth.Role) *auth.Role {
	out := *r
	out.Permissions = append([]string(nil), r.Permissions...)
	return &out
}

func cloneKey(k *auth.APIKey) *auth.APIKey {
	out := *k
	out.Scopes = append([]string(nil), k.Scopes...)
	out.AllowedIPs = append([]string(nil), k.AllowedIPs...)
	out.ExpiresAt = cloneTime(k.ExpiresAt)
	out.LastUsedAt = cloneTime(k.LastUsedAt)
	out.RevokedAt = cloneTime(k.RevokedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
