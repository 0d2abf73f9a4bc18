package auth

import (
	"context"
	"sync"
	"time"
)

// fakeClock is a settable time source shared by the auth tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeStore implements Store in memory. Reads hand out copies so guard
// mutations only land through Save, same as a real database.
type fakeStore struct {
	mu    sync.Mutex
	users map[string]*User
	roles map[string]*Role
	orgs  map[string]*Organization
	keys  map[string]*APIKey
	seq   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]*User),
		roles: make(map[string]*Role),
		orgs:  make(map[string]*Organization),
		keys:  make(map[string]*APIKey),
	}
}

func copyUser(u *User) *User {
	c := *u
	return &c
}

func (s *fakeStore) FindByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, ErrNotFound
}

func (s *fakeStore) findUserBy(match func(*User) bool) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) FindByUsername(_ context.Context, username string) (*User, error) {
	return s.findUserBy(func(u *User) bool { return u.Username == username })
}

func (s *fakeStore) FindByEmail(_ context.Context, email string) (*User, error) {
	return s.findUserBy(func(u *User) bool { return u.Email == email })
}

func (s *fakeStore) FindByRefreshTokenHash(_ context.Context, hash string) (*User, error) {
	return s.findUserBy(func(u *User) bool { return u.RefreshTokenHash != "" && u.RefreshTokenHash == hash })
}

func (s *fakeStore) FindByResetTokenHash(_ context.Context, hash string) (*User, error) {
	return s.findUserBy(func(u *User) bool { return u.ResetTokenHash != "" && u.ResetTokenHash == hash })
}

func (s *fakeStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		s.seq++
		u.ID = "user-" + string(rune('a'+s.seq-1))
	}
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *fakeStore) Save(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *fakeStore) RecordFailedAttempt(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, ErrNotFound
	}
	u.FailedAttempts++
	return u.FailedAttempts, nil
}

func (s *fakeStore) FindRole(_ context.Context, id string) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roles[id]; ok {
		c := *r
		c.Permissions = append([]string(nil), r.Permissions...)
		return &c, nil
	}
	return nil, ErrNotFound
}

func (s *fakeStore) FindOrg(_ context.Context, id string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orgs[id]; ok {
		c := *o
		return &c, nil
	}
	return nil, ErrNotFound
}

func (s *fakeStore) FindKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[hash]; ok {
		c := *k
		return &c, nil
	}
	return nil, ErrNotFound
}

func (s *fakeStore) CreateKey(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.ID == "" {
		s.seq++
		k.ID = "key-" + string(rune('a'+s.seq-1))
	}
	c := *k
	s.keys[k.KeyHash] = &c
	return nil
}

func (s *fakeStore) SaveKey(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.KeyHash]; !ok {
		return ErrNotFound
	}
	c := *k
	s.keys[k.KeyHash] = &c
	return nil
}

func (s *fakeStore) TouchKey(_ context.Context, keyHash string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyHash]
	if !ok {
		return ErrNotFound
	}
	k.UsageCount++
	used := usedAt
	k.LastUsedAt = &used
	return nil
}

// fakeRate is a fixed-window counter with an injectable clock.
type fakeRate struct {
	mu      sync.Mutex
	now     func() time.Time
	counts  map[string]int
	startAt map[string]time.Time
}

func newFakeRate(now func() time.Time) *fakeRate {
	return &fakeRate{
		now:     now,
		counts:  make(map[string]int),
		startAt: make(map[string]time.Time),
	}
}

func (f *fakeRate) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	start, ok := f.startAt[key]
	if !ok || now.Sub(start) >= window {
		f.startAt[key] = now
		f.counts[key] = 1
		return true, nil
	}
	if f.counts[key] >= limit {
		return false, nil
	}
	f.counts[key]++
	return true, nil
}

// captureSink records audit events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Record(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func (s *captureSink) has(kind string) bool {
	for _, k := range s.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
