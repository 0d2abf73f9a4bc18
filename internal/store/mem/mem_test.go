package mem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"threatdesk.io/internal/auth"
)

func TestStoreUserLifecycle(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	user := &auth.User{
		Username: "analyst",
		Email:    "analyst@example.com",
		Status:   auth.UserStatusActive,
	}
	if err := store.Create(ctx, user); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if user.ID == "" {
		t.Fatal("Create did not assign an id")
	}

	got, err := store.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Username != "analyst" {
		t.Fatalf("username = %q", got.Username)
	}

	if _, err := store.FindByUsername(ctx, "analyst"); err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if _, err := store.FindByEmail(ctx, "analyst@example.com"); err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if _, err := store.FindByID(ctx, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("missing user: got %v, want ErrNotFound", err)
	}

	got.FailedAttempts = 3
	if err := store.Save(ctx, got); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again, _ := store.FindByID(ctx, user.ID)
	if again.FailedAttempts != 3 {
		t.Fatalf("FailedAttempts = %d, want 3", again.FailedAttempts)
	}

	if err := store.Save(ctx, &auth.User{ID: "ghost"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("Save missing: got %v, want ErrNotFound", err)
	}
}

func TestStoreUniqueUsers(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first := &auth.User{Username: "analyst", Email: "a@example.com"}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, &auth.User{Username: "analyst", Email: "b@example.com"}); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("duplicate username: got %v, want ErrAlreadyExists", err)
	}
	if err := store.Create(ctx, &auth.User{Username: "other", Email: "a@example.com"}); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("duplicate email: got %v, want ErrAlreadyExists", err)
	}
}

func TestStoreCopiesOnReadAndWrite(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	user := &auth.User{Username: "analyst", Email: "a@example.com"}
	if err := store.Create(ctx, user); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutating a read result must not leak into the store.
	got, _ := store.FindByID(ctx, user.ID)
	got.Username = "tampered"
	fresh, _ := store.FindByID(ctx, user.ID)
	if fresh.Username != "analyst" {
		t.Fatal("read result shares memory with the store")
	}

	// Mutating the original after Create must not either.
	user.Email = "changed@example.com"
	fresh, _ = store.FindByID(ctx, user.ID)
	if fresh.Email != "a@example.com" {
		t.Fatal("created entity shares memory with the store")
	}
}

func TestStoreTokenHashLookups(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	user := &auth.User{Username: "analyst", Email: "a@example.com", RefreshTokenHash: "digest-1"}
	if err := store.Create(ctx, user); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.FindByRefreshTokenHash(ctx, "digest-1"); err != nil {
		t.Fatalf("FindByRefreshTokenHash: %v", err)
	}
	// An empty digest matches nothing even when users carry empty hashes.
	if _, err := store.FindByRefreshTokenHash(ctx, ""); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("empty digest: got %v, want ErrNotFound", err)
	}
	if _, err := store.FindByResetTokenHash(ctx, ""); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("empty reset digest: got %v, want ErrNotFound", err)
	}
}

func TestStoreRolesAndOrgs(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	store.PutRole(&auth.Role{ID: "role-1", Permissions: []string{"case:read"}})
	role, err := store.FindRole(ctx, "role-1")
	if err != nil {
		t.Fatalf("FindRole: %v", err)
	}
	role.Permissions[0] = "tampered"
	fresh, _ := store.FindRole(ctx, "role-1")
	if fresh.Permissions[0] != "case:read" {
		t.Fatal("role permissions share memory with the store")
	}

	store.PutOrg(&auth.Organization{ID: "org-1", Path: "/org-1"})
	if _, err := store.FindOrg(ctx, "org-1"); err != nil {
		t.Fatalf("FindOrg: %v", err)
	}
	if _, err := store.FindOrg(ctx, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("missing org: got %v, want ErrNotFound", err)
	}
}

func TestStoreKeys(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	key := &auth.APIKey{KeyHash: "hash-1", Scopes: []string{"*"}, Status: auth.KeyStatusActive}
	if err := store.CreateKey(ctx, key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := store.CreateKey(ctx, &auth.APIKey{KeyHash: "hash-1"}); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("duplicate hash: got %v, want ErrAlreadyExists", err)
	}

	got, err := store.FindKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("FindKeyByHash: %v", err)
	}
	now := time.Now()
	got.Status = auth.KeyStatusRevoked
	got.RevokedAt = &now
	if err := store.SaveKey(ctx, got); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	fresh, _ := store.FindKeyByHash(ctx, "hash-1")
	if fresh.Status != auth.KeyStatusRevoked || fresh.RevokedAt == nil {
		t.Fatalf("saved key = %+v", fresh)
	}

	if err := store.SaveKey(ctx, &auth.APIKey{KeyHash: "missing"}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("SaveKey missing: got %v, want ErrNotFound", err)
	}
}

func TestRecordFailedAttemptCountsConcurrentCallers(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	user := &auth.User{Username: "analyst", Email: "analyst@example.com", Status: auth.UserStatusActive}
	if err := store.Create(ctx, user); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const callers = 25
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := store.RecordFailedAttempt(ctx, user.ID); err != nil {
				t.Errorf("RecordFailedAttempt: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	got, err := store.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.FailedAttempts != callers {
		t.Fatalf("FailedAttempts = %d, want %d", got.FailedAttempts, callers)
	}

	if _, err := store.RecordFailedAttempt(ctx, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("missing user: got %v, want ErrNotFound", err)
	}
}

func TestTouchKeyLeavesStatusAlone(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	key := &auth.APIKey{KeyHash: "digest-1", Status: auth.KeyStatusRevoked}
	if err := store.CreateKey(ctx, key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	used := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.TouchKey(ctx, "digest-1", used); err != nil {
		t.Fatalf("TouchKey: %v", err)
	}

	got, err := store.FindKeyByHash(ctx, "digest-1")
	if err != nil {
		t.Fatalf("FindKeyByHash: %v", err)
	}
	if got.Status != auth.KeyStatusRevoked {
		t.Fatalf("status = %q, want %q", got.Status, auth.KeyStatusRevoked)
	}
	if got.UsageCount != 1 {
		t.Fatalf("usage count = %d, want 1", got.UsageCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(used) {
		t.Fatalf("last used = %v, want %v", got.LastUsedAt, used)
	}

	if err := store.TouchKey(ctx, "missing", used); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("missing key: got %v, want ErrNotFound", err)
	}
}
