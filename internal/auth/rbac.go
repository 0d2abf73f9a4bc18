package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Resolver computes effective permission sets by walking the role
// hierarchy and validates organization scope via materialized paths.
type Resolver struct {
	roles RoleStore
	orgs  OrgStore

	mu    sync.RWMutex
	cache map[string][]string // roleID -> resolved permissions; nil disables caching
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithPermissionCache enables read-through caching of resolved sets.
// Callers must Invalidate on role or permission mutation.
func WithPermissionCache() ResolverOption {
	return func(r *Resolver) {
		r.cache = make(map[string][]string)
	}
}

// NewResolver constructs a Resolver over the role and organization store.
func NewResolver(roles RoleStore, orgs OrgStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{roles: roles, orgs: orgs}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolvePermissions returns the sorted union of permissions attached to
// the role and every ancestor reached by following parent links. The walk
// is an iterative worklist with a visited set, so a cyclic role graph
// terminates with a finite set instead of looping.
func (r *Resolver) ResolvePermissions(ctx context.Context, roleID string) ([]string, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, nil
	}
	if cached, ok := r.cached(roleID); ok {
		return cached, nil
	}

	seen := make(map[string]struct{})
	set := make(map[string]struct{})
	for id := roleID; id != ""; {
		if _, visited := seen[id]; visited {
			break
		}
		seen[id] = struct{}{}
		role, err := r.roles.FindRole(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, perm := range role.Permissions {
			perm = strings.TrimSpace(perm)
			if perm != "" {
				set[perm] = struct{}{}
			}
		}
		id = role.ParentRoleID
	}

	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	r.store(roleID, out)
	return out, nil
}

// PermissionSet returns the effective permissions as a lookup set.
func (r *Resolver) PermissionSet(ctx context.Context, roleID string) (map[string]struct{}, error) {
	perms, err := r.ResolvePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(perms))
	for _, perm := range perms {
		set[perm] = struct{}{}
	}
	return set, nil
}

// Invalidate drops cached entries. An empty roleID clears the whole
// cache; ancestor edits affect descendants, so callers clear broadly.
func (r *Resolver) Invalidate(roleID string) {
	if r.cache == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if roleID == "" {
		r.cache = make(map[string][]string)
		return
	}
	delete(r.cache, roleID)
}

// ValidateOrgScope reports whether a user in userOrgID may act on
// targetOrgID: either the same organization, or one whose materialized
// path descends from the user's.
func (r *Resolver) ValidateOrgScope(ctx context.Context, userOrgID, targetOrgID string) (bool, error) {
	userOrgID = strings.TrimSpace(userOrgID)
	targetOrgID = strings.TrimSpace(targetOrgID)
	if userOrgID == "" || targetOrgID == "" {
		return false, nil
	}
	if userOrgID == targetOrgID {
		return true, nil
	}
	userOrg, err := r.orgs.FindOrg(ctx, userOrgID)
	if err != nil {
		return false, err
	}
	targetOrg, err := r.orgs.FindOrg(ctx, targetOrgID)
	if err != nil {
		return false, err
	}
	return pathDescends(userOrg.Path, targetOrg.Path), nil
}

// pathDescends compares materialized paths segment by segment, so
// "/org-1" never matches "/org-10".
func pathDescends(ancestor, descendant string) bool {
	a := splitPath(ancestor)
	d := splitPath(descendant)
	if len(a) == 0 || len(d) < len(a) {
		return false
	}
	for i := range a {
		if d[i] != a[i] {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

func (r *Resolver) cached(roleID string) ([]string, bool) {
	if r.cache == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	perms, ok := r.cache[roleID]
	if !ok {
		return nil, false
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out, true
}

func (r *Resolver) store(roleID string, perms []string) {
	if r.cache == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := make([]string, len(perms))
	copy(stored, perms)
	r.cache[roleID] = stored
}
