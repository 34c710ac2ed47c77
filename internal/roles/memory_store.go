package roles

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/org"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

type memState struct {
	roles       map[string]rbac.Role
	assignments map[rbac.AssignmentKey]rbac.Assignment
}

func (s *memState) clone() *memState {
	c := &memState{
		roles:       make(map[string]rbac.Role, len(s.roles)),
		assignments: maps.Clone(s.assignments),
	}
	for id, r := range s.roles {
		c.roles[id] = r.Clone()
	}
	return c
}

// MemoryStore is an in-process Store. Transactions work on a copy of the
// state that replaces it only when the callback succeeds.
type MemoryStore struct {
	mu        sync.RWMutex
	state     *memState
	directory org.Directory
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. directory supplies scope paths for
// resolution and orphan detection.
func NewMemoryStore(directory org.Directory) *MemoryStore {
	return &MemoryStore{
		state: &memState{
			roles:       make(map[string]rbac.Role),
			assignments: make(map[rbac.AssignmentKey]rbac.Assignment),
		},
		directory: directory,
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Snapshot returns every role and assignment in a stable order.
func (s *MemoryStore) Snapshot() ([]rbac.Role, []rbac.Assignment) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := make([]rbac.Role, 0, len(s.state.roles))
	for _, r := range s.state.roles {
		roles = append(roles, r.Clone())
	}
	slices.SortFunc(roles, func(a, b rbac.Role) int { return cmp.Compare(a.ID, b.ID) })
	return roles, sortedAssignments(slices.Collect(maps.Values(s.state.assignments)))
}

func (s *MemoryStore) GetRole(_ context.Context, id string) (*rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: role %s", rbac.ErrNotFound, id)
	}
	r = r.Clone()
	return &r, nil
}

func (s *MemoryStore) ListRoles(_ context.Context, orgID string, f ListFilter) ([]rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []rbac.Role{}
	for _, r := range s.state.roles {
		switch {
		case r.IsSystem && !f.IncludeSystem:
			continue
		case !r.IsSystem && (!f.IncludeCustom || orgID == "" || r.OrgID != orgID):
			continue
		case f.ScopeLevel != "" && r.ScopeLevel != f.ScopeLevel:
			continue
		case f.ActiveOnly && !r.Active:
			continue
		}
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, compareRoles)
	return out, nil
}

func (s *MemoryStore) ListAssignmentsForUser(_ context.Context, userID string, now time.Time) ([]rbac.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []rbac.Assignment{}
	for _, a := range s.state.assignments {
		if a.UserID == userID && a.ActiveAt(now) {
			out = append(out, a)
		}
	}
	return sortedAssignments(out), nil
}

func (s *MemoryStore) ListAssignmentsForRole(_ context.Context, roleID string) ([]rbac.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []rbac.Assignment{}
	for _, a := range s.state.assignments {
		if a.RoleID == roleID {
			out = append(out, a)
		}
	}
	return sortedAssignments(out), nil
}

func (s *MemoryStore) DeleteOrphanedAssignments(ctx context.Context) ([]rbac.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := []rbac.Assignment{}
	for key, a := range s.state.assignments {
		if a.ScopeRefID == "" {
			continue
		}
		_, err := s.directory.Lookup(ctx, a.ScopeRefID)
		switch {
		case errors.Is(err, rbac.ErrNotFound):
			delete(s.state.assignments, key)
			removed = append(removed, a)
		case err != nil:
			return nil, fmt.Errorf("looking up scope ref %s: %w", a.ScopeRefID, err)
		}
	}
	return sortedAssignments(removed), nil
}

func (s *MemoryStore) ActiveGrants(ctx context.Context, userID string) ([]rbac.Grant, error) {
	s.mu.RLock()
	var grants []rbac.Grant
	now := time.Now()
	for _, a := range s.state.assignments {
		if a.UserID != userID || !a.ActiveAt(now) {
			continue
		}
		role, ok := s.state.roles[a.RoleID]
		if !ok || !role.Active {
			continue
		}
		grants = append(grants, rbac.Grant{Assignment: a, Role: role.Clone()})
	}
	s.mu.RUnlock()

	for i := range grants {
		ref := grants[i].Assignment.ScopeRefID
		if ref == "" {
			continue
		}
		scope, err := s.directory.Lookup(ctx, ref)
		if err != nil {
			if errors.Is(err, rbac.ErrNotFound) {
				// Orphaned binding: an empty path matches no context.
				continue
			}
			return nil, fmt.Errorf("looking up scope ref %s: %w", ref, err)
		}
		grants[i].Scope = scope
	}
	return grants, nil
}

type memTx struct {
	state *memState
}

func (t *memTx) GetRole(_ context.Context, id string) (*rbac.Role, error) {
	r, ok := t.state.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: role %s", rbac.ErrNotFound, id)
	}
	r = r.Clone()
	return &r, nil
}

func (t *memTx) FindSystemRole(_ context.Context, name string) (*rbac.Role, error) {
	for _, r := range t.state.roles {
		if r.IsSystem && r.Name == name {
			r = r.Clone()
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: system role %q", rbac.ErrNotFound, name)
}

func (t *memTx) InsertRole(ctx context.Context, role *rbac.Role) error {
	if _, ok := t.state.roles[role.ID]; ok {
		return fmt.Errorf("%w: role %s already exists", rbac.ErrConflict, role.ID)
	}
	if role.IsSystem {
		if _, err := t.FindSystemRole(ctx, role.Name); err == nil {
			return fmt.Errorf("%w: role %q already exists", rbac.ErrConflict, role.Name)
		}
	}
	t.state.roles[role.ID] = role.Clone()
	return nil
}

func (t *memTx) UpdateRole(_ context.Context, role *rbac.Role) error {
	cur, ok := t.state.roles[role.ID]
	if !ok || cur.IsSystem {
		return fmt.Errorf("%w: role %s", rbac.ErrNotFound, role.ID)
	}
	cur.Name = role.Name
	cur.Description = role.Description
	cur.Permissions = role.Permissions
	cur.Active = role.Active
	cur.UpdatedAt = role.UpdatedAt
	t.state.roles[role.ID] = cur.Clone()
	return nil
}

func (t *memTx) DeleteRole(_ context.Context, id string) error {
	cur, ok := t.state.roles[id]
	if !ok || cur.IsSystem {
		return fmt.Errorf("%w: role %s", rbac.ErrNotFound, id)
	}
	delete(t.state.roles, id)
	return nil
}

func (t *memTx) AssignedUsers(_ context.Context, roleID string, activeOnly bool, now time.Time) ([]string, error) {
	var users []string
	for _, a := range t.state.assignments {
		if a.RoleID == roleID && (!activeOnly || a.ActiveAt(now)) {
			users = append(users, a.UserID)
		}
	}
	slices.Sort(users)
	return slices.Compact(users), nil
}

func (t *memTx) DeleteAssignmentsForRole(_ context.Context, roleID string) ([]string, error) {
	var users []string
	for key, a := range t.state.assignments {
		if a.RoleID == roleID {
			users = append(users, a.UserID)
			delete(t.state.assignments, key)
		}
	}
	slices.Sort(users)
	return slices.Compact(users), nil
}

func (t *memTx) InsertAssignment(_ context.Context, a rbac.Assignment) (rbac.Assignment, bool, error) {
	if _, ok := t.state.roles[a.RoleID]; !ok {
		return rbac.Assignment{}, false, fmt.Errorf("%w: role %s", rbac.ErrNotFound, a.RoleID)
	}
	if existing, ok := t.state.assignments[a.Key()]; ok {
		return existing, false, nil
	}
	t.state.assignments[a.Key()] = a
	return a, true, nil
}

func (t *memTx) DeleteAssignment(_ context.Context, key rbac.AssignmentKey) (bool, error) {
	if _, ok := t.state.assignments[key]; !ok {
		return false, nil
	}
	delete(t.state.assignments, key)
	return true, nil
}

// compareRoles orders system roles first, then copies of system roles, then
// other custom roles, by name within each group.
func compareRoles(a, b rbac.Role) int {
	rank := func(r rbac.Role) int {
		switch {
		case r.IsSystem:
			return 0
		case r.ParentRoleID != "":
			return 1
		}
		return 2
	}
	return cmp.Or(
		cmp.Compare(rank(a), rank(b)),
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.ID, b.ID),
	)
}

func sortedAssignments(as []rbac.Assignment) []rbac.Assignment {
	slices.SortFunc(as, func(a, b rbac.Assignment) int {
		return cmp.Or(
			cmp.Compare(a.UserID, b.UserID),
			a.GrantedAt.Compare(b.GrantedAt),
			cmp.Compare(a.RoleID, b.RoleID),
			cmp.Compare(a.ScopeRefID, b.ScopeRefID),
		)
	})
	return as
}
