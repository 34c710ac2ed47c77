package roles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/audit"
	"github.com/nirmitee/ehr-rbac/internal/org"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

// AssignOptions carries optional binding attributes.
type AssignOptions struct {
	ExpiresAt *time.Time
}

// AssignmentService binds users to roles at a scope reference.
type AssignmentService struct {
	store     Store
	directory org.Directory
	opts      options
}

func NewAssignmentService(store Store, directory org.Directory, opts ...Option) *AssignmentService {
	return &AssignmentService{
		store:     store,
		directory: directory,
		opts:      buildOptions(opts),
	}
}

// Assign binds userID to roleID at scopeRefID. Binding an existing
// (user, role, scope ref) triple is a no-op that returns the stored binding
// with created=false.
func (s *AssignmentService) Assign(ctx context.Context, actor Actor, userID, roleID, scopeRefID string, ao AssignOptions) (rbac.Assignment, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return rbac.Assignment{}, false, fmt.Errorf("%w: user id is required", rbac.ErrValidation)
	}
	now := s.opts.now()
	if ao.ExpiresAt != nil && !ao.ExpiresAt.After(now) {
		return rbac.Assignment{}, false, fmt.Errorf("%w: expiry must be in the future", rbac.ErrValidation)
	}

	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return rbac.Assignment{}, false, storeError("assign role", err)
	}
	if !role.VisibleTo(actor.OrgID) {
		return rbac.Assignment{}, false, fmt.Errorf("%w: role %s", rbac.ErrNotFound, roleID)
	}
	if err := s.checkScope(ctx, actor, role, scopeRefID); err != nil {
		return rbac.Assignment{}, false, err
	}

	var (
		stored  rbac.Assignment
		created bool
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		// Re-read under lock so a concurrent delete cannot leave a dangling
		// binding.
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			return err
		}
		var err error
		stored, created, err = tx.InsertAssignment(ctx, rbac.Assignment{
			UserID:     userID,
			RoleID:     roleID,
			ScopeRefID: scopeRefID,
			GrantedAt:  now,
			GrantedBy:  actor.UserID,
			ExpiresAt:  ao.ExpiresAt,
		})
		return err
	})
	if err != nil {
		return rbac.Assignment{}, false, storeError("assign role", err)
	}
	if !created {
		return stored, false, nil
	}

	s.opts.publish(ctx, rbac.ForUsers("role assigned", userID))
	s.opts.record(ctx, actor, audit.ActionUserRoleAssigned, audit.TargetUserRole, userID, nil, stored,
		map[string]any{"role_id": roleID, "role_name": role.Name, "scope_ref_id": scopeRefID})
	return stored, true, nil
}

// checkScope verifies the scope reference matches the role's level and lies
// in the actor's organization.
func (s *AssignmentService) checkScope(ctx context.Context, actor Actor, role *rbac.Role, scopeRefID string) error {
	if role.ScopeLevel == rbac.ScopePlatform {
		if scopeRefID != "" {
			return fmt.Errorf("%w: platform roles take no scope reference", rbac.ErrInvalidScope)
		}
		if !actor.Platform {
			return fmt.Errorf("%w: only platform administrators may grant platform roles", rbac.ErrPermissionDenied)
		}
		return nil
	}

	if scopeRefID == "" {
		return fmt.Errorf("%w: %s role requires a scope reference", rbac.ErrInvalidScope, role.ScopeLevel)
	}
	ref, err := s.directory.Lookup(ctx, scopeRefID)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: scope reference %s does not exist", rbac.ErrInvalidScope, scopeRefID)
		}
		return storeError("look up scope reference", err)
	}
	if ref.Level != role.ScopeLevel {
		return fmt.Errorf("%w: %s role cannot bind to a %s", rbac.ErrInvalidScope, role.ScopeLevel, ref.Level)
	}
	if !ref.WithinOrg(actor.OrgID) {
		return fmt.Errorf("%w: scope reference %s is outside the organization", rbac.ErrInvalidScope, scopeRefID)
	}
	return nil
}

// Revoke removes a binding if present. It reports whether one was removed.
func (s *AssignmentService) Revoke(ctx context.Context, actor Actor, userID, roleID, scopeRefID string) (bool, error) {
	key := rbac.AssignmentKey{UserID: userID, RoleID: roleID, ScopeRefID: scopeRefID}

	role, err := s.store.GetRole(ctx, roleID)
	switch {
	case isNotFound(err):
		return false, nil
	case err != nil:
		return false, storeError("revoke role", err)
	case !role.VisibleTo(actor.OrgID):
		return false, fmt.Errorf("%w: role %s", rbac.ErrNotFound, roleID)
	}
	if role.ScopeLevel == rbac.ScopePlatform && !actor.Platform {
		return false, fmt.Errorf("%w: only platform administrators may revoke platform roles", rbac.ErrPermissionDenied)
	}
	if scopeRefID != "" {
		ref, err := s.directory.Lookup(ctx, scopeRefID)
		switch {
		case isNotFound(err):
			// Orphaned binding; the owning org already lost the target.
		case err != nil:
			return false, storeError("revoke role", err)
		case !ref.WithinOrg(actor.OrgID):
			return false, fmt.Errorf("%w: scope reference %s is outside the organization", rbac.ErrInvalidScope, scopeRefID)
		}
	}

	var removed bool
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		removed, err = tx.DeleteAssignment(ctx, key)
		return err
	})
	if err != nil {
		return false, storeError("revoke role", err)
	}

	s.opts.publish(ctx, rbac.ForUsers("role revoked", userID))
	if removed {
		s.opts.record(ctx, actor, audit.ActionUserRoleRevoked, audit.TargetUserRole, userID, key, nil,
			map[string]any{"role_id": roleID, "role_name": role.Name, "scope_ref_id": scopeRefID})
	}
	return removed, nil
}

// ListForUser returns the user's bindings that have not expired.
func (s *AssignmentService) ListForUser(ctx context.Context, userID string) ([]rbac.Assignment, error) {
	as, err := s.store.ListAssignmentsForUser(ctx, userID, s.opts.now())
	if err != nil {
		return nil, storeError("list user assignments", err)
	}
	return as, nil
}

// ListForRole returns every binding of roleID.
func (s *AssignmentService) ListForRole(ctx context.Context, roleID string) ([]rbac.Assignment, error) {
	as, err := s.store.ListAssignmentsForRole(ctx, roleID)
	if err != nil {
		return nil, storeError("list role assignments", err)
	}
	return as, nil
}

// ListVisibleForUser returns the user's live bindings to roles visible to
// orgID, each with its role.
func (s *AssignmentService) ListVisibleForUser(ctx context.Context, userID, orgID string) ([]UserRole, error) {
	as, err := s.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := []UserRole{}
	for _, a := range as {
		role, err := s.store.GetRole(ctx, a.RoleID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, storeError("list user assignments", err)
		}
		if !role.VisibleTo(orgID) {
			continue
		}
		if a.ScopeRefID != "" {
			ref, err := s.directory.Lookup(ctx, a.ScopeRefID)
			if err != nil || !ref.WithinOrg(orgID) {
				continue
			}
		}
		out = append(out, UserRole{Assignment: a, Role: *role})
	}
	return out, nil
}

// UserRole is a binding with its role, as returned by the management API.
type UserRole struct {
	rbac.Assignment
	Role rbac.Role `json:"role"`
}
