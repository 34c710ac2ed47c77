package roles

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nirmitee/ehr-rbac/internal/audit"
	"github.com/nirmitee/ehr-rbac/internal/org"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

const maxNameLength = 255

// RoleInput describes a role to create.
type RoleInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ScopeLevel  string   `json:"scope_level"`
	Permissions []string `json:"permissions"`
}

// RolePatch is a partial update; nil fields are left unchanged.
type RolePatch struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Permissions *[]string `json:"permissions,omitempty"`
	Active      *bool     `json:"active,omitempty"`
}

// RoleService manages role definitions.
type RoleService struct {
	store     Store
	catalog   *rbac.Catalog
	directory org.Directory
	opts      options
}

func NewRoleService(store Store, catalog *rbac.Catalog, directory org.Directory, opts ...Option) *RoleService {
	return &RoleService{
		store:     store,
		catalog:   catalog,
		directory: directory,
		opts:      buildOptions(opts),
	}
}

// CreateRole creates a custom role owned by orgID.
func (s *RoleService) CreateRole(ctx context.Context, actor Actor, orgID string, in RoleInput) (*rbac.Role, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, fmt.Errorf("%w: organization is required", rbac.ErrValidation)
	}
	name, err := validateRoleName(in.Name)
	if err != nil {
		return nil, err
	}
	level, err := rbac.ParseScopeLevel(in.ScopeLevel)
	if err != nil {
		return nil, err
	}
	if level == rbac.ScopePlatform {
		return nil, fmt.Errorf("%w: custom roles cannot be platform scoped", rbac.ErrValidation)
	}
	perms, err := s.catalog.ParseAll(in.Permissions)
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	role := &rbac.Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		ScopeLevel:  level,
		OrgID:       orgID,
		Permissions: perms,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertRole(ctx, role)
	})
	if err != nil {
		return nil, storeError("create role", err)
	}

	s.opts.record(ctx, actor, audit.ActionRoleCreated, audit.TargetRole, role.ID, nil, role, nil)
	return role, nil
}

// GetRole returns a system role or a role owned by orgID. Roles of other
// organizations are reported as not found.
func (s *RoleService) GetRole(ctx context.Context, id, orgID string) (*rbac.Role, error) {
	role, err := s.store.GetRole(ctx, id)
	if err != nil {
		return nil, storeError("get role", err)
	}
	if !role.VisibleTo(orgID) {
		return nil, fmt.Errorf("%w: role %s", rbac.ErrNotFound, id)
	}
	return role, nil
}

// ListRoles lists the roles visible to orgID.
func (s *RoleService) ListRoles(ctx context.Context, orgID string, f ListFilter) ([]rbac.Role, error) {
	roles, err := s.store.ListRoles(ctx, orgID, f)
	if err != nil {
		return nil, storeError("list roles", err)
	}
	return roles, nil
}

// UpdateRole merges patch into a custom role of orgID and invalidates every
// user holding it.
func (s *RoleService) UpdateRole(ctx context.Context, actor Actor, id, orgID string, patch RolePatch) (*rbac.Role, error) {
	var (
		before, after rbac.Role
		affected      []string
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if err := checkMutable(role, orgID); err != nil {
			return err
		}
		before = role.Clone()

		// The patch is validated only once the role is known to be mutable.
		if patch.Name != nil {
			name, err := validateRoleName(*patch.Name)
			if err != nil {
				return err
			}
			role.Name = name
		}
		if patch.Description != nil {
			role.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.Permissions != nil {
			perms, err := s.catalog.ParseAll(*patch.Permissions)
			if err != nil {
				return err
			}
			role.Permissions = perms
		}
		if patch.Active != nil {
			role.Active = *patch.Active
		}
		role.UpdatedAt = s.opts.now()

		if err := tx.UpdateRole(ctx, role); err != nil {
			return err
		}
		after = role.Clone()

		affected, err = tx.AssignedUsers(ctx, id, false, role.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, storeError("update role", err)
	}

	s.opts.publish(ctx, rbac.ForUsers("role updated", affected...))
	s.opts.record(ctx, actor, audit.ActionRoleUpdated, audit.TargetRole, id, before, after,
		map[string]any{"affected_users": len(affected)})
	return &after, nil
}

// DeleteRole deletes a custom role of orgID. Live assignments block the
// delete unless force is set, in which case they are removed with it.
func (s *RoleService) DeleteRole(ctx context.Context, actor Actor, id, orgID string, force bool) error {
	var (
		before   rbac.Role
		affected []string
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if err := checkMutable(role, orgID); err != nil {
			return err
		}
		before = role.Clone()

		active, err := tx.AssignedUsers(ctx, id, true, s.opts.now())
		if err != nil {
			return err
		}
		if len(active) > 0 && !force {
			return fmt.Errorf("%w: role %s has %d assigned users", rbac.ErrConflict, id, len(active))
		}

		if affected, err = tx.DeleteAssignmentsForRole(ctx, id); err != nil {
			return err
		}
		return tx.DeleteRole(ctx, id)
	})
	if err != nil {
		return storeError("delete role", err)
	}

	s.opts.publish(ctx, rbac.ForUsers("role deleted", affected...))
	s.opts.record(ctx, actor, audit.ActionRoleDeleted, audit.TargetRole, id, before, nil,
		map[string]any{"force": force, "affected_users": len(affected)})
	return nil
}

// CopyRole snapshots a system role into a new custom role of targetOrgID.
// Every call creates a new role; later changes to either side are not
// propagated.
func (s *RoleService) CopyRole(ctx context.Context, actor Actor, systemRoleID, targetOrgID string) (*rbac.Role, error) {
	if targetOrgID == "" {
		targetOrgID = actor.OrgID
	}
	if targetOrgID != actor.OrgID && !actor.Platform {
		return nil, fmt.Errorf("%w: cannot copy into another organization", rbac.ErrPermissionDenied)
	}
	ref, err := s.directory.Lookup(ctx, targetOrgID)
	if err != nil {
		return nil, storeError("copy role", err)
	}
	if ref.Level != rbac.ScopeOrganization {
		return nil, fmt.Errorf("%w: %s is not an organization", rbac.ErrNotFound, targetOrgID)
	}

	var copied rbac.Role
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		src, err := tx.GetRole(ctx, systemRoleID)
		if err != nil {
			return err
		}
		if !src.IsSystem {
			return fmt.Errorf("%w: only system roles can be copied", rbac.ErrValidation)
		}
		if src.ScopeLevel == rbac.ScopePlatform {
			return fmt.Errorf("%w: platform roles cannot be copied into an organization", rbac.ErrValidation)
		}

		now := s.opts.now()
		copied = src.Clone()
		copied.ID = uuid.NewString()
		copied.Name = copyName(src.Name)
		copied.OrgID = targetOrgID
		copied.IsSystem = false
		copied.ParentRoleID = src.ID
		copied.Active = true
		copied.CreatedAt = now
		copied.UpdatedAt = now
		return tx.InsertRole(ctx, &copied)
	})
	if err != nil {
		return nil, storeError("copy role", err)
	}

	s.opts.record(ctx, actor, audit.ActionRoleCopied, audit.TargetRole, copied.ID, nil, copied,
		map[string]any{"source_role_id": systemRoleID})
	return &copied, nil
}

// SeedSystemRoles inserts the definitions that do not exist yet, matched
// by name among system roles. Existing system roles are never modified.
func (s *RoleService) SeedSystemRoles(ctx context.Context, defs []SystemRoleDef) ([]rbac.Role, error) {
	roles := make([]rbac.Role, 0, len(defs))
	for _, def := range defs {
		name, err := validateRoleName(def.Name)
		if err != nil {
			return nil, err
		}
		level, err := rbac.ParseScopeLevel(def.ScopeLevel)
		if err != nil {
			return nil, fmt.Errorf("system role %q: %w", name, err)
		}
		perms, err := s.catalog.ParseAll(def.Permissions)
		if err != nil {
			return nil, fmt.Errorf("system role %q: %w", name, err)
		}
		now := s.opts.now()
		roles = append(roles, rbac.Role{
			ID:          uuid.NewString(),
			Name:        name,
			Description: def.Description,
			ScopeLevel:  level,
			IsSystem:    true,
			Permissions: perms,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	var created []rbac.Role
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		created = created[:0]
		for _, role := range roles {
			_, err := tx.FindSystemRole(ctx, role.Name)
			if err == nil {
				continue
			}
			if !isNotFound(err) {
				return err
			}
			if err := tx.InsertRole(ctx, &role); err != nil {
				return err
			}
			created = append(created, role)
		}
		return nil
	})
	if err != nil {
		return nil, storeError("seed system roles", err)
	}

	for _, role := range created {
		s.opts.record(ctx, Actor{}, audit.ActionRoleSeeded, audit.TargetRole, role.ID, nil, role, nil)
	}
	return created, nil
}

func checkMutable(role *rbac.Role, orgID string) error {
	if role.IsSystem {
		return fmt.Errorf("%w: system role %q is immutable", rbac.ErrPermissionDenied, role.Name)
	}
	if role.OrgID != orgID {
		return fmt.Errorf("%w: role %s belongs to another organization", rbac.ErrPermissionDenied, role.ID)
	}
	return nil
}

func validateRoleName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: role name is required", rbac.ErrValidation)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: role name exceeds %d characters", rbac.ErrValidation, maxNameLength)
	}
	return name, nil
}

func copyName(name string) string {
	const suffix = " (copy)"
	if len(name)+len(suffix) > maxNameLength {
		cut := maxNameLength - len(suffix)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name + suffix
}
