package rbac

import (
	"slices"
	"time"
)

// Role is a named, fully materialized permission set at a scope level.
// System roles have no OrgID and are immutable. ParentRoleID records the
// system role a copy was taken from; it is provenance only and never
// consulted during resolution.
type Role struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	ScopeLevel   ScopeLevel   `json:"scope_level"`
	OrgID        string       `json:"org_id,omitempty"`
	IsSystem     bool         `json:"is_system"`
	ParentRoleID string       `json:"parent_role_id,omitempty"`
	Permissions  []Permission `json:"permissions"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// VisibleTo reports whether orgID may read the role.
func (r *Role) VisibleTo(orgID string) bool {
	return r.IsSystem || (r.OrgID != "" && r.OrgID == orgID)
}

// Clone returns a deep copy.
func (r Role) Clone() Role {
	r.Permissions = slices.Clone(r.Permissions)
	return r
}

func (r *Role) PermissionSet() PermissionSet {
	return NewPermissionSet(r.Permissions...)
}

// Assignment binds a user to a role at a scope reference. ScopeRefID is
// empty for platform-scoped roles.
type Assignment struct {
	UserID     string     `json:"user_id"`
	RoleID     string     `json:"role_id"`
	ScopeRefID string     `json:"scope_ref_id,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
	GrantedBy  string     `json:"granted_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// AssignmentKey is the identity of a binding.
type AssignmentKey struct {
	UserID     string
	RoleID     string
	ScopeRefID string
}

func (a Assignment) Key() AssignmentKey {
	return AssignmentKey{UserID: a.UserID, RoleID: a.RoleID, ScopeRefID: a.ScopeRefID}
}

// ActiveAt reports whether the binding has not expired at t.
func (a Assignment) ActiveAt(t time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(t)
}

// Grant is an assignment joined with its role and the hierarchy path of its
// scope reference: everything resolution needs, loaded in one read.
type Grant struct {
	Assignment Assignment
	Role       Role
	Scope      ScopeRef
}
