// Package roles manages role definitions and scoped role assignments and
// feeds the permission resolver.
package roles

import (
	"context"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

// ListFilter narrows ListRoles. Scope filters by level when set.
type ListFilter struct {
	ScopeLevel    rbac.ScopeLevel
	IncludeSystem bool
	IncludeCustom bool
	ActiveOnly    bool
}

// DefaultListFilter lists every role visible to the organization.
func DefaultListFilter() ListFilter {
	return ListFilter{IncludeSystem: true, IncludeCustom: true}
}

// Store persists roles and assignments. Reads run outside a transaction;
// every mutation runs inside WithTx so a failure leaves no partial state.
type Store interface {
	rbac.GrantSource

	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetRole returns rbac.ErrNotFound for unknown ids.
	GetRole(ctx context.Context, id string) (*rbac.Role, error)
	// ListRoles returns system roles first, then copies of system roles,
	// then other custom roles, each group ordered by name.
	ListRoles(ctx context.Context, orgID string, f ListFilter) ([]rbac.Role, error)
	// ListAssignmentsForUser returns bindings that have not expired at now.
	ListAssignmentsForUser(ctx context.Context, userID string, now time.Time) ([]rbac.Assignment, error)
	ListAssignmentsForRole(ctx context.Context, roleID string) ([]rbac.Assignment, error)
	// DeleteOrphanedAssignments removes bindings whose scope reference no
	// longer exists and returns them.
	DeleteOrphanedAssignments(ctx context.Context) ([]rbac.Assignment, error)
}

// Tx is the transactional view of a Store.
type Tx interface {
	// GetRole locks the role for the rest of the transaction.
	GetRole(ctx context.Context, id string) (*rbac.Role, error)
	FindSystemRole(ctx context.Context, name string) (*rbac.Role, error)
	InsertRole(ctx context.Context, role *rbac.Role) error
	UpdateRole(ctx context.Context, role *rbac.Role) error
	DeleteRole(ctx context.Context, id string) error

	// AssignedUsers returns the distinct users holding roleID, counting only
	// bindings that have not expired at now when activeOnly is set.
	AssignedUsers(ctx context.Context, roleID string, activeOnly bool, now time.Time) ([]string, error)
	DeleteAssignmentsForRole(ctx context.Context, roleID string) ([]string, error)
	// InsertAssignment is a no-op on an existing (user, role, scope ref)
	// triple; it returns the stored binding and whether it was created.
	InsertAssignment(ctx context.Context, a rbac.Assignment) (rbac.Assignment, bool, error)
	DeleteAssignment(ctx context.Context, key rbac.AssignmentKey) (bool, error)
}
