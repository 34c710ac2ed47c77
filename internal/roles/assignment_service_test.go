package roles_test

import (
	"context"
	"testing"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/audit"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
	"github.com/nirmitee/ehr-rbac/internal/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssign_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.assignments.Assign(ctx, f.adminA, "dr-a", f.physician.ID, f.orgA.ID, roles.AssignOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "admin-a", first.GrantedBy)
	assert.Equal(t, f.clock.Now(), first.GrantedAt)

	invalidations := len(f.inv.calls)
	auditCount := len(f.audit.actions())
	f.clock.Advance(time.Minute)

	second, created, err := f.assignments.Assign(ctx, f.adminA, "dr-a", f.physician.ID, f.orgA.ID, roles.AssignOptions{
		ExpiresAt: ptr(f.clock.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	_, assignments := f.store.Snapshot()
	assert.Len(t, assignments, 1)
	assert.Len(t, f.inv.calls, invalidations)
	assert.Len(t, f.audit.actions(), auditCount)
}

func TestAssign_PublishesAndAudits(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.assignments.Assign(context.Background(), f.adminA, "dr-a", f.physician.ID, f.orgA.ID, roles.AssignOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"dr-a"}, f.inv.users())
	e := f.audit.last()
	assert.Equal(t, audit.ActionUserRoleAssigned, e.Action)
	assert.Equal(t, audit.TargetUserRole, e.TargetType)
	assert.Equal(t, "dr-a", e.TargetID)
	assert.Equal(t, f.physician.ID, e.Metadata["role_id"])
}

func TestAssign_CrossOrgLocationIsInvalidScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.customRole(t, f.orgA.ID, "Front Desk", rbac.ScopeLocation, "appointments:*")

	_, _, err := f.assignments.Assign(ctx, f.adminA, "clerk", role.ID, f.locB.ID, roles.AssignOptions{})
	require.ErrorIs(t, err, rbac.ErrInvalidScope)

	_, assignments := f.store.Snapshot()
	assert.Empty(t, assignments)
	assert.Empty(t, f.inv.calls)
}

func TestAssign_ScopeValidation(t *testing.T) {
	f := newFixture(t)
	locRole := f.customRole(t, f.orgA.ID, "Loc", rbac.ScopeLocation, "patients:read")
	deptRole := f.customRole(t, f.orgA.ID, "Dept", rbac.ScopeDepartment, "patients:read")

	tests := []struct {
		name  string
		role  string
		scope string
	}{
		{"missing ref", locRole.ID, ""},
		{"unknown ref", locRole.ID, "no-such-location"},
		{"level mismatch", locRole.ID, f.deptA.ID},
		{"org ref for department role", deptRole.ID, f.orgA.ID},
		{"other org for organization role", f.physician.ID, f.orgB.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.assignments.Assign(context.Background(), f.adminA, "u", tt.role, tt.scope, roles.AssignOptions{})
			require.ErrorIs(t, err, rbac.ErrInvalidScope)
		})
	}

	_, created, err := f.assignments.Assign(context.Background(), f.adminA, "u", deptRole.ID, f.deptA.ID, roles.AssignOptions{})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAssign_PlatformRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.assignments.Assign(ctx, f.adminA, "ops", f.platform.ID, "", roles.AssignOptions{})
	require.ErrorIs(t, err, rbac.ErrPermissionDenied)

	root := roles.Actor{UserID: "root", OrgID: f.orgA.ID, Platform: true}
	_, _, err = f.assignments.Assign(ctx, root, "ops", f.platform.ID, f.orgA.ID, roles.AssignOptions{})
	require.ErrorIs(t, err, rbac.ErrInvalidScope)

	a, created, err := f.assignments.Assign(ctx, root, "ops", f.platform.ID, "", roles.AssignOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, a.ScopeRefID)
}

func TestAssign_RoleChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roleB := f.customRole(t, f.orgB.ID, "B Role", rbac.ScopeOrganization, "patients:read")

	_, _, err := f.assignments.Assign(ctx, f.adminA, "u", roleB.ID, f.orgA.ID, roles.AssignOptions{})
	require.ErrorIs(t, err, rbac.ErrNotFound)

	_, _, err = f.assignments.Assign(ctx, f.adminA, "u", "missing", f.orgA.ID, roles.AssignOptions{})
	require.ErrorIs(t, err, rbac.ErrNotFound)

	_, _, err = f.assignments.Assign(ctx, f.adminA, "u", f.physician.ID, f.orgA.ID, roles.AssignOptions{
		ExpiresAt: ptr(f.clock.Now().Add(-time.Second)),
	})
	require.ErrorIs(t, err, rbac.ErrValidation)

	_, _, err = f.assignments.Assign(ctx, f.adminA, " ", f.physician.ID, f.orgA.ID, roles.AssignOptions{})
	require.ErrorIs(t, err, rbac.ErrValidation)
}

func TestAssign_InactiveRoleGrantsNothingUntilReactivated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.customRole(t, f.orgA.ID, "Seasonal", rbac.ScopeOrganization, "patients:read")
	_, err := f.roles.UpdateRole(ctx, f.adminA, role.ID, f.orgA.ID, roles.RolePatch{Active: ptr(false)})
	require.NoError(t, err)

	_, created, err := f.assignments.Assign(ctx, f.adminA, "u", role.ID, f.orgA.ID, roles.AssignOptions{})
	require.NoError(t, err)
	assert.True(t, created)

	resolver := rbac.NewResolver(f.store, rbac.WithNow(f.clock.Now))
	scope := rbac.ScopeContext{OrgID: f.orgA.ID}
	set, err := resolver.Resolve(ctx, "u", scope)
	require.NoError(t, err)
	assert.Empty(t, set.Strings())

	_, err = f.roles.UpdateRole(ctx, f.adminA, role.ID, f.orgA.ID, roles.RolePatch{Active: ptr(true)})
	require.NoError(t, err)
	require.NoError(t, resolver.Invalidate(ctx, rbac.ForUsers("role updated", "u")))

	set, err = resolver.Resolve(ctx, "u", scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"patients:read"}, set.Strings())
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.assignments.Assign(ctx, f.adminA, "dr-a", f.physician.ID, f.orgA.ID, roles.AssignOptions{})
	require.NoError(t, err)

	removed, err := f.assignments.Revoke(ctx, f.adminA, "dr-a", f.physician.ID, f.orgA.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, audit.ActionUserRoleRevoked, f.audit.last().Action)

	active, err := f.assignments.ListForUser(ctx, "dr-a")
	require.NoError(t, err)
	assert.Empty(t, active)

	auditCount := len(f.audit.actions())
	removed, err = f.assignments.Revoke(ctx, f.adminA, "dr-a", f.physician.ID, f.orgA.ID)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Len(t, f.audit.actions(), auditCount)

	removed, err = f.assignments.Revoke(ctx, f.adminA, "dr-a", "missing", f.orgA.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRevoke_OtherOrgScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adminB := roles.Actor{UserID: "admin-b", OrgID: f.orgB.ID}

	_, _, err := f.assignments.Assign(ctx, adminB, "dr-b", f.physician.ID, f.orgB.ID, roles.AssignOptions{})
	require.NoError(t, err)

	_, err = f.assignments.Revoke(ctx, f.adminA, "dr-b", f.physician.ID, f.orgB.ID)
	require.ErrorIs(t, err, rbac.ErrInvalidScope)

	_, assignments := f.store.Snapshot()
	assert.Len(t, assignments, 1)
}

func TestListForUser_ExcludesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role := f.customRole(t, f.orgA.ID, "Locum", rbac.ScopeLocation, "patients:read")

	_, _, err := f.assignments.Assign(ctx, f.adminA, "u", role.ID, f.locA.ID, roles.AssignOptions{
		ExpiresAt: ptr(f.clock.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	_, _, err = f.assignments.Assign(ctx, f.adminA, "u", f.physician.ID, f.orgA.ID, roles.AssignOptions{})
	require.NoError(t, err)

	active, err := f.assignments.ListForUser(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	f.clock.Advance(2 * time.Hour)
	active, err = f.assignments.ListForUser(ctx, "u")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, f.physician.ID, active[0].RoleID)

	byRole, err := f.assignments.ListForRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Len(t, byRole, 1)
}

func TestListVisibleForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adminB := roles.Actor{UserID: "admin-b", OrgID: f.orgB.ID}

	_, _, err := f.assignments.Assign(ctx, f.adminA, "u", f.physician.ID, f.orgA.ID, roles.AssignOptions{})
	require.NoError(t, err)
	_, _, err = f.assignments.Assign(ctx, adminB, "u", f.physician.ID, f.orgB.ID, roles.AssignOptions{})
	require.NoError(t, err)

	visible, err := f.assignments.ListVisibleForUser(ctx, "u", f.orgA.ID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, f.orgA.ID, visible[0].ScopeRefID)
	assert.Equal(t, "Physician", visible[0].Role.Name)
}

// A Physician bound at org A can update patients and do anything with
// encounters there, but cannot delete patients and holds nothing in org B.
func TestPhysicianScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resolver := rbac.NewResolver(f.store)

	_, _, err := f.assignments.Assign(ctx, f.adminA, "dr-a", f.physician.ID, f.orgA.ID, roles.AssignOptions{})
	require.NoError(t, err)

	set, err := resolver.Resolve(ctx, "dr-a", rbac.ScopeContext{OrgID: f.orgA.ID, LocationID: f.locA.ID})
	require.NoError(t, err)
	assert.True(t, rbac.HasPermission(set, rbac.MustParsePermission("patients:update")))
	assert.True(t, rbac.HasPermission(set, rbac.MustParsePermission("encounters:create")))
	assert.False(t, rbac.HasPermission(set, rbac.MustParsePermission("patients:delete")))

	other, err := resolver.Resolve(ctx, "dr-a", rbac.ScopeContext{OrgID: f.orgB.ID})
	require.NoError(t, err)
	assert.Zero(t, other.Len())
}

func TestResolver_MonotonicOverStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resolver := rbac.NewResolver(f.store, rbac.WithCache(rbac.NewMemoryCache(time.Minute)))
	f.inv.calls = nil

	scope := rbac.ScopeContext{OrgID: f.orgA.ID, LocationID: f.locA.ID, DepartmentID: f.deptA.ID}
	deptRole := f.customRole(t, f.orgA.ID, "Cardio", rbac.ScopeDepartment, "observations:*")

	_, _, err := f.assignments.Assign(ctx, f.adminA, "u", f.physician.ID, f.orgA.ID, roles.AssignOptions{})
	require.NoError(t, err)
	before, err := resolver.Resolve(ctx, "u", scope)
	require.NoError(t, err)

	_, _, err = f.assignments.Assign(ctx, f.adminA, "u", deptRole.ID, f.deptA.ID, roles.AssignOptions{})
	require.NoError(t, err)
	for _, inv := range f.inv.calls {
		require.NoError(t, resolver.Invalidate(ctx, inv))
	}

	after, err := resolver.Resolve(ctx, "u", scope)
	require.NoError(t, err)
	assert.True(t, after.IsSupersetOf(before))
	assert.True(t, rbac.HasPermission(after, rbac.MustParsePermission("observations:read")))
}
