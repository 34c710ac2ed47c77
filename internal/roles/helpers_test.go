package roles_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/audit"
	"github.com/nirmitee/ehr-rbac/internal/org"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
	"github.com/nirmitee/ehr-rbac/internal/roles"
	"github.com/stretchr/testify/require"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

func (r *recordingAudit) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []rbac.Invalidation
}

func (r *recordingInvalidator) Invalidate(_ context.Context, inv rbac.Invalidation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, inv)
	return nil
}

func (r *recordingInvalidator) users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, inv := range r.calls {
		out = append(out, inv.UserIDs...)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	dir         *org.MemoryDirectory
	store       *roles.MemoryStore
	roles       *roles.RoleService
	assignments *roles.AssignmentService
	audit       *recordingAudit
	inv         *recordingInvalidator
	clock       *clock

	orgA, orgB *org.Organization
	locA, locB *org.Location
	deptA      *org.Department
	physician  rbac.Role
	platform   rbac.Role

	adminA roles.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		dir:   org.NewMemoryDirectory(),
		audit: &recordingAudit{},
		inv:   &recordingInvalidator{},
		clock: &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.store = roles.NewMemoryStore(f.dir)
	opts := []roles.Option{
		roles.WithAuditLogger(f.audit),
		roles.WithInvalidator(f.inv),
		roles.WithClock(f.clock.Now),
	}
	f.roles = roles.NewRoleService(f.store, rbac.DefaultCatalog(), f.dir, opts...)
	f.assignments = roles.NewAssignmentService(f.store, f.dir, opts...)

	var err error
	f.orgA, err = f.dir.CreateOrganization(ctx, "Org A")
	require.NoError(t, err)
	f.orgB, err = f.dir.CreateOrganization(ctx, "Org B")
	require.NoError(t, err)
	f.locA, err = f.dir.CreateLocation(ctx, f.orgA.ID, "A Downtown")
	require.NoError(t, err)
	f.locB, err = f.dir.CreateLocation(ctx, f.orgB.ID, "B Uptown")
	require.NoError(t, err)
	f.deptA, err = f.dir.CreateDepartment(ctx, f.locA.ID, "A Cardiology")
	require.NoError(t, err)

	seeded, err := f.roles.SeedSystemRoles(ctx, []roles.SystemRoleDef{
		{
			Name:        "Physician",
			Description: "Clinical access",
			ScopeLevel:  "organization",
			Permissions: []string{"patients:read", "patients:update", "encounters:*"},
		},
		{
			Name:        "Platform Administrator",
			ScopeLevel:  "platform",
			Permissions: []string{"platform:*"},
		},
	})
	require.NoError(t, err)
	require.Len(t, seeded, 2)
	f.physician, f.platform = seeded[0], seeded[1]

	f.adminA = roles.Actor{UserID: "admin-a", OrgID: f.orgA.ID}
	return f
}

func (f *fixture) customRole(t *testing.T, orgID, name string, level rbac.ScopeLevel, perms ...string) *rbac.Role {
	t.Helper()
	role, err := f.roles.CreateRole(context.Background(), roles.Actor{UserID: "admin", OrgID: orgID}, orgID, roles.RoleInput{
		Name:        name,
		ScopeLevel:  string(level),
		Permissions: perms,
	})
	require.NoError(t, err)
	return role
}
