package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nirmitee/ehr-rbac/internal/auth"
	"github.com/nirmitee/ehr-rbac/internal/org"
	"github.com/nirmitee/ehr-rbac/internal/platform/server"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
	"github.com/nirmitee/ehr-rbac/internal/roles"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_HealthCheck(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	err := json.Unmarshal(w.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ReadinessCheck_NoDB(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_NotFound(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StartStop(t *testing.T) {
	srv := server.New("127.0.0.1:0", server.Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Give server time to start, then cancel
	cancel()

	err := <-errCh
	assert.NoError(t, err)
}

type testEnv struct {
	srv         *server.Server
	tokens      *auth.TokenService
	assignments *roles.AssignmentService
	orgID       string
	reader      rbac.Role
	manager     rbac.Role
	bootstrap   roles.Actor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	dir := org.NewMemoryDirectory()
	o, err := dir.CreateOrganization(ctx, "St. Mary's")
	require.NoError(t, err)

	store := roles.NewMemoryStore(dir)
	catalog := rbac.DefaultCatalog()
	reg := prometheus.NewRegistry()
	metrics := rbac.NewMetrics(reg)
	resolver := rbac.NewResolver(store, rbac.WithMetrics(metrics))
	gate := rbac.NewGate(resolver, catalog, rbac.WithGateMetrics(metrics))

	opts := []roles.Option{roles.WithInvalidator(resolver)}
	roleSvc := roles.NewRoleService(store, catalog, dir, opts...)
	assignSvc := roles.NewAssignmentService(store, dir, opts...)

	seeded, err := roleSvc.SeedSystemRoles(ctx, []roles.SystemRoleDef{
		{Name: "Role Reader", ScopeLevel: "organization", Permissions: []string{"roles:read"}},
		{Name: "Role Manager", ScopeLevel: "organization", Permissions: []string{"roles:*"}},
	})
	require.NoError(t, err)
	require.Len(t, seeded, 2)

	tokens := auth.NewTokenService("test-signing-key-must-be-32-chars!!", "ehr-rbac", 24, 168)
	srv := server.New(":0", server.Dependencies{
		Auth:        tokens,
		Gate:        gate,
		RoleHandler: roles.NewHandler(roleSvc, assignSvc, resolver, catalog, gate),
		Hub:         roles.NewHub(resolver, nil),
		Metrics:     reg,
	})

	return &testEnv{
		srv:         srv,
		tokens:      tokens,
		assignments: assignSvc,
		orgID:       o.ID,
		reader:      seeded[0],
		manager:     seeded[1],
		bootstrap:   roles.Actor{UserID: "bootstrap", OrgID: o.ID},
	}
}

func (e *testEnv) grant(t *testing.T, userID string, role rbac.Role) {
	t.Helper()
	_, _, err := e.assignments.Assign(context.Background(), e.bootstrap, userID, role.ID, e.orgID, roles.AssignOptions{})
	require.NoError(t, err)
}

func (e *testEnv) request(t *testing.T, userID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if userID != "" {
		token, err := e.tokens.CreateAccessToken(&auth.Identity{UserID: userID, OrgID: e.orgID})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Roles_WithPermission(t *testing.T) {
	e := newTestEnv(t)
	e.grant(t, "reader-1", e.reader)

	w := e.request(t, "reader-1", http.MethodGet, "/api/v1/roles", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.request(t, "reader-1", http.MethodGet, "/api/v1/permissions/catalog", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_Roles_WithoutPermission(t *testing.T) {
	e := newTestEnv(t)
	e.grant(t, "reader-1", e.reader)

	w := e.request(t, "reader-1", http.MethodPost, "/api/v1/roles",
		`{"name":"Scheduler","scope_level":"organization","permissions":["appointments:read"]}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "roles:manage", body["missing_permission"])
}

func TestServer_Roles_NoToken(t *testing.T) {
	e := newTestEnv(t)

	w := e.request(t, "", http.MethodGet, "/api/v1/roles", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_PatchSystemRoleIsForbidden(t *testing.T) {
	e := newTestEnv(t)
	e.grant(t, "admin-1", e.manager)

	w := e.request(t, "admin-1", http.MethodPatch, "/api/v1/roles/"+e.reader.ID, `{"permissions":["roles:*"]}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.request(t, "admin-1", http.MethodGet, "/api/v1/roles/"+e.reader.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var role rbac.Role
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
	assert.Equal(t, []string{"roles:read"}, role.PermissionSet().Strings())
}

func TestServer_RevokeTakesEffectOnNextRequest(t *testing.T) {
	e := newTestEnv(t)
	e.grant(t, "admin-1", e.manager)
	e.grant(t, "reader-1", e.reader)

	w := e.request(t, "reader-1", http.MethodGet, "/api/v1/roles", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = e.request(t, "admin-1", http.MethodDelete, "/api/v1/users/reader-1/roles",
		`{"role_id":"`+e.reader.ID+`","scope_ref_id":"`+e.orgID+`"}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = e.request(t, "reader-1", http.MethodGet, "/api/v1/roles", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_MyPermissions(t *testing.T) {
	e := newTestEnv(t)
	e.grant(t, "reader-1", e.reader)

	w := e.request(t, "reader-1", http.MethodGet, "/api/v1/me/permissions", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"roles:read"}, body.Permissions)

	w = e.request(t, "nobody", http.MethodGet, "/api/v1/me/permissions", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Permissions)
}

func TestServer_Metrics(t *testing.T) {
	e := newTestEnv(t)
	e.grant(t, "reader-1", e.reader)
	e.request(t, "reader-1", http.MethodGet, "/api/v1/roles", "")
	e.request(t, "reader-1", http.MethodDelete, "/api/v1/roles/x", "")

	w := e.request(t, "", http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `ehr_rbac_authorization_decisions_total{result="allowed"} 1`)
	assert.Contains(t, w.Body.String(), `ehr_rbac_authorization_decisions_total{result="denied"} 1`)
}

func TestServer_PermissionQueries(t *testing.T) {
	e := newTestEnv(t)
	e.grant(t, "reader-1", e.reader)
	e.grant(t, "admin-1", e.manager)

	w := e.request(t, "reader-1", http.MethodPost, "/api/v1/permissions/check",
		`{"permissions":["roles:read","roles:manage"],"require_all":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var check struct {
		HasPermission bool     `json:"has_permission"`
		Missing       []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.False(t, check.HasPermission)
	assert.Equal(t, []string{"roles:manage"}, check.Missing)

	w = e.request(t, "reader-1", http.MethodGet, "/api/v1/users/admin-1/permissions", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var perms struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &perms))
	assert.Equal(t, []string{"roles:*"}, perms.Permissions)

	// Looking up another user's permissions needs roles:read.
	w = e.request(t, "nobody", http.MethodGet, "/api/v1/users/admin-1/permissions", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
