package roles

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/auth"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

// PlatformPermission marks callers allowed to act across organizations and
// to manage platform-scoped bindings.
const PlatformPermission = "platform:manage"

// Handler serves the role and assignment management API.
type Handler struct {
	roles       *RoleService
	assignments *AssignmentService
	resolver    rbac.PermissionResolver
	catalog     *rbac.Catalog
	gate        *rbac.Gate
}

func NewHandler(roles *RoleService, assignments *AssignmentService, resolver rbac.PermissionResolver, catalog *rbac.Catalog, gate *rbac.Gate) *Handler {
	return &Handler{roles: roles, assignments: assignments, resolver: resolver, catalog: catalog, gate: gate}
}

// HandleCatalog returns the permission matrix.
// GET /api/v1/permissions/catalog
func (h *Handler) HandleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   h.catalog.Version(),
		"resources": h.catalog.Matrix(),
	})
}

// HandleMyPermissions returns the caller's effective set in the session's
// scope.
// GET /api/v1/me/permissions
func (h *Handler) HandleMyPermissions(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentity(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}
	set, _ := rbac.PermissionsFromContext(r.Context())
	if set == nil {
		set = rbac.NewPermissionSet()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     identity.UserID,
		"scope":       rbac.ScopeFromIdentity(identity),
		"permissions": set,
	})
}

type checkRequest struct {
	Permission  string   `json:"permission"`
	Permissions []string `json:"permissions"`
	RequireAll  bool     `json:"require_all"`
}

// HandleCheckPermission reports whether the caller holds a key, or any (or
// every, with require_all) of a list of keys, in the session's scope.
// POST /api/v1/permissions/check
func (h *Handler) HandleCheckPermission(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	keys := req.Permissions
	if len(keys) == 0 && req.Permission != "" {
		keys = []string{req.Permission}
	}
	if len(keys) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "permission or permissions is required"})
		return
	}

	set, _ := rbac.PermissionsFromContext(r.Context())
	var held bool
	if req.RequireAll {
		held = h.gate.CheckAll(set, keys)
	} else {
		held = h.gate.CheckAny(set, keys)
	}
	missing := []string{}
	for _, key := range keys {
		if !h.gate.Check(set, key) {
			missing = append(missing, key)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_permission": held,
		"missing":        missing,
	})
}

// HandleUserPermissions returns a user's effective set within the caller's
// organization, optionally narrowed to a location and department.
// GET /api/v1/users/{id}/permissions?location_id=&department_id=
func (h *Handler) HandleUserPermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	scope := rbac.ScopeContext{
		OrgID:        actor.OrgID,
		LocationID:   q.Get("location_id"),
		DepartmentID: q.Get("department_id"),
	}
	if scope.DepartmentID != "" && scope.LocationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "department_id requires location_id"})
		return
	}

	userID := r.PathValue("id")
	set, err := h.resolver.Resolve(r.Context(), userID, scope)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"scope":       scope,
		"permissions": set,
	})
}

// HandleCreateRole creates a custom role in the caller's organization.
// POST /api/v1/roles
func (h *Handler) HandleCreateRole(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var in RoleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	role, err := h.roles.CreateRole(r.Context(), actor, actor.OrgID, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

// HandleListRoles lists the roles visible to the caller's organization.
// GET /api/v1/roles?scope_level=&include_system=&include_custom=&active_only=
func (h *Handler) HandleListRoles(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := DefaultListFilter()
	if v := q.Get("scope_level"); v != "" {
		level, err := rbac.ParseScopeLevel(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid scope_level"})
			return
		}
		f.ScopeLevel = level
	}
	for name, dst := range map[string]*bool{
		"include_system": &f.IncludeSystem,
		"include_custom": &f.IncludeCustom,
		"active_only":    &f.ActiveOnly,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
			return
		}
		*dst = b
	}

	roles, err := h.roles.ListRoles(r.Context(), actor.OrgID, f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

// HandleGetRole returns one role.
// GET /api/v1/roles/{id}
func (h *Handler) HandleGetRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	role, err := h.roles.GetRole(r.Context(), r.PathValue("id"), actor.OrgID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// HandleUpdateRole applies a partial update to a custom role.
// PATCH /api/v1/roles/{id}
func (h *Handler) HandleUpdateRole(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var patch RolePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	role, err := h.roles.UpdateRole(r.Context(), actor, r.PathValue("id"), actor.OrgID, patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// HandleDeleteRole deletes a custom role.
// DELETE /api/v1/roles/{id}?force=true
func (h *Handler) HandleDeleteRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		var err error
		if force, err = strconv.ParseBool(v); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid force"})
			return
		}
	}

	if err := h.roles.DeleteRole(r.Context(), actor, r.PathValue("id"), actor.OrgID, force); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCopyRole copies a system role into an organization, the caller's
// unless org_id names another and the caller is a platform administrator.
// POST /api/v1/roles/{id}/copy
func (h *Handler) HandleCopyRole(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req struct {
		OrgID string `json:"org_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	role, err := h.roles.CopyRole(r.Context(), actor, r.PathValue("id"), req.OrgID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

type assignmentRequest struct {
	RoleID     string     `json:"role_id"`
	ScopeRefID string     `json:"scope_ref_id"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// HandleAssign binds the user to a role. Returns 201 when a binding was
// created and 200 when it already existed.
// POST /api/v1/users/{id}/roles
func (h *Handler) HandleAssign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req assignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.RoleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role_id is required"})
		return
	}

	a, created, err := h.assignments.Assign(r.Context(), actor, r.PathValue("id"), req.RoleID, req.ScopeRefID,
		AssignOptions{ExpiresAt: req.ExpiresAt})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, a)
}

// HandleRevoke removes a binding. Revoking a binding that does not exist
// succeeds.
// DELETE /api/v1/users/{id}/roles
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req assignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.RoleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role_id is required"})
		return
	}

	if _, err := h.assignments.Revoke(r.Context(), actor, r.PathValue("id"), req.RoleID, req.ScopeRefID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListUserRoles lists the user's live bindings within the caller's
// organization.
// GET /api/v1/users/{id}/roles
func (h *Handler) HandleListUserRoles(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	out, err := h.assignments.ListVisibleForUser(r.Context(), r.PathValue("id"), actor.OrgID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	identity := auth.GetIdentity(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return Actor{}, false
	}
	if identity.OrgID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "organization context required"})
		return Actor{}, false
	}
	actor := Actor{UserID: identity.UserID, OrgID: identity.OrgID}
	if set, ok := rbac.PermissionsFromContext(r.Context()); ok && h.gate != nil {
		actor.Platform = h.gate.Check(set, PlatformPermission)
	}
	return actor, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rbac.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, rbac.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, rbac.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, rbac.ErrInvalidScope):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, rbac.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("role management request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": rbac.ErrInternal.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
