package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nirmitee/ehr-rbac/internal/auth"
)

const ActionAccessDenied = "access.denied"

// GateOption configures the Gate.
type GateOption func(*Gate)

// WithAuditLogger attaches an audit logger to log denials.
func WithAuditLogger(logger AuditLogger) GateOption {
	return func(g *Gate) {
		g.audit = logger
	}
}

// WithGateMetrics records decisions and backend failures.
func WithGateMetrics(m *Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = m
	}
}

// Gate answers "may this caller perform this action here" for each request.
type Gate struct {
	resolver PermissionResolver
	catalog  *Catalog
	audit    AuditLogger
	metrics  *Metrics
}

func NewGate(resolver PermissionResolver, catalog *Catalog, opts ...GateOption) *Gate {
	g := &Gate{resolver: resolver, catalog: catalog}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check reports whether set satisfies key. Unknown and malformed keys never
// pass.
func (g *Gate) Check(set PermissionSet, key string) bool {
	p, err := g.catalog.ParseRequired(key)
	if err != nil {
		return false
	}
	return HasPermission(set, p)
}

// CheckAny reports whether set satisfies at least one of keys. Unknown and
// malformed keys count as not held.
func (g *Gate) CheckAny(set PermissionSet, keys []string) bool {
	required := make([]Permission, 0, len(keys))
	for _, key := range keys {
		if p, err := g.catalog.ParseRequired(key); err == nil {
			required = append(required, p)
		}
	}
	return HasAnyPermission(set, required...)
}

// CheckAll reports whether set satisfies every key. A single unknown or
// malformed key fails the whole check, as does an empty list.
func (g *Gate) CheckAll(set PermissionSet, keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	required := make([]Permission, 0, len(keys))
	for _, key := range keys {
		p, err := g.catalog.ParseRequired(key)
		if err != nil {
			return false
		}
		required = append(required, p)
	}
	return HasAllPermissions(set, required...)
}

// Authorize resolves the identity's effective set and checks key against
// it. A non-nil error means the decision could not be made; callers must
// treat it as a denial.
func (g *Gate) Authorize(ctx context.Context, identity *auth.Identity, key string) (*Decision, error) {
	p, err := g.catalog.ParseRequired(key)
	if err != nil {
		return &Decision{Reason: "unknown permission", Missing: key}, nil
	}
	set, err := g.resolver.Resolve(ctx, identity.UserID, ScopeFromIdentity(identity))
	if errors.Is(err, ErrValidation) {
		return &Decision{Reason: "invalid session scope", Missing: key}, nil
	}
	if err != nil {
		return nil, err
	}
	if !HasPermission(set, p) {
		return &Decision{Reason: "missing permission", Missing: key}, nil
	}
	return &Decision{Allowed: true}, nil
}

// ScopeFromIdentity derives the request's scope context from the session.
func ScopeFromIdentity(identity *auth.Identity) ScopeContext {
	return ScopeContext{
		OrgID:        identity.OrgID,
		LocationID:   identity.LocationID,
		DepartmentID: identity.DepartmentID,
	}
}

// RequirePermission returns middleware that lets the request through only
// if the authenticated user holds key in the request's scope. The effective
// set is stored in the request context for the handler.
func (g *Gate) RequirePermission(key string) func(http.Handler) http.Handler {
	required, parseErr := g.catalog.ParseRequired(key)
	if parseErr != nil {
		slog.Error("route guarded by invalid permission, all requests will be denied", "permission", key, "error", parseErr)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.GetIdentity(r.Context())
			if identity == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}

			if parseErr != nil {
				g.deny(w, r, identity, key, "unknown permission")
				return
			}

			set, ok := g.resolve(w, r, identity, key)
			if !ok {
				return
			}

			if !HasPermission(set, required) {
				g.deny(w, r, identity, key, "missing permission")
				return
			}

			g.metrics.decision(true)
			next.ServeHTTP(w, r.WithContext(WithPermissions(r.Context(), set)))
		})
	}
}

// RequireAuthenticated resolves the caller's effective set without
// requiring any particular key.
func (g *Gate) RequireAuthenticated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.GetIdentity(r.Context())
			if identity == nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}
			set, ok := g.resolve(w, r, identity, "")
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPermissions(r.Context(), set)))
		})
	}
}

// resolve loads the caller's effective set. A session the resolver rejects
// as malformed is denied; any other failure fails closed with 503.
func (g *Gate) resolve(w http.ResponseWriter, r *http.Request, identity *auth.Identity, key string) (PermissionSet, bool) {
	set, err := g.resolver.Resolve(r.Context(), identity.UserID, ScopeFromIdentity(identity))
	if errors.Is(err, ErrValidation) {
		slog.Warn("session has no usable scope", "user_id", identity.UserID, "path", r.URL.Path, "error", err)
		g.deny(w, r, identity, key, "invalid session scope")
		return nil, false
	}
	if err != nil {
		g.metrics.decision(false)
		g.metrics.backendFailure()
		slog.Error("authorization backend unavailable",
			"user_id", identity.UserID,
			"org_id", identity.OrgID,
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "authorization unavailable"})
		return nil, false
	}
	return set, true
}

func (g *Gate) deny(w http.ResponseWriter, r *http.Request, identity *auth.Identity, key, reason string) {
	g.metrics.decision(false)
	if g.audit != nil {
		g.audit.Log(r.Context(), AuditEvent{
			OrgID:   identity.OrgID,
			ActorID: identity.UserID,
			Action:  ActionAccessDenied,
			Metadata: map[string]any{
				"permission":    key,
				"reason":        reason,
				"method":        r.Method,
				"path":          r.URL.Path,
				"location_id":   identity.LocationID,
				"department_id": identity.DepartmentID,
			},
			Source: "api",
		})
	}
	body := map[string]string{"error": "forbidden"}
	if key != "" {
		body["missing_permission"] = key
	}
	writeJSON(w, http.StatusForbidden, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
