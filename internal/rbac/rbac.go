package rbac

import (
	"context"
)

// Decision represents the result of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Missing is the required key when the check was denied.
	Missing string `json:"missing_permission,omitempty"`
}

// PermissionResolver computes a user's effective permission set within a
// scope context. *Resolver is the production implementation.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID string, scope ScopeContext) (PermissionSet, error)
}

// AuditLogger is the audit interface for gate denials.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent)
}

// AuditEvent captures a denied access attempt.
type AuditEvent struct {
	OrgID    string
	ActorID  string
	Action   string
	Metadata map[string]any
	Source   string
}

type permissionsContextKey struct{}

// WithPermissions stores the caller's effective set in ctx.
func WithPermissions(ctx context.Context, set PermissionSet) context.Context {
	return context.WithValue(ctx, permissionsContextKey{}, set)
}

// PermissionsFromContext returns the effective set stored by the gate.
func PermissionsFromContext(ctx context.Context) (PermissionSet, bool) {
	set, ok := ctx.Value(permissionsContextKey{}).(PermissionSet)
	return set, ok
}
