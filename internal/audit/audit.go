package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event represents a single auditable change to roles or assignments, or a
// denied access attempt.
type Event struct {
	OrgID      string
	ActorID    string // empty for system events
	Action     string // e.g. "role.updated", "user_role.assigned", "access.denied"
	TargetType string // "role", "user_role"
	TargetID   string
	Before     any
	After      any
	Metadata   map[string]any
	Source     string // "api", "system", "cli"
	Timestamp  time.Time
}

const (
	ActionRoleCreated = "role.created"
	ActionRoleUpdated = "role.updated"
	ActionRoleDeleted = "role.deleted"
	ActionRoleCopied  = "role.copied"
	ActionRoleSeeded  = "role.seeded"

	ActionUserRoleAssigned      = "user_role.assigned"
	ActionUserRoleRevoked       = "user_role.revoked"
	ActionUserRoleOrphanRemoved = "user_role.orphan_removed"

	ActionAccessDenied = "access.denied"
)

const (
	TargetRole     = "role"
	TargetUserRole = "user_role"
)

const (
	SourceAPI    = "api"
	SourceSystem = "system"
	SourceCLI    = "cli"
)

// Logger is the audit logging interface. Log is fire-and-forget.
type Logger interface {
	Log(ctx context.Context, event Event)
	Close() error
}

// NopLogger is a no-op audit logger for testing and when audit is disabled.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) {}
func (NopLogger) Close() error               { return nil }

// SlogLogger writes events to a structured logger instead of a table.
type SlogLogger struct {
	Logger *slog.Logger
}

func (l SlogLogger) Log(ctx context.Context, e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("action", e.Action),
		slog.String("org_id", e.OrgID),
		slog.String("actor_id", e.ActorID),
		slog.String("target_type", e.TargetType),
		slog.String("target_id", e.TargetID),
		slog.String("source", e.Source),
		slog.Any("metadata", e.Metadata),
	)
}

func (SlogLogger) Close() error { return nil }
