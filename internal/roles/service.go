package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/audit"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

// Actor is the caller of a mutation. Platform actors may manage
// platform-scoped bindings.
type Actor struct {
	UserID   string
	OrgID    string
	Platform bool
}

// Option configures RoleService and AssignmentService.
type Option func(*options)

type options struct {
	invalidator rbac.Invalidator
	audit       audit.Logger
	now         func() time.Time
	source      string
}

// WithInvalidator sets the sink notified after every committed mutation.
func WithInvalidator(inv rbac.Invalidator) Option {
	return func(o *options) { o.invalidator = inv }
}

// WithAuditLogger sets the audit sink.
func WithAuditLogger(l audit.Logger) Option {
	return func(o *options) { o.audit = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSource sets the audit source recorded on events, audit.SourceAPI by
// default.
func WithSource(source string) Option {
	return func(o *options) { o.source = source }
}

func buildOptions(opts []Option) options {
	o := options{
		audit:  audit.NopLogger{},
		now:    time.Now,
		source: audit.SourceAPI,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// publish notifies the invalidation sinks. It runs after commit, so a
// failure is logged and the cache TTL bounds the staleness.
func (o *options) publish(ctx context.Context, inv rbac.Invalidation) {
	if o.invalidator == nil || inv.Empty() {
		return
	}
	if err := o.invalidator.Invalidate(context.WithoutCancel(ctx), inv); err != nil {
		slog.Warn("publishing permission invalidation failed",
			"reason", inv.Reason,
			"users", len(inv.UserIDs),
			"error", err,
		)
	}
}

func (o *options) record(ctx context.Context, actor Actor, action, targetType, targetID string, before, after any, metadata map[string]any) {
	o.audit.Log(ctx, audit.Event{
		OrgID:      actor.OrgID,
		ActorID:    actor.UserID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Before:     before,
		After:      after,
		Metadata:   metadata,
		Source:     o.source,
		Timestamp:  o.now(),
	})
}

var domainErrors = []error{
	rbac.ErrValidation,
	rbac.ErrNotFound,
	rbac.ErrPermissionDenied,
	rbac.ErrInvalidScope,
	rbac.ErrConflict,
}

// storeError passes domain errors through and hides everything else
// behind rbac.ErrInternal after logging the cause.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	slog.Error("role store operation failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w", op, rbac.ErrInternal)
}

func isNotFound(err error) bool {
	return errors.Is(err, rbac.ErrNotFound)
}
