package roles

import (
	"context"
	"log/slog"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/audit"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

// DefaultReconcileInterval is how often orphaned assignments are swept.
const DefaultReconcileInterval = 5 * time.Minute

// Reconciler removes assignments whose scope reference was deleted from the
// organization hierarchy. It runs out of band and never blocks checks.
type Reconciler struct {
	store    Store
	interval time.Duration
	opts     options
}

func NewReconciler(store Store, interval time.Duration, opts ...Option) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	o := buildOptions(opts)
	o.source = audit.SourceSystem
	return &Reconciler{store: store, interval: interval, opts: o}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	slog.Info("assignment reconciler started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("assignment reconciler stopped")
			return nil
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				slog.Error("assignment reconciliation failed", "error", err)
			}
		}
	}
}

// ReconcileOnce deletes orphaned assignments, invalidates their users and
// returns what was removed.
func (r *Reconciler) ReconcileOnce(ctx context.Context) ([]rbac.Assignment, error) {
	removed, err := r.store.DeleteOrphanedAssignments(ctx)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return removed, nil
	}

	users := make([]string, 0, len(removed))
	for _, a := range removed {
		users = append(users, a.UserID)
		r.opts.record(ctx, Actor{}, audit.ActionUserRoleOrphanRemoved, audit.TargetUserRole, a.UserID, a, nil,
			map[string]any{"role_id": a.RoleID, "scope_ref_id": a.ScopeRefID})
	}
	r.opts.publish(ctx, rbac.ForUsers("orphaned assignments removed", users...))

	slog.Info("removed orphaned assignments", "count", len(removed))
	return removed, nil
}
