package main

import (
	"fmt"

	"github.com/nirmitee/ehr-rbac/internal/audit"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
	"github.com/nirmitee/ehr-rbac/internal/rbac/rediscache"
	"github.com/nirmitee/ehr-rbac/internal/roles"
	"github.com/spf13/cobra"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()
			return a.migrate()
		},
	}
}

func newSeedCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the built-in system roles that do not exist yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.close()

			svc := roles.NewRoleService(a.store, a.catalog, a.directory,
				roles.WithAuditLogger(a.audit),
				roles.WithSource(audit.SourceCLI),
			)
			return a.seed(cmd.Context(), svc)
		},
	}
}

func newReconcileCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Remove role assignments whose organization, location or department no longer exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.close()

			// Running instances only learn about the removals over the bus.
			var inv rbac.Invalidator = rbac.Invalidators{}
			if a.cfg.RBAC.Invalidation == "redis" && a.redis != nil {
				inv = rediscache.NewBus(a.redis, a.cfg.Redis.Channel)
			}

			removed, err := roles.NewReconciler(a.store, 0,
				roles.WithInvalidator(inv),
				roles.WithAuditLogger(a.audit),
			).ReconcileOnce(ctx)
			if err != nil {
				return fmt.Errorf("reconciling assignments: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned assignment(s)\n", len(removed))
			return nil
		},
	}
}
