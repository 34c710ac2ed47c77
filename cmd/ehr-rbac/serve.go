package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/auth"
	"github.com/nirmitee/ehr-rbac/internal/platform/server"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
	"github.com/nirmitee/ehr-rbac/internal/rbac/rediscache"
	"github.com/nirmitee/ehr-rbac/internal/roles"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the orphan reconciler and the invalidation subscriber",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, root, skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")
	return cmd
}

func serve(ctx context.Context, root *rootOptions, skipMigrations bool) error {
	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	slog.Info("ehr-rbac starting",
		"port", cfg.Server.Port,
		"catalog_version", a.catalog.Version(),
		"cache", cfg.RBAC.CacheBackend,
		"invalidation", cfg.RBAC.Invalidation,
	)

	if a.pool != nil && !skipMigrations {
		if err := a.migrate(); err != nil {
			return err
		}
	}

	resolver := rbac.NewResolver(a.store,
		rbac.WithCache(a.cache()),
		rbac.WithMetrics(a.metrics),
	)
	hub := roles.NewHub(resolver, cfg.Server.AllowedOrigins())

	// Local resolver first so the hub pushes freshly resolved sets.
	local := rbac.Invalidators{resolver, hub}
	fanout := local
	var bus *rediscache.Bus
	if cfg.RBAC.Invalidation == "redis" && a.redis != nil {
		bus = rediscache.NewBus(a.redis, cfg.Redis.Channel)
		fanout = rbac.Invalidators{resolver, bus, hub}
	}

	opts := []roles.Option{
		roles.WithInvalidator(fanout),
		roles.WithAuditLogger(a.audit),
	}
	roleSvc := roles.NewRoleService(a.store, a.catalog, a.directory, opts...)
	assignSvc := roles.NewAssignmentService(a.store, a.directory, opts...)

	if cfg.RBAC.SeedSystemRoles {
		if err := a.seed(ctx, roleSvc); err != nil {
			return err
		}
	}

	gate := rbac.NewGate(resolver, a.catalog,
		rbac.WithAuditLogger(gateAudit{l: a.audit}),
		rbac.WithGateMetrics(a.metrics),
	)

	var devIdentity *auth.Identity
	if cfg.Auth.DevMode {
		slog.Warn("running in dev mode, authentication bypassed with 'Bearer dev'")
		devIdentity = &auth.Identity{
			UserID: "dev-user",
			OrgID:  cfg.Auth.DevOrgID,
		}
	}

	deps := server.Dependencies{
		Pool:               a.pool,
		Auth:               auth.NewTokenService(cfg.Auth.JWT.SigningKey, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.ExpiryHours, cfg.Auth.JWT.ExpiryHours),
		Gate:               gate,
		RoleHandler:        roles.NewHandler(roleSvc, assignSvc, resolver, a.catalog, gate),
		Hub:                hub,
		DevMode:            cfg.Auth.DevMode,
		DevIdentity:        devIdentity,
		Logger:             a.logger,
		CORSAllowedOrigins: cfg.Server.AllowedOrigins(),
	}
	if a.registry != nil {
		deps.Metrics = a.registry
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, deps)

	reconciler := roles.NewReconciler(a.store,
		time.Duration(cfg.RBAC.ReconcileIntervalSecs)*time.Second,
		roles.WithInvalidator(fanout),
		roles.WithAuditLogger(a.audit),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		return reconciler.Run(ctx)
	})
	if bus != nil {
		g.Go(func() error {
			return bus.Run(ctx, local)
		})
	}

	slog.Info("server ready", "addr", addr, "dev_mode", cfg.Auth.DevMode)
	return g.Wait()
}
