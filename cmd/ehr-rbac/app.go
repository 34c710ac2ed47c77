package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/audit"
	"github.com/nirmitee/ehr-rbac/internal/org"
	"github.com/nirmitee/ehr-rbac/internal/platform/config"
	"github.com/nirmitee/ehr-rbac/internal/platform/database"
	"github.com/nirmitee/ehr-rbac/internal/platform/telemetry"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
	"github.com/nirmitee/ehr-rbac/internal/rbac/rediscache"
	"github.com/nirmitee/ehr-rbac/internal/roles"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	pool    *database.Pool
	redis   *redis.Client
	catalog *rbac.Catalog

	directory org.Directory
	store     roles.Store
	audit     audit.Logger

	registry *prometheus.Registry
	metrics  *rbac.Metrics
}

// newApp loads configuration and connects to the backing stores. Without
// a database URL the role store and directory live in memory, which is
// only useful for local development.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPaths...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	a.catalog, err = loadCatalog(cfg.RBAC)
	if err != nil {
		return nil, err
	}

	if cfg.Database.URL != "" {
		slog.Info("connecting to database")
		a.pool, err = database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.directory = org.NewPostgresDirectory(a.pool)
		a.store = roles.NewPostgresStore(a.pool)
	} else {
		slog.Warn("no database configured, roles and assignments are kept in memory")
		dir := org.NewMemoryDirectory()
		a.directory = dir
		a.store = roles.NewMemoryStore(dir)
	}

	if usesRedis(cfg.RBAC) {
		a.redis, err = rediscache.NewClient(ctx, rediscache.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.close()
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = rbac.NewMetrics(a.registry)
	}

	var auditMetrics *audit.Metrics
	if a.registry != nil {
		auditMetrics = audit.NewMetrics(a.registry)
	}
	a.audit = newAuditLogger(cfg.Audit, a.pool, logger, auditMetrics)
	return a, nil
}

func (a *app) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			slog.Error("closing audit logger", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) migrate() error {
	if a.cfg.Database.URL == "" {
		return fmt.Errorf("database url is not configured")
	}
	migrationsURL := fmt.Sprintf("file://%s", a.cfg.Database.MigrationsPath)
	if err := database.RunMigrations(a.cfg.Database.URL, migrationsURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("migrations complete")
	return nil
}

// cache picks the permission cache backend.
func (a *app) cache() rbac.Cache {
	ttl := time.Duration(a.cfg.RBAC.CacheTTLSecs) * time.Second
	if a.cfg.RBAC.CacheBackend == "redis" && a.redis != nil {
		return rediscache.NewCache(a.redis, ttl)
	}
	return rbac.NewMemoryCache(ttl)
}

func (a *app) seed(ctx context.Context, svc *roles.RoleService) error {
	created, err := svc.SeedSystemRoles(ctx, roles.DefaultSystemRoles())
	if err != nil {
		return fmt.Errorf("seeding system roles: %w", err)
	}
	slog.Info("system roles seeded", "created", len(created))
	return nil
}

func loadCatalog(cfg config.RBACConfig) (*rbac.Catalog, error) {
	if cfg.CatalogPath == "" {
		return rbac.DefaultCatalog(), nil
	}
	c, err := rbac.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading permission catalog: %w", err)
	}
	slog.Info("permission catalog loaded", "path", cfg.CatalogPath, "version", c.Version())
	return c, nil
}

func usesRedis(cfg config.RBACConfig) bool {
	return cfg.CacheBackend == "redis" || cfg.Invalidation == "redis"
}

func newAuditLogger(cfg config.AuditConfig, pool *database.Pool, logger *slog.Logger, m *audit.Metrics) audit.Logger {
	switch cfg.Sink {
	case "none":
		return audit.NopLogger{}
	case "slog":
		return audit.SlogLogger{Logger: telemetry.Component(logger, "audit")}
	}
	if pool == nil {
		slog.Warn("audit sink is postgres but no database is configured, logging audit events instead")
		return audit.SlogLogger{Logger: telemetry.Component(logger, "audit")}
	}
	return audit.NewAsyncLogger(audit.NewStore(pool), audit.LoggerConfig{
		BufferSize:    cfg.BufferSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
		Metrics:       m,
	})
}

// gateAudit bridges audit.Logger to rbac.AuditLogger.
type gateAudit struct {
	l audit.Logger
}

func (g gateAudit) Log(ctx context.Context, e rbac.AuditEvent) {
	g.l.Log(ctx, audit.Event{
		OrgID:      e.OrgID,
		ActorID:    e.ActorID,
		Action:     e.Action,
		TargetType: "permission",
		TargetID:   fmt.Sprint(e.Metadata["permission"]),
		Metadata:   e.Metadata,
		Source:     e.Source,
		Timestamp:  time.Now(),
	})
}
