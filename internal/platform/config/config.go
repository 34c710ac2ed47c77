package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "EHR_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Auth     AuthConfig     `koanf:"auth"`
	RBAC     RBACConfig     `koanf:"rbac"`
	Redis    RedisConfig    `koanf:"redis"`
	Audit    AuditConfig    `koanf:"audit"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type ServerConfig struct {
	Host               string `koanf:"host"`
	Port               int    `koanf:"port"`
	CORSAllowedOrigins string `koanf:"cors_allowed_origins"`
}

// AllowedOrigins splits the comma-separated origin list.
func (c ServerConfig) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MigrationsPath string `koanf:"migrations_path"`
	MaxConns       int    `koanf:"max_conns"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuthConfig struct {
	DevMode bool `koanf:"devmode"`
	// DevOrgID is the organization of the "Bearer dev" identity.
	DevOrgID string    `koanf:"devorgid"`
	JWT      JWTConfig `koanf:"jwt"`
}

type JWTConfig struct {
	SigningKey  string `koanf:"signingkey"`
	Issuer      string `koanf:"issuer"`
	ExpiryHours int    `koanf:"expiryhours"`
}

type RBACConfig struct {
	// CacheBackend is "memory" or "redis".
	CacheBackend string `koanf:"cache_backend"`
	CacheTTLSecs int    `koanf:"cache_ttl_secs"`
	CatalogPath  string `koanf:"catalog_path"`
	// Invalidation is "local" or "redis". With "redis" every instance
	// receives every invalidation over pub/sub.
	Invalidation          string `koanf:"invalidation"`
	ReconcileIntervalSecs int    `koanf:"reconcile_interval_secs"`
	SeedSystemRoles       bool   `koanf:"seed_system_roles"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Channel  string `koanf:"channel"`
}

type AuditConfig struct {
	// Sink is "postgres", "slog" or "none".
	Sink            string `koanf:"sink"`
	BufferSize      int    `koanf:"buffer_size"`
	BatchSize       int    `koanf:"batch_size"`
	FlushIntervalMS int    `koanf:"flush_interval_ms"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

var defaults = map[string]any{
	"server.port":                  8080,
	"server.host":                  "0.0.0.0",
	"server.cors_allowed_origins":  "",
	"database.url":                 "",
	"database.max_conns":           25,
	"database.migrations_path":     "migrations",
	"log.level":                    "info",
	"log.format":                   "json",
	"auth.devmode":                 false,
	"auth.devorgid":                "",
	"auth.jwt.signingkey":          "",
	"auth.jwt.issuer":              "ehr-rbac",
	"auth.jwt.expiryhours":         24,
	"rbac.cache_backend":           "memory",
	"rbac.cache_ttl_secs":          30,
	"rbac.catalog_path":            "",
	"rbac.invalidation":            "local",
	"rbac.reconcile_interval_secs": 300,
	"rbac.seed_system_roles":       true,
	"redis.addr":                   "localhost:6379",
	"redis.password":               "",
	"redis.db":                     0,
	"redis.channel":                "rbac:invalidations",
	"audit.sink":                   "postgres",
	"audit.buffer_size":            4096,
	"audit.batch_size":             100,
	"audit.flush_interval_ms":      500,
	"metrics.enabled":              true,
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(defaults, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	// EHR_SERVER_PORT -> server.port, EHR_RBAC_CACHE_TTL_SECS -> rbac.cache_ttl_secs
	_ = k.Load(env.Provider(envPrefix, ".", envKey), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var envKeys = func() map[string]string {
	m := make(map[string]string, len(defaults))
	for key := range defaults {
		m[strings.ReplaceAll(key, ".", "_")] = key
	}
	return m
}()

// envKey maps an environment variable to a config key. Known keys keep
// their underscores; anything else splits on every underscore.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if key, ok := envKeys[s]; ok {
		return key
	}
	return strings.ReplaceAll(s, "_", ".")
}
