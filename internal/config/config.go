// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

// Package config loads server configuration from defaults, an optional YAML
// file, CRYSTAL_* environment variables and command-line flags, in that order
// of increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/crystalchat/crystal/internal/access/policy/audit"
	"github.com/crystalchat/crystal/internal/logging"
	"github.com/crystalchat/crystal/internal/xdg"
)

// EnvPrefix selects the environment variables read into the config.
// CRYSTAL_AUDIT_WAL_PATH sets audit.wal_path.
const EnvPrefix = "CRYSTAL_"

// Config is the full server configuration.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	HTTP     HTTPConfig     `koanf:"http"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Audit    AuditConfig    `koanf:"audit"`
	Cache    CacheConfig    `koanf:"cache"`
}

// DatabaseConfig locates PostgreSQL.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// MetricsConfig configures the metrics and health listener. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// AuditConfig controls decision auditing and retention.
type AuditConfig struct {
	Mode          string        `koanf:"mode"`
	WALPath       string        `koanf:"wal_path"`
	RetainDenials time.Duration `koanf:"retain_denials"`
	RetainGrants  time.Duration `koanf:"retain_grants"`
	PurgeInterval time.Duration `koanf:"purge_interval"`
}

// Retention converts the retention settings for the audit worker.
func (c AuditConfig) Retention() audit.RetentionConfig {
	return audit.RetentionConfig{
		RetainDenials: c.RetainDenials,
		RetainGrants:  c.RetainGrants,
		PurgeInterval: c.PurgeInterval,
	}
}

// CacheConfig configures the snapshot cache tiers. The redis tier is
// disabled when RedisAddr is empty.
type CacheConfig struct {
	LocalTTL  time.Duration `koanf:"local_ttl"`
	RedisAddr string        `koanf:"redis_addr"`
	RedisTTL  time.Duration `koanf:"redis_ttl"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() map[string]any {
	retention := audit.DefaultRetentionConfig()
	return map[string]any{
		"http.addr":            "127.0.0.1:8080",
		"metrics.addr":         "127.0.0.1:9100",
		"log.format":           "json",
		"log.level":            "info",
		"audit.mode":           string(audit.ModeDenialsOnly),
		"audit.retain_denials": retention.RetainDenials,
		"audit.retain_grants":  retention.RetainGrants,
		"audit.purge_interval": retention.PurgeInterval,
		"cache.local_ttl":      30 * time.Second,
		"cache.redis_ttl":      5 * time.Minute,
	}
}

// RegisterFlags adds one flag per config key to fs. Flag names replace the
// section dot with a dash: --http-addr, --audit-wal-path.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("database-url", "", "PostgreSQL connection URL (default: $DATABASE_URL)")
	fs.String("http-addr", d["http.addr"].(string), "HTTP API listen address")
	fs.String("metrics-addr", d["metrics.addr"].(string), "metrics/health HTTP address (empty = disabled)")
	fs.String("log-format", d["log.format"].(string), "log format (json or text)")
	fs.String("log-level", d["log.level"].(string), "log level (debug, info, warn, error)")
	fs.String("audit-mode", d["audit.mode"].(string), "audit mode (minimal, denials_only, all)")
	fs.String("audit-wal-path", "", "audit WAL file (default: XDG_STATE_HOME/crystal/audit-wal.jsonl)")
	fs.Duration("cache-local-ttl", d["cache.local_ttl"].(time.Duration), "in-process snapshot cache TTL")
	fs.String("cache-redis-addr", "", "redis address for the shared snapshot cache (empty = disabled)")
	fs.Duration("cache-redis-ttl", d["cache.redis_ttl"].(time.Duration), "redis snapshot cache TTL")
}

// flagKey maps a flag registered by RegisterFlags to its config key. Other
// flags map to "" and are ignored.
func flagKey(name string) string {
	section, rest, ok := strings.Cut(name, "-")
	if !ok {
		return ""
	}
	key := section + "." + strings.ReplaceAll(rest, "-", "_")
	if _, known := knownKeys[key]; !known {
		return ""
	}
	return key
}

// envKey maps CRYSTAL_SECTION_FIELD to section.field.
func envKey(name string) string {
	section, rest, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "_")
	if !ok {
		return ""
	}
	key := section + "." + rest
	if _, known := knownKeys[key]; !known {
		return ""
	}
	return key
}

var knownKeys = map[string]struct{}{
	"database.url": {}, "http.addr": {}, "metrics.addr": {},
	"log.format": {}, "log.level": {},
	"audit.mode": {}, "audit.wal_path": {}, "audit.retain_denials": {},
	"audit.retain_grants": {}, "audit.purge_interval": {},
	"cache.local_ttl": {}, "cache.redis_addr": {}, "cache.redis_ttl": {},
}

// DefaultPath returns $XDG_CONFIG_HOME/crystal/config.yaml when that file
// exists, and "" otherwise.
func DefaultPath() string {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Load builds the configuration. path may be empty; fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "defaults").Wrap(err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			return flagKey(f.Name), posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}

	return &cfg, nil
}

// Validate rejects values the server cannot run with. A missing database URL
// is not an error here; see RequireDatabase.
func (c *Config) Validate() error {
	invalid := func(key string, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
	}

	if c.HTTP.Addr == "" {
		return invalid("http.addr", "http.addr is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "%v", err)
	}
	if _, err := audit.ParseMode(c.Audit.Mode); err != nil {
		return invalid("audit.mode", "%v", err)
	}
	for key, d := range map[string]time.Duration{
		"audit.retain_denials": c.Audit.RetainDenials,
		"audit.retain_grants":  c.Audit.RetainGrants,
		"audit.purge_interval": c.Audit.PurgeInterval,
		"cache.local_ttl":      c.Cache.LocalTTL,
	} {
		if d <= 0 {
			return invalid(key, "%s must be positive, got %s", key, d)
		}
	}
	if c.Cache.RedisAddr != "" && c.Cache.RedisTTL <= 0 {
		return invalid("cache.redis_ttl", "cache.redis_ttl must be positive when cache.redis_addr is set")
	}
	return nil
}

// RequireDatabase fails when no database URL was configured.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").With("key", "database.url").
			Errorf("database.url (or DATABASE_URL) is required")
	}
	return nil
}
