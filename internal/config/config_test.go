// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystalchat/crystal/pkg/errutil"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crystal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "", "")
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "denials_only", cfg.Audit.Mode)
	assert.Equal(t, 90*24*time.Hour, cfg.Audit.RetainDenials)
	assert.Equal(t, 30*time.Second, cfg.Cache.LocalTTL)
	assert.Empty(t, cfg.Cache.RedisAddr)
	assert.Empty(t, cfg.Database.URL)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileEnvFlagPrecedence(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: 0.0.0.0:8000
log:
  format: text
  level: debug
audit:
  mode: all
  retain_grants: 48h
cache:
  redis_addr: redis:6379
  redis_ttl: 1m
`)
	t.Setenv("CRYSTAL_LOG_LEVEL", "warn")
	t.Setenv("CRYSTAL_CACHE_LOCAL_TTL", "5s")

	cfg, err := Load(path, newFlags(t, "--http-addr", ":9999"))
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTP.Addr, "flag beats file")
	assert.Equal(t, "warn", cfg.Log.Level, "env beats file")
	assert.Equal(t, "text", cfg.Log.Format, "file beats default")
	assert.Equal(t, "all", cfg.Audit.Mode)
	assert.Equal(t, 48*time.Hour, cfg.Audit.RetainGrants)
	assert.Equal(t, 5*time.Second, cfg.Cache.LocalTTL)
	assert.Equal(t, "redis:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, time.Minute, cfg.Cache.RedisTTL)
}

func TestLoad_UnchangedFlagsKeepFileValues(t *testing.T) {
	path := writeConfig(t, "metrics:\n  addr: 0.0.0.0:9200\naudit:\n  wal_path: /var/lib/crystal/wal.jsonl\n")

	cfg, err := Load(path, newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9200", cfg.Metrics.Addr)
	assert.Equal(t, "/var/lib/crystal/wal.jsonl", cfg.Audit.WALPath)
}

func TestLoad_DurationFlag(t *testing.T) {
	cfg, err := Load("", newFlags(t, "--cache-redis-ttl", "90s", "--audit-wal-path", "/tmp/wal"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Cache.RedisTTL)
	assert.Equal(t, "/tmp/wal", cfg.Audit.WALPath)
}

func TestLoad_DatabaseURLFallback(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	require.NoError(t, cfg.RequireDatabase())

	cfg, err = Load("", newFlags(t, "--database-url", "postgres://flag/db"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag/db", cfg.Database.URL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.Empty(t, DefaultPath())

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "crystal"), 0o750))
	path := filepath.Join(dir, "crystal", "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	assert.Equal(t, path, DefaultPath())
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, "cache:\n  local_ttl: soon\n")
	_, err := Load(path, nil)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("", nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"empty http addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad audit mode", func(c *Config) { c.Audit.Mode = "verbose" }, "audit.mode"},
		{"zero purge interval", func(c *Config) { c.Audit.PurgeInterval = 0 }, "audit.purge_interval"},
		{"negative local ttl", func(c *Config) { c.Cache.LocalTTL = -time.Second }, "cache.local_ttl"},
		{"redis without ttl", func(c *Config) {
			c.Cache.RedisAddr = "redis:6379"
			c.Cache.RedisTTL = 0
		}, "cache.redis_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
			errutil.AssertErrorContext(t, err, "key", tt.key)
		})
	}
}

func TestConfig_RequireDatabase(t *testing.T) {
	cfg := &Config{}
	errutil.AssertErrorCode(t, cfg.RequireDatabase(), "CONFIG_INVALID")
}

func TestKeyMapping(t *testing.T) {
	assert.Equal(t, "audit.wal_path", flagKey("audit-wal-path"))
	assert.Equal(t, "cache.redis_addr", flagKey("cache-redis-addr"))
	assert.Empty(t, flagKey("config"))
	assert.Empty(t, flagKey("http-port"))

	assert.Equal(t, "audit.wal_path", envKey("CRYSTAL_AUDIT_WAL_PATH"))
	assert.Equal(t, "database.url", envKey("CRYSTAL_DATABASE_URL"))
	assert.Empty(t, envKey("CRYSTAL_VERSION"))
}

func TestAuditConfig_Retention(t *testing.T) {
	cfg := AuditConfig{RetainDenials: time.Hour, RetainGrants: time.Minute, PurgeInterval: time.Second}
	r := cfg.Retention()
	assert.Equal(t, time.Hour, r.RetainDenials)
	assert.Equal(t, time.Minute, r.RetainGrants)
	assert.Equal(t, time.Second, r.PurgeInterval)
}
