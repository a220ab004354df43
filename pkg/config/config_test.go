package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qradle/pkg/authz"
	"github.com/Mindburn-Labs/qradle/pkg/config"
	"github.com/Mindburn-Labs/qradle/pkg/invariant"
)

var envVars = []string{
	"QRADLE_DEPLOYMENT", "QRADLE_LOG_LEVEL", "QRADLE_HASH", "QRADLE_STORE_DRIVER",
	"QRADLE_STORE_DSN", "QRADLE_REDIS_ADDR", "QRADLE_SAMPLE_RATE", "QRADLE_RATE_LIMIT",
	"QRADLE_RATE_BURST", "QRADLE_OTEL_ENABLED", "QRADLE_OTEL_ENDPOINT", "QRADLE_ARCHIVE_TYPE",
	"QRADLE_ARCHIVE_DIR", "QRADLE_ARCHIVE_BUCKET", "QRADLE_ARCHIVE_REGION",
	"QRADLE_ARCHIVE_ENDPOINT", "QRADLE_ARCHIVE_PREFIX",
}

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, name := range envVars {
		t.Setenv(name, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qradle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// The engine must boot with safe defaults and no configuration at all.
func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Deployment)
	assert.Equal(t, "sha256", cfg.Hash)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Zero(t, cfg.Determinism.SampleRate)
	assert.Zero(t, cfg.Admission.RatePerSecond)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "fs", cfg.Archive.Type)
}

func TestLoad_File(t *testing.T) {
	cleanEnv(t)
	path := writeFile(t, `
deployment: treasury
hash: sha3-256
store:
  driver: sqlite
  dsn: /var/lib/qradle/ledger.db
determinism:
  sample_rate: 0.25
admission:
  rate_per_second: 50
  burst: 10
approvals:
  keys:
    alice:
      public_key: "00"
    board-1:
      public_key: "01"
      subject: carol
      role: board
policy:
  min_levels:
    payout: critical
archive:
  type: s3
  bucket: audit
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "treasury", cfg.Deployment)
	assert.Equal(t, "sha3-256", cfg.Hash)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 0.25, cfg.Determinism.SampleRate)
	assert.Equal(t, 10, cfg.Admission.Burst)
	assert.Equal(t, "00", cfg.Approvals.Keys["alice"].PublicKey)
	assert.Equal(t, authz.Principal{Subject: "alice", Role: authz.RoleApprover}, cfg.Approvals.Keys["alice"].Principal("alice"))
	assert.Equal(t, authz.Principal{Subject: "carol", Role: authz.RoleBoard}, cfg.Approvals.Keys["board-1"].Principal("board-1"))
	assert.Equal(t, map[string]invariant.SafetyLevel{"payout": invariant.Critical}, cfg.MinLevels())
	assert.Equal(t, "audit", cfg.Archive.Bucket)
	// Unset keys keep their defaults.
	assert.Equal(t, "INFO", cfg.LogLevel)
}

// Environment wins over the file.
func TestLoad_EnvOverridesFile(t *testing.T) {
	cleanEnv(t)
	path := writeFile(t, "deployment: from-file\ndeterminism:\n  sample_rate: 0.1\n")
	t.Setenv("QRADLE_DEPLOYMENT", "from-env")
	t.Setenv("QRADLE_SAMPLE_RATE", "0.9")
	t.Setenv("QRADLE_STORE_DRIVER", "postgres")
	t.Setenv("QRADLE_STORE_DSN", "postgres://qradle@db:5432/ledger?sslmode=disable")
	t.Setenv("QRADLE_REDIS_ADDR", "redis:6379")
	t.Setenv("QRADLE_OTEL_ENABLED", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Deployment)
	assert.Equal(t, 0.9, cfg.Determinism.SampleRate)
	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Lockdown.RedisAddr)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		file    string
		wantErr string
	}{
		{name: "sample rate range", env: map[string]string{"QRADLE_SAMPLE_RATE": "1.5"}, wantErr: "sample_rate"},
		{name: "sample rate syntax", env: map[string]string{"QRADLE_SAMPLE_RATE": "half"}, wantErr: "QRADLE_SAMPLE_RATE"},
		{name: "driver", env: map[string]string{"QRADLE_STORE_DRIVER": "mongo"}, wantErr: "unknown store driver"},
		{name: "dsn required", env: map[string]string{"QRADLE_STORE_DRIVER": "sqlite"}, wantErr: "store.dsn"},
		{name: "hash", env: map[string]string{"QRADLE_HASH": "md5"}, wantErr: "unsupported hash"},
		{name: "log level", env: map[string]string{"QRADLE_LOG_LEVEL": "LOUD"}, wantErr: "log level"},
		{name: "burst", env: map[string]string{"QRADLE_RATE_LIMIT": "10", "QRADLE_RATE_BURST": "0"}, wantErr: "burst"},
		{name: "approval role", file: "approvals:\n  keys:\n    k1:\n      public_key: \"00\"\n      role: janitor\n", wantErr: "approvals.keys[k1].role"},
		{name: "approval key", file: "approvals:\n  keys:\n    k1:\n      subject: alice\n", wantErr: "approvals.keys[k1].public_key"},
		{name: "min level", file: "policy:\n  min_levels:\n    payout: urgent\n", wantErr: "payout"},
		{name: "yaml", file: "deployment: [unterminated", wantErr: "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := config.Load(path)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cleanEnv(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseLogLevel(t *testing.T) {
	l, err := config.ParseLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, config.LevelDebug, l)
	l, err = config.ParseLogLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, config.LevelWarn, l)
}
