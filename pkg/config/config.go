// Package config loads engine configuration from an optional YAML file and
// QRADLE_* environment variables. Environment values override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/qradle/pkg/authz"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/invariant"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds deployment configuration.
type Config struct {
	Deployment  string            `yaml:"deployment"`
	LogLevel    string            `yaml:"log_level"`
	Hash        string            `yaml:"hash"`
	Store       StoreConfig       `yaml:"store"`
	Lockdown    LockdownConfig    `yaml:"lockdown"`
	Determinism DeterminismConfig `yaml:"determinism"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Approvals   ApprovalsConfig   `yaml:"approvals"`
	Policy      PolicyConfig      `yaml:"policy"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// StoreConfig selects where events and checkpoints are persisted.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" | "sqlite" | "postgres"
	DSN    string `yaml:"dsn"`
}

// LockdownConfig selects the lockdown latch. An empty address keeps the
// latch in process.
type LockdownConfig struct {
	RedisAddr string `yaml:"redis_addr"`
}

// DeterminismConfig controls replay sampling in post-check.
type DeterminismConfig struct {
	SampleRate float64 `yaml:"sample_rate"`
}

// AdmissionConfig limits calls per second. A zero rate disables limiting.
type AdmissionConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// ApprovalsConfig lists trusted approval-signing keys by key ID.
type ApprovalsConfig struct {
	Keys map[string]ApprovalKey `yaml:"keys"`
}

// ApprovalKey is one approver's Ed25519 public key and the principal it
// signs for. Subject defaults to the key ID and Role to "approver".
type ApprovalKey struct {
	PublicKey string `yaml:"public_key"` // hex
	Subject   string `yaml:"subject"`
	Role      string `yaml:"role"`
}

// Principal resolves the defaults for the key registered as kid.
func (k ApprovalKey) Principal(kid string) authz.Principal {
	p := authz.Principal{Subject: k.Subject, Role: k.Role}
	if p.Subject == "" {
		p.Subject = kid
	}
	if p.Role == "" {
		p.Role = authz.RoleApprover
	}
	return p
}

// PolicyConfig declares per-contract minimum safety levels.
type PolicyConfig struct {
	MinLevels map[string]string `yaml:"min_levels"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// ArchiveConfig selects the audit bundle sink.
type ArchiveConfig struct {
	Type     string `yaml:"type"` // "fs" | "s3" | "gcs"
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// Default returns the development defaults: in-memory stores, SHA-256, no
// replay sampling, no admission limit.
func Default() *Config {
	return &Config{
		Deployment: "default",
		LogLevel:   "INFO",
		Hash:       "sha256",
		Store:      StoreConfig{Driver: DriverMemory},
		Telemetry:  TelemetryConfig{OTLPEndpoint: "localhost:4317", SampleRate: 1.0},
		Archive:    ArchiveConfig{Type: "fs", Dir: "data/archive"},
	}
}

// Load reads path (if non-empty), applies QRADLE_* overrides and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	str("QRADLE_DEPLOYMENT", &c.Deployment)
	str("QRADLE_LOG_LEVEL", &c.LogLevel)
	str("QRADLE_HASH", &c.Hash)
	str("QRADLE_STORE_DRIVER", &c.Store.Driver)
	str("QRADLE_STORE_DSN", &c.Store.DSN)
	str("QRADLE_REDIS_ADDR", &c.Lockdown.RedisAddr)
	str("QRADLE_OTEL_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("QRADLE_ARCHIVE_TYPE", &c.Archive.Type)
	str("QRADLE_ARCHIVE_DIR", &c.Archive.Dir)
	str("QRADLE_ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("QRADLE_ARCHIVE_REGION", &c.Archive.Region)
	str("QRADLE_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	str("QRADLE_ARCHIVE_PREFIX", &c.Archive.Prefix)

	var errs []error
	if v := os.Getenv("QRADLE_SAMPLE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("QRADLE_SAMPLE_RATE: %w", err))
		}
		c.Determinism.SampleRate = f
	}
	if v := os.Getenv("QRADLE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("QRADLE_RATE_LIMIT: %w", err))
		}
		c.Admission.RatePerSecond = f
	}
	if v := os.Getenv("QRADLE_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("QRADLE_RATE_BURST: %w", err))
		}
		c.Admission.Burst = n
	}
	if v := os.Getenv("QRADLE_OTEL_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true"
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Deployment == "" {
		errs = append(errs, errors.New("deployment must not be empty"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := crypto.NewHasher(c.Hash); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if r := c.Determinism.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("determinism.sample_rate %v outside [0,1]", r))
	}
	if c.Admission.RatePerSecond < 0 {
		errs = append(errs, errors.New("admission.rate_per_second must not be negative"))
	}
	if c.Admission.RatePerSecond > 0 && c.Admission.Burst < 1 {
		errs = append(errs, errors.New("admission.burst must be at least 1 when limiting"))
	}
	for kid, k := range c.Approvals.Keys {
		if k.PublicKey == "" {
			errs = append(errs, fmt.Errorf("approvals.keys[%s].public_key is required", kid))
		}
		if r := k.Principal(kid).Role; r != authz.RoleApprover && r != authz.RoleBoard {
			errs = append(errs, fmt.Errorf("approvals.keys[%s].role %q: want %s or %s", kid, r, authz.RoleApprover, authz.RoleBoard))
		}
	}
	for id, lvl := range c.Policy.MinLevels {
		if _, err := invariant.ParseSafetyLevel(lvl); err != nil {
			errs = append(errs, fmt.Errorf("policy.min_levels[%s]: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// MinLevels returns the parsed per-contract minimum levels.
func (c *Config) MinLevels() map[string]invariant.SafetyLevel {
	out := make(map[string]invariant.SafetyLevel, len(c.Policy.MinLevels))
	for id, lvl := range c.Policy.MinLevels {
		if l, err := invariant.ParseSafetyLevel(lvl); err == nil {
			out[id] = l
		}
	}
	return out
}

// ParseLogLevel maps DEBUG, INFO, WARN and ERROR (any case) to slog levels.
func ParseLogLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}
