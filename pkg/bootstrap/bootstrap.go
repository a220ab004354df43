// Package bootstrap assembles a ready-to-use engine from configuration:
// persistence, lockdown latch, approval keys, telemetry and archive sink.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/qradle/pkg/archive"
	"github.com/Mindburn-Labs/qradle/pkg/authz"
	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/config"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/engine"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
	"github.com/Mindburn-Labs/qradle/pkg/lockdown"
	"github.com/Mindburn-Labs/qradle/pkg/observability"
	"github.com/Mindburn-Labs/qradle/pkg/store/sqlstore"
)

// Runtime is an assembled deployment. Close releases everything it opened.
type Runtime struct {
	Config      *config.Config
	Engine      *engine.Engine
	Chain       *hashchain.Chain
	Checkpoints checkpoint.Store
	Telemetry   *observability.Provider
	Logger      *slog.Logger

	closers []func(context.Context) error
}

// Option adjusts Build.
type Option func(*options)

type options struct {
	logger *slog.Logger
	extra  []engine.Option
}

// WithLogger sets the root logger. Components derive theirs from it.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEngineOptions appends engine options after the configured ones.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) { o.extra = append(o.extra, opts...) }
}

// Build opens the stores cfg names and constructs the engine over them.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Runtime, err error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	rt := &Runtime{Config: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	hasher, err := crypto.NewHasher(cfg.Hash)
	if err != nil {
		return nil, err
	}

	rt.Telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "qradle",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Deployment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: telemetry: %w", err)
	}
	rt.closers = append(rt.closers, rt.Telemetry.Shutdown)

	events, err := rt.openStores(ctx, hasher)
	if err != nil {
		return nil, err
	}

	rt.Chain, err = hashchain.New(ctx, events,
		hashchain.WithHasher(hasher),
		hashchain.WithLogger(o.logger.With("component", "hashchain")),
	)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open chain: %w", err)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(o.logger.With("component", "engine", "deployment", cfg.Deployment)),
		engine.WithTelemetry(rt.Telemetry),
		engine.WithSampler(engine.NewSampler(cfg.Determinism.SampleRate)),
	}

	latch, err := rt.openLatch(ctx)
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts, engine.WithLatch(latch))

	if len(cfg.Approvals.Keys) > 0 {
		ring := authz.NewKeyring()
		for kid, k := range cfg.Approvals.Keys {
			if err := ring.AddHex(kid, k.PublicKey, k.Principal(kid)); err != nil {
				return nil, fmt.Errorf("bootstrap: approval key %s: %w", kid, err)
			}
		}
		engineOpts = append(engineOpts, engine.WithVerifier(authz.NewVerifier(ring)))
	}
	if cfg.Admission.RatePerSecond > 0 {
		engineOpts = append(engineOpts, engine.WithRateLimit(rate.Limit(cfg.Admission.RatePerSecond), cfg.Admission.Burst))
	}
	for id, lvl := range cfg.MinLevels() {
		engineOpts = append(engineOpts, engine.WithMinLevel(id, lvl))
	}
	engineOpts = append(engineOpts, o.extra...)

	rt.Engine, err = engine.New(ctx, rt.Chain, rt.Checkpoints, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: engine: %w", err)
	}

	o.logger.InfoContext(ctx, "engine ready",
		"deployment", cfg.Deployment,
		"store", cfg.Store.Driver,
		"hash", hasher.Name(),
		"chain_length", rt.Chain.Len(),
		"checkpoint", rt.Engine.CurrentCheckpoint(),
	)
	return rt, nil
}

func (rt *Runtime) openStores(ctx context.Context, h crypto.Hasher) (hashchain.EventStore, error) {
	cfg := rt.Config.Store
	if cfg.Driver == config.DriverMemory {
		rt.Checkpoints = checkpoint.NewMemoryStore(checkpoint.WithHasher(h))
		return hashchain.NewMemoryEventStore(), nil
	}

	d, err := sqlstore.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlstore.Open(ctx, d, cfg.DSN)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })

	events := sqlstore.NewEventStore(db, d)
	if err := events.Init(ctx); err != nil {
		return nil, err
	}
	cps := sqlstore.NewCheckpointStore(db, d, sqlstore.WithHasher(h))
	if err := cps.Init(ctx); err != nil {
		return nil, err
	}
	rt.Checkpoints = cps
	return events, nil
}

func (rt *Runtime) openLatch(ctx context.Context) (lockdown.Latch, error) {
	addr := rt.Config.Lockdown.RedisAddr
	if addr == "" {
		return lockdown.NewMemoryLatch(), nil
	}
	latch := lockdown.NewRedisLatchFromAddr(addr, "", 0, rt.Config.Deployment)
	rt.closers = append(rt.closers, func(context.Context) error { return latch.Close() })
	if err := latch.Ping(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: lockdown latch %s: %w", addr, err)
	}
	return latch, nil
}

// Exporter returns an archive exporter over the configured sink.
func (rt *Runtime) Exporter(ctx context.Context) (*archive.Exporter, error) {
	a := rt.Config.Archive
	sink, err := archive.NewSink(ctx, archive.SinkConfig{
		Type:     archive.SinkType(a.Type),
		Dir:      a.Dir,
		Bucket:   a.Bucket,
		Region:   a.Region,
		Endpoint: a.Endpoint,
		Prefix:   a.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return archive.NewExporter(sink, archive.WithLogger(rt.Logger.With("component", "archive"))), nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
