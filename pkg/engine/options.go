package engine

import (
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/qradle/pkg/authz"
	"github.com/Mindburn-Labs/qradle/pkg/invariant"
	"github.com/Mindburn-Labs/qradle/pkg/lockdown"
	"github.com/Mindburn-Labs/qradle/pkg/observability"
)

// Clock supplies audit timestamps. It never drives control logic.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Sampler decides which calls are replayed to check determinism.
type Sampler interface {
	Sample(contextDigest string) bool
}

type alwaysSampler struct{}

func (alwaysSampler) Sample(string) bool { return true }

type neverSampler struct{}

func (neverSampler) Sample(string) bool { return false }

// RatioSampler replays a fixed fraction of calls. The decision is a pure
// function of the context digest, so the same call is always treated alike.
type RatioSampler struct {
	Rate float64
}

func (s RatioSampler) Sample(contextDigest string) bool {
	raw, err := hex.DecodeString(contextDigest)
	if err != nil || len(raw) < 8 {
		return true
	}
	v := binary.BigEndian.Uint64(raw[:8])
	return float64(v) < s.Rate*float64(math.MaxUint64)
}

// AlwaysSample replays every call.
func AlwaysSample() Sampler { return alwaysSampler{} }

// NeverSample disables replay.
func NeverSample() Sampler { return neverSampler{} }

// NewSampler returns the sampler for rate in [0,1].
func NewSampler(rate float64) Sampler {
	switch {
	case rate >= 1:
		return AlwaysSample()
	case rate <= 0:
		return NeverSample()
	default:
		return RatioSampler{Rate: rate}
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnforcer replaces the invariant enforcer.
func WithEnforcer(e *invariant.Enforcer) Option {
	return func(en *Engine) { en.enforcer = e }
}

// WithVerifier sets the approval credential verifier. Without one no
// credential verifies, so SENSITIVE and higher calls are always rejected.
func WithVerifier(v *authz.Verifier) Option {
	return func(en *Engine) { en.verifier = v }
}

func WithClock(c Clock) Option {
	return func(en *Engine) { en.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) { en.logger = l }
}

func WithTelemetry(p *observability.Provider) Option {
	return func(en *Engine) { en.telemetry = p }
}

// WithSampler sets the determinism replay policy. Defaults to NeverSample.
func WithSampler(s Sampler) Option {
	return func(en *Engine) { en.sampler = s }
}

// WithRateLimit installs an admission limiter. Calls over the limit are
// refused before they are received and leave no event.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(en *Engine) { en.limiter = rate.NewLimiter(limit, burst) }
}

// WithLatch sets the lockdown latch. Defaults to an in-memory latch.
func WithLatch(l lockdown.Latch) Option {
	return func(en *Engine) { en.latch = l }
}

// WithMinLevel declares a minimum safety level for contractID in addition
// to any level the contract declares itself.
func WithMinLevel(contractID string, level invariant.SafetyLevel) Option {
	return func(en *Engine) { en.minLevels[contractID] = level }
}
