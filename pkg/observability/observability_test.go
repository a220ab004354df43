package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, reader, rec
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", m.Name, m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "qradle", c.ServiceName)
	assert.Equal(t, "localhost:4317", c.OTLPEndpoint)
	assert.Equal(t, 1.0, c.SampleRate)
	assert.False(t, c.Enabled)
}

func TestNewDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	_, done := p.TrackOperation(context.Background(), "noop")
	done(errors.New("ignored"))
	p.RecordRejection(context.Background(), "PRECHECKED", "human_oversight")
	p.RecordLockdown(context.Background(), "integrity")
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	_, done := p.TrackOperation(context.Background(), "nil")
	done(nil)
	p.RecordRejection(context.Background(), "s", "i")
	p.RecordChainLength(context.Background(), 3)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation(t *testing.T) {
	p, reader, rec := newTestProvider(t)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "engine.execute")
	done(nil)
	_, done = p.TrackOperation(ctx, "engine.execute")
	done(errors.New("boom"))

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, metrics["qradle.operations.total"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["qradle.errors.total"]))
	assert.Equal(t, int64(0), sumOf(t, metrics["qradle.operations.active"]))

	hist, ok := metrics["qradle.operation.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "engine.execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestEngineCounters(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	ctx := context.Background()

	p.RecordRejection(ctx, "PRECHECKED", "human_oversight")
	p.RecordRejection(ctx, "POSTCHECKED", "chain_integrity")
	p.RecordLockdown(ctx, "integrity")
	p.RecordChainLength(ctx, 7)

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, metrics["qradle.rejections.total"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["qradle.lockdowns.total"]))

	gauge, ok := metrics["qradle.chain.length"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(7), gauge.DataPoints[0].Value)
}
