package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/contract"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/engine"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
	"github.com/Mindburn-Labs/qradle/pkg/invariant"
)

var exportTime = time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

// populated returns an engine with two executions, one rejection and one
// rollback on its chain.
func populated(t *testing.T) *engine.Engine {
	t.Helper()
	ctx := context.Background()
	chain, err := hashchain.New(ctx, hashchain.NewMemoryEventStore())
	require.NoError(t, err)
	e, err := engine.New(ctx, chain, checkpoint.NewMemoryStore())
	require.NoError(t, err)

	run := func(id string, level invariant.SafetyLevel, v any) (*engine.ExecutionResult, error) {
		return e.ExecuteContract(ctx, engine.ExecutionContext{ContractID: id, Timestamp: exportTime, SafetyLevel: level},
			contract.Func(func(context.Context, map[string]any) (any, error) { return v, nil }))
	}
	a, err := run("a", invariant.Routine, 1)
	require.NoError(t, err)
	_, err = run("b", invariant.Routine, "two")
	require.NoError(t, err)
	_, err = run("c", invariant.Critical, 3)
	require.Error(t, err)
	require.NoError(t, e.RollbackToCheckpoint(ctx, a.CheckpointID))
	return e
}

func snapshot(t *testing.T, e *engine.Engine) *Bundle {
	t.Helper()
	b, err := Snapshot(context.Background(), e.Chain(), e.Checkpoints(), exportTime)
	require.NoError(t, err)
	return b
}

func TestSnapshotAndVerify(t *testing.T) {
	e := populated(t)
	b := snapshot(t, e)

	assert.Equal(t, BundleVersion, b.Version)
	assert.Equal(t, "sha256", b.Algorithm)
	assert.Equal(t, uint64(4), b.Length)
	assert.Equal(t, e.Chain().Root().String(), b.Root)
	assert.Len(t, b.Checkpoints, 3)

	s, err := Verify(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Executions)
	assert.Equal(t, 1, s.Rejections)
	assert.Equal(t, 1, s.Rollbacks)
	assert.Equal(t, 3, s.Checkpoints)
}

func TestVerifyEmptyChain(t *testing.T) {
	ctx := context.Background()
	chain, err := hashchain.New(ctx, hashchain.NewMemoryEventStore())
	require.NoError(t, err)
	b, err := Snapshot(ctx, chain, checkpoint.NewMemoryStore(), exportTime)
	require.NoError(t, err)
	assert.Equal(t, hashchain.GenesisDigest, b.Root)

	s, err := Verify(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s.Length)
}

func TestVerifyRejectsTampering(t *testing.T) {
	forged := crypto.SHA256().Sum([]byte("forged")).String()

	tests := []struct {
		name   string
		mutate func(b *Bundle)
		check  func(t *testing.T, err error)
	}{
		{
			name:   "payload digest",
			mutate: func(b *Bundle) { b.Events[1].PayloadDigest = forged },
			check: func(t *testing.T, err error) {
				var ie *hashchain.IntegrityError
				require.ErrorAs(t, err, &ie)
				assert.Equal(t, uint64(1), ie.Index)
			},
		},
		{
			name:   "payload body",
			mutate: func(b *Bundle) { b.Events[0].Payload = json.RawMessage(`{"kind":"execution"}`) },
			check: func(t *testing.T, err error) {
				var ie *hashchain.IntegrityError
				require.ErrorAs(t, err, &ie)
			},
		},
		{
			name:   "claimed root",
			mutate: func(b *Bundle) { b.Root = forged },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrRootMismatch) },
		},
		{
			name:   "claimed length",
			mutate: func(b *Bundle) { b.Length++ },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrRootMismatch) },
		},
		{
			name:   "dropped checkpoint",
			mutate: func(b *Bundle) { b.Checkpoints = b.Checkpoints[:1] },
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrDanglingReference) },
		},
		{
			name:   "corrupted checkpoint",
			mutate: func(b *Bundle) { b.Checkpoints[1].State = json.RawMessage(`{"a":2}`) },
			check: func(t *testing.T, err error) {
				var ce *checkpoint.CorruptedError
				assert.ErrorAs(t, err, &ce)
			},
		},
		{
			name:   "unknown algorithm",
			mutate: func(b *Bundle) { b.Algorithm = "md5" },
			check:  func(t *testing.T, err error) { assert.Error(t, err) },
		},
	}

	e := populated(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := snapshot(t, e)
			tt.mutate(b)
			_, err := Verify(context.Background(), b)
			tt.check(t, err)
		})
	}
}

func TestExportFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := populated(t)
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	x := NewExporter(sink, WithClock(func() time.Time { return exportTime }))

	r, err := x.Export(ctx, e.Chain(), e.Checkpoints())
	require.NoError(t, err)
	assert.Equal(t, r.Digest+".bundle.json", r.Key)
	assert.Equal(t, e.Chain().Root().String(), r.Root)

	again, err := x.Export(ctx, e.Chain(), e.Checkpoints())
	require.NoError(t, err)
	assert.Equal(t, r.Key, again.Key, "same snapshot, same key")

	b, err := x.Fetch(ctx, r.Key)
	require.NoError(t, err)
	assert.True(t, exportTime.Equal(b.ExportedAt))
	_, err = Verify(ctx, b)
	require.NoError(t, err)
}

func TestFetchDetectsAlteredObject(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	x := NewExporter(sink, WithClock(func() time.Time { return exportTime }))
	e := populated(t)

	r, err := x.Export(ctx, e.Chain(), e.Checkpoints())
	require.NoError(t, err)

	b := snapshot(t, e)
	b.ExportedAt = exportTime.Add(time.Hour)
	data, _, err := Encode(b)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, r.Key), data, 0o644))

	_, err = x.Fetch(ctx, r.Key)
	assert.ErrorContains(t, err, "does not match key")
}

func TestFileSinkMissing(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	_, err = sink.Get(context.Background(), "nope.bundle.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := Decode([]byte(`{"version":"9"}`))
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestNewSink(t *testing.T) {
	ctx := context.Background()
	s, err := NewSink(ctx, SinkConfig{Type: SinkFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)

	_, err = NewSink(ctx, SinkConfig{Type: SinkS3})
	assert.ErrorContains(t, err, "bucket is required")
	_, err = NewSink(ctx, SinkConfig{Type: SinkGCS})
	assert.ErrorContains(t, err, "bucket is required")
	_, err = NewSink(ctx, SinkConfig{Type: "ftp"})
	assert.ErrorContains(t, err, "unsupported")
}
