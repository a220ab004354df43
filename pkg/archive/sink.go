package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
)

// ErrObjectNotFound is returned by sinks for unknown keys.
var ErrObjectNotFound = errors.New("archive object not found")

const keySuffix = ".bundle.json"

// Sink stores encoded bundles under content-derived keys.
type Sink interface {
	// Put stores data under key. Putting an existing key is a no-op.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the data stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// SinkType selects a Sink backend.
type SinkType string

const (
	SinkFS  SinkType = "fs"
	SinkS3  SinkType = "s3"
	SinkGCS SinkType = "gcs"
)

// SinkConfig configures NewSink.
type SinkConfig struct {
	Type     SinkType `yaml:"type"`
	Dir      string   `yaml:"dir"`
	Bucket   string   `yaml:"bucket"`
	Region   string   `yaml:"region"`
	Endpoint string   `yaml:"endpoint"` // MinIO, LocalStack
	Prefix   string   `yaml:"prefix"`
}

// NewSink builds the sink cfg describes. An empty type means "fs".
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "", SinkFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "archive")
		}
		return NewFileSink(dir)
	case SinkS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for s3")
		}
		return NewS3Sink(ctx, cfg)
	case SinkGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for gcs")
		}
		return newGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported sink type %q", cfg.Type)
	}
}

// FileSink keeps bundles in a local directory.
type FileSink struct {
	dir string
	mu  sync.RWMutex
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, filepath.Base(key))
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: bundles are public audit material
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("archive: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive: commit %s: %w", key, err)
	}
	return nil
}

func (s *FileSink) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

// Receipt identifies an exported bundle.
type Receipt struct {
	Key    string
	Digest string
	Root   string
	Length uint64
}

// Exporter snapshots a deployment into a Sink.
type Exporter struct {
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithClock sets the export timestamp source.
func WithClock(now func() time.Time) ExporterOption {
	return func(e *Exporter) { e.now = now }
}

// WithLogger sets the exporter's logger.
func WithLogger(l *slog.Logger) ExporterOption {
	return func(e *Exporter) { e.logger = l }
}

func NewExporter(sink Sink, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		sink:   sink,
		now:    time.Now,
		logger: slog.Default().With("component", "archive"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export snapshots chain and store and writes the bundle under its digest.
func (x *Exporter) Export(ctx context.Context, chain *hashchain.Chain, store checkpoint.Store) (*Receipt, error) {
	b, err := Snapshot(ctx, chain, store, x.now())
	if err != nil {
		return nil, err
	}
	data, digest, err := Encode(b)
	if err != nil {
		return nil, err
	}
	key := digest.String() + keySuffix
	if err := x.sink.Put(ctx, key, data); err != nil {
		return nil, err
	}
	x.logger.InfoContext(ctx, "bundle exported", "key", key, "root", b.Root, "length", b.Length, "checkpoints", len(b.Checkpoints))
	return &Receipt{Key: key, Digest: digest.String(), Root: b.Root, Length: b.Length}, nil
}

// Fetch reads the bundle stored under key and checks that its content
// matches the digest the key was derived from.
func (x *Exporter) Fetch(ctx context.Context, key string) (*Bundle, error) {
	data, err := x.sink.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := Decode(data)
	if err != nil {
		return nil, err
	}
	_, digest, err := Encode(b)
	if err != nil {
		return nil, err
	}
	want := strings.TrimSuffix(filepath.Base(key), keySuffix)
	if _, perr := crypto.ParseDigest(want); perr == nil && digest.String() != want {
		return nil, fmt.Errorf("archive: %s: content digest %s does not match key", key, digest)
	}
	return b, nil
}
