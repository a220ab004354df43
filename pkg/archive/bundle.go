// Package archive exports the chain and its checkpoints as a self-contained
// audit bundle and verifies such bundles offline.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/qradle/pkg/canonicalize"
	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/engine"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
)

// BundleVersion is the version written into every exported bundle.
const BundleVersion = "1"

const readBatch = 512

var (
	ErrRootMismatch      = errors.New("bundle root does not match its events")
	ErrDanglingReference = errors.New("event references a checkpoint missing from the bundle")
	ErrUnsupported       = errors.New("unsupported bundle version")
)

// Bundle is a point-in-time copy of one deployment's chain and checkpoints.
type Bundle struct {
	Version     string                   `json:"version"`
	Algorithm   string                   `json:"algorithm"`
	ExportedAt  time.Time                `json:"exported_at"`
	Root        string                   `json:"root"`
	Length      uint64                   `json:"length"`
	Events      []*hashchain.Event       `json:"events"`
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
}

// Snapshot reads chain and store into a Bundle. Root and Length describe the
// events actually read, so appends racing the snapshot are simply excluded.
func Snapshot(ctx context.Context, chain *hashchain.Chain, store checkpoint.Store, now time.Time) (*Bundle, error) {
	n := chain.Len()
	b := &Bundle{
		Version:    BundleVersion,
		Algorithm:  chain.Hasher().Name(),
		ExportedAt: now.UTC(),
		Root:       hashchain.GenesisDigest,
		Events:     make([]*hashchain.Event, 0, n),
	}
	for start := uint64(0); start < n; start += readBatch {
		events, err := chain.Range(ctx, start, min(start+readBatch, n))
		if err != nil {
			return nil, fmt.Errorf("archive: read events: %w", err)
		}
		b.Events = append(b.Events, events...)
	}
	if len(b.Events) > 0 {
		b.Root = b.Events[len(b.Events)-1].NodeDigest
	}
	b.Length = uint64(len(b.Events))

	ids, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: list checkpoints: %w", err)
	}
	b.Checkpoints = make([]*checkpoint.Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("archive: read checkpoint %s: %w", id, err)
		}
		b.Checkpoints = append(b.Checkpoints, cp)
	}
	return b, nil
}

// Encode returns the canonical encoding of b and its digest under b's
// algorithm.
func Encode(b *Bundle) ([]byte, crypto.Digest, error) {
	h, err := crypto.NewHasher(b.Algorithm)
	if err != nil {
		return nil, crypto.Digest{}, err
	}
	d, data, err := canonicalize.Hash(h, b)
	if err != nil {
		return nil, crypto.Digest{}, fmt.Errorf("archive: encode bundle: %w", err)
	}
	return data, d, nil
}

// Decode parses an encoded bundle. It does not verify it.
func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("archive: decode bundle: %w", err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, b.Version)
	}
	return &b, nil
}

// Summary describes a verified bundle.
type Summary struct {
	Root        string
	Length      uint64
	Checkpoints int
	Executions  int
	Rejections  int
	Rollbacks   int
}

// Verify replays the bundle's events through a fresh chain, re-opens every
// checkpoint and checks that every execution and rollback event names a
// checkpoint present in the bundle.
func Verify(ctx context.Context, b *Bundle) (*Summary, error) {
	h, err := crypto.NewHasher(b.Algorithm)
	if err != nil {
		return nil, err
	}

	store := hashchain.NewMemoryEventStore()
	for _, e := range b.Events {
		if err := store.Append(ctx, e); err != nil {
			return nil, fmt.Errorf("archive: load event: %w", err)
		}
	}
	chain, err := hashchain.New(ctx, store, hashchain.WithHasher(h))
	if err != nil {
		return nil, err
	}
	if f := chain.Failure(); f != nil {
		return nil, f
	}
	if chain.Len() != b.Length || chain.Root().String() != b.Root {
		return nil, fmt.Errorf("%w: root %s length %d, events give %s length %d",
			ErrRootMismatch, b.Root, b.Length, chain.Root(), chain.Len())
	}

	known := make(map[string]bool, len(b.Checkpoints))
	for _, cp := range b.Checkpoints {
		if _, err := checkpoint.Open(cp); err != nil {
			return nil, err
		}
		known[string(cp.ID)] = true
	}

	s := &Summary{Root: b.Root, Length: b.Length, Checkpoints: len(b.Checkpoints)}
	for _, e := range b.Events {
		r, err := engine.DecodeRecord(e)
		if err != nil {
			return nil, err
		}
		var ref string
		switch r.Kind {
		case engine.KindExecution:
			s.Executions++
			ref = r.CheckpointID
		case engine.KindRollback:
			s.Rollbacks++
			ref = r.ToCheckpoint
		default:
			s.Rejections++
		}
		if ref != "" && !known[ref] {
			return nil, fmt.Errorf("%w: event %d names %s", ErrDanglingReference, e.Index, ref)
		}
	}
	return s, nil
}
