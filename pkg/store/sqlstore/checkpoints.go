package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/crypto"
	"github.com/Mindburn-Labs/qradle/pkg/merkle"
)

const checkpointsSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq BIGINT PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	state TEXT NOT NULL,
	state_digest TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	format_version TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// CheckpointStore implements checkpoint.Store over database/sql.
type CheckpointStore struct {
	db      *sql.DB
	dialect Dialect
	hasher  crypto.Hasher
	now     func() time.Time
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

// CheckpointOption configures a CheckpointStore.
type CheckpointOption func(*CheckpointStore)

func WithHasher(h crypto.Hasher) CheckpointOption {
	return func(s *CheckpointStore) { s.hasher = h }
}

func WithClock(now func() time.Time) CheckpointOption {
	return func(s *CheckpointStore) { s.now = now }
}

func NewCheckpointStore(db *sql.DB, d Dialect, opts ...CheckpointOption) *CheckpointStore {
	s := &CheckpointStore{
		db:      db,
		dialect: d,
		hasher:  crypto.SHA256(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the checkpoints table.
func (s *CheckpointStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, checkpointsSchema)
	return err
}

func (s *CheckpointStore) Create(ctx context.Context, state checkpoint.State) (checkpoint.ID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last uint64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM checkpoints").Scan(&last); err != nil {
		return "", fmt.Errorf("sqlstore: next sequence: %w", err)
	}

	cp, err := checkpoint.Seal(s.hasher, state, last+1, s.now())
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO checkpoints (seq, id, state, state_digest, algorithm, format_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		cp.Sequence, string(cp.ID), string(cp.State), cp.StateDigest, cp.Algorithm,
		cp.FormatVersion, cp.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isDuplicate(err) {
			return "", fmt.Errorf("%w: %s", checkpoint.ErrDuplicate, cp.ID)
		}
		return "", fmt.Errorf("sqlstore: insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlstore: commit checkpoint: %w", err)
	}
	return cp.ID, nil
}

func (s *CheckpointStore) Restore(ctx context.Context, id checkpoint.ID) (checkpoint.State, error) {
	cp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return checkpoint.Open(cp)
}

func (s *CheckpointStore) Get(ctx context.Context, id checkpoint.ID) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT seq, id, state, state_digest, algorithm, format_version, created_at
		FROM checkpoints WHERE id = ?`), string(id))

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	return cp, err
}

func (s *CheckpointStore) List(ctx context.Context) ([]checkpoint.ID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM checkpoints ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]checkpoint.ID, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, checkpoint.ID(id))
	}
	return ids, rows.Err()
}

func (s *CheckpointStore) VerifyAll(ctx context.Context) ([]checkpoint.ID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, state, state_digest, algorithm, format_version, created_at
		FROM checkpoints ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scan checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var failed []checkpoint.ID
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		if _, err := checkpoint.Open(cp); err != nil {
			failed = append(failed, cp.ID)
		}
	}
	return failed, rows.Err()
}

func (s *CheckpointStore) ProveKey(ctx context.Context, id checkpoint.ID, key string) (*merkle.InclusionProof, error) {
	cp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return checkpoint.Prove(cp, key)
}

func scanCheckpoint(row scanner) (*checkpoint.Checkpoint, error) {
	var (
		cp        checkpoint.Checkpoint
		id        string
		state     string
		createdAt string
	)
	err := row.Scan(&cp.Sequence, &id, &state, &cp.StateDigest, &cp.Algorithm, &cp.FormatVersion, &createdAt)
	if err != nil {
		return nil, err
	}
	cp.ID = checkpoint.ID(id)
	cp.State = []byte(state)
	cp.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, &checkpoint.CorruptedError{ID: cp.ID, Reason: "created_at: " + err.Error()}
	}
	return &cp, nil
}
