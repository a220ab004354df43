package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS chain_events (
	idx BIGINT PRIMARY KEY,
	payload TEXT NOT NULL,
	payload_digest TEXT NOT NULL,
	prev_digest TEXT NOT NULL,
	node_digest TEXT NOT NULL
);
`

// EventStore implements hashchain.EventStore over database/sql.
type EventStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ hashchain.EventStore = (*EventStore)(nil)

func NewEventStore(db *sql.DB, d Dialect) *EventStore {
	return &EventStore{db: db, dialect: d}
}

// Init creates the events table.
func (s *EventStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, eventsSchema)
	return err
}

func (s *EventStore) Append(ctx context.Context, e *hashchain.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n uint64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM chain_events").Scan(&n); err != nil {
		return fmt.Errorf("sqlstore: count events: %w", err)
	}
	if e.Index != n {
		return fmt.Errorf("%w: got %d, length %d", hashchain.ErrOutOfOrder, e.Index, n)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO chain_events (idx, payload, payload_digest, prev_digest, node_digest)
		VALUES (?, ?, ?, ?, ?)`),
		e.Index, string(e.Payload), e.PayloadDigest, e.PrevDigest, e.NodeDigest,
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: index %d already stored", hashchain.ErrOutOfOrder, e.Index)
		}
		return fmt.Errorf("sqlstore: insert event %d: %w", e.Index, err)
	}
	return tx.Commit()
}

func (s *EventStore) Get(ctx context.Context, index uint64) (*hashchain.Event, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT idx, payload, payload_digest, prev_digest, node_digest
		FROM chain_events WHERE idx = ?`), index)

	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", hashchain.ErrEventNotFound, index)
	}
	return e, err
}

func (s *EventStore) Range(ctx context.Context, start, end uint64) ([]*hashchain.Event, error) {
	if start >= end {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT idx, payload, payload_digest, prev_digest, node_digest
		FROM chain_events WHERE idx >= ? AND idx < ? ORDER BY idx`), start, end)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: range events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*hashchain.Event, 0, end-start)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *EventStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chain_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlstore: count events: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*hashchain.Event, error) {
	var (
		e       hashchain.Event
		payload string
	)
	if err := row.Scan(&e.Index, &payload, &e.PayloadDigest, &e.PrevDigest, &e.NodeDigest); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	return &e, nil
}
