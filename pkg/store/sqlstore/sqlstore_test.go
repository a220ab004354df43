package sqlstore

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/qradle/pkg/checkpoint"
	"github.com/Mindburn-Labs/qradle/pkg/hashchain"
)

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (?, ?)"
	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", Postgres.rebind(q))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"sqlite": SQLite, "SQLite3": SQLite, "postgres": Postgres, "pg": Postgres} {
		d, err := ParseDialect(in)
		require.NoError(t, err)
		assert.Equal(t, want, d)
	}
	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}

func TestEventStore_AppendPostgresShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewEventStore(db, Postgres)
	e := &hashchain.Event{Index: 0, Payload: []byte(`{"a":1}`), PayloadDigest: "p", PrevDigest: hashchain.GenesisDigest, NodeDigest: "n"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM chain_events")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5)")).
		WithArgs(0, `{"a":1}`, "p", hashchain.GenesisDigest, "n").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Append(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStore_AppendOutOfOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewEventStore(db, Postgres)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	err = s.Append(context.Background(), &hashchain.Event{Index: 1})
	assert.ErrorIs(t, err, hashchain.ErrOutOfOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStore_DuplicateKeyMapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewEventStore(db, Postgres)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec("INSERT INTO chain_events").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err = s.Append(context.Background(), &hashchain.Event{Index: 2})
	assert.ErrorIs(t, err, hashchain.ErrOutOfOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStore_CreatePostgresShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewCheckpointStore(db, Postgres, WithClock(func() time.Time { return now }))
	want, err := checkpoint.Seal(s.hasher, checkpoint.State{"k": "v"}, 5, now)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(seq), 0) FROM checkpoints")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7)")).
		WithArgs(5, string(want.ID), `{"k":"v"}`, want.StateDigest, "sha256", checkpoint.FormatVersion, now.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := s.Create(context.Background(), checkpoint.State{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, want.ID, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func openSQLite(t *testing.T) (*EventStore, *CheckpointStore) {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "qradle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events := NewEventStore(db, SQLite)
	require.NoError(t, events.Init(ctx))
	cps := NewCheckpointStore(db, SQLite)
	require.NoError(t, cps.Init(ctx))
	return events, cps
}

func TestSQLite_ChainRoundTrip(t *testing.T) {
	ctx := context.Background()
	events, _ := openSQLite(t)

	chain, err := hashchain.New(ctx, events)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := chain.Append(ctx, map[string]any{"i": i})
		require.NoError(t, err)
	}

	reopened, err := hashchain.New(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, chain.Root(), reopened.Root())
	assert.Equal(t, uint64(5), reopened.Len())
	assert.Nil(t, reopened.Failure())

	proof, err := reopened.GetProof(ctx, 2)
	require.NoError(t, err)
	assert.True(t, hashchain.VerifyProof(*proof, chain.Root().String()))

	err = events.Append(ctx, &hashchain.Event{Index: 3})
	assert.ErrorIs(t, err, hashchain.ErrOutOfOrder)

	_, err = events.Get(ctx, 99)
	assert.ErrorIs(t, err, hashchain.ErrEventNotFound)
}

func TestSQLite_TamperDetected(t *testing.T) {
	ctx := context.Background()
	events, _ := openSQLite(t)

	chain, err := hashchain.New(ctx, events)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, map[string]any{"i": i})
		require.NoError(t, err)
	}

	_, err = events.db.ExecContext(ctx, "UPDATE chain_events SET payload_digest = ? WHERE idx = ?", hashchain.GenesisDigest, 1)
	require.NoError(t, err)

	ok, err := chain.VerifyIntegrity(ctx)
	assert.False(t, ok)
	var ie *hashchain.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, uint64(1), ie.Index)
}

func TestSQLite_Checkpoints(t *testing.T) {
	ctx := context.Background()
	_, cps := openSQLite(t)

	a, err := cps.Create(ctx, checkpoint.State{"x": 1})
	require.NoError(t, err)
	b, err := cps.Create(ctx, checkpoint.State{"x": 2, "y": "z"})
	require.NoError(t, err)

	ids, err := cps.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []checkpoint.ID{a, b}, ids)

	state, err := cps.Restore(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "z", state["y"])

	cp, err := cps.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp.Sequence)

	proof, err := cps.ProveKey(ctx, b, "y")
	require.NoError(t, err)
	assert.Equal(t, cp.StateDigest, proof.MerkleRoot)

	_, err = cps.Restore(ctx, checkpoint.ID("nope"))
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	_, err = cps.db.ExecContext(ctx, "UPDATE checkpoints SET state = ? WHERE id = ?", `{"x":3}`, string(a))
	require.NoError(t, err)

	_, err = cps.Restore(ctx, a)
	var ce *checkpoint.CorruptedError
	assert.ErrorAs(t, err, &ce)

	failed, err := cps.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []checkpoint.ID{a}, failed)
}
