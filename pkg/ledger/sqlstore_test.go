package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, "postgres"), mock
}

func TestSQLNextBlockIndex(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`UPDATE ledger_sequence SET next = next \+ 1`).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(41))

	idx, err := store.NextBlockIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(41), idx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAppendEntry(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs(int64(7), "e-1", "POLICY_EVALUATED", "INFO", "A",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			`{"n":1}`, sqlmock.AnyArg(), sqlmock.AnyArg(), ts, int64(7),
			"prev", "payload", "block", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendEntry(context.Background(), Entry{
		EntryID: "e-1", BlockIndex: 7, EventType: "POLICY_EVALUATED", Severity: "INFO",
		SubjectID: "A", Metadata: map[string]any{"n": 1}, Timestamp: ts, Sequence: 7,
		PrevHash: "prev", PayloadHash: "payload", BlockHash: "block",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAppendDuplicateIndex(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "ledger_entries_pkey"`))

	err := store.AppendEntry(context.Background(), Entry{
		EntryID: "e-1", BlockIndex: 7, EventType: "X", Severity: "INFO", SubjectID: "A",
		Timestamp: time.Now(), PrevHash: "p", PayloadHash: "p", BlockHash: "b",
	})
	assert.ErrorIs(t, err, ErrDuplicateIndex)
}

func TestSQLLatestEntryEmptyChain(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM ledger_entries ORDER BY block_index DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"block_index"}))

	latest, err := store.LatestEntry(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestSQLLastSealedEndWhenNoBlocks(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT MAX\(entry_end\) FROM merkle_blocks`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	end, err := store.LastSealedEnd(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), end)
}

func TestSQLQueryBuildsFilter(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ledger_entries WHERE subject_id = \$1 AND severity = \$2`).
		WithArgs("A", "SECURITY").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"block_index", "entry_id", "event_type", "severity", "subject_id", "passport_id",
		"institution_id", "target_id", "target_type", "metadata", "ip_hash", "region",
		"ts", "sequence", "prev_hash", "payload_hash", "block_hash", "merkle_root",
	}).AddRow(int64(3), "e-3", "SUBJECT_BANNED", "SECURITY", "A", nil,
		nil, "job-1", "job", `{"why":"fraud"}`, nil, nil,
		ts, int64(3), "prev", "payload", "block", nil)

	mock.ExpectQuery(`SELECT .+ FROM ledger_entries WHERE subject_id = \$1 AND severity = \$2 ORDER BY block_index ASC LIMIT \$3`).
		WithArgs("A", "SECURITY", 10).
		WillReturnRows(rows)

	entries, total, err := store.Query(context.Background(), QueryFilter{
		SubjectID: "A", Severity: SeveritySecurity, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "SUBJECT_BANNED", entries[0].EventType)
	assert.Equal(t, map[string]any{"why": "fraud"}, entries[0].Metadata)
	assert.Equal(t, ts, entries[0].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLGetDisputeNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM disputes WHERE dispute_id = \$1`).
		WithArgs("d-404").
		WillReturnRows(sqlmock.NewRows([]string{"dispute_id"}))

	_, err := store.GetDispute(context.Background(), "d-404")
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}
