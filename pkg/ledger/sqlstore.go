package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store using database/sql. It supports both Postgres
// (lib/pq) and SQLite (modernc.org/sqlite). The entry table carries
// triggers that reject UPDATE and DELETE, so append-only holds even
// against direct SQL access; block index reservation is a single atomic
// UPDATE ... RETURNING against the sequence row.
type SQLStore struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite"
}

// NewSQLStore wraps an open database handle. dialect selects the
// append-only trigger flavor.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const schemaCommon = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	block_index BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	passport_id TEXT,
	institution_id TEXT,
	target_id TEXT,
	target_type TEXT,
	metadata TEXT,
	ip_hash TEXT,
	region TEXT,
	ts TIMESTAMP NOT NULL,
	sequence BIGINT NOT NULL,
	prev_hash TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	block_hash TEXT NOT NULL,
	merkle_root TEXT
);
CREATE INDEX IF NOT EXISTS idx_ledger_subject ON ledger_entries(subject_id);
CREATE INDEX IF NOT EXISTS idx_ledger_target ON ledger_entries(target_id);

CREATE TABLE IF NOT EXISTS ledger_sequence (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	next BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS merkle_blocks (
	block_number BIGINT PRIMARY KEY,
	entry_start BIGINT NOT NULL,
	entry_end BIGINT NOT NULL,
	leaf_hashes TEXT NOT NULL,
	merkle_root TEXT NOT NULL,
	sealed_at TIMESTAMP NOT NULL,
	sealed_by TEXT NOT NULL,
	signature TEXT
);

CREATE TABLE IF NOT EXISTS disputes (
	dispute_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	status TEXT NOT NULL,
	opened_by TEXT NOT NULL,
	opened_at TIMESTAMP NOT NULL,
	evidence_entry_ids TEXT,
	outcome TEXT,
	refund_amount DOUBLE PRECISION,
	resolved_by TEXT,
	resolved_at TIMESTAMP
);
`

// SQLite trigger syntax; merkle_root back-annotation is the one permitted
// column change on a sealed entry.
const sqliteGuards = `
CREATE TRIGGER IF NOT EXISTS ledger_no_update
BEFORE UPDATE ON ledger_entries
WHEN OLD.block_hash <> NEW.block_hash
	OR OLD.payload_hash <> NEW.payload_hash
	OR OLD.prev_hash <> NEW.prev_hash
	OR OLD.metadata IS NOT NEW.metadata
	OR OLD.event_type <> NEW.event_type
	OR OLD.subject_id <> NEW.subject_id
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are append-only');
END;
CREATE TRIGGER IF NOT EXISTS ledger_no_delete
BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are append-only');
END;
`

const postgresGuards = `
CREATE OR REPLACE FUNCTION ledger_refuse_mutation() RETURNS trigger AS $fn$
BEGIN
	IF TG_OP = 'DELETE' THEN
		RAISE EXCEPTION 'ledger entries are append-only';
	END IF;
	IF OLD.block_hash <> NEW.block_hash
		OR OLD.payload_hash <> NEW.payload_hash
		OR OLD.prev_hash <> NEW.prev_hash
		OR OLD.metadata IS DISTINCT FROM NEW.metadata
		OR OLD.event_type <> NEW.event_type
		OR OLD.subject_id <> NEW.subject_id THEN
		RAISE EXCEPTION 'ledger entries are append-only';
	END IF;
	RETURN NEW;
END;
$fn$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_guard ON ledger_entries;
CREATE TRIGGER ledger_guard
BEFORE UPDATE OR DELETE ON ledger_entries
FOR EACH ROW EXECUTE FUNCTION ledger_refuse_mutation();
`

// Init creates the schema, guards, and the sequence row.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaCommon); err != nil {
		return fmt.Errorf("ledger: create schema: %w", err)
	}
	guards := sqliteGuards
	if s.dialect == "postgres" {
		guards = postgresGuards
	}
	if _, err := s.db.ExecContext(ctx, guards); err != nil {
		return fmt.Errorf("ledger: install append-only guards: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_sequence (id, next) VALUES (0, 0) ON CONFLICT (id) DO NOTHING`); err != nil {
		return fmt.Errorf("ledger: seed sequence: %w", err)
	}
	return nil
}

func (s *SQLStore) NextBlockIndex(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE ledger_sequence SET next = next + 1 WHERE id = 0 RETURNING next - 1`)
	var idx int64
	if err := row.Scan(&idx); err != nil {
		return 0, fmt.Errorf("ledger: advance sequence: %w", err)
	}
	return idx, nil
}

const entryColumns = `block_index, entry_id, event_type, severity, subject_id, passport_id,
	institution_id, target_id, target_type, metadata, ip_hash, region, ts, sequence,
	prev_hash, payload_hash, block_hash, merkle_root`

func (s *SQLStore) AppendEntry(ctx context.Context, e Entry) error {
	md, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.BlockIndex, e.EntryID, e.EventType, e.Severity, e.SubjectID,
		nullable(e.PassportID), nullable(e.InstitutionID), nullable(e.TargetID), nullable(e.TargetType),
		md, nullable(e.IPHash), nullable(e.Region), e.Timestamp, e.Sequence,
		e.PrevHash, e.PayloadHash, e.BlockHash, nullable(e.MerkleRoot),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIndex
		}
		return fmt.Errorf("ledger: insert entry: %w", err)
	}
	return nil
}

func (s *SQLStore) LatestEntry(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries ORDER BY block_index DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLStore) EntriesInRange(ctx context.Context, from, to int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE block_index >= $1 AND block_index <= $2 ORDER BY block_index ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("ledger: range query: %w", err)
	}
	return collectEntries(rows)
}

func (s *SQLStore) EntriesByTarget(ctx context.Context, targetID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE target_id = $1 ORDER BY block_index ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("ledger: target query: %w", err)
	}
	return collectEntries(rows)
}

func (s *SQLStore) Query(ctx context.Context, f QueryFilter) ([]Entry, int, error) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 8)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SubjectID != "" {
		where = append(where, "subject_id = "+arg(f.SubjectID))
	}
	if f.TargetID != "" {
		where = append(where, "target_id = "+arg(f.TargetID))
	}
	if f.InstitutionID != "" {
		where = append(where, "institution_id = "+arg(f.InstitutionID))
	}
	if f.Severity != "" {
		where = append(where, "severity = "+arg(string(f.Severity)))
	}
	if len(f.EventTypes) > 0 {
		placeholders := make([]string, len(f.EventTypes))
		for i, et := range f.EventTypes {
			placeholders[i] = arg(string(et))
		}
		where = append(where, "event_type IN ("+strings.Join(placeholders, ",")+")")
	}
	if !f.From.IsZero() {
		where = append(where, "ts >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "ts <= "+arg(f.To))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ledger: count query: %w", err)
	}

	paged := `SELECT ` + entryColumns + ` FROM ledger_entries` + clause + ` ORDER BY block_index ASC`
	if f.Limit > 0 {
		paged += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		paged += " OFFSET " + arg(f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, paged, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger: filter query: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *SQLStore) AnnotateMerkleRoot(ctx context.Context, from, to int64, root string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET merkle_root = $1 WHERE block_index >= $2 AND block_index <= $3`,
		root, from, to)
	if err != nil {
		return fmt.Errorf("ledger: annotate merkle root: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveBlock(ctx context.Context, b MerkleBlock) error {
	leaves, err := json.Marshal(b.LeafHashes)
	if err != nil {
		return fmt.Errorf("ledger: marshal leaves: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merkle_blocks (block_number, entry_start, entry_end, leaf_hashes, merkle_root, sealed_at, sealed_by, signature)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		b.BlockNumber, b.EntryStart, b.EntryEnd, string(leaves), b.MerkleRoot, b.SealedAt, b.SealedBy, b.Signature)
	if err != nil {
		return fmt.Errorf("ledger: save block: %w", err)
	}
	return nil
}

func (s *SQLStore) LastSealedEnd(ctx context.Context) (int64, error) {
	var end sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(entry_end) FROM merkle_blocks`).Scan(&end); err != nil {
		return 0, fmt.Errorf("ledger: last sealed end: %w", err)
	}
	if !end.Valid {
		return -1, nil
	}
	return end.Int64, nil
}

func (s *SQLStore) BlockCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM merkle_blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: block count: %w", err)
	}
	return n, nil
}

func (s *SQLStore) SaveDispute(ctx context.Context, d Dispute) error {
	ids, err := json.Marshal(d.EvidenceEntryIDs)
	if err != nil {
		return fmt.Errorf("ledger: marshal evidence ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO disputes (dispute_id, job_id, reason, status, opened_by, opened_at, evidence_entry_ids, outcome, refund_amount, resolved_by, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (dispute_id) DO UPDATE SET
			status = EXCLUDED.status,
			outcome = EXCLUDED.outcome,
			refund_amount = EXCLUDED.refund_amount,
			resolved_by = EXCLUDED.resolved_by,
			resolved_at = EXCLUDED.resolved_at`,
		d.DisputeID, d.JobID, string(d.Reason), string(d.Status), d.OpenedBy, d.OpenedAt,
		string(ids), nullable(d.Outcome), d.RefundAmount, nullable(d.ResolvedBy), nullTime(d.ResolvedAt))
	if err != nil {
		return fmt.Errorf("ledger: save dispute: %w", err)
	}
	return nil
}

func (s *SQLStore) GetDispute(ctx context.Context, disputeID string) (Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT dispute_id, job_id, reason, status, opened_by, opened_at, evidence_entry_ids, outcome, refund_amount, resolved_by, resolved_at
		FROM disputes WHERE dispute_id = $1`, disputeID)

	var d Dispute
	var ids, outcome, resolvedBy sql.NullString
	var refund sql.NullFloat64
	var resolvedAt sql.NullTime
	var reason, status string
	err := row.Scan(&d.DisputeID, &d.JobID, &reason, &status, &d.OpenedBy, &d.OpenedAt,
		&ids, &outcome, &refund, &resolvedBy, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Dispute{}, ErrDisputeNotFound
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("ledger: load dispute: %w", err)
	}
	d.Reason = DisputeReason(reason)
	d.Status = DisputeStatus(status)
	if ids.Valid && ids.String != "" {
		if err := json.Unmarshal([]byte(ids.String), &d.EvidenceEntryIDs); err != nil {
			return Dispute{}, fmt.Errorf("ledger: decode evidence ids: %w", err)
		}
	}
	d.Outcome = outcome.String
	d.RefundAmount = refund.Float64
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = resolvedAt.Time
	}
	return d, nil
}

var _ Store = (*SQLStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var passport, institution, target, targetType, md, ipHash, region, merkleRoot sql.NullString
	err := row.Scan(&e.BlockIndex, &e.EntryID, &e.EventType, &e.Severity, &e.SubjectID,
		&passport, &institution, &target, &targetType, &md, &ipHash, &region,
		&e.Timestamp, &e.Sequence, &e.PrevHash, &e.PayloadHash, &e.BlockHash, &merkleRoot)
	if err != nil {
		return Entry{}, err
	}
	e.PassportID = passport.String
	e.InstitutionID = institution.String
	e.TargetID = target.String
	e.TargetType = targetType.String
	e.IPHash = ipHash.String
	e.Region = region.String
	e.MerkleRoot = merkleRoot.String
	if md.Valid && md.String != "" {
		if err := json.Unmarshal([]byte(md.String), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("ledger: decode metadata: %w", err)
		}
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	defer func() { _ = rows.Close() }()
	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func marshalMetadata(md map[string]any) (string, error) {
	if len(md) == 0 {
		return "", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal metadata: %w", err)
	}
	return string(b), nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
