package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"dispatch-sync-client/internal/logger"
)

// SQLiteStore persists the offline queue and conflict records in a local
// database file so both survive process restarts.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	target_url TEXT NOT NULL,
	http_method TEXT NOT NULL,
	headers TEXT,
	payload TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_status_created ON queue_entries(status, created_at);

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	conflict_type TEXT NOT NULL,
	detected_at TIMESTAMP NOT NULL,
	candidate_a TEXT,
	candidate_b TEXT,
	resolution TEXT NOT NULL DEFAULT 'unresolved'
);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolution ON conflicts(resolution);

CREATE TABLE IF NOT EXISTS migration_stats (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);
`

const statResolvedConflicts = "resolved_conflicts"

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	// A single writer keeps sqlite happy under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init sqlite schema: %w", err)
	}

	logger.Log.Info("Opened local store", zap.String("path", path))

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execTx executes fn within a transaction.
func (s *SQLiteStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) EnqueueEntry(ctx context.Context, entry *QueueEntry) error {
	if entry.Status == "" {
		entry.Status = EntryPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO queue_entries (id, created_at, entity_type, entity_id, operation, target_url, http_method, headers, payload, status, retry_count, last_error)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.CreatedAt,
		entry.EntityType,
		entry.EntityID,
		entry.Operation,
		entry.TargetURL,
		entry.HTTPMethod,
		nullableJSON(entry.Headers),
		nullableJSON(entry.Payload),
		entry.Status,
		entry.RetryCount,
		entry.LastError,
	)

	return err
}

const queueColumns = `id, created_at, entity_type, entity_id, operation, target_url, http_method, headers, payload, status, retry_count, last_error`

func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_entries WHERE id = ?`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListPending returns pending entries in insertion order. Replay order is
// the enqueue order, so the sort key must not change; rowid breaks
// created_at ties for entries written within the same clock tick.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_entries WHERE status = ? ORDER BY created_at, rowid`
	return s.listEntries(ctx, query, EntryPending)
}

func (s *SQLiteStore) ListFailed(ctx context.Context, limit int) ([]*QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + queueColumns + ` FROM queue_entries WHERE status = ? ORDER BY created_at, rowid LIMIT ?`
	return s.listEntries(ctx, query, EntryFailed, limit)
}

func (s *SQLiteStore) listEntries(ctx context.Context, query string, args ...any) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) MarkSyncing(ctx context.Context, id string) error {
	query := `UPDATE queue_entries SET status = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, EntrySyncing, id)
	return err
}

// MarkPending returns an in-flight entry to the queue without touching its
// retry count. Used when a drain pass is cancelled mid-entry.
func (s *SQLiteStore) MarkPending(ctx context.Context, id string) error {
	query := `UPDATE queue_entries SET status = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, EntryPending, id)
	return err
}

// RecoverSyncing returns all entries stranded in syncing back to pending.
// Called on startup; an entry can only be stranded by a crash mid-drain.
func (s *SQLiteStore) RecoverSyncing(ctx context.Context) error {
	query := `UPDATE queue_entries SET status = ? WHERE status = ?`
	_, err := s.db.ExecContext(ctx, query, EntryPending, EntrySyncing)
	return err
}

func (s *SQLiteStore) DeleteEntry(ctx context.Context, id string) error {
	query := `DELETE FROM queue_entries WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// RecordEntryFailure increments the retry count and moves the entry back to
// pending, or to failed once the ceiling is reached. Returns whether the
// entry went failed.
func (s *SQLiteStore) RecordEntryFailure(ctx context.Context, id string, lastError string, ceiling int) (bool, error) {
	failed := false
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		var retryCount int
		row := tx.QueryRowContext(ctx, `SELECT retry_count FROM queue_entries WHERE id = ?`, id)
		if err := row.Scan(&retryCount); err != nil {
			return err
		}

		retryCount++
		status := EntryPending
		if retryCount >= ceiling {
			status = EntryFailed
			failed = true
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET retry_count = ?, status = ?, last_error = ? WHERE id = ?`,
			retryCount, status, lastError, id,
		)
		return err
	})
	return failed, err
}

// RequeueEntry resets a failed entry so the next drain picks it up again.
// Operator action; automatic retries never touch failed entries.
func (s *SQLiteStore) RequeueEntry(ctx context.Context, id string) error {
	query := `UPDATE queue_entries SET status = ?, retry_count = 0, last_error = NULL WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, EntryPending, id, EntryFailed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PruneFailed keeps at most cap failed entries, dropping the oldest first.
func (s *SQLiteStore) PruneFailed(ctx context.Context, cap int) error {
	if cap <= 0 {
		return nil
	}
	query := `DELETE FROM queue_entries WHERE status = ? AND id NOT IN (
				SELECT id FROM queue_entries WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ?)`
	_, err := s.db.ExecContext(ctx, query, EntryFailed, EntryFailed, cap)
	return err
}

func (s *SQLiteStore) CountQueue(ctx context.Context) (*QueueCounts, error) {
	query := `SELECT status, COUNT(*) FROM queue_entries GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := &QueueCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case EntryPending:
			counts.Pending = n
		case EntrySyncing:
			counts.Syncing = n
		case EntryFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	if conflict.Resolution == "" {
		conflict.Resolution = ResolutionUnresolved
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = time.Now().UTC()
	}

	query := `INSERT INTO conflicts (id, entity_type, entity_id, conflict_type, detected_at, candidate_a, candidate_b, resolution)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conflict.ID,
		conflict.EntityType,
		conflict.EntityID,
		conflict.ConflictType,
		conflict.DetectedAt,
		nullableJSON(conflict.CandidateA),
		nullableJSON(conflict.CandidateB),
		conflict.Resolution,
	)

	return err
}

const conflictColumns = `id, entity_type, entity_id, conflict_type, detected_at, candidate_a, candidate_b, resolution`

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE id = ?`

	conflict, err := scanConflict(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conflict, nil
}

// ListConflicts filters by resolution; an empty resolution returns all.
func (s *SQLiteStore) ListConflicts(ctx context.Context, resolution string, limit, offset int) ([]*Conflict, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if resolution == "" {
		query := `SELECT ` + conflictColumns + ` FROM conflicts ORDER BY detected_at, id LIMIT ? OFFSET ?`
		rows, err = s.db.QueryContext(ctx, query, limit, offset)
	} else {
		query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE resolution = ? ORDER BY detected_at, id LIMIT ? OFFSET ?`
		rows, err = s.db.QueryContext(ctx, query, resolution, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, rows.Err()
}

// FinalizeConflict retires a settled conflict: the record is removed and the
// durable resolved counter bumped in one transaction, so migration progress
// survives the record's deletion.
func (s *SQLiteStore) FinalizeConflict(ctx context.Context, id string) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return sql.ErrNoRows
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO migration_stats (key, value) VALUES (?, 1)
			 ON CONFLICT(key) DO UPDATE SET value = value + 1`,
			statResolvedConflicts,
		)
		return err
	})
}

// DeleteConflict discards a record without touching the resolved counter.
// Used when an operator drops a spurious conflict rather than resolving it.
func (s *SQLiteStore) DeleteConflict(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) GetMigrationProgress(ctx context.Context) (*MigrationProgress, error) {
	progress := &MigrationProgress{}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflicts WHERE resolution = ?`, ResolutionUnresolved,
	)
	if err := row.Scan(&progress.Unresolved); err != nil {
		return nil, err
	}

	// Resolved records are deleted on finalization; the counter carries them.
	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(value), 0) FROM migration_stats WHERE key = ?`, statResolvedConflicts,
	)
	if err := row.Scan(&progress.Resolved); err != nil {
		return nil, err
	}
	progress.TotalConflicts = progress.Unresolved + progress.Resolved

	counts, err := s.CountQueue(ctx)
	if err != nil {
		return nil, err
	}
	progress.QueuePending = counts.Pending + counts.Syncing
	progress.QueueFailed = counts.Failed

	return progress, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*QueueEntry, error) {
	var entry QueueEntry
	var headers, payload sql.NullString
	err := row.Scan(
		&entry.ID,
		&entry.CreatedAt,
		&entry.EntityType,
		&entry.EntityID,
		&entry.Operation,
		&entry.TargetURL,
		&entry.HTTPMethod,
		&headers,
		&payload,
		&entry.Status,
		&entry.RetryCount,
		&entry.LastError,
	)
	if err != nil {
		return nil, err
	}
	if headers.Valid {
		entry.Headers = []byte(headers.String)
	}
	if payload.Valid {
		entry.Payload = []byte(payload.String)
	}
	return &entry, nil
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var conflict Conflict
	var candidateA, candidateB sql.NullString
	err := row.Scan(
		&conflict.ID,
		&conflict.EntityType,
		&conflict.EntityID,
		&conflict.ConflictType,
		&conflict.DetectedAt,
		&candidateA,
		&candidateB,
		&conflict.Resolution,
	)
	if err != nil {
		return nil, err
	}
	if candidateA.Valid {
		conflict.CandidateA = []byte(candidateA.String)
	}
	if candidateB.Valid {
		conflict.CandidateB = []byte(candidateB.String)
	}
	return &conflict, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
