package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dispatches (
	id          TEXT PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	stage_index INTEGER NOT NULL,
	stage       TEXT NOT NULL,
	category    TEXT NOT NULL,
	campaign_id TEXT NOT NULL DEFAULT '',
	sent        INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	elapsed_ms  INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pipelines (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	created_ns  INTEGER NOT NULL DEFAULT 0,
	data        TEXT NOT NULL,
	observed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	batch_id       TEXT NOT NULL,
	stage_index    INTEGER NOT NULL,
	stage          TEXT NOT NULL,
	request        TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_ns  INTEGER NOT NULL,
	created_ns     INTEGER NOT NULL,
	last_failed_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatches_batch_id ON dispatches(batch_id);
CREATE INDEX IF NOT EXISTS idx_dispatches_created_at ON dispatches(created_at);
CREATE INDEX IF NOT EXISTS idx_pipelines_project_id ON pipelines(project_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_next_retry ON dead_letters(next_retry_ns);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordDispatch(ctx context.Context, records []DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin dispatch")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dispatches (id, batch_id, stage_index, stage, category, campaign_id, sent, error, elapsed_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.BatchID, r.StageIndex, r.Stage, string(r.Category), r.CampaignID, r.Sent, r.Error, r.ElapsedMs, r.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert dispatch %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit dispatch")
}

func (s *SQLiteStore) ListDispatches(ctx context.Context, filter DispatchFilter) ([]DispatchRecord, error) {
	query := `SELECT id, batch_id, stage_index, stage, category, campaign_id, sent, error, elapsed_ms, created_at FROM dispatches WHERE 1=1`
	var args []any

	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY created_at DESC, batch_id, stage_index LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dispatches")
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		var r DispatchRecord
		var category string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.StageIndex, &r.Stage, &category, &r.CampaignID, &r.Sent, &r.Error, &r.ElapsedMs, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dispatch")
		}
		r.Category = model.Category(category)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dispatches iterate")
}

func (s *SQLiteStore) SavePipeline(ctx context.Context, p model.Pipeline) error {
	data, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pipeline")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, project_id, status, created_ns, data, observed_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET project_id = excluded.project_id, status = excluded.status,
		 created_ns = excluded.created_ns, data = excluded.data, observed_at = excluded.observed_at`,
		p.ID, projectOf(p), string(p.Status), createdNanos(p), string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save pipeline %s", p.ID)
}

func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*PipelineSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, observed_at FROM pipelines WHERE id = ?`, id)
	return scanSnapshot(row)
}

func (s *SQLiteStore) LatestPipeline(ctx context.Context, projectID string) (*PipelineSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, observed_at FROM pipelines WHERE project_id = ? ORDER BY created_ns DESC, id DESC LIMIT 1`,
		projectID,
	)
	return scanSnapshot(row)
}

func scanSnapshot(row *sql.Row) (*PipelineSnapshot, error) {
	var data string
	var snap PipelineSnapshot
	err := row.Scan(&data, &snap.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan pipeline")
	}
	if err := json.Unmarshal([]byte(data), &snap.Pipeline); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pipeline")
	}
	return &snap, nil
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq request")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, batch_id, stage_index, stage, request, error, error_type, retry_count, max_retries, next_retry_ns, created_ns, last_failed_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET request = excluded.request, error = excluded.error, error_type = excluded.error_type,
		 retry_count = excluded.retry_count, max_retries = excluded.max_retries, next_retry_ns = excluded.next_retry_ns,
		 last_failed_ns = excluded.last_failed_ns`,
		e.ID, e.BatchID, e.StageIndex, e.Stage, string(req), e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		e.NextRetryAt.UnixNano(), e.CreatedAt.UnixNano(), e.LastFailedAt.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: enqueue dlq %s", e.ID)
}

const sqliteDLQColumns = `id, batch_id, stage_index, stage, request, error, error_type, retry_count, max_retries, next_retry_ns, created_ns, last_failed_ns`

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + sqliteDLQColumns + ` FROM dead_letters WHERE next_retry_ns <= ? AND retry_count < max_retries`
	args := []any{time.Now().UnixNano()}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_ns ASC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	return s.queryDLQ(ctx, query, args...)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + sqliteDLQColumns + ` FROM dead_letters WHERE 1=1`
	var args []any
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY last_failed_ns DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	return s.queryDLQ(ctx, query, args...)
}

func (s *SQLiteStore) queryDLQ(ctx context.Context, query string, args ...any) ([]resilience.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var req string
		var nextNs, createdNs, failedNs int64
		if err := rows.Scan(&e.ID, &e.BatchID, &e.StageIndex, &e.Stage, &req, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &nextNs, &createdNs, &failedNs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq")
		}
		if err := json.Unmarshal([]byte(req), &e.Request); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal dlq request %s", e.ID)
		}
		e.NextRetryAt = time.Unix(0, nextNs).UTC()
		e.CreatedAt = time.Unix(0, createdNs).UTC()
		e.LastFailedAt = time.Unix(0, failedNs).UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET retry_count = retry_count + 1, next_retry_ns = ?, error = ?, last_failed_ns = ? WHERE id = ?`,
		nextRetryAt.UnixNano(), lastErr, time.Now().UnixNano(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	if n == 0 {
		return eris.Wrapf(ErrDLQEntryNotFound, "sqlite: increment dlq retry %s", id)
	}
	return nil
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: remove dlq %s", id)
}

// helpers

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func projectOf(p model.Pipeline) string {
	if p.ProjectID == nil {
		return ""
	}
	return *p.ProjectID
}

func createdNanos(p model.Pipeline) int64 {
	if p.CreatedAt.IsZero() {
		return 0
	}
	return p.CreatedAt.UnixNano()
}
