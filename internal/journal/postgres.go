package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/internal/resilience"
)

// Pool is the subset of pgxpool.Pool the journal uses. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a small connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 4
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS dispatches (
	id          TEXT PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	stage_index INTEGER NOT NULL,
	stage       TEXT NOT NULL,
	category    TEXT NOT NULL,
	campaign_id TEXT NOT NULL DEFAULT '',
	sent        INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	elapsed_ms  BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipelines (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ,
	data        JSONB NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	batch_id       TEXT NOT NULL,
	stage_index    INTEGER NOT NULL,
	stage          TEXT NOT NULL,
	request        JSONB NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dispatches_batch_id ON dispatches(batch_id);
CREATE INDEX IF NOT EXISTS idx_dispatches_created_at ON dispatches(created_at);
CREATE INDEX IF NOT EXISTS idx_pipelines_project_id ON pipelines(project_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_next_retry ON dead_letters(next_retry_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) RecordDispatch(ctx context.Context, records []DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin dispatch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range records {
		_, err := tx.Exec(ctx,
			`INSERT INTO dispatches (id, batch_id, stage_index, stage, category, campaign_id, sent, error, elapsed_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, r.BatchID, r.StageIndex, r.Stage, string(r.Category), r.CampaignID, r.Sent, r.Error, r.ElapsedMs, r.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert dispatch %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit dispatch")
}

func (s *PostgresStore) ListDispatches(ctx context.Context, filter DispatchFilter) ([]DispatchRecord, error) {
	query := `SELECT id, batch_id, stage_index, stage, category, campaign_id, sent, error, elapsed_ms, created_at FROM dispatches WHERE true`
	var args []any

	argIdx := 1

	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, batch_id, stage_index LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dispatches")
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		var r DispatchRecord
		var category string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.StageIndex, &r.Stage, &category, &r.CampaignID, &r.Sent, &r.Error, &r.ElapsedMs, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dispatch")
		}
		r.Category = model.Category(category)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dispatches iterate")
}

func (s *PostgresStore) SavePipeline(ctx context.Context, p model.Pipeline) error {
	data, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pipeline")
	}
	var created *time.Time
	if !p.CreatedAt.IsZero() {
		t := p.CreatedAt.UTC()
		created = &t
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipelines (id, project_id, status, created_at, data, observed_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET project_id = EXCLUDED.project_id, status = EXCLUDED.status,
		 created_at = EXCLUDED.created_at, data = EXCLUDED.data, observed_at = EXCLUDED.observed_at`,
		p.ID, projectOf(p), string(p.Status), created, data, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save pipeline %s", p.ID)
}

func (s *PostgresStore) GetPipeline(ctx context.Context, id string) (*PipelineSnapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT data, observed_at FROM pipelines WHERE id = $1`, id)
	return scanPgSnapshot(row)
}

func (s *PostgresStore) LatestPipeline(ctx context.Context, projectID string) (*PipelineSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT data, observed_at FROM pipelines WHERE project_id = $1 ORDER BY created_at DESC NULLS LAST, id DESC LIMIT 1`,
		projectID,
	)
	return scanPgSnapshot(row)
}

func scanPgSnapshot(row pgx.Row) (*PipelineSnapshot, error) {
	var data []byte
	var snap PipelineSnapshot
	if err := row.Scan(&data, &snap.ObservedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: scan pipeline")
	}
	if err := json.Unmarshal(data, &snap.Pipeline); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pipeline")
	}
	return &snap, nil
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq request")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, batch_id, stage_index, stage, request, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET request = EXCLUDED.request, error = EXCLUDED.error, error_type = EXCLUDED.error_type,
		 retry_count = EXCLUDED.retry_count, max_retries = EXCLUDED.max_retries, next_retry_at = EXCLUDED.next_retry_at,
		 last_failed_at = EXCLUDED.last_failed_at`,
		e.ID, e.BatchID, e.StageIndex, e.Stage, req, e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: enqueue dlq %s", e.ID)
}

const pgDLQColumns = `id, batch_id, stage_index, stage, request, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at`

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + pgDLQColumns + ` FROM dead_letters WHERE next_retry_at <= now() AND retry_count < max_retries`
	var args []any
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY next_retry_at ASC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	return s.queryDLQ(ctx, query, args...)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + pgDLQColumns + ` FROM dead_letters WHERE true`
	var args []any
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY last_failed_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	return s.queryDLQ(ctx, query, args...)
}

func (s *PostgresStore) queryDLQ(ctx context.Context, query string, args ...any) ([]resilience.DLQEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var req []byte
		if err := rows.Scan(&e.ID, &e.BatchID, &e.StageIndex, &e.Stage, &req, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq")
		}
		if err := json.Unmarshal(req, &e.Request); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal dlq request %s", e.ID)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now() WHERE id = $3`,
		nextRetryAt.UTC(), lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDLQEntryNotFound, "postgres: increment dlq retry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove dlq %s", id)
}
