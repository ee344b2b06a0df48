package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/db"
	"github.com/sells-group/verifyd/internal/model"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
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

// Pool returns the underlying database pool for subsystems that need direct
// query access (the relational verdict cache shares it).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	input_key        TEXT NOT NULL DEFAULT '',
	input_format     TEXT NOT NULL DEFAULT '',
	counts           JSONB NOT NULL DEFAULT '{}',
	results          JSONB,
	failure_reason   TEXT NOT NULL DEFAULT '',
	claim_token      TEXT NOT NULL DEFAULT '',
	claim_expires_at TIMESTAMPTZ,
	attempts         INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id);

CREATE TABLE IF NOT EXISTS chunks (
	id                 TEXT PRIMARY KEY,
	job_id             TEXT NOT NULL REFERENCES jobs(id),
	seq                INTEGER NOT NULL,
	stage              TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	parent_chunk_id    TEXT,
	source_stage       TEXT NOT NULL DEFAULT '',
	retry_attempt      INTEGER NOT NULL DEFAULT 0,
	preferred_provider TEXT NOT NULL DEFAULT '',
	preferred_pool     TEXT NOT NULL DEFAULT '',
	rotation_group     TEXT NOT NULL DEFAULT '',
	last_worker_ids    JSONB NOT NULL DEFAULT '[]',
	worker_id          TEXT NOT NULL DEFAULT '',
	claim_token        TEXT NOT NULL DEFAULT '',
	claimed_at         TIMESTAMPTZ,
	claim_expires_at   TIMESTAMPTZ,
	attempts           INTEGER NOT NULL DEFAULT 0,
	available_at       TIMESTAMPTZ,
	input_key          TEXT NOT NULL DEFAULT '',
	email_count        INTEGER NOT NULL DEFAULT 0,
	outputs            JSONB,
	failure_reason     TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_chunks_job_id ON chunks(job_id);
CREATE INDEX IF NOT EXISTS idx_chunks_claim ON chunks(status, stage, created_at);
-- One probe chunk per screening parent: makes the handoff planner idempotent
-- even across a retried finalize.
CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_handoff
	ON chunks(job_id, parent_chunk_id)
	WHERE stage = 'smtp_probe' AND source_stage = 'screening';
-- One retry chunk per parent attempt: makes the tempfail planner idempotent
-- when a completion ack is re-driven.
CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_retry
	ON chunks(job_id, parent_chunk_id, retry_attempt)
	WHERE retry_attempt > 0;

CREATE TABLE IF NOT EXISTS servers (
	id                TEXT PRIMARY KEY,
	ip                TEXT NOT NULL DEFAULT '',
	env               TEXT NOT NULL DEFAULT '',
	region            TEXT NOT NULL DEFAULT '',
	pool              TEXT NOT NULL DEFAULT '',
	online            BOOLEAN NOT NULL DEFAULT true,
	draining          BOOLEAN NOT NULL DEFAULT false,
	last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_servers_online ON servers(online);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

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

// Jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}

	countsJSON, err := json.Marshal(job.Counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job counts")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, account_id, status, input_key, input_format, counts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.AccountID, string(job.Status), job.InputKey, job.InputFormat, countsJSON, now, now,
	)
	return eris.Wrap(err, "postgres: insert job")
}

const jobColumns = `id, account_id, status, input_key, input_format, counts, results, failure_reason, claim_token, claim_expires_at, attempts, created_at, updated_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var status string
	var countsJSON []byte
	var resultsJSON *[]byte

	err := row.Scan(&j.ID, &j.AccountID, &status, &j.InputKey, &j.InputFormat,
		&countsJSON, &resultsJSON, &j.FailureReason, &j.ClaimToken,
		&j.ClaimExpiresAt, &j.Attempts, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if len(countsJSON) > 0 {
		if err := json.Unmarshal(countsJSON, &j.Counts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job counts")
		}
	}
	if resultsJSON != nil && len(*resultsJSON) > 0 {
		if err := json.Unmarshal(*resultsJSON, &j.Results); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job results")
		}
	}
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.AccountID != "" {
		query += fmt.Sprintf(` AND account_id = $%d`, argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) UpdateJobCounts(ctx context.Context, jobID string, counts model.JobCounts) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job counts")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET counts = $1, updated_at = $2 WHERE id = $3`,
		countsJSON, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job counts %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, results model.JobResults, counts model.JobCounts) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job results")
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job counts")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, results = $2, counts = $3, updated_at = $4 WHERE id = $5`,
		string(model.JobStatusCompleted), resultsJSON, countsJSON, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, failure_reason = $2, updated_at = $3 WHERE id = $4`,
		string(model.JobStatusFailed), reason, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}
