package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/model"
)

const chunkColumns = `id, job_id, seq, stage, status, parent_chunk_id, source_stage, retry_attempt, preferred_provider, preferred_pool, rotation_group, last_worker_ids, worker_id, claim_token, claimed_at, claim_expires_at, attempts, available_at, input_key, email_count, outputs, failure_reason, created_at, updated_at`

func scanChunk(row pgx.Row) (*model.Chunk, error) {
	var c model.Chunk
	var stage, status, sourceStage string
	var parentChunkID *string
	var workerIDsJSON []byte
	var outputsJSON *[]byte

	err := row.Scan(&c.ID, &c.JobID, &c.Seq, &stage, &status, &parentChunkID,
		&sourceStage, &c.RetryAttempt, &c.PreferredProvider, &c.PreferredPool,
		&c.RotationGroup, &workerIDsJSON, &c.WorkerID, &c.ClaimToken,
		&c.ClaimedAt, &c.ClaimExpiresAt, &c.Attempts, &c.AvailableAt,
		&c.InputKey, &c.EmailCount, &outputsJSON, &c.FailureReason,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Stage = model.Stage(stage)
	c.Status = model.ChunkStatus(status)
	c.SourceStage = model.Stage(sourceStage)
	if parentChunkID != nil {
		c.ParentChunkID = *parentChunkID
	}
	if len(workerIDsJSON) > 0 {
		if err := json.Unmarshal(workerIDsJSON, &c.LastWorkerIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal worker ids")
		}
	}
	if outputsJSON != nil && len(*outputsJSON) > 0 {
		if err := json.Unmarshal(*outputsJSON, &c.Outputs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal chunk outputs")
		}
	}
	return &c, nil
}

func (s *PostgresStore) CreateChunk(ctx context.Context, chunk *model.Chunk) error {
	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	chunk.CreatedAt = now
	chunk.UpdatedAt = now
	if chunk.Status == "" {
		chunk.Status = model.ChunkStatusPending
	}

	workerIDsJSON, err := json.Marshal(chunk.LastWorkerIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal worker ids")
	}
	var parentChunkID *string
	if chunk.ParentChunkID != "" {
		parentChunkID = &chunk.ParentChunkID
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO chunks (id, job_id, seq, stage, status, parent_chunk_id, source_stage, retry_attempt,
		                     preferred_provider, preferred_pool, rotation_group, last_worker_ids,
		                     attempts, available_at, input_key, email_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		chunk.ID, chunk.JobID, chunk.Seq, string(chunk.Stage), string(chunk.Status),
		parentChunkID, string(chunk.SourceStage), chunk.RetryAttempt,
		chunk.PreferredProvider, chunk.PreferredPool, chunk.RotationGroup, workerIDsJSON,
		chunk.Attempts, chunk.AvailableAt, chunk.InputKey, chunk.EmailCount, now, now,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return eris.Wrapf(ErrConflict, "chunk job=%s seq=%d", chunk.JobID, chunk.Seq)
	}
	return eris.Wrap(err, "postgres: insert chunk")
}

func (s *PostgresStore) GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error) {
	c, err := scanChunk(s.pool.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, chunkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "chunk %s", chunkID)
		}
		return nil, eris.Wrapf(err, "postgres: get chunk %s", chunkID)
	}
	return c, nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, jobID string) ([]model.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list chunks")
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk")
		}
		chunks = append(chunks, *c)
	}
	return chunks, eris.Wrap(rows.Err(), "postgres: list chunks iterate")
}

func (s *PostgresStore) NextChunkSeq(ctx context.Context, jobID string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM chunks WHERE job_id = $1`, jobID,
	).Scan(&seq)
	return seq, eris.Wrap(err, "postgres: next chunk seq")
}

func (s *PostgresStore) CountChunksByStatus(ctx context.Context, jobID string) (map[model.ChunkStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM chunks WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count chunks")
	}
	defer rows.Close()

	counts := make(map[model.ChunkStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk count")
		}
		counts[model.ChunkStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count chunks iterate")
}

func (s *PostgresStore) ClaimChunk(ctx context.Context, q ClaimQuery, pick func(candidates []model.Chunk) int) (*model.Chunk, error) {
	if q.CandidateSample <= 0 {
		q.CandidateSample = 50
	}
	if q.WorkerHistory <= 0 {
		q.WorkerHistory = 5
	}
	stages := make([]string, len(q.Stages))
	for i, st := range q.Stages {
		stages[i] = string(st)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim begin")
	}
	defer tx.Rollback(ctx)

	// Bounded candidate sample: the oldest eligible chunks, row-locked so a
	// concurrent claimer skips them instead of blocking. Scoring over only
	// this window can starve a higher-scoring chunk further back under
	// heavy backlog; that latency bound is deliberate.
	rows, err := tx.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE stage = ANY($1)
		   AND (status = 'pending' OR (status = 'processing' AND claim_expires_at <= now()))
		   AND (available_at IS NULL OR available_at <= now())
		   AND (stage <> 'smtp_probe' OR retry_attempt < $2)
		   AND EXISTS (SELECT 1 FROM jobs j WHERE j.id = chunks.job_id AND j.status = 'processing')
		 ORDER BY created_at, seq
		 LIMIT $3
		 FOR UPDATE OF chunks SKIP LOCKED`,
		stages, q.MaxProbeRetries, q.CandidateSample,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim candidates")
	}

	var candidates []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan claim candidate")
		}
		candidates = append(candidates, *c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: claim candidates iterate")
	}

	if len(candidates) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "postgres: claim commit empty")
		}
		return nil, nil
	}

	idx := 0
	if pick != nil {
		idx = pick(candidates)
		if idx < 0 || idx >= len(candidates) {
			idx = 0
		}
	}
	chosen := candidates[idx]

	now := time.Now().UTC()
	expires := now.Add(q.LeaseDuration)
	token := uuid.New().String()

	history := append(chosen.LastWorkerIDs, q.WorkerID)
	if len(history) > q.WorkerHistory {
		history = history[len(history)-q.WorkerHistory:]
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal worker history")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chunks SET status = 'processing', worker_id = $1, claim_token = $2,
		        claimed_at = $3, claim_expires_at = $4, last_worker_ids = $5, updated_at = $3
		 WHERE id = $6`,
		q.WorkerID, token, now, expires, historyJSON, chosen.ID,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: claim update")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: claim commit")
	}

	chosen.Status = model.ChunkStatusProcessing
	chosen.WorkerID = q.WorkerID
	chosen.ClaimToken = token
	chosen.ClaimedAt = &now
	chosen.ClaimExpiresAt = &expires
	chosen.LastWorkerIDs = history
	chosen.UpdatedAt = now
	return &chosen, nil
}

func (s *PostgresStore) CompleteChunk(ctx context.Context, chunkID string, outputs model.ChunkOutputs) (*CompleteResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: complete begin")
	}
	defer tx.Rollback(ctx)

	chunk, err := scanChunk(tx.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = $1 FOR UPDATE`, chunkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "chunk %s", chunkID)
		}
		return nil, eris.Wrapf(err, "postgres: complete lock chunk %s", chunkID)
	}

	switch chunk.Status {
	case model.ChunkStatusCompleted:
		// Idempotent re-submission: identical payload is a no-op success,
		// anything else is a conflict.
		if chunk.Outputs.Equal(outputs) {
			if err := tx.Commit(ctx); err != nil {
				return nil, eris.Wrap(err, "postgres: complete commit idempotent")
			}
			return &CompleteResult{Chunk: chunk, First: false}, nil
		}
		return nil, eris.Wrapf(ErrConflict, "chunk %s already completed with different outputs", chunkID)
	case model.ChunkStatusProcessing:
		// Fall through to first completion below.
	default:
		// Failed, or pending after a lease expiry requeue: this worker's
		// report has been superseded.
		return nil, eris.Wrapf(ErrConflict, "chunk %s is %s", chunkID, chunk.Status)
	}

	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal chunk outputs")
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE chunks SET status = 'completed', outputs = $1, claim_token = '',
		        claimed_at = NULL, claim_expires_at = NULL, updated_at = $2
		 WHERE id = $3`,
		outputsJSON, now, chunkID,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: complete chunk %s", chunkID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: complete commit")
	}

	chunk.Status = model.ChunkStatusCompleted
	chunk.Outputs = outputs
	chunk.ClaimToken = ""
	chunk.ClaimedAt = nil
	chunk.ClaimExpiresAt = nil
	chunk.UpdatedAt = now
	return &CompleteResult{Chunk: chunk, First: true}, nil
}

func (s *PostgresStore) FailChunk(ctx context.Context, chunkID string, retryable bool, errMsg string, maxAttempts int) (model.ChunkStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: fail begin")
	}
	defer tx.Rollback(ctx)

	chunk, err := scanChunk(tx.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = $1 FOR UPDATE`, chunkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", eris.Wrapf(ErrNotFound, "chunk %s", chunkID)
		}
		return "", eris.Wrapf(err, "postgres: fail lock chunk %s", chunkID)
	}

	if chunk.Status != model.ChunkStatusProcessing {
		return "", eris.Wrapf(ErrConflict, "chunk %s is %s", chunkID, chunk.Status)
	}

	attempts := chunk.Attempts + 1
	status := model.ChunkStatusFailed
	if retryable && attempts < maxAttempts {
		status = model.ChunkStatusPending
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE chunks SET status = $1, attempts = $2, failure_reason = $3, worker_id = '',
		        claim_token = '', claimed_at = NULL, claim_expires_at = NULL, updated_at = $4
		 WHERE id = $5`,
		string(status), attempts, errMsg, now, chunkID,
	); err != nil {
		return "", eris.Wrapf(err, "postgres: fail chunk %s", chunkID)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: fail commit")
	}
	return status, nil
}

func (s *PostgresStore) UpdateChunkOutputs(ctx context.Context, chunkID string, outputs model.ChunkOutputs) error {
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal chunk outputs")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE chunks SET outputs = $1, updated_at = $2 WHERE id = $3 AND status = 'completed'`,
		outputsJSON, time.Now().UTC(), chunkID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update chunk outputs %s", chunkID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "chunk %s is not completed", chunkID)
	}
	return nil
}

func (s *PostgresStore) FindHandoffChunk(ctx context.Context, jobID, parentChunkID string) (*model.Chunk, error) {
	c, err := scanChunk(s.pool.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE job_id = $1 AND parent_chunk_id = $2 AND stage = 'smtp_probe' AND source_stage = 'screening'`,
		jobID, parentChunkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find handoff chunk")
	}
	return c, nil
}

func (s *PostgresStore) FindRetryChunk(ctx context.Context, jobID, parentChunkID string, attempt int) (*model.Chunk, error) {
	c, err := scanChunk(s.pool.QueryRow(ctx,
		`SELECT `+chunkColumns+` FROM chunks
		 WHERE job_id = $1 AND parent_chunk_id = $2 AND retry_attempt = $3`,
		jobID, parentChunkID, attempt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find retry chunk")
	}
	return c, nil
}
