package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verifyd/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func jobRow(j model.Job) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"id", "account_id", "status", "input_key", "input_format", "counts",
		"results", "failure_reason", "claim_token", "claim_expires_at",
		"attempts", "created_at", "updated_at",
	})
	rows.AddRow(j.ID, j.AccountID, string(j.Status), j.InputKey, j.InputFormat,
		[]byte(`{}`), nil, j.FailureReason, j.ClaimToken, j.ClaimExpiresAt,
		j.Attempts, j.CreatedAt, j.UpdatedAt)
	return rows
}

func mustMarshalOutputs(outputs model.ChunkOutputs) []byte {
	b, err := json.Marshal(outputs)
	if err != nil {
		panic(err)
	}
	return b
}

func emptyChunkRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "job_id", "seq", "stage", "status", "parent_chunk_id",
		"source_stage", "retry_attempt", "preferred_provider", "preferred_pool",
		"rotation_group", "last_worker_ids", "worker_id", "claim_token",
		"claimed_at", "claim_expires_at", "attempts", "available_at",
		"input_key", "email_count", "outputs", "failure_reason",
		"created_at", "updated_at",
	})
}

func chunkRow(c model.Chunk) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"id", "job_id", "seq", "stage", "status", "parent_chunk_id",
		"source_stage", "retry_attempt", "preferred_provider", "preferred_pool",
		"rotation_group", "last_worker_ids", "worker_id", "claim_token",
		"claimed_at", "claim_expires_at", "attempts", "available_at",
		"input_key", "email_count", "outputs", "failure_reason",
		"created_at", "updated_at",
	})
	var parent *string
	if c.ParentChunkID != "" {
		parent = &c.ParentChunkID
	}
	var outputs *[]byte
	if len(c.Outputs) > 0 {
		b := mustMarshalOutputs(c.Outputs)
		outputs = &b
	}
	rows.AddRow(c.ID, c.JobID, c.Seq, string(c.Stage), string(c.Status), parent,
		string(c.SourceStage), c.RetryAttempt, c.PreferredProvider, c.PreferredPool,
		c.RotationGroup, []byte(`[]`), c.WorkerID, c.ClaimToken,
		c.ClaimedAt, c.ClaimExpiresAt, c.Attempts, c.AvailableAt,
		c.InputKey, c.EmailCount, outputs, c.FailureReason,
		c.CreatedAt, c.UpdatedAt)
	return rows
}

func TestCreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), "acct-1", "pending", "jobs/j1/input.csv", "csv",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job := &model.Job{
		AccountID:   "acct-1",
		InputKey:    "jobs/j1/input.csv",
		InputFormat: "csv",
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobsFiltered(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE true AND status = \$1`).
		WithArgs("processing", 100).
		WillReturnRows(jobRow(model.Job{
			ID: "j1", Status: model.JobStatusProcessing, CreatedAt: now, UpdatedAt: now,
		}))

	jobs, err := s.ListJobs(context.Background(), JobFilter{Status: model.JobStatusProcessing})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, model.JobStatusProcessing, jobs[0].Status)
}

func TestUpdateJobStatusNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status`).
		WithArgs("failed", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJobStatus(context.Background(), "missing", model.JobStatusFailed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextChunkSeq(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), -1\) \+ 1 FROM chunks`).
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(3))

	seq, err := s.NextChunkSeq(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 3, seq)
}

func TestClaimChunkNoWork(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM chunks\s+WHERE stage = ANY`).
		WithArgs([]string{"screening"}, 2, 50).
		WillReturnRows(emptyChunkRows())
	mock.ExpectCommit()

	// An empty candidate set is not an error.
	chunk, err := s.ClaimChunk(context.Background(), ClaimQuery{
		WorkerID:        "w1",
		Stages:          []model.Stage{model.StageScreening},
		LeaseDuration:   5 * time.Minute,
		MaxProbeRetries: 2,
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, chunk)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimChunkLeases(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM chunks\s+WHERE stage = ANY`).
		WithArgs([]string{"screening", "smtp_probe"}, 2, 50).
		WillReturnRows(chunkRow(model.Chunk{
			ID: "c1", JobID: "j1", Seq: 0,
			Stage: model.StageScreening, Status: model.ChunkStatusPending,
			InputKey: "chunks/j1/0/input.csv", EmailCount: 2000,
			CreatedAt: now, UpdatedAt: now,
		}))
	mock.ExpectExec(`UPDATE chunks SET status = 'processing'`).
		WithArgs("w1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	chunk, err := s.ClaimChunk(context.Background(), ClaimQuery{
		WorkerID:        "w1",
		Stages:          []model.Stage{model.StageScreening, model.StageSMTPProbe},
		LeaseDuration:   5 * time.Minute,
		MaxProbeRetries: 2,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, model.ChunkStatusProcessing, chunk.Status)
	assert.Equal(t, "w1", chunk.WorkerID)
	assert.NotEmpty(t, chunk.ClaimToken)
	require.NotNil(t, chunk.ClaimExpiresAt)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), *chunk.ClaimExpiresAt, 10*time.Second)
	assert.Equal(t, []string{"w1"}, chunk.LastWorkerIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteChunkFirst(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM chunks WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(chunkRow(model.Chunk{
			ID: "c1", JobID: "j1", Stage: model.StageScreening,
			Status: model.ChunkStatusProcessing, WorkerID: "w1",
			CreatedAt: now, UpdatedAt: now,
		}))
	mock.ExpectExec(`UPDATE chunks SET status = 'completed'`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	outputs := model.ChunkOutputs{
		model.VerdictValid: {Key: "chunks/j1/0/valid.csv", Count: 1500},
	}
	res, err := s.CompleteChunk(context.Background(), "c1", outputs)
	require.NoError(t, err)
	assert.True(t, res.First)
	assert.Equal(t, model.ChunkStatusCompleted, res.Chunk.Status)
	assert.Equal(t, outputs, res.Chunk.Outputs)
}

func TestCompleteChunkIdempotent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	outputs := model.ChunkOutputs{
		model.VerdictValid: {Key: "chunks/j1/0/valid.csv", Count: 1500},
	}
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM chunks WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(chunkRow(model.Chunk{
			ID: "c1", JobID: "j1", Stage: model.StageScreening,
			Status: model.ChunkStatusCompleted, Outputs: outputs,
			CreatedAt: now, UpdatedAt: now,
		}))
	mock.ExpectCommit()

	res, err := s.CompleteChunk(context.Background(), "c1", outputs)
	require.NoError(t, err)
	assert.False(t, res.First)
}

func TestCompleteChunkConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM chunks WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(chunkRow(model.Chunk{
			ID: "c1", JobID: "j1", Stage: model.StageScreening,
			Status: model.ChunkStatusCompleted,
			Outputs: model.ChunkOutputs{
				model.VerdictValid: {Key: "chunks/j1/0/valid.csv", Count: 1500},
			},
			CreatedAt: now, UpdatedAt: now,
		}))
	mock.ExpectRollback()

	_, err := s.CompleteChunk(context.Background(), "c1", model.ChunkOutputs{
		model.VerdictValid: {Key: "chunks/j1/0/valid.csv", Count: 999},
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestFailChunkRequeues(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM chunks WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(chunkRow(model.Chunk{
			ID: "c1", JobID: "j1", Stage: model.StageScreening,
			Status: model.ChunkStatusProcessing, Attempts: 0,
			CreatedAt: now, UpdatedAt: now,
		}))
	mock.ExpectExec(`UPDATE chunks SET status`).
		WithArgs("pending", 1, "smtp timeout", pgxmock.AnyArg(), "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	status, err := s.FailChunk(context.Background(), "c1", true, "smtp timeout", 3)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkStatusPending, status)
}

func TestFailChunkExhaustsAttempts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM chunks WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(chunkRow(model.Chunk{
			ID: "c1", JobID: "j1", Stage: model.StageScreening,
			Status: model.ChunkStatusProcessing, Attempts: 2,
			CreatedAt: now, UpdatedAt: now,
		}))
	mock.ExpectExec(`UPDATE chunks SET status`).
		WithArgs("failed", 3, "smtp timeout", pgxmock.AnyArg(), "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	status, err := s.FailChunk(context.Background(), "c1", true, "smtp timeout", 3)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkStatusFailed, status)
}

func TestFailChunkNonRetryable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM chunks WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(chunkRow(model.Chunk{
			ID: "c1", JobID: "j1", Stage: model.StageScreening,
			Status: model.ChunkStatusProcessing,
			CreatedAt: now, UpdatedAt: now,
		}))
	mock.ExpectExec(`UPDATE chunks SET status`).
		WithArgs("failed", 1, "corrupt input", pgxmock.AnyArg(), "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	status, err := s.FailChunk(context.Background(), "c1", false, "corrupt input", 3)
	require.NoError(t, err)
	assert.Equal(t, model.ChunkStatusFailed, status)
}

func TestFindHandoffChunkMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM chunks`).
		WithArgs("j1", "c1").
		WillReturnError(pgx.ErrNoRows)

	chunk, err := s.FindHandoffChunk(context.Background(), "j1", "c1")
	require.NoError(t, err)
	assert.Nil(t, chunk)
}

func TestFindRetryChunkMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM chunks`).
		WithArgs("j1", "c1", 1).
		WillReturnError(pgx.ErrNoRows)

	chunk, err := s.FindRetryChunk(context.Background(), "j1", "c1", 1)
	require.NoError(t, err)
	assert.Nil(t, chunk)
}

func TestUpsertServerHeartbeat(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO servers`).
		WithArgs("srv-1", "10.0.0.5", "prod", "us-east", "pool-a", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "ip", "env", "region", "pool", "online", "draining",
			"last_heartbeat_at", "created_at",
		}).AddRow("srv-1", "10.0.0.5", "prod", "us-east", "pool-a", true, false, now, now))

	srv, err := s.UpsertServerHeartbeat(context.Background(), &model.WorkerServer{
		ID: "srv-1", IP: "10.0.0.5", Env: "prod", Region: "us-east", Pool: "pool-a",
	})
	require.NoError(t, err)
	assert.True(t, srv.Online)
	assert.False(t, srv.Draining)
}

func TestMarkStaleServersOffline(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE servers SET online = FALSE`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.MarkStaleServersOffline(context.Background(), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
