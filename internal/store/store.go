// Package store persists jobs, chunks, and worker servers. The chunk table
// is the single arbiter of chunk ownership: claims are conditional updates
// executed under row-level locking, so no client-side coordination exists.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/model"
)

// ErrNotFound is returned when a job, chunk, or server does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when a completion or failure report contradicts
// the chunk's recorded state (double-complete with a different payload,
// complete after fail, report on a superseded lease).
var ErrConflict = eris.New("store: conflicting chunk state")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status    model.JobStatus `json:"status,omitempty"`
	AccountID string          `json:"account_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// ClaimQuery carries everything the claim transaction needs to select and
// lease one chunk.
type ClaimQuery struct {
	WorkerID        string
	Stages          []model.Stage
	LeaseDuration   time.Duration
	MaxProbeRetries int
	CandidateSample int
	// WorkerHistory caps how many prior worker IDs are retained per chunk
	// for anti-repeat scoring.
	WorkerHistory int
}

// CompleteResult reports the outcome of a completion attempt.
type CompleteResult struct {
	Chunk *model.Chunk
	// First is true when this call transitioned the chunk to completed;
	// false on an idempotent re-submission of the same payload.
	First bool
}

// Store defines the persistence interface for the verification engine.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
	UpdateJobCounts(ctx context.Context, jobID string, counts model.JobCounts) error
	CompleteJob(ctx context.Context, jobID string, results model.JobResults, counts model.JobCounts) error
	FailJob(ctx context.Context, jobID string, reason string) error

	// Chunks
	CreateChunk(ctx context.Context, chunk *model.Chunk) error
	GetChunk(ctx context.Context, chunkID string) (*model.Chunk, error)
	ListChunks(ctx context.Context, jobID string) ([]model.Chunk, error)
	NextChunkSeq(ctx context.Context, jobID string) (int, error)
	CountChunksByStatus(ctx context.Context, jobID string) (map[model.ChunkStatus]int, error)

	// ClaimChunk selects one eligible chunk under row-level locking, leases
	// it to the query's worker, and returns it. pick chooses among the
	// locked candidate sample (routing policy lives with the caller); a nil
	// pick takes the oldest. Returns (nil, nil) when no work is eligible.
	ClaimChunk(ctx context.Context, q ClaimQuery, pick func(candidates []model.Chunk) int) (*model.Chunk, error)

	// CompleteChunk records a chunk's outputs. Idempotent for an identical
	// payload; returns ErrConflict for a mismatched payload or a chunk not
	// in a completable state.
	CompleteChunk(ctx context.Context, chunkID string, outputs model.ChunkOutputs) (*CompleteResult, error)

	// FailChunk increments the attempt counter and either requeues the
	// chunk (retryable, attempts remain) or marks it failed.
	FailChunk(ctx context.Context, chunkID string, retryable bool, errMsg string, maxAttempts int) (model.ChunkStatus, error)

	// UpdateChunkOutputs rewrites a completed chunk's output set; used only
	// by the post-completion planners.
	UpdateChunkOutputs(ctx context.Context, chunkID string, outputs model.ChunkOutputs) error

	// FindHandoffChunk returns the probe-stage chunk previously spawned
	// from the given screening chunk, or (nil, nil) when none exists.
	FindHandoffChunk(ctx context.Context, jobID, parentChunkID string) (*model.Chunk, error)

	// FindRetryChunk returns the retry chunk previously spawned from the
	// given parent at the given attempt, or (nil, nil) when none exists.
	FindRetryChunk(ctx context.Context, jobID, parentChunkID string, attempt int) (*model.Chunk, error)

	// Servers
	UpsertServerHeartbeat(ctx context.Context, server *model.WorkerServer) (*model.WorkerServer, error)
	GetServer(ctx context.Context, serverID string) (*model.WorkerServer, error)
	ListServers(ctx context.Context) ([]model.WorkerServer, error)
	SetServerDraining(ctx context.Context, serverID string, draining bool) error
	MarkStaleServersOffline(ctx context.Context, threshold time.Duration) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
