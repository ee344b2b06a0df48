package model

import "time"

// ChunkStatus tracks the lifecycle of one chunk.
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusProcessing ChunkStatus = "processing"
	ChunkStatusCompleted  ChunkStatus = "completed"
	ChunkStatusFailed     ChunkStatus = "failed"
)

// Stage identifies which verification pass a chunk belongs to.
type Stage string

const (
	// StageScreening is the first cheap pass: syntax, MX, cache.
	StageScreening Stage = "screening"
	// StageSMTPProbe is the live SMTP-level pass over screening survivors.
	StageSMTPProbe Stage = "smtp_probe"
)

// OutputRef locates one per-status output file and its row count.
type OutputRef struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ChunkOutputs maps verdict status to the chunk's output file for that status.
type ChunkOutputs map[VerdictStatus]OutputRef

// Equal reports whether two output sets reference the same keys and counts.
func (o ChunkOutputs) Equal(other ChunkOutputs) bool {
	if len(o) != len(other) {
		return false
	}
	for status, ref := range o {
		if other[status] != ref {
			return false
		}
	}
	return true
}

// Chunk is one bounded unit of pending verification work. Chunks are created
// by the preprocessor or spawned by the retry and handoff planners; lineage
// is tracked through ParentChunkID and SourceStage.
type Chunk struct {
	ID     string      `json:"id"`
	JobID  string      `json:"job_id"`
	Seq    int         `json:"seq"`
	Stage  Stage       `json:"stage"`
	Status ChunkStatus `json:"status"`

	// Lineage for chunks spawned by the planners.
	ParentChunkID string `json:"parent_chunk_id,omitempty"`
	SourceStage   Stage  `json:"source_stage,omitempty"`
	RetryAttempt  int    `json:"retry_attempt"`

	// Routing hints consumed by the claim broker's scoring.
	PreferredProvider string   `json:"preferred_provider,omitempty"`
	PreferredPool     string   `json:"preferred_pool,omitempty"`
	RotationGroup     string   `json:"rotation_group,omitempty"`
	LastWorkerIDs     []string `json:"last_worker_ids,omitempty"`

	// Lease fields; a non-expired lease means exactly one worker owns the chunk.
	WorkerID       string     `json:"worker_id,omitempty"`
	ClaimToken     string     `json:"claim_token,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`

	Attempts    int        `json:"attempts"`
	AvailableAt *time.Time `json:"available_at,omitempty"`

	InputKey   string       `json:"input_key"`
	EmailCount int          `json:"email_count"`
	Outputs    ChunkOutputs `json:"outputs,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the chunk has reached a final state.
func (c *Chunk) Terminal() bool {
	return c.Status == ChunkStatusCompleted || c.Status == ChunkStatusFailed
}

// LeaseExpired reports whether the chunk's lease has lapsed as of now.
// An unleased chunk counts as expired.
func (c *Chunk) LeaseExpired(now time.Time) bool {
	return c.ClaimExpiresAt == nil || !c.ClaimExpiresAt.After(now)
}
