package model

import "time"

// Capability declares which stages a claiming worker can process.
type Capability string

const (
	CapabilityScreening Capability = "screening"
	CapabilityProbe     Capability = "probe"
	CapabilityAny       Capability = "any"
)

// Stages returns the chunk stages a capability is allowed to claim.
func (c Capability) Stages() []Stage {
	switch c {
	case CapabilityScreening:
		return []Stage{StageScreening}
	case CapabilityProbe:
		return []Stage{StageSMTPProbe}
	default:
		return []Stage{StageScreening, StageSMTPProbe}
	}
}

// ClaimRequest is the worker's pull request for one chunk of work.
type ClaimRequest struct {
	WorkerID     string     `json:"worker_id"`
	ServerID     string     `json:"server_id"`
	IP           string     `json:"ip,omitempty"`
	Env          string     `json:"env,omitempty"`
	Capability   Capability `json:"capability"`
	Pool         string     `json:"pool,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	LeaseSeconds int        `json:"lease_seconds,omitempty"`
}

// ClaimResponse describes the chunk granted to a worker. A nil Chunk means
// no eligible work, which is a normal empty success.
type ClaimResponse struct {
	Chunk *ChunkDescriptor `json:"chunk,omitempty"`
}

// ChunkDescriptor is the wire view of a claimed chunk.
type ChunkDescriptor struct {
	ChunkID           string    `json:"chunk_id"`
	JobID             string    `json:"job_id"`
	Seq               int       `json:"seq"`
	Stage             Stage     `json:"stage"`
	RetryAttempt      int       `json:"retry_attempt"`
	Attempts          int       `json:"attempts"`
	LastWorkerIDs     []string  `json:"last_worker_ids,omitempty"`
	PreferredProvider string    `json:"preferred_provider,omitempty"`
	PreferredPool     string    `json:"preferred_pool,omitempty"`
	ClaimToken        string    `json:"claim_token"`
	ClaimExpiresAt    time.Time `json:"claim_expires_at"`
	InputKey          string    `json:"input_key"`
	EmailCount        int       `json:"email_count"`
}

// CompleteRequest reports a chunk's per-status output files and counts.
type CompleteRequest struct {
	ChunkID string       `json:"chunk_id"`
	Outputs ChunkOutputs `json:"outputs"`
}

// FailRequest reports a chunk processing failure.
type FailRequest struct {
	ChunkID   string `json:"chunk_id"`
	Retryable bool   `json:"retryable"`
	Error     string `json:"error,omitempty"`
}

// FailResponse carries the chunk's status after the failure was recorded:
// pending when the chunk was requeued, failed when terminal.
type FailResponse struct {
	Status ChunkStatus `json:"status"`
}

// HeartbeatRequest keeps a worker server registered and online.
type HeartbeatRequest struct {
	ServerID string `json:"server_id"`
	IP       string `json:"ip,omitempty"`
	Env      string `json:"env,omitempty"`
	Region   string `json:"region,omitempty"`
	Pool     string `json:"pool,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Online           bool `json:"online"`
	ThresholdSeconds int  `json:"threshold_seconds"`
}
