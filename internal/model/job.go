// Package model defines the core records shared across the verification
// engine: jobs, chunks, worker servers, and the wire types of the worker API.
package model

import "time"

// JobStatus tracks the lifecycle of a verification job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobCounts holds the aggregate email counts for a job.
type JobCounts struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
	Risky   int `json:"risky"`
	Unknown int `json:"unknown"`
	Cached  int `json:"cached"`
}

// JobResults holds the final merged output locations per verdict status.
type JobResults map[VerdictStatus]OutputRef

// Job is one list verification request. Chunks belonging to the job carry
// the actual pending work; the job row owns the aggregate counts and the
// final merged outputs.
type Job struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Status    JobStatus `json:"status"`

	// Input upload.
	InputKey    string `json:"input_key"`
	InputFormat string `json:"input_format"` // "csv", "txt", "xlsx"

	Counts  JobCounts  `json:"counts"`
	Results JobResults `json:"results,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`

	// Lease fields for externally driven job-level re-claims.
	ClaimToken     string     `json:"claim_token,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	Attempts       int        `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
