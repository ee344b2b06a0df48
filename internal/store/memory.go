package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/model"
)

// MemoryStore is an in-process Store used by tests and by single-node runs
// that do not need Postgres. All methods are safe for concurrent use; the
// mutex stands in for row-level locking.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	chunks  map[string]*model.Chunk
	servers map[string]*model.WorkerServer
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*model.Job),
		chunks:  make(map[string]*model.Chunk),
		servers: make(map[string]*model.WorkerServer),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []model.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.AccountID != "" && j.AccountID != filter.AccountID {
			continue
		}
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, jobID string, status model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateJobCounts(_ context.Context, jobID string, counts model.JobCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	j.Counts = counts
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID string, results model.JobResults, counts model.JobCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	j.Status = model.JobStatusCompleted
	j.Results = results
	j.Counts = counts
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	j.Status = model.JobStatusFailed
	j.FailureReason = reason
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateChunk(_ context.Context, chunk *model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}
	if chunk.Status == "" {
		chunk.Status = model.ChunkStatusPending
	}
	now := time.Now().UTC()
	chunk.CreatedAt = now
	chunk.UpdatedAt = now
	if chunk.Stage == model.StageSMTPProbe && chunk.SourceStage == model.StageScreening {
		for _, other := range s.chunks {
			if other.JobID == chunk.JobID && other.ParentChunkID == chunk.ParentChunkID &&
				other.Stage == model.StageSMTPProbe && other.SourceStage == model.StageScreening {
				return eris.Wrapf(ErrConflict, "handoff chunk for %s exists", chunk.ParentChunkID)
			}
		}
	}
	if chunk.RetryAttempt > 0 && chunk.ParentChunkID != "" {
		for _, other := range s.chunks {
			if other.JobID == chunk.JobID && other.ParentChunkID == chunk.ParentChunkID &&
				other.RetryAttempt == chunk.RetryAttempt {
				return eris.Wrapf(ErrConflict, "retry chunk for %s attempt %d exists", chunk.ParentChunkID, chunk.RetryAttempt)
			}
		}
	}
	cp := *chunk
	s.chunks[chunk.ID] = &cp
	return nil
}

func (s *MemoryStore) GetChunk(_ context.Context, chunkID string) (*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "chunk %s", chunkID)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListChunks(_ context.Context, jobID string) ([]model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chunks []model.Chunk
	for _, c := range s.chunks {
		if c.JobID == jobID {
			chunks = append(chunks, *c)
		}
	}
	sort.Slice(chunks, func(i, k int) bool { return chunks[i].Seq < chunks[k].Seq })
	return chunks, nil
}

func (s *MemoryStore) NextChunkSeq(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 0
	for _, c := range s.chunks {
		if c.JobID == jobID && c.Seq >= next {
			next = c.Seq + 1
		}
	}
	return next, nil
}

func (s *MemoryStore) CountChunksByStatus(_ context.Context, jobID string) (map[model.ChunkStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.ChunkStatus]int)
	for _, c := range s.chunks {
		if c.JobID == jobID {
			counts[c.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) ClaimChunk(_ context.Context, q ClaimQuery, pick func(candidates []model.Chunk) int) (*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.CandidateSample <= 0 {
		q.CandidateSample = 50
	}
	if q.WorkerHistory <= 0 {
		q.WorkerHistory = 5
	}

	now := time.Now().UTC()
	stageOK := func(st model.Stage) bool {
		for _, want := range q.Stages {
			if st == want {
				return true
			}
		}
		return false
	}

	var candidates []model.Chunk
	for _, c := range s.chunks {
		if !stageOK(c.Stage) {
			continue
		}
		eligible := c.Status == model.ChunkStatusPending ||
			(c.Status == model.ChunkStatusProcessing && c.LeaseExpired(now))
		if !eligible {
			continue
		}
		if c.AvailableAt != nil && c.AvailableAt.After(now) {
			continue
		}
		if c.Stage == model.StageSMTPProbe && c.RetryAttempt >= q.MaxProbeRetries {
			continue
		}
		if j, ok := s.jobs[c.JobID]; !ok || j.Status != model.JobStatusProcessing {
			continue
		}
		candidates = append(candidates, *c)
	}
	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[k].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
		}
		return candidates[i].Seq < candidates[k].Seq
	})
	if len(candidates) > q.CandidateSample {
		candidates = candidates[:q.CandidateSample]
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	idx := 0
	if pick != nil {
		idx = pick(candidates)
		if idx < 0 || idx >= len(candidates) {
			idx = 0
		}
	}

	c := s.chunks[candidates[idx].ID]
	expires := now.Add(q.LeaseDuration)
	c.Status = model.ChunkStatusProcessing
	c.WorkerID = q.WorkerID
	c.ClaimToken = uuid.New().String()
	c.ClaimedAt = &now
	c.ClaimExpiresAt = &expires
	c.LastWorkerIDs = append(c.LastWorkerIDs, q.WorkerID)
	if len(c.LastWorkerIDs) > q.WorkerHistory {
		c.LastWorkerIDs = c.LastWorkerIDs[len(c.LastWorkerIDs)-q.WorkerHistory:]
	}
	c.UpdatedAt = now
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) CompleteChunk(_ context.Context, chunkID string, outputs model.ChunkOutputs) (*CompleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "chunk %s", chunkID)
	}

	switch c.Status {
	case model.ChunkStatusCompleted:
		if c.Outputs.Equal(outputs) {
			cp := *c
			return &CompleteResult{Chunk: &cp, First: false}, nil
		}
		return nil, eris.Wrapf(ErrConflict, "chunk %s already completed with different outputs", chunkID)
	case model.ChunkStatusProcessing:
	default:
		return nil, eris.Wrapf(ErrConflict, "chunk %s is %s", chunkID, c.Status)
	}

	c.Status = model.ChunkStatusCompleted
	c.Outputs = outputs
	c.ClaimToken = ""
	c.ClaimedAt = nil
	c.ClaimExpiresAt = nil
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	return &CompleteResult{Chunk: &cp, First: true}, nil
}

func (s *MemoryStore) FailChunk(_ context.Context, chunkID string, retryable bool, errMsg string, maxAttempts int) (model.ChunkStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return "", eris.Wrapf(ErrNotFound, "chunk %s", chunkID)
	}
	if c.Status != model.ChunkStatusProcessing {
		return "", eris.Wrapf(ErrConflict, "chunk %s is %s", chunkID, c.Status)
	}

	c.Attempts++
	c.FailureReason = errMsg
	c.WorkerID = ""
	c.ClaimToken = ""
	c.ClaimedAt = nil
	c.ClaimExpiresAt = nil
	if retryable && c.Attempts < maxAttempts {
		c.Status = model.ChunkStatusPending
	} else {
		c.Status = model.ChunkStatusFailed
	}
	c.UpdatedAt = time.Now().UTC()
	return c.Status, nil
}

func (s *MemoryStore) UpdateChunkOutputs(_ context.Context, chunkID string, outputs model.ChunkOutputs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "chunk %s", chunkID)
	}
	if c.Status != model.ChunkStatusCompleted {
		return eris.Wrapf(ErrConflict, "chunk %s is not completed", chunkID)
	}
	c.Outputs = outputs
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FindHandoffChunk(_ context.Context, jobID, parentChunkID string) (*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks {
		if c.JobID == jobID && c.ParentChunkID == parentChunkID &&
			c.Stage == model.StageSMTPProbe && c.SourceStage == model.StageScreening {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindRetryChunk(_ context.Context, jobID, parentChunkID string, attempt int) (*model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks {
		if c.JobID == jobID && c.ParentChunkID == parentChunkID && c.RetryAttempt == attempt {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpsertServerHeartbeat(_ context.Context, srv *model.WorkerServer) (*model.WorkerServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := s.servers[srv.ID]
	if !ok {
		cp := *srv
		cp.Online = true
		cp.Draining = false
		cp.LastHeartbeatAt = now
		cp.CreatedAt = now
		s.servers[srv.ID] = &cp
		out := cp
		return &out, nil
	}
	existing.IP = srv.IP
	existing.Env = srv.Env
	existing.Region = srv.Region
	existing.Pool = srv.Pool
	existing.Online = true
	existing.LastHeartbeatAt = now
	out := *existing
	return &out, nil
}

func (s *MemoryStore) GetServer(_ context.Context, serverID string) (*model.WorkerServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[serverID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "server %s", serverID)
	}
	cp := *srv
	return &cp, nil
}

func (s *MemoryStore) ListServers(_ context.Context) ([]model.WorkerServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var servers []model.WorkerServer
	for _, srv := range s.servers {
		servers = append(servers, *srv)
	}
	sort.Slice(servers, func(i, k int) bool { return servers[i].ID < servers[k].ID })
	return servers, nil
}

func (s *MemoryStore) SetServerDraining(_ context.Context, serverID string, draining bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[serverID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "server %s", serverID)
	}
	srv.Draining = draining
	return nil
}

func (s *MemoryStore) MarkStaleServersOffline(_ context.Context, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-threshold)
	n := 0
	for _, srv := range s.servers {
		if srv.Online && srv.LastHeartbeatAt.Before(cutoff) {
			srv.Online = false
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
