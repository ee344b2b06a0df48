// Package broker implements the lease-based claim/complete/fail protocol
// between the engine and remote verification workers.
package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/finalize"
	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/planner"
	"github.com/sells-group/verifyd/internal/store"
)

// ErrConflict is returned when a completion or failure report contradicts
// the chunk's stored state. Transports map it to 409.
var ErrConflict = store.ErrConflict

// ErrNotFound is returned for an unknown chunk or server.
var ErrNotFound = store.ErrNotFound

// Broker is the single arbiter of chunk ownership. The store's conditional
// updates do the actual locking; the broker layers routing, lease policy,
// pause/drain gating, and the post-completion planners on top.
type Broker struct {
	store    store.Store
	cfg      config.BrokerConfig
	tempfail *planner.Tempfail
	handoff  *planner.Handoff
	final    *finalize.Finalizer

	maxProbeRetries    int
	heartbeatThreshold time.Duration
}

// New creates a Broker.
func New(st store.Store, cfg config.BrokerConfig, tempfail *planner.Tempfail, handoff *planner.Handoff, final *finalize.Finalizer, maxProbeRetries int, heartbeatThreshold time.Duration) *Broker {
	if cfg.LeaseSecs <= 0 {
		cfg.LeaseSecs = 900
	}
	if cfg.MaxLeaseSecs <= 0 {
		cfg.MaxLeaseSecs = 3600
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Broker{
		store:              st,
		cfg:                cfg,
		tempfail:           tempfail,
		handoff:            handoff,
		final:              final,
		maxProbeRetries:    maxProbeRetries,
		heartbeatThreshold: heartbeatThreshold,
	}
}

// Claim selects and leases one eligible chunk for the worker. A response
// with a nil Chunk means no work; that is not an error.
func (b *Broker) Claim(ctx context.Context, req model.ClaimRequest) (*model.ClaimResponse, error) {
	if b.cfg.EnginePaused {
		return &model.ClaimResponse{}, nil
	}
	if req.ServerID != "" {
		srv, err := b.store.GetServer(ctx, req.ServerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if srv != nil && (!srv.Online || srv.Draining) {
			zap.L().Debug("claim gated by server state",
				zap.String("server_id", req.ServerID),
				zap.Bool("online", srv.Online),
				zap.Bool("draining", srv.Draining),
			)
			return &model.ClaimResponse{}, nil
		}
	}

	lease := time.Duration(req.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = time.Duration(b.cfg.LeaseSecs) * time.Second
	}
	if maxLease := time.Duration(b.cfg.MaxLeaseSecs) * time.Second; lease > maxLease {
		lease = maxLease
	}

	var pick func(candidates []model.Chunk) int
	if b.cfg.ProbeRouting && req.Capability == model.CapabilityProbe {
		pick = func(candidates []model.Chunk) int {
			return pickBest(candidates, req.WorkerID, req.Provider, req.Pool, b.cfg.RotationPenalty)
		}
	}

	chunk, err := b.store.ClaimChunk(ctx, store.ClaimQuery{
		WorkerID:        req.WorkerID,
		Stages:          req.Capability.Stages(),
		LeaseDuration:   lease,
		MaxProbeRetries: b.maxProbeRetries,
		CandidateSample: b.cfg.CandidateSample,
	}, pick)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return &model.ClaimResponse{}, nil
	}

	zap.L().Info("chunk claimed",
		zap.String("chunk_id", chunk.ID),
		zap.String("job_id", chunk.JobID),
		zap.String("worker_id", req.WorkerID),
		zap.String("stage", string(chunk.Stage)),
		zap.Time("lease_expires_at", *chunk.ClaimExpiresAt),
	)

	return &model.ClaimResponse{Chunk: &model.ChunkDescriptor{
		ChunkID:           chunk.ID,
		JobID:             chunk.JobID,
		Seq:               chunk.Seq,
		Stage:             chunk.Stage,
		RetryAttempt:      chunk.RetryAttempt,
		Attempts:          chunk.Attempts,
		LastWorkerIDs:     chunk.LastWorkerIDs,
		PreferredProvider: chunk.PreferredProvider,
		PreferredPool:     chunk.PreferredPool,
		ClaimToken:        chunk.ClaimToken,
		ClaimExpiresAt:    *chunk.ClaimExpiresAt,
		InputKey:          chunk.InputKey,
		EmailCount:        chunk.EmailCount,
	}}, nil
}

// Complete records a chunk's outputs. The two planners and the finalizer
// run synchronously after every accepted completion, within the same
// request, re-submissions included: both planners are idempotent per parent
// chunk, so a worker retrying its ack after a transient planner failure
// repairs the follow-up state instead of losing it behind a plain ack.
func (b *Broker) Complete(ctx context.Context, req model.CompleteRequest) (*model.Chunk, error) {
	res, err := b.store.CompleteChunk(ctx, req.ChunkID, req.Outputs)
	if err != nil {
		return nil, err
	}
	chunk := res.Chunk

	if res.First {
		zap.L().Info("chunk completed",
			zap.String("chunk_id", chunk.ID),
			zap.String("job_id", chunk.JobID),
			zap.String("stage", string(chunk.Stage)),
		)
	} else {
		zap.L().Debug("idempotent completion", zap.String("chunk_id", req.ChunkID))
	}

	if b.tempfail != nil {
		if err := b.tempfail.Plan(ctx, chunk); err != nil {
			return nil, err
		}
	}
	if b.handoff != nil {
		if err := b.handoff.Plan(ctx, chunk); err != nil {
			return nil, err
		}
	}
	if b.final != nil {
		if err := b.final.Run(ctx, chunk.JobID); err != nil {
			return nil, err
		}
	}
	return chunk, nil
}

// Fail records a worker-reported failure and returns the chunk's resulting
// status: pending when requeued, failed when terminal.
func (b *Broker) Fail(ctx context.Context, req model.FailRequest) (*model.FailResponse, error) {
	status, err := b.store.FailChunk(ctx, req.ChunkID, req.Retryable, req.Error, b.cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}

	zap.L().Warn("chunk failed",
		zap.String("chunk_id", req.ChunkID),
		zap.Bool("retryable", req.Retryable),
		zap.String("status", string(status)),
		zap.String("error", req.Error),
	)

	if status == model.ChunkStatusFailed && b.final != nil {
		chunk, err := b.store.GetChunk(ctx, req.ChunkID)
		if err != nil {
			return nil, err
		}
		if err := b.final.Run(ctx, chunk.JobID); err != nil {
			return nil, err
		}
	}
	return &model.FailResponse{Status: status}, nil
}

// Heartbeat registers or refreshes a worker server.
func (b *Broker) Heartbeat(ctx context.Context, req model.HeartbeatRequest) (*model.HeartbeatResponse, error) {
	srv, err := b.store.UpsertServerHeartbeat(ctx, &model.WorkerServer{
		ID:     req.ServerID,
		IP:     req.IP,
		Env:    req.Env,
		Region: req.Region,
		Pool:   req.Pool,
	})
	if err != nil {
		return nil, err
	}
	return &model.HeartbeatResponse{
		Online:           srv.Online,
		ThresholdSeconds: int(b.heartbeatThreshold.Seconds()),
	}, nil
}
