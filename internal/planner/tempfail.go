package planner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/blob"
	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
)

// Tempfail splits a completed chunk's risky output into permanently risky
// rows and retry-eligible rows, spawning a backoff-delayed chunk for the
// latter. Idempotent per parent chunk: a re-driven completion reuses the
// retry chunk it already spawned.
type Tempfail struct {
	store store.Store
	blobs *blob.Store
	cfg   config.RetryConfig

	nowFunc func() time.Time
}

// NewTempfail creates the retry planner.
func NewTempfail(st store.Store, blobs *blob.Store, cfg config.RetryConfig) *Tempfail {
	return &Tempfail{store: st, blobs: blobs, cfg: cfg, nowFunc: time.Now}
}

// Plan inspects chunk's risky output and spawns a retry chunk when any rows
// carry a retry-eligible reason. The chunk must be completed.
func (p *Tempfail) Plan(ctx context.Context, chunk *model.Chunk) error {
	if !p.cfg.Enabled || len(p.cfg.Reasons) == 0 {
		return nil
	}
	if chunk.RetryAttempt >= p.cfg.MaxRetries {
		return nil
	}
	riskyRef, ok := chunk.Outputs[model.VerdictRisky]
	if !ok || riskyRef.Count == 0 {
		return nil
	}

	rows, err := readRows(p.blobs, riskyRef.Key)
	if err != nil {
		return err
	}

	eligible := make(map[string]bool, len(p.cfg.Reasons))
	for _, reason := range p.cfg.Reasons {
		eligible[reason] = true
	}

	var retry, keep []row
	for _, r := range rows {
		if eligible[model.ReasonBase(r.Reason)] {
			retry = append(retry, r)
		} else {
			keep = append(keep, r)
		}
	}
	if len(retry) == 0 {
		return nil
	}

	spawned, err := p.ensureRetryChunk(ctx, chunk, retry)
	if err != nil {
		return err
	}

	filteredKey := blob.FilteredOutputKey(chunk.JobID, chunk.Seq, string(model.VerdictRisky))
	if err := writeRows(p.blobs, filteredKey, keep); err != nil {
		return err
	}
	outputs := make(model.ChunkOutputs, len(chunk.Outputs))
	for status, ref := range chunk.Outputs {
		outputs[status] = ref
	}
	outputs[model.VerdictRisky] = model.OutputRef{Key: filteredKey, Count: len(keep)}
	if err := p.store.UpdateChunkOutputs(ctx, chunk.ID, outputs); err != nil {
		return err
	}
	chunk.Outputs = outputs

	zap.L().Info("tempfail retry chunk spawned",
		zap.String("job_id", chunk.JobID),
		zap.String("parent_chunk_id", chunk.ID),
		zap.String("retry_chunk_id", spawned.ID),
		zap.Int("retry_rows", len(retry)),
		zap.Int("kept_rows", len(keep)),
		zap.Int("retry_attempt", spawned.RetryAttempt),
		zap.Timep("available_at", spawned.AvailableAt),
	)
	return nil
}

// ensureRetryChunk finds or creates the backoff-delayed retry chunk for
// chunk's eligible rows.
func (p *Tempfail) ensureRetryChunk(ctx context.Context, chunk *model.Chunk, retry []row) (*model.Chunk, error) {
	attempt := chunk.RetryAttempt + 1
	existing, err := p.store.FindRetryChunk(ctx, chunk.JobID, chunk.ID, attempt)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	seq, err := p.store.NextChunkSeq(ctx, chunk.JobID)
	if err != nil {
		return nil, err
	}
	inputKey := blob.ChunkInputKey(chunk.JobID, seq, "csv")
	if err := writeEmails(p.blobs, inputKey, retry); err != nil {
		return nil, err
	}

	availableAt := p.nowFunc().UTC().Add(p.backoff(chunk.RetryAttempt))
	spawned := &model.Chunk{
		JobID:             chunk.JobID,
		Seq:               seq,
		Stage:             chunk.Stage,
		ParentChunkID:     chunk.ID,
		SourceStage:       chunk.SourceStage,
		RetryAttempt:      attempt,
		PreferredProvider: chunk.PreferredProvider,
		PreferredPool:     chunk.PreferredPool,
		RotationGroup:     chunk.RotationGroup,
		LastWorkerIDs:     append([]string(nil), chunk.LastWorkerIDs...),
		AvailableAt:       &availableAt,
		InputKey:          inputKey,
		EmailCount:        len(retry),
	}
	if err := p.store.CreateChunk(ctx, spawned); err != nil {
		// A concurrent planner run won the unique-index race; reuse its
		// chunk.
		if errors.Is(err, store.ErrConflict) {
			return p.store.FindRetryChunk(ctx, chunk.JobID, chunk.ID, attempt)
		}
		return nil, err
	}
	return spawned, nil
}

// backoff returns the delay for the given parent attempt index, clamped to
// the last schedule entry.
func (p *Tempfail) backoff(attempt int) time.Duration {
	if len(p.cfg.BackoffMinutes) == 0 {
		return 0
	}
	if attempt >= len(p.cfg.BackoffMinutes) {
		attempt = len(p.cfg.BackoffMinutes) - 1
	}
	return time.Duration(p.cfg.BackoffMinutes[attempt]) * time.Minute
}
