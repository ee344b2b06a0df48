// Package finalize closes out a job once every chunk has reached a terminal
// state.
package finalize

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/blob"
	"github.com/sells-group/verifyd/internal/merge"
	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
	"github.com/sells-group/verifyd/internal/vcache"
)

const writeBackBatch = 500

// Finalizer merges a job's outputs and completes or fails the job. Safe to
// invoke repeatedly: it is a no-op until all chunks are terminal and after
// the job itself is terminal.
type Finalizer struct {
	store  store.Store
	blobs  *blob.Store
	merger *merge.Merger

	// cache receives merged verdicts for future jobs when writeBack is on.
	cache     vcache.Lookup
	writeBack bool
}

// New creates a Finalizer. cache may be nil when write-back is disabled.
func New(st store.Store, blobs *blob.Store, cache vcache.Lookup, writeBack bool) *Finalizer {
	return &Finalizer{
		store:     st,
		blobs:     blobs,
		merger:    merge.New(blobs),
		cache:     cache,
		writeBack: writeBack,
	}
}

// Run finalizes one job if it is ready. A job with a failed chunk or a
// missing merge source fails; otherwise it completes with the merged counts
// and output locations.
func (f *Finalizer) Run(ctx context.Context, jobID string) error {
	job, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	chunks, err := f.store.ListChunks(ctx, jobID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if !c.Terminal() {
			return nil
		}
	}
	for _, c := range chunks {
		if c.Status == model.ChunkStatusFailed {
			reason := fmt.Sprintf("chunk %d failed: %s", c.Seq, c.FailureReason)
			zap.L().Warn("job failed by chunk", zap.String("job_id", jobID), zap.String("reason", reason))
			return f.store.FailJob(ctx, jobID, reason)
		}
	}

	result, err := f.merger.Merge(ctx, job, chunks)
	if err != nil {
		return err
	}
	if len(result.Missing) > 0 {
		reason := "merge missing sources: " + strings.Join(result.Missing, ", ")
		zap.L().Error("finalize integrity failure", zap.String("job_id", jobID), zap.Strings("missing", result.Missing))
		return f.store.FailJob(ctx, jobID, reason)
	}

	counts := job.Counts
	counts.Valid = result.Outputs[model.VerdictValid].Count
	counts.Invalid = result.Outputs[model.VerdictInvalid].Count
	counts.Risky = result.Outputs[model.VerdictRisky].Count
	remaining := counts.Total - counts.Valid - counts.Invalid - counts.Risky
	if remaining < 0 {
		remaining = 0
	}
	counts.Unknown = remaining

	if err := f.store.CompleteJob(ctx, jobID, result.Outputs, counts); err != nil {
		return err
	}

	zap.L().Info("job finalized",
		zap.String("job_id", jobID),
		zap.Int("valid", counts.Valid),
		zap.Int("invalid", counts.Invalid),
		zap.Int("risky", counts.Risky),
	)

	if f.writeBack && f.cache != nil {
		// Best effort: a write-back failure never un-completes the job.
		if err := f.writeBackResults(ctx, result.Outputs); err != nil {
			zap.L().Warn("cache write-back failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

func (f *Finalizer) writeBackResults(ctx context.Context, outputs model.JobResults) error {
	now := time.Now().Unix()
	batch := make([]model.Verdict, 0, writeBackBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := f.cache.PutMany(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for _, status := range model.OutputStatuses {
		ref, ok := outputs[status]
		if !ok || ref.Count == 0 {
			continue
		}
		rc, err := f.blobs.Open(ref.Key)
		if err != nil {
			return err
		}
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.ContainsRune(line, '@') {
				continue
			}
			email, reason, _ := strings.Cut(line, ",")
			batch = append(batch, model.Verdict{
				Email:      strings.TrimSpace(email),
				Status:     status,
				Reason:     strings.TrimSpace(reason),
				ObservedAt: now,
			})
			if len(batch) >= writeBackBatch {
				if err := flush(); err != nil {
					rc.Close()
					return err
				}
			}
		}
		err = scanner.Err()
		rc.Close()
		if err != nil {
			return err
		}
	}
	return flush()
}
