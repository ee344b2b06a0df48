package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/blob"
	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/dedupe"
	"github.com/sells-group/verifyd/internal/fetcher"
	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
	"github.com/sells-group/verifyd/internal/vcache"
)

// Preprocessor streams an upload into cached-result files, a cache-miss
// ledger, and bounded pending chunks.
type Preprocessor struct {
	store     store.Store
	blobs     *blob.Store
	cache     vcache.Lookup
	source    *fetcher.Source
	ingestCfg config.IngestConfig
	cacheCfg  config.CacheConfig

	// Finalize runs when preprocessing produced zero chunks: a fully
	// cache-satisfied job goes straight to merge.
	Finalize func(ctx context.Context, jobID string) error
}

// New creates a Preprocessor.
func New(st store.Store, blobs *blob.Store, cache vcache.Lookup, source *fetcher.Source, ingestCfg config.IngestConfig, cacheCfg config.CacheConfig) *Preprocessor {
	if ingestCfg.ChunkSize <= 0 {
		ingestCfg.ChunkSize = 2000
	}
	if cacheCfg.BatchSize <= 0 {
		cacheCfg.BatchSize = 500
	}
	return &Preprocessor{
		store:     st,
		blobs:     blobs,
		cache:     cache,
		source:    source,
		ingestCfg: ingestCfg,
		cacheCfg:  cacheCfg,
	}
}

// Run preprocesses one pending job. Any error fails the job with the reason
// recorded; partially written chunk and cache files are tolerated because a
// failed job is never picked up again.
func (p *Preprocessor) Run(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusPending {
		return eris.Errorf("ingest: job %s is %s, expected pending", jobID, job.Status)
	}
	if err := p.store.UpdateJobStatus(ctx, jobID, model.JobStatusProcessing); err != nil {
		return err
	}

	if err := p.process(ctx, job); err != nil {
		zap.L().Error("preprocess failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		if failErr := p.store.FailJob(ctx, jobID, err.Error()); failErr != nil {
			zap.L().Error("failed to record job failure", zap.String("job_id", jobID), zap.Error(failErr))
		}
		return err
	}
	return nil
}

func (p *Preprocessor) process(ctx context.Context, job *model.Job) error {
	// The row producer blocks sending on its channel; cancelling on every
	// return path keeps an early error from stranding it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	input, err := p.openInput(ctx, job.InputKey)
	if err != nil {
		return err
	}
	defer input.Close()

	dd := dedupe.New(p.ingestCfg.DedupeMemoryLimit, p.ingestCfg.TempDir)
	defer func() {
		if err := dd.Release(); err != nil {
			zap.L().Warn("dedupe release failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()

	rowCh, errCh, err := streamFor(ctx, input, job.InputFormat, p.ingestCfg.XLSXRowBatch)
	if err != nil {
		return err
	}

	chunks, err := newChunkWriter(ctx, p.store, p.blobs, job.ID, p.ingestCfg.ChunkSize)
	if err != nil {
		return err
	}
	cached := newStatusWriters(p.blobs, job.ID)

	var ledger io.WriteCloser
	var ledgerBuf *bufio.Writer
	if p.ingestCfg.WriteMissLedger {
		ledger, err = p.blobs.Create(blob.MissLedgerKey(job.ID))
		if err != nil {
			return eris.Wrap(err, "ingest: create miss ledger")
		}
		defer ledger.Close()
		ledgerBuf = bufio.NewWriter(ledger)
	}

	run := &runState{
		job:     job,
		chunks:  chunks,
		cached:  cached,
		ledger:  ledgerBuf,
		batch:   make([]string, 0, p.cacheCfg.BatchSize),
	}

	for row := range rowCh {
		email, ok := ExtractEmail(row)
		if !ok {
			continue
		}
		isNew, err := dd.IsNew(ctx, email)
		if err != nil {
			return err
		}
		if !isNew {
			continue
		}

		run.total++
		if p.ingestCfg.MaxEmails > 0 && run.total > p.ingestCfg.MaxEmails {
			return eris.Errorf("ingest: upload exceeds %d email limit", p.ingestCfg.MaxEmails)
		}

		run.batch = append(run.batch, email)
		if len(run.batch) >= p.cacheCfg.BatchSize {
			if err := p.flushBatch(ctx, run); err != nil {
				return err
			}
		}
	}
	if err := <-errCh; err != nil {
		return err
	}
	if err := p.flushBatch(ctx, run); err != nil {
		return err
	}

	created, err := chunks.Close(ctx)
	if err != nil {
		return err
	}
	if err := cached.Close(); err != nil {
		return err
	}
	if ledgerBuf != nil {
		if err := ledgerBuf.Flush(); err != nil {
			return eris.Wrap(err, "ingest: flush miss ledger")
		}
	}

	counts := model.JobCounts{
		Total:   run.total,
		Cached:  run.cachedHits,
		Unknown: run.queued,
	}
	if err := p.store.UpdateJobCounts(ctx, job.ID, counts); err != nil {
		return err
	}

	zap.L().Info("preprocess complete",
		zap.String("job_id", job.ID),
		zap.Int("total", run.total),
		zap.Int("cached", run.cachedHits),
		zap.Int("queued", run.queued),
		zap.Int("chunks", created),
	)

	if created == 0 && p.Finalize != nil {
		return p.Finalize(ctx, job.ID)
	}
	return nil
}

// openInput resolves the job input: a key in the blob store, or a remote
// source URL.
func (p *Preprocessor) openInput(ctx context.Context, key string) (io.ReadCloser, error) {
	exists, err := p.blobs.Exists(key)
	if err != nil {
		return nil, err
	}
	if exists {
		return p.blobs.Open(key)
	}
	return p.source.Open(ctx, key)
}

type runState struct {
	job    *model.Job
	chunks *chunkWriter
	cached *statusWriters
	ledger *bufio.Writer
	batch  []string

	total      int
	cachedHits int
	queued     int
}

func (p *Preprocessor) flushBatch(ctx context.Context, run *runState) error {
	if len(run.batch) == 0 {
		return nil
	}
	hits, err := p.lookup(ctx, run.batch)
	if err != nil {
		return err
	}

	for _, email := range run.batch {
		if v, ok := hits[email]; ok {
			if err := run.cached.Write(v.Status, email, v.Reason); err != nil {
				return err
			}
			run.cachedHits++
			continue
		}

		if run.ledger != nil {
			if _, err := run.ledger.WriteString(email + "\n"); err != nil {
				return eris.Wrap(err, "ingest: write miss ledger")
			}
		}

		if p.cacheCfg.CacheOnly {
			// Cache-only mode skips live verification: misses land in the
			// configured fallback status file.
			miss := model.VerdictStatus(p.cacheCfg.MissStatus)
			if !model.ValidVerdict(miss) {
				miss = model.VerdictUnknown
			}
			if err := run.cached.Write(miss, email, "cache_miss"); err != nil {
				return err
			}
			run.queued++
			continue
		}

		if err := run.chunks.Add(ctx, email); err != nil {
			return err
		}
		run.queued++
	}
	run.batch = run.batch[:0]
	return nil
}

// lookup applies the configured cache-failure policy to one batch.
func (p *Preprocessor) lookup(ctx context.Context, batch []string) (map[string]model.Verdict, error) {
	hits, err := p.cache.LookupMany(ctx, batch)
	if err == nil {
		return hits, nil
	}
	if errors.Is(err, vcache.ErrDisabled) {
		// The skip_cache breaker latched; the rest of the run is all-miss.
		return nil, nil
	}
	if p.cacheCfg.FailureMode == config.CacheFailJob {
		return nil, eris.Wrap(err, "ingest: cache lookup")
	}
	zap.L().Warn("cache lookup failed, treating batch as miss",
		zap.Int("batch_size", len(batch)),
		zap.Error(err),
	)
	return nil, nil
}
