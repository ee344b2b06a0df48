package ingest

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verifyd/internal/blob"
	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/fetcher"
	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
	"github.com/sells-group/verifyd/internal/vcache"
)

type stubCache struct {
	verdicts map[string]model.Verdict
	err      error
	calls    int
}

func (s *stubCache) LookupMany(_ context.Context, emails []string) (map[string]model.Verdict, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	hits := make(map[string]model.Verdict)
	for _, e := range emails {
		if v, ok := s.verdicts[e]; ok {
			hits[e] = v
		}
	}
	return hits, nil
}

func (s *stubCache) PutMany(context.Context, []model.Verdict) error { return nil }

func (s *stubCache) Close() error { return nil }

type env struct {
	store *store.MemoryStore
	blobs *blob.Store
	pre   *Preprocessor
}

func newEnv(t *testing.T, cache vcache.Lookup, ingestCfg config.IngestConfig, cacheCfg config.CacheConfig) *env {
	t.Helper()
	if cache == nil {
		cache = vcache.Noop{}
	}
	if ingestCfg.DedupeMemoryLimit == 0 {
		ingestCfg.DedupeMemoryLimit = 1000
	}
	if ingestCfg.TempDir == "" {
		ingestCfg.TempDir = t.TempDir()
	}
	st := store.NewMemory()
	blobs := blob.NewMem()
	pre := New(st, blobs, cache, fetcher.NewSource(time.Second), ingestCfg, cacheCfg)
	return &env{store: st, blobs: blobs, pre: pre}
}

func (e *env) createJob(t *testing.T, input, format string) *model.Job {
	t.Helper()
	job := &model.Job{InputKey: "jobs/test/input." + format, InputFormat: format}
	require.NoError(t, e.store.CreateJob(context.Background(), job))
	require.NoError(t, e.blobs.Put(job.InputKey, strings.NewReader(input)))
	return job
}

func (e *env) readKey(t *testing.T, key string) string {
	t.Helper()
	rc, err := e.blobs.Open(key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestPreprocessSplitsIntoChunks(t *testing.T) {
	e := newEnv(t, nil, config.IngestConfig{ChunkSize: 2}, config.CacheConfig{})
	job := e.createJob(t, "a@x.com\na@x.com\nb@x.com\nc@x.com\n", "csv")

	require.NoError(t, e.pre.Run(context.Background(), job.ID))

	chunks, err := e.store.ListChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[0].EmailCount)
	assert.Equal(t, 1, chunks[1].EmailCount)
	assert.Equal(t, model.StageScreening, chunks[0].Stage)
	assert.Equal(t, model.ChunkStatusPending, chunks[0].Status)

	assert.Equal(t, "a@x.com\nb@x.com\n", e.readKey(t, chunks[0].InputKey))
	assert.Equal(t, "c@x.com\n", e.readKey(t, chunks[1].InputKey))

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
	assert.Equal(t, 3, got.Counts.Total)
	assert.Equal(t, 0, got.Counts.Cached)
	assert.Equal(t, 3, got.Counts.Unknown)
}

func TestPreprocessCacheHitSplit(t *testing.T) {
	cache := &stubCache{verdicts: map[string]model.Verdict{
		"a@x.com": {Email: "a@x.com", Status: model.VerdictValid, Reason: "mailbox_exists"},
	}}
	e := newEnv(t, cache, config.IngestConfig{ChunkSize: 100, WriteMissLedger: true}, config.CacheConfig{})
	job := e.createJob(t, "a@x.com\nb@x.com\n", "csv")

	require.NoError(t, e.pre.Run(context.Background(), job.ID))

	cachedValid := e.readKey(t, blob.CachedResultKey(job.ID, "valid"))
	assert.Equal(t, "a@x.com,mailbox_exists\n", cachedValid)

	chunks, err := e.store.ListChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "b@x.com\n", e.readKey(t, chunks[0].InputKey))

	assert.Equal(t, "b@x.com\n", e.readKey(t, blob.MissLedgerKey(job.ID)))

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Counts.Total)
	assert.Equal(t, 1, got.Counts.Cached)
	assert.Equal(t, 1, got.Counts.Unknown)
}

func TestPreprocessFullyCachedInvokesFinalizer(t *testing.T) {
	cache := &stubCache{verdicts: map[string]model.Verdict{
		"a@x.com": {Email: "a@x.com", Status: model.VerdictValid},
	}}
	e := newEnv(t, cache, config.IngestConfig{ChunkSize: 100}, config.CacheConfig{})
	job := e.createJob(t, "a@x.com\n", "csv")

	var finalized string
	e.pre.Finalize = func(_ context.Context, jobID string) error {
		finalized = jobID
		return nil
	}

	require.NoError(t, e.pre.Run(context.Background(), job.ID))
	assert.Equal(t, job.ID, finalized)
}

func TestPreprocessMaxEmailsFailsJob(t *testing.T) {
	e := newEnv(t, nil, config.IngestConfig{ChunkSize: 100, MaxEmails: 2}, config.CacheConfig{})
	job := e.createJob(t, "a@x.com\nb@x.com\nc@x.com\n", "csv")

	err := e.pre.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email limit")

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "email limit")
}

func TestPreprocessMaxEmailsStopsRowProducer(t *testing.T) {
	e := newEnv(t, nil, config.IngestConfig{ChunkSize: 100, MaxEmails: 1}, config.CacheConfig{})
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "user%d@x.com\n", i)
	}
	job := e.createJob(t, sb.String(), "csv")

	before := runtime.NumGoroutine()
	err := e.pre.Run(context.Background(), job.ID)
	require.Error(t, err)

	// The row producer was mid-stream when the limit hit; aborting must
	// unblock it rather than leave it stuck sending.
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPreprocessCacheFailurePolicyFailJob(t *testing.T) {
	cache := &stubCache{err: eris.New("cache down")}
	e := newEnv(t, cache, config.IngestConfig{ChunkSize: 100},
		config.CacheConfig{FailureMode: config.CacheFailJob})
	job := e.createJob(t, "a@x.com\n", "csv")

	err := e.pre.Run(context.Background(), job.ID)
	require.Error(t, err)

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
}

func TestPreprocessCacheFailurePolicyTreatMiss(t *testing.T) {
	cache := &stubCache{err: eris.New("cache down")}
	e := newEnv(t, cache, config.IngestConfig{ChunkSize: 100},
		config.CacheConfig{FailureMode: config.CacheTreatMiss})
	job := e.createJob(t, "a@x.com\n", "csv")

	require.NoError(t, e.pre.Run(context.Background(), job.ID))

	chunks, err := e.store.ListChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a@x.com\n", e.readKey(t, chunks[0].InputKey))
}

func TestPreprocessSkipCacheBreakerLatches(t *testing.T) {
	inner := &stubCache{err: eris.New("cache down")}
	breaker := vcache.WithBreaker(inner, 1)
	e := newEnv(t, breaker, config.IngestConfig{ChunkSize: 100},
		config.CacheConfig{FailureMode: config.CacheSkip, BatchSize: 1})
	job := e.createJob(t, "a@x.com\nb@x.com\nc@x.com\n", "csv")

	require.NoError(t, e.pre.Run(context.Background(), job.ID))

	// The breaker tripped after the first failed batch; later batches never
	// reach the backend.
	assert.Equal(t, 1, inner.calls)
	assert.True(t, breaker.Disabled())

	chunks, err := e.store.ListChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 3, chunks[0].EmailCount)
}

func TestPreprocessCacheOnlyMode(t *testing.T) {
	cache := &stubCache{verdicts: map[string]model.Verdict{
		"a@x.com": {Email: "a@x.com", Status: model.VerdictValid},
	}}
	e := newEnv(t, cache, config.IngestConfig{ChunkSize: 100},
		config.CacheConfig{CacheOnly: true, MissStatus: "risky"})
	job := e.createJob(t, "a@x.com\nb@x.com\n", "csv")

	var finalized bool
	e.pre.Finalize = func(context.Context, string) error {
		finalized = true
		return nil
	}

	require.NoError(t, e.pre.Run(context.Background(), job.ID))

	// No chunks: misses fall back to the configured status file.
	chunks, err := e.store.ListChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Equal(t, "b@x.com,cache_miss\n", e.readKey(t, blob.CachedResultKey(job.ID, "risky")))
	assert.True(t, finalized)
}

func TestPreprocessDedupAcrossSpill(t *testing.T) {
	e := newEnv(t, nil, config.IngestConfig{ChunkSize: 100, DedupeMemoryLimit: 2}, config.CacheConfig{})
	job := e.createJob(t, "a@x.com\nb@x.com\nc@x.com\na@x.com\nd@x.com\nc@x.com\n", "csv")

	require.NoError(t, e.pre.Run(context.Background(), job.ID))

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Counts.Total)
}

func TestPreprocessRejectsNonPendingJob(t *testing.T) {
	e := newEnv(t, nil, config.IngestConfig{}, config.CacheConfig{})
	job := e.createJob(t, "a@x.com\n", "csv")
	require.NoError(t, e.store.UpdateJobStatus(context.Background(), job.ID, model.JobStatusCompleted))

	err := e.pre.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected pending")
}

func TestPreprocessUnsupportedFormat(t *testing.T) {
	e := newEnv(t, nil, config.IngestConfig{}, config.CacheConfig{})
	job := e.createJob(t, "a@x.com\n", "dat")

	err := e.pre.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported input format")
}
