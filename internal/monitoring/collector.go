package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal      int     `json:"jobs_total"`
	JobsPending    int     `json:"jobs_pending"`
	JobsProcessing int     `json:"jobs_processing"`
	JobsCompleted  int     `json:"jobs_completed"`
	JobsFailed     int     `json:"jobs_failed"`
	JobFailRate    float64 `json:"job_fail_rate"`

	// Email throughput across window jobs.
	EmailsTotal  int     `json:"emails_total"`
	EmailsCached int     `json:"emails_cached"`
	CacheHitRate float64 `json:"cache_hit_rate"`

	// Chunk backlog across in-flight jobs (not window-bounded: a stuck
	// old job is exactly what the backlog number should surface).
	ChunksPending    int `json:"chunks_pending"`
	ChunksProcessing int `json:"chunks_processing"`
	ChunksCompleted  int `json:"chunks_completed"`
	ChunksFailed     int `json:"chunks_failed"`

	// Worker fleet.
	ServersTotal    int `json:"servers_total"`
	ServersOnline   int `json:"servers_online"`
	ServersDraining int `json:"servers_draining"`
	ServersStale    int `json:"servers_stale"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the job store.
type Collector struct {
	store     store.Store
	staleness time.Duration
}

// NewCollector creates a metrics collector. staleness is the heartbeat
// window after which a server counts as stale.
func NewCollector(st store.Store, staleness time.Duration) *Collector {
	return &Collector{store: st, staleness: staleness}
}

// Collect gathers a snapshot of engine metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	for i := range jobs {
		j := &jobs[i]
		if j.CreatedAt.After(cutoff) {
			snap.JobsTotal++
			switch j.Status {
			case model.JobStatusPending:
				snap.JobsPending++
			case model.JobStatusProcessing:
				snap.JobsProcessing++
			case model.JobStatusCompleted:
				snap.JobsCompleted++
			case model.JobStatusFailed:
				snap.JobsFailed++
			}
			snap.EmailsTotal += j.Counts.Total
			snap.EmailsCached += j.Counts.Cached
		}

		// Chunk backlog only matters for jobs still in flight.
		if j.Status != model.JobStatusProcessing {
			continue
		}
		counts, err := c.store.CountChunksByStatus(ctx, j.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count chunks job=%s", j.ID)
		}
		snap.ChunksPending += counts[model.ChunkStatusPending]
		snap.ChunksProcessing += counts[model.ChunkStatusProcessing]
		snap.ChunksCompleted += counts[model.ChunkStatusCompleted]
		snap.ChunksFailed += counts[model.ChunkStatusFailed]
	}

	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if snap.EmailsTotal > 0 {
		snap.CacheHitRate = float64(snap.EmailsCached) / float64(snap.EmailsTotal)
	}

	servers, err := c.store.ListServers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list servers")
	}
	snap.ServersTotal = len(servers)
	for i := range servers {
		s := &servers[i]
		if s.Online {
			snap.ServersOnline++
		}
		if s.Draining {
			snap.ServersDraining++
		}
		if s.Online && s.Stale(now, c.staleness) {
			snap.ServersStale++
		}
	}

	return snap, nil
}
