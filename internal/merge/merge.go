// Package merge reassembles a job's partial outputs into one final file per
// verdict status.
package merge

import (
	"bufio"
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/verifyd/internal/blob"
	"github.com/sells-group/verifyd/internal/model"
)

// Result reports the merged outputs per status and any source files that
// were expected but missing. A non-empty Missing list means the job cannot
// be trusted as complete.
type Result struct {
	Outputs model.JobResults
	Missing []string
}

// Merger concatenates cache-sourced and chunk-sourced partial outputs.
type Merger struct {
	blobs *blob.Store
}

// New creates a Merger over the given blob store.
func New(blobs *blob.Store) *Merger {
	return &Merger{blobs: blobs}
}

// Merge combines every known source per status into one final file. The
// three statuses are independent and merge concurrently.
func (m *Merger) Merge(ctx context.Context, job *model.Job, chunks []model.Chunk) (*Result, error) {
	result := &Result{Outputs: make(model.JobResults, len(model.OutputStatuses))}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, status := range model.OutputStatuses {
		g.Go(func() error {
			ref, missing, err := m.mergeStatus(ctx, job, chunks, status)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Outputs[status] = ref
			result.Missing = append(result.Missing, missing...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(result.Missing) > 0 {
		zap.L().Warn("merge found missing sources",
			zap.String("job_id", job.ID),
			zap.Strings("missing", result.Missing),
		)
	}
	return result, nil
}

func (m *Merger) mergeStatus(ctx context.Context, job *model.Job, chunks []model.Chunk, status model.VerdictStatus) (model.OutputRef, []string, error) {
	var sources []string

	// The cached-result file exists only when preprocessing saw hits for
	// this status.
	cachedKey := blob.CachedResultKey(job.ID, string(status))
	exists, err := m.blobs.Exists(cachedKey)
	if err != nil {
		return model.OutputRef{}, nil, eris.Wrap(err, "merge: stat cached result")
	}
	if exists {
		sources = append(sources, cachedKey)
	}
	for _, chunk := range chunks {
		if ref, ok := chunk.Outputs[status]; ok {
			sources = append(sources, ref.Key)
		}
	}

	targetKey := blob.ResultKey(job.ID, string(status))
	target, err := m.blobs.Create(targetKey)
	if err != nil {
		return model.OutputRef{}, nil, eris.Wrap(err, "merge: create result file")
	}
	out := bufio.NewWriter(target)

	var missing []string
	rows := 0
	headerWritten := false
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			target.Close()
			return model.OutputRef{}, nil, eris.Wrap(err, "merge: context cancelled")
		}
		srcExists, err := m.blobs.Exists(source)
		if err != nil {
			target.Close()
			return model.OutputRef{}, nil, eris.Wrap(err, "merge: stat source")
		}
		if !srcExists {
			missing = append(missing, source)
			continue
		}
		n, wroteHeader, err := m.appendSource(source, out, headerWritten)
		if err != nil {
			target.Close()
			return model.OutputRef{}, nil, err
		}
		headerWritten = headerWritten || wroteHeader
		rows += n
	}

	if err := out.Flush(); err != nil {
		target.Close()
		return model.OutputRef{}, nil, eris.Wrap(err, "merge: flush result file")
	}
	if err := target.Close(); err != nil {
		return model.OutputRef{}, nil, eris.Wrap(err, "merge: close result file")
	}
	return model.OutputRef{Key: targetKey, Count: rows}, missing, nil
}

// appendSource copies one source's data rows into out, skipping blank lines.
// A header line (first non-empty line lacking an @) is copied once across
// all sources.
func (m *Merger) appendSource(key string, out *bufio.Writer, headerWritten bool) (int, bool, error) {
	rc, err := m.blobs.Open(key)
	if err != nil {
		return 0, false, eris.Wrapf(err, "merge: open source %s", key)
	}
	defer rc.Close()

	rows := 0
	wroteHeader := false
	first := true
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			if !strings.ContainsRune(line, '@') {
				if !headerWritten {
					if _, err := out.WriteString(line + "\n"); err != nil {
						return rows, wroteHeader, eris.Wrap(err, "merge: write header")
					}
					wroteHeader = true
				}
				continue
			}
		}
		if _, err := out.WriteString(line + "\n"); err != nil {
			return rows, wroteHeader, eris.Wrap(err, "merge: write row")
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return rows, wroteHeader, eris.Wrapf(err, "merge: read source %s", key)
	}
	return rows, wroteHeader, nil
}
