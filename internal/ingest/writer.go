package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verifyd/internal/blob"
	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
)

// chunkWriter accumulates pending emails into the active chunk file and
// rolls over to a new file once the configured chunk size is reached. Each
// rollover persists one chunk record.
type chunkWriter struct {
	store     store.Store
	blobs     *blob.Store
	jobID     string
	chunkSize int

	seq     int
	file    io.WriteCloser
	buf     *bufio.Writer
	count   int
	created int
}

func newChunkWriter(ctx context.Context, st store.Store, blobs *blob.Store, jobID string, chunkSize int) (*chunkWriter, error) {
	seq, err := st.NextChunkSeq(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &chunkWriter{
		store:     st,
		blobs:     blobs,
		jobID:     jobID,
		chunkSize: chunkSize,
		seq:       seq,
	}, nil
}

func (w *chunkWriter) Add(ctx context.Context, email string) error {
	if w.file == nil {
		f, err := w.blobs.Create(blob.ChunkInputKey(w.jobID, w.seq, "csv"))
		if err != nil {
			return eris.Wrap(err, "ingest: create chunk file")
		}
		w.file = f
		w.buf = bufio.NewWriter(f)
		w.count = 0
	}
	if _, err := w.buf.WriteString(email + "\n"); err != nil {
		return eris.Wrap(err, "ingest: write chunk row")
	}
	w.count++
	if w.count >= w.chunkSize {
		return w.roll(ctx)
	}
	return nil
}

// roll closes the active file and persists its chunk record.
func (w *chunkWriter) roll(ctx context.Context) error {
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return eris.Wrap(err, "ingest: flush chunk file")
	}
	if err := w.file.Close(); err != nil {
		return eris.Wrap(err, "ingest: close chunk file")
	}

	chunk := &model.Chunk{
		JobID:      w.jobID,
		Seq:        w.seq,
		Stage:      model.StageScreening,
		InputKey:   blob.ChunkInputKey(w.jobID, w.seq, "csv"),
		EmailCount: w.count,
	}
	if err := w.store.CreateChunk(ctx, chunk); err != nil {
		return eris.Wrap(err, "ingest: persist chunk record")
	}

	w.created++
	w.seq++
	w.file = nil
	w.buf = nil
	w.count = 0
	return nil
}

// Close rolls the final partial chunk, if any, and reports how many chunks
// were created.
func (w *chunkWriter) Close(ctx context.Context) (int, error) {
	if err := w.roll(ctx); err != nil {
		return w.created, err
	}
	return w.created, nil
}

// statusWriters lazily opens one cached-result file per verdict status.
type statusWriters struct {
	blobs   *blob.Store
	jobID   string
	files   map[model.VerdictStatus]io.WriteCloser
	writers map[model.VerdictStatus]*csv.Writer
	counts  map[model.VerdictStatus]int
}

func newStatusWriters(blobs *blob.Store, jobID string) *statusWriters {
	return &statusWriters{
		blobs:   blobs,
		jobID:   jobID,
		files:   make(map[model.VerdictStatus]io.WriteCloser),
		writers: make(map[model.VerdictStatus]*csv.Writer),
		counts:  make(map[model.VerdictStatus]int),
	}
}

func (s *statusWriters) Write(status model.VerdictStatus, email, reason string) error {
	w, ok := s.writers[status]
	if !ok {
		f, err := s.blobs.Create(blob.CachedResultKey(s.jobID, string(status)))
		if err != nil {
			return eris.Wrap(err, "ingest: create cached result file")
		}
		s.files[status] = f
		w = csv.NewWriter(f)
		s.writers[status] = w
	}
	if err := w.Write([]string{email, reason}); err != nil {
		return eris.Wrap(err, "ingest: write cached result row")
	}
	s.counts[status]++
	return nil
}

func (s *statusWriters) Close() error {
	for status, w := range s.writers {
		w.Flush()
		if err := w.Error(); err != nil {
			return eris.Wrap(err, "ingest: flush cached result file")
		}
		if err := s.files[status].Close(); err != nil {
			return eris.Wrap(err, "ingest: close cached result file")
		}
	}
	return nil
}
