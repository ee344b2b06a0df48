package planner

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/blob"
	"github.com/sells-group/verifyd/internal/config"
	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
)

// Handoff reclassifies a completed screening chunk's survivors into a new
// probe-stage chunk. Hard-invalid rows stay with the screening chunk; all
// other rows move to the probe stage so each row is owned by exactly one
// stage's final output.
type Handoff struct {
	store store.Store
	blobs *blob.Store
	cfg   config.HandoffConfig
}

// NewHandoff creates the handoff planner.
func NewHandoff(st store.Store, blobs *blob.Store, cfg config.HandoffConfig) *Handoff {
	return &Handoff{store: st, blobs: blobs, cfg: cfg}
}

// Plan runs the handoff for one completed screening chunk. Creation is
// idempotent per (job, parent chunk): re-running after a partial failure
// reuses the existing probe chunk and still rewrites the screening outputs.
func (p *Handoff) Plan(ctx context.Context, chunk *model.Chunk) error {
	if chunk.Stage != model.StageScreening {
		return nil
	}

	hard := make(map[string]bool, len(p.cfg.HardInvalidReasons))
	for _, reason := range p.cfg.HardInvalidReasons {
		hard[reason] = true
	}

	var hardRows, candidates []row
	seen := make(map[string]bool)
	addCandidate := func(r row) {
		if seen[r.Email] {
			return
		}
		seen[r.Email] = true
		candidates = append(candidates, r)
	}

	for _, status := range model.OutputStatuses {
		ref, ok := chunk.Outputs[status]
		if !ok {
			continue
		}
		rows, err := readRows(p.blobs, ref.Key)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if status == model.VerdictInvalid && hard[model.ReasonBase(r.Reason)] {
				hardRows = append(hardRows, r)
				continue
			}
			addCandidate(r)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	probe, err := p.ensureProbeChunk(ctx, chunk, candidates)
	if err != nil {
		return err
	}

	// Screening keeps only its hard invalids; valid and risky become empty.
	outputs := make(model.ChunkOutputs, len(chunk.Outputs))
	for _, status := range model.OutputStatuses {
		if _, ok := chunk.Outputs[status]; !ok {
			continue
		}
		rows := []row(nil)
		if status == model.VerdictInvalid {
			rows = hardRows
		}
		key := blob.FilteredOutputKey(chunk.JobID, chunk.Seq, string(status))
		if err := writeRows(p.blobs, key, rows); err != nil {
			return err
		}
		outputs[status] = model.OutputRef{Key: key, Count: len(rows)}
	}
	if err := p.store.UpdateChunkOutputs(ctx, chunk.ID, outputs); err != nil {
		return err
	}
	chunk.Outputs = outputs

	zap.L().Info("screening handoff to probe",
		zap.String("job_id", chunk.JobID),
		zap.String("parent_chunk_id", chunk.ID),
		zap.String("probe_chunk_id", probe.ID),
		zap.Int("candidates", len(candidates)),
		zap.Int("hard_invalid", len(hardRows)),
	)
	return nil
}

// ensureProbeChunk finds or creates the probe chunk for chunk's survivors.
func (p *Handoff) ensureProbeChunk(ctx context.Context, chunk *model.Chunk, candidates []row) (*model.Chunk, error) {
	existing, err := p.store.FindHandoffChunk(ctx, chunk.JobID, chunk.ID)
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
	if err := writeEmails(p.blobs, inputKey, candidates); err != nil {
		return nil, err
	}

	probe := &model.Chunk{
		JobID:             chunk.JobID,
		Seq:               seq,
		Stage:             model.StageSMTPProbe,
		ParentChunkID:     chunk.ID,
		SourceStage:       model.StageScreening,
		PreferredProvider: chunk.PreferredProvider,
		PreferredPool:     chunk.PreferredPool,
		RotationGroup:     chunk.RotationGroup,
		InputKey:          inputKey,
		EmailCount:        len(candidates),
	}
	if err := p.store.CreateChunk(ctx, probe); err != nil {
		// A concurrent planner run won the unique-index race; reuse its
		// chunk.
		if errors.Is(err, store.ErrConflict) {
			return p.store.FindHandoffChunk(ctx, chunk.JobID, chunk.ID)
		}
		return nil, err
	}
	return probe, nil
}
