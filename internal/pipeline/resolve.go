package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/queue"
)

// HandleResolve applies a human review decision. The store makes repeats of
// the same decision no-ops, so redelivered webhook jobs converge; a decision
// conflicting with an already-resolved record is a permanent error and
// dead-letters for triage.
func (p *Pipeline) HandleResolve(ctx context.Context, job *queue.ActiveJob) error {
	log := stageLogger("resolve", job)
	if job.Payload.RecordID == "" {
		return eris.New("pipeline: resolve job has no record id")
	}

	rec, err := p.store.Resolve(ctx, job.Payload.RecordID, job.Payload.Decision, job.Payload.Patch)
	if err != nil {
		return eris.Wrapf(err, "pipeline: resolve record %s", job.Payload.RecordID)
	}

	log.Info("record resolved",
		zap.String("record_id", rec.ID),
		zap.String("decision", string(job.Payload.Decision)),
		zap.String("state", string(rec.ReviewState)),
		zap.Bool("visible", rec.Visible),
	)
	job.Logf(ctx, "record %s is %s", rec.ID, rec.ReviewState)
	p.mirrorState(ctx, rec)
	return nil
}
