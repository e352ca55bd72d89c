package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// HandleConvert re-fetches the claimed document and converts it to plain
// text. Raw bytes never travel through the queue; the fingerprint in the
// payload pins the content, and a mismatch on re-fetch means the URL now
// serves different bytes and the chain must not proceed with them.
func (p *Pipeline) HandleConvert(ctx context.Context, job *queue.ActiveJob) error {
	log := stageLogger("convert", job)

	raw, err := p.fetch.Fetch(ctx, job.Payload.URL)
	if err != nil {
		return eris.Wrapf(err, "pipeline: refetch %s", job.Payload.URL)
	}
	job.ReportProgress(ctx, 30)

	if fp := model.Fingerprint(raw); fp != job.Payload.Fingerprint {
		return resilience.NewDataError(
			eris.Errorf("pipeline: content at %s changed, fingerprint %s does not match claim %s",
				job.Payload.URL, fp, job.Payload.Fingerprint),
			"",
		)
	}

	text, err := p.converter.Convert(ctx, raw)
	if err != nil {
		return eris.Wrap(err, "pipeline: convert to text")
	}
	job.ReportProgress(ctx, 90)
	log.Info("document converted", zap.Int("chars", len(text)))

	if _, err := job.Enqueue(ctx, queue.QueueSegment, model.JobPayload{
		Fingerprint: job.Payload.Fingerprint,
		URL:         job.Payload.URL,
		Text:        text,
	}); err != nil {
		return eris.Wrap(err, "pipeline: enqueue segment")
	}
	return nil
}
