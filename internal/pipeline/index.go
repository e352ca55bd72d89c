package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
)

// HandleIndex embeds each paragraph and upserts it into the vector index
// keyed by (fingerprint, seq). Redelivery re-embeds and overwrites the same
// rows, so the index always reflects one deterministic segmentation.
func (p *Pipeline) HandleIndex(ctx context.Context, job *queue.ActiveJob) error {
	log := stageLogger("index", job)
	texts := job.Payload.Paragraphs
	if len(texts) == 0 {
		return eris.Errorf("pipeline: index job for %s has no paragraphs", job.Payload.Fingerprint)
	}

	paragraphs := make([]model.Paragraph, 0, len(texts))
	for seq, text := range texts {
		emb, err := p.embedder.Embed(ctx, text)
		if err != nil {
			return eris.Wrapf(err, "pipeline: embed paragraph %d", seq)
		}
		paragraphs = append(paragraphs, model.Paragraph{
			Fingerprint: job.Payload.Fingerprint,
			Seq:         seq,
			Text:        text,
			Embedding:   emb,
		})
		if seq%10 == 9 {
			job.ReportProgress(ctx, 5+90*seq/len(texts))
		}
	}

	if err := p.index.Upsert(ctx, paragraphs); err != nil {
		return eris.Wrap(err, "pipeline: upsert paragraphs")
	}
	log.Info("paragraphs indexed", zap.Int("count", len(paragraphs)))

	if _, err := job.Enqueue(ctx, queue.QueueExtract, model.JobPayload{
		Fingerprint: job.Payload.Fingerprint,
		URL:         job.Payload.URL,
	}); err != nil {
		return eris.Wrap(err, "pipeline: enqueue extract")
	}
	return nil
}
