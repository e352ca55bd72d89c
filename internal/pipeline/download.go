package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
)

// HandleDownload fetches the document, fingerprints it, and claims the chain.
// Two submissions of byte-identical content collapse here: only the URL that
// owns the claim continues to the convert stage.
func (p *Pipeline) HandleDownload(ctx context.Context, job *queue.ActiveJob) error {
	log := stageLogger("download", job)
	url := job.Payload.URL
	if url == "" {
		return eris.New("pipeline: download job has no url")
	}

	job.ReportProgress(ctx, 10)
	raw, err := p.fetch.Fetch(ctx, url)
	if err != nil {
		return eris.Wrapf(err, "pipeline: download %s", url)
	}
	job.ReportProgress(ctx, 70)

	fp := model.Fingerprint(raw)
	log.Info("document downloaded",
		zap.String("url", url),
		zap.Int("bytes", len(raw)),
		zap.String("fingerprint", fp),
	)

	claimed, err := p.store.ClaimDocument(ctx, fp, url)
	if err != nil {
		return eris.Wrap(err, "pipeline: claim document")
	}
	if !claimed {
		job.Logf(ctx, "content already claimed by another chain, fingerprint %s", fp)
		log.Info("duplicate content, chain short-circuited", zap.String("fingerprint", fp))
		return nil
	}

	if _, err := job.Enqueue(ctx, queue.QueueConvert, model.JobPayload{
		Fingerprint: fp,
		URL:         url,
	}); err != nil {
		return eris.Wrap(err, "pipeline: enqueue convert")
	}
	job.Logf(ctx, "fingerprint %s, %d bytes", fp, len(raw))
	return nil
}
