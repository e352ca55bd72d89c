package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/record"
	"github.com/carbonwatch/emissions-cli/pkg/discord"
	"github.com/carbonwatch/emissions-cli/pkg/notion"
)

// HandleReview persists the draft as a pending record and publishes the
// review message with decision buttons. The saved review request dedupes the
// publish: a redelivered review job that finds one never posts again.
func (p *Pipeline) HandleReview(ctx context.Context, job *queue.ActiveJob) error {
	log := stageLogger("review", job)
	draft := job.Payload.Draft
	if draft == nil {
		return eris.Errorf("pipeline: review job for %s has no draft", job.Payload.Fingerprint)
	}
	draft.URL = job.Payload.URL
	draft.Normalize()

	job.ReportProgress(ctx, 10)
	rec, err := p.store.UpsertProvisional(ctx, job.Payload.Fingerprint, job.Payload.URL, *draft)
	if err != nil {
		return eris.Wrap(err, "pipeline: persist provisional record")
	}
	job.ReportProgress(ctx, 40)

	existing, err := p.store.GetReviewRequest(ctx, rec.ID)
	if err != nil {
		return eris.Wrap(err, "pipeline: look up review request")
	}
	if existing != nil {
		job.Logf(ctx, "review already published as message %s", existing.MessageID)
		log.Info("review publish skipped, message exists",
			zap.String("record_id", rec.ID),
			zap.String("message_id", existing.MessageID),
		)
		p.mirrorState(ctx, rec)
		return nil
	}

	if p.publisher == nil {
		job.Logf(ctx, "no review channel configured, record %s stays pending", rec.ID)
		log.Warn("review channel not configured", zap.String("record_id", rec.ID))
		return nil
	}

	summary := RenderSummary(rec, p.cfg.Review.CommentMaxLen)
	msg, err := p.publisher.CreateMessage(ctx, p.cfg.Review.ChannelID, discord.MessagePayload{
		Content:    summary,
		Components: []discord.ActionRow{discord.ReviewButtons(rec.ID)},
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: publish review message")
	}
	job.ReportProgress(ctx, 80)

	if err := p.store.SaveReviewRequest(ctx, record.ReviewRequest{
		RecordID:     rec.ID,
		ChannelID:    msg.ChannelID,
		MessageID:    msg.ID,
		PublishToken: "review-" + rec.ID,
	}); err != nil {
		return eris.Wrap(err, "pipeline: save review request")
	}

	log.Info("review published",
		zap.String("record_id", rec.ID),
		zap.String("message_id", msg.ID),
		zap.String("company", rec.Draft.CompanyName),
	)
	job.Logf(ctx, "review message %s for record %s", msg.ID, rec.ID)
	p.mirrorState(ctx, rec)
	return nil
}

// mirrorState pushes the record's review state to the external tracker.
// Mirror failures never fail the job; the chat message is the authoritative
// review channel.
func (p *Pipeline) mirrorState(ctx context.Context, rec *record.PersistedRecord) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.Upsert(ctx, notion.Entry{
		RecordID: rec.ID,
		Company:  rec.Draft.CompanyName,
		URL:      rec.URL,
		Status:   mirrorStatus(rec.ReviewState),
	}); err != nil {
		zap.L().Warn("review mirror update failed",
			zap.String("record_id", rec.ID),
			zap.Error(err),
		)
	}
}

func mirrorStatus(state record.ReviewState) string {
	switch state {
	case record.StateApproved:
		return "Approved"
	case record.StateEdited:
		return "Edited"
	case record.StateRejected:
		return "Rejected"
	default:
		return "Pending Review"
	}
}
