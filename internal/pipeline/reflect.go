package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/resilience"
	"github.com/carbonwatch/emissions-cli/internal/schema"
	"github.com/carbonwatch/emissions-cli/pkg/anthropic"
)

// HandleReflect runs the self-check pass: the draft and its retrieval context
// go back to the model for review. Numeric changes are only accepted when the
// response justifies them in reviewComment; an unjustified change is
// discarded and the draft's reliability downgraded instead.
func (p *Pipeline) HandleReflect(ctx context.Context, job *queue.ActiveJob) error {
	log := stageLogger("reflect", job)
	draft := job.Payload.Draft
	if draft == nil {
		return eris.Errorf("pipeline: reflect job for %s has no draft", job.Payload.Fingerprint)
	}

	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal draft")
	}
	prompt, err := schema.ReflectPrompt(p.cfg.Extract.TargetLanguage, string(draftJSON), job.Payload.Paragraphs)
	if err != nil {
		return err
	}

	temperature := 0.0
	resp, err := p.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.cfg.Anthropic.Model,
		MaxTokens:   int64(p.cfg.Anthropic.MaxTokens),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temperature,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: reflect")
	}
	resp.Usage.LogCost(p.cfg.Anthropic.Model, "reflect")
	job.ReportProgress(ctx, 60)

	raw := resp.Text()
	if _, err := p.contract.Validate([]byte(raw)); err != nil {
		return resilience.NewDataError(eris.Wrap(err, "pipeline: reflect response"), raw)
	}

	var reviewed model.DraftRecord
	if err := json.Unmarshal([]byte(raw), &reviewed); err != nil {
		return resilience.NewDataError(eris.Wrap(err, "pipeline: decode reflect response"), raw)
	}
	reviewed.URL = job.Payload.URL
	reviewed.Normalize()

	if !numbersEqual(draft, &reviewed) && !justifiesChange(draft, &reviewed) {
		log.Warn("unjustified numeric change discarded",
			zap.String("reliability", reviewed.Reliability))
		job.Logf(ctx, "reflect changed numbers without justification, keeping extraction figures")
		reviewed.Emissions = draft.Emissions
		reviewed.Reliability = downgradeReliability(draft.Reliability)
		reviewed.Normalize()
	}

	if _, err := job.Enqueue(ctx, queue.QueueReview, model.JobPayload{
		Fingerprint: job.Payload.Fingerprint,
		URL:         job.Payload.URL,
		Draft:       &reviewed,
	}); err != nil {
		return eris.Wrap(err, "pipeline: enqueue review")
	}
	return nil
}

// justifiesChange reports whether the reviewed draft added explanation to
// reviewComment beyond what extraction already noted.
func justifiesChange(before, after *model.DraftRecord) bool {
	c := strings.TrimSpace(after.ReviewComment)
	return c != "" && c != strings.TrimSpace(before.ReviewComment)
}

func downgradeReliability(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "high":
		return "medium"
	default:
		return "low"
	}
}

// numbersEqual compares every reported figure of the two drafts.
func numbersEqual(a, b *model.DraftRecord) bool {
	fa, fb := collectNumbers(a), collectNumbers(b)
	if len(fa) != len(fb) {
		return false
	}
	for k, v := range fa {
		if w, ok := fb[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func collectNumbers(d *model.DraftRecord) map[string]float64 {
	out := make(map[string]float64)
	put := func(year, path string, v *float64) {
		if v != nil {
			out[year+"/"+path] = *v
		}
	}
	for _, e := range d.Emissions {
		if e.Scope1 != nil {
			put(e.Year, "scope1/emissions", e.Scope1.Emissions)
			put(e.Year, "scope1/biogenic", e.Scope1.Biogenic)
		}
		if e.Scope2 != nil {
			put(e.Year, "scope2/mb", e.Scope2.MarketBased)
			put(e.Year, "scope2/lb", e.Scope2.LocationBased)
		}
		if e.Scope3 != nil {
			put(e.Year, "scope3/emissions", e.Scope3.EmissionsTotal)
			for cat, v := range e.Scope3.Categories {
				put(e.Year, fmt.Sprintf("scope3/%s", cat), v)
			}
		}
	}
	return out
}
