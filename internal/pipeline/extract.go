package pipeline

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/resilience"
	"github.com/carbonwatch/emissions-cli/internal/schema"
	"github.com/carbonwatch/emissions-cli/pkg/anthropic"
)

// HandleExtract runs retrieval-augmented extraction: one model call per field
// group over the paragraphs retrieved for that group, merged into a single
// draft record. The system prompt is shared and cached across groups. A
// response that breaks the contract dead-letters with its raw text attached.
func (p *Pipeline) HandleExtract(ctx context.Context, job *queue.ActiveJob) error {
	log := stageLogger("extract", job)
	fp := job.Payload.Fingerprint

	count, err := p.index.Count(ctx, fp)
	if err != nil {
		return eris.Wrap(err, "pipeline: count paragraphs")
	}
	if count == 0 {
		return eris.Errorf("pipeline: no indexed paragraphs for %s", fp)
	}

	systemPrompt, err := schema.ExtractPrompt(p.contract, p.cfg.Extract.TargetLanguage)
	if err != nil {
		return err
	}
	system := anthropic.BuildCachedSystemBlocks(systemPrompt)

	groups := schema.FieldGroups()
	merged := make(map[string]json.RawMessage)
	seen := make(map[int]string) // seq -> text, reflect-stage context
	temperature := 0.0

	for i, group := range groups {
		contextTexts, err := p.retrieve(ctx, fp, group, seen)
		if err != nil {
			return err
		}
		userMsg, err := schema.GroupMessage(group, contextTexts)
		if err != nil {
			return err
		}

		resp, err := p.ai.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       p.cfg.Anthropic.Model,
			MaxTokens:   int64(p.cfg.Anthropic.MaxTokens),
			System:      system,
			Messages:    []anthropic.Message{{Role: "user", Content: userMsg}},
			Temperature: &temperature,
		})
		if err != nil {
			return eris.Wrapf(err, "pipeline: extract group %s", group.Name)
		}
		resp.Usage.LogCost(p.cfg.Anthropic.Model, "extract:"+group.Name)

		raw := resp.Text()
		obj, err := p.contract.Validate([]byte(raw))
		if err != nil {
			return resilience.NewDataError(
				eris.Wrapf(err, "pipeline: extract group %s", group.Name), raw)
		}
		mergeGroup(merged, obj, group)

		job.ReportProgress(ctx, 10+80*(i+1)/len(groups))
		log.Debug("field group extracted",
			zap.String("group", group.Name),
			zap.Int("context_paragraphs", len(contextTexts)),
		)
	}

	draft, err := draftFromKeys(merged)
	if err != nil {
		return resilience.NewDataError(eris.Wrap(err, "pipeline: assemble draft"), "")
	}
	draft.URL = job.Payload.URL
	draft.Normalize()

	if _, err := job.Enqueue(ctx, queue.QueueReflect, model.JobPayload{
		Fingerprint: fp,
		URL:         job.Payload.URL,
		Draft:       draft,
		Paragraphs:  orderedTexts(seen),
	}); err != nil {
		return eris.Wrap(err, "pipeline: enqueue reflect")
	}
	return nil
}

// retrieve pulls the top-k paragraphs for each of the group's queries,
// deduplicated by seq and returned in document order. Retrieved paragraphs
// also accumulate into seen for the reflect stage.
func (p *Pipeline) retrieve(ctx context.Context, fp string, group schema.FieldGroup, seen map[int]string) ([]string, error) {
	bySeq := make(map[int]string)
	for _, query := range group.Queries {
		emb, err := p.embedder.Embed(ctx, query)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: embed query for group %s", group.Name)
		}
		hits, err := p.index.Search(ctx, fp, emb, p.cfg.Extract.TopK)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: search for group %s", group.Name)
		}
		for _, hit := range hits {
			bySeq[hit.Paragraph.Seq] = hit.Paragraph.Text
			seen[hit.Paragraph.Seq] = hit.Paragraph.Text
		}
	}

	seqs := make([]int, 0, len(bySeq))
	for seq := range bySeq {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	out := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, bySeq[seq])
	}
	return out, nil
}

func orderedTexts(seen map[int]string) []string {
	seqs := make([]int, 0, len(seen))
	for seq := range seen {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	out := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, seen[seq])
	}
	return out
}

// mergeGroup copies the group's keys from the response into the merged
// object. The emissions key is owned by two groups (scope 1+2 and scope 3),
// so those responses merge year by year rather than overwrite.
func mergeGroup(merged map[string]json.RawMessage, obj map[string]json.RawMessage, group schema.FieldGroup) {
	for _, key := range group.Keys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		if key == "emissions" {
			if prev, ok := merged[key]; ok {
				merged[key] = mergeEmissions(prev, v)
				continue
			}
		}
		merged[key] = v
	}
}

// mergeEmissions unions two per-year emission lists. Scope fields fill in
// where the earlier pass left them null; nothing is ever summed.
func mergeEmissions(a, b json.RawMessage) json.RawMessage {
	var left, right []model.YearEmission
	if err := json.Unmarshal(a, &left); err != nil {
		return b
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return a
	}

	byYear := make(map[string]*model.YearEmission, len(left))
	order := make([]string, 0, len(left))
	for i := range left {
		byYear[left[i].Year] = &left[i]
		order = append(order, left[i].Year)
	}
	for i := range right {
		e, ok := byYear[right[i].Year]
		if !ok {
			byYear[right[i].Year] = &right[i]
			order = append(order, right[i].Year)
			continue
		}
		if e.Scope1 == nil {
			e.Scope1 = right[i].Scope1
		}
		if e.Scope2 == nil {
			e.Scope2 = right[i].Scope2
		}
		if e.Scope3 == nil {
			e.Scope3 = right[i].Scope3
		}
		if e.TotalUnit == "" {
			e.TotalUnit = right[i].TotalUnit
		}
	}

	out := make([]model.YearEmission, 0, len(order))
	for _, year := range order {
		out = append(out, *byYear[year])
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return a
	}
	return raw
}

func draftFromKeys(merged map[string]json.RawMessage) (*model.DraftRecord, error) {
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var draft model.DraftRecord
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, err
	}
	return &draft, nil
}
