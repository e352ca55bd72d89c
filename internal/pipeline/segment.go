package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// Segment splits converted text into ordered paragraphs. The split is a pure
// function of text and bounds: NFC-normalize, break on blank lines, merge
// fragments shorter than minChars into their successor, hard-split anything
// past maxChars at the nearest earlier space. Redelivered segment jobs thus
// reproduce identical (seq, text) pairs.
func Segment(text string, minChars, maxChars int) []string {
	if minChars <= 0 {
		minChars = 120
	}
	if maxChars <= minChars {
		maxChars = 2000
	}

	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var blocks []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			blocks = append(blocks, block)
		}
	}

	// Headings and list fragments carry little retrieval signal alone, so
	// short blocks ride along with the paragraph that follows them.
	var merged []string
	var carry strings.Builder
	for _, block := range blocks {
		if carry.Len() > 0 {
			carry.WriteByte('\n')
		}
		carry.WriteString(block)
		if carry.Len() >= minChars {
			merged = append(merged, carry.String())
			carry.Reset()
		}
	}
	if carry.Len() > 0 {
		merged = append(merged, carry.String())
	}

	var out []string
	for _, block := range merged {
		out = append(out, hardSplit(block, maxChars)...)
	}
	return out
}

// hardSplit breaks an over-long block at the last space before the limit,
// falling back to a mid-word cut when a block has no spaces at all. The
// fallback cut lands on a rune boundary so unspaced scripts (CJK) never
// yield invalid UTF-8.
func hardSplit(block string, maxChars int) []string {
	var out []string
	for len(block) > maxChars {
		cut := strings.LastIndexByte(block[:maxChars], ' ')
		if cut <= 0 {
			cut = maxChars
			for cut > 0 && !utf8.RuneStart(block[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxChars
			}
		}
		out = append(out, strings.TrimSpace(block[:cut]))
		block = strings.TrimSpace(block[cut:])
	}
	if block != "" {
		out = append(out, block)
	}
	return out
}

// HandleSegment splits the converted text and hands the paragraphs to the
// index stage.
func (p *Pipeline) HandleSegment(ctx context.Context, job *queue.ActiveJob) error {
	log := stageLogger("segment", job)

	paragraphs := Segment(job.Payload.Text, p.cfg.Segment.MinChars, p.cfg.Segment.MaxChars)
	if len(paragraphs) == 0 {
		return resilience.NewDataError(
			eris.Errorf("pipeline: no paragraphs in document %s", job.Payload.Fingerprint),
			snippetOf(job.Payload.Text),
		)
	}
	log.Info("document segmented", zap.Int("paragraphs", len(paragraphs)))
	job.Logf(ctx, "%d paragraphs", len(paragraphs))

	if _, err := job.Enqueue(ctx, queue.QueueIndex, model.JobPayload{
		Fingerprint: job.Payload.Fingerprint,
		URL:         job.Payload.URL,
		Paragraphs:  paragraphs,
	}); err != nil {
		return eris.Wrap(err, "pipeline: enqueue index")
	}
	return nil
}

func snippetOf(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max]
	}
	return s
}
