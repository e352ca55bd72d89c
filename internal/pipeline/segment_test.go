package pipeline

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

func TestSegment_SplitsOnBlankLines(t *testing.T) {
	text := "First paragraph with enough characters to stand alone here.\n\n" +
		"Second paragraph, also comfortably past the minimum length bound."
	got := Segment(text, 20, 400)
	require.Len(t, got, 2)
	assert.Equal(t, "First paragraph with enough characters to stand alone here.", got[0])
}

func TestSegment_Deterministic(t *testing.T) {
	text := strings.Repeat("Scope 1 emissions were 1 234 tCO2e during the year.\n\n", 30)
	first := Segment(text, 120, 2000)
	second := Segment(text, 120, 2000)
	assert.Equal(t, first, second)
}

func TestSegment_MergesShortBlocksForward(t *testing.T) {
	text := "Heading\n\nThe paragraph following the heading carries the signal and passes the bound."
	got := Segment(text, 40, 400)
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "Heading\n"))
	assert.Contains(t, got[0], "carries the signal")
}

func TestSegment_TrailingShortBlockKept(t *testing.T) {
	text := "A full paragraph that is long enough to satisfy the minimum bound easily.\n\nshort tail"
	got := Segment(text, 40, 400)
	require.Len(t, got, 2)
	assert.Equal(t, "short tail", got[1])
}

func TestSegment_HardSplitsLongBlocks(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("word ", 200)) // ~1000 chars, no blank lines
	got := Segment(long, 20, 300)
	require.Greater(t, len(got), 1)
	for _, p := range got {
		assert.LessOrEqual(t, len(p), 300)
		assert.NotEmpty(t, p)
	}
	assert.Equal(t, strings.Fields(long), strings.Fields(strings.Join(got, " ")))
}

func TestSegment_HardSplitRespectsRuneBoundaries(t *testing.T) {
	// Unspaced CJK text forces the mid-word fallback cut. 250 is not a
	// multiple of the rune width, so a naive byte cut would land inside a
	// rune.
	long := strings.Repeat("排出量の報告", 60)
	got := Segment(long, 20, 250)
	require.Greater(t, len(got), 1)
	for _, p := range got {
		assert.True(t, utf8.ValidString(p))
		assert.LessOrEqual(t, len(p), 250)
	}
	assert.Equal(t, long, strings.Join(got, ""))
}

func TestSegment_NormalizesToNFC(t *testing.T) {
	// Input carries combining diaeresis; output must be the composed rune.
	got := Segment("Miljörapport för verksamhetsåret med utsläpp.", 10, 400)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Miljörapport")
}

func TestSegment_CRLFInput(t *testing.T) {
	got := Segment("First paragraph long enough to stand.\r\n\r\nSecond paragraph long enough too.", 10, 400)
	assert.Len(t, got, 2)
}

func TestHandleSegment_EnqueuesIndexJob(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, queue.QueueSegment, model.JobPayload{
		Fingerprint: "fp1",
		URL:         "https://a.example/r.pdf",
		Text:        "Scope 1 emissions were 1 234 tCO2e.\n\nScope 2 market-based came to 567 tCO2e.",
	})
	require.NoError(t, err)

	job, err := f.broker.Dequeue(context.Background(), queue.QueueIndex)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "fp1", job.Payload.Fingerprint)
	assert.Len(t, job.Payload.Paragraphs, 2)
}

func TestHandleSegment_EmptyTextIsDataError(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, queue.QueueSegment, model.JobPayload{Fingerprint: "fp1", Text: "   \n\n  "})
	require.Error(t, err)

	var dataErr *resilience.DataError
	assert.ErrorAs(t, err, &dataErr)
	assert.False(t, resilience.IsTransient(err))
}
