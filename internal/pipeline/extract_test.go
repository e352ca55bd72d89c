package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// extractionResponse builds a contract-complete model response. The scope 3
// total is deliberately absent while categories are reported: the pipeline
// must never fabricate it.
func extractionResponse(t *testing.T, mutate func(m map[string]any)) string {
	t.Helper()
	m := map[string]any{
		"companyName":   "Acme AB",
		"industry":      "Manufacturing",
		"sector":        "Industrials",
		"industryGroup": "Capital Goods",
		"baseYear":      "2019",
		"url":           "",
		"emissions": []any{map[string]any{
			"year":   "2024",
			"scope1": map[string]any{"emissions": 100.0, "biogenic": 12.5, "unit": "tCO2e"},
			"scope2": map[string]any{"mb": 40.0, "lb": 55.0, "unit": "tCO2e"},
			"scope3": map[string]any{
				"emissions":  nil,
				"unit":       "tCO2e",
				"categories": map[string]any{"6_businessTravel": 9.0, "1_purchasedGoods": 250.0},
			},
			"totalUnit": "tCO2e",
		}},
		"goals":            []any{map[string]any{"description": "Halve emissions", "year": "2030", "target": "-50%", "baseYear": "2019"}},
		"reliability":      "high",
		"reviewComment":    "",
		"wikidataVerified": "",
	}
	if mutate != nil {
		mutate(m)
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return string(raw)
}

func repeatResponses(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

var sampleParagraphs = []string{
	"Acme AB operates in the manufacturing industry within the industrials sector.",
	"Scope 1 emissions were 100 tCO2e in 2024, of which biogenic CO2 amounted to 12.5 tCO2e.",
	"Scope 2 emissions: 40 tCO2e market-based, 55 tCO2e location-based.",
	"Scope 3 business travel accounted for 9 tCO2e; purchased goods 250 tCO2e. No total is given.",
	"Our goal is to halve emissions by 2030 against the 2019 base year.",
}

func seedIndex(t *testing.T, f *fixture, fp, url string) {
	t.Helper()
	require.NoError(t, f.run(t, queue.QueueIndex, model.JobPayload{
		Fingerprint: fp,
		URL:         url,
		Paragraphs:  sampleParagraphs,
	}))
}

func TestHandleExtract_BuildsCompleteDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedIndex(t, f, "fp1", "https://a.example/r.pdf")
	f.ai.responses = repeatResponses(extractionResponse(t, nil), 5)

	// The index stage already enqueued the extract job.
	job, err := f.broker.Dequeue(ctx, queue.QueueExtract)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, f.pl.HandleExtract(ctx, queue.NewActiveJob(*job, f.broker)))
	require.NoError(t, f.broker.Complete(ctx, job.ID))

	reflectJob, err := f.broker.Dequeue(ctx, queue.QueueReflect)
	require.NoError(t, err)
	require.NotNil(t, reflectJob)
	draft := reflectJob.Payload.Draft
	require.NotNil(t, draft)

	assert.Equal(t, "Acme AB", draft.CompanyName)
	assert.Equal(t, "https://a.example/r.pdf", draft.URL)
	require.Len(t, draft.Emissions, 1)
	e := draft.Emissions[0]
	assert.Equal(t, 100.0, *e.Scope1.Emissions)
	assert.Equal(t, 12.5, *e.Scope1.Biogenic)
	assert.Equal(t, 40.0, *e.Scope2.MarketBased)

	// Categories reported without a total: the total stays null.
	assert.Nil(t, e.Scope3.EmissionsTotal)
	assert.Equal(t, 9.0, *e.Scope3.Categories["6_businessTravel"])
	assert.Len(t, e.Scope3.Categories, len(model.Scope3Categories))

	require.Len(t, draft.Goals, 1)
	assert.Equal(t, "2030", draft.Goals[0].Year)
	assert.NotEmpty(t, reflectJob.Payload.Paragraphs)
}

func TestHandleExtract_OneCallPerFieldGroupWithSharedSystem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedIndex(t, f, "fp1", "https://a.example/r.pdf")
	f.ai.responses = repeatResponses(extractionResponse(t, nil), 5)

	job, err := f.broker.Dequeue(ctx, queue.QueueExtract)
	require.NoError(t, err)
	require.NoError(t, f.pl.HandleExtract(ctx, queue.NewActiveJob(*job, f.broker)))

	require.Len(t, f.ai.requests, 5)
	first := f.ai.requests[0]
	require.Len(t, first.System, 1)
	assert.NotNil(t, first.System[0].CacheControl)
	assert.Contains(t, first.System[0].Text, "NEVER calculate or aggregate")
	for _, req := range f.ai.requests[1:] {
		assert.Equal(t, first.System, req.System)
	}
}

func TestHandleExtract_MalformedResponseIsDataError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedIndex(t, f, "fp1", "https://a.example/r.pdf")
	f.ai.responses = []string{"I could not find any emissions data."}

	job, err := f.broker.Dequeue(ctx, queue.QueueExtract)
	require.NoError(t, err)
	herr := f.pl.HandleExtract(ctx, queue.NewActiveJob(*job, f.broker))
	require.Error(t, herr)

	var dataErr *resilience.DataError
	require.ErrorAs(t, herr, &dataErr)
	raw, ok := resilience.RawPayload(herr)
	require.True(t, ok)
	assert.Equal(t, "I could not find any emissions data.", raw)
}

func TestHandleExtract_SentinelResponseIsDataError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedIndex(t, f, "fp1", "https://a.example/r.pdf")
	f.ai.responses = repeatResponses(extractionResponse(t, func(m map[string]any) {
		m["baseYear"] = "N/A"
	}), 5)

	job, err := f.broker.Dequeue(ctx, queue.QueueExtract)
	require.NoError(t, err)
	herr := f.pl.HandleExtract(ctx, queue.NewActiveJob(*job, f.broker))
	require.Error(t, herr)
	assert.Contains(t, herr.Error(), "placeholder")
	assert.False(t, resilience.IsTransient(herr))
}

func TestHandleExtract_EmptyIndexFails(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, queue.QueueExtract, model.JobPayload{Fingerprint: "fp-missing", URL: "https://a.example/r.pdf"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no indexed paragraphs")
}

func TestMergeEmissions_FillsScopesByYear(t *testing.T) {
	a := json.RawMessage(`[{"year":"2024","scope1":{"emissions":100,"biogenic":null,"unit":"tCO2e"},"scope2":{"mb":40,"lb":null,"unit":"tCO2e"},"scope3":null,"totalUnit":"tCO2e"}]`)
	b := json.RawMessage(`[{"year":"2024","scope1":null,"scope2":null,"scope3":{"emissions":null,"unit":"tCO2e","categories":{"6_businessTravel":9}},"totalUnit":""},{"year":"2023","scope1":null,"scope2":null,"scope3":{"emissions":500,"unit":"tCO2e","categories":{}},"totalUnit":"tCO2e"}]`)

	var merged []model.YearEmission
	require.NoError(t, json.Unmarshal(mergeEmissions(a, b), &merged))
	require.Len(t, merged, 2)

	assert.Equal(t, "2024", merged[0].Year)
	assert.Equal(t, 100.0, *merged[0].Scope1.Emissions)
	require.NotNil(t, merged[0].Scope3)
	assert.Equal(t, 9.0, *merged[0].Scope3.Categories["6_businessTravel"])
	assert.Equal(t, "2023", merged[1].Year)
	assert.Equal(t, 500.0, *merged[1].Scope3.EmissionsTotal)
}
