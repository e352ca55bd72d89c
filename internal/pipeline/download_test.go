package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

const reportText = "Scope 1 emissions were 1 234 tCO2e during the reporting year.\n\n" +
	"Scope 2 market-based emissions came to 567 tCO2e, location-based 800 tCO2e."

func TestHandleDownload_ClaimsAndChains(t *testing.T) {
	f := newFixture(t)
	f.fetcher.docs["https://a.example/r.pdf"] = []byte(reportText)

	err := f.run(t, queue.QueueDownload, model.JobPayload{URL: "https://a.example/r.pdf"})
	require.NoError(t, err)

	job, err := f.broker.Dequeue(context.Background(), queue.QueueConvert)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.Fingerprint([]byte(reportText)), job.Payload.Fingerprint)
	assert.Equal(t, "https://a.example/r.pdf", job.Payload.URL)
}

func TestHandleDownload_DuplicateContentShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.fetcher.docs["https://a.example/r.pdf"] = []byte(reportText)
	f.fetcher.docs["https://mirror.example/r.pdf"] = []byte(reportText)
	ctx := context.Background()

	require.NoError(t, f.run(t, queue.QueueDownload, model.JobPayload{URL: "https://a.example/r.pdf"}))
	job, err := f.broker.Dequeue(ctx, queue.QueueConvert)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, f.broker.Complete(ctx, job.ID))

	// Same bytes behind a different URL: the chain already exists.
	require.NoError(t, f.run(t, queue.QueueDownload, model.JobPayload{URL: "https://mirror.example/r.pdf"}))
	job, err = f.broker.Dequeue(ctx, queue.QueueConvert)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestHandleDownload_RedeliveryResumesOwnChain(t *testing.T) {
	f := newFixture(t)
	f.fetcher.docs["https://a.example/r.pdf"] = []byte(reportText)
	ctx := context.Background()

	require.NoError(t, f.run(t, queue.QueueDownload, model.JobPayload{URL: "https://a.example/r.pdf"}))
	require.NoError(t, f.run(t, queue.QueueDownload, model.JobPayload{URL: "https://a.example/r.pdf"}))

	// Both deliveries enqueue convert; downstream idempotency collapses them.
	seen := 0
	for {
		job, err := f.broker.Dequeue(ctx, queue.QueueConvert)
		require.NoError(t, err)
		if job == nil {
			break
		}
		seen++
		require.NoError(t, f.broker.Complete(ctx, job.ID))
	}
	assert.Equal(t, 2, seen)
}

func TestHandleDownload_DeadURLExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	f.fetcher.errs["https://dead.example/r.pdf"] = resilience.NewTransientError(
		fmt.Errorf("503 from upstream"), 503)

	now := time.Now()
	f.broker.SetClock(func() time.Time { return now })
	ctx := context.Background()

	id, err := f.broker.Enqueue(ctx, queue.QueueDownload, model.JobPayload{URL: "https://dead.example/r.pdf"})
	require.NoError(t, err)

	for attempt := 0; attempt < 3; attempt++ {
		job, err := f.broker.Dequeue(ctx, queue.QueueDownload)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		herr := f.pl.HandleDownload(ctx, queue.NewActiveJob(*job, f.broker))
		require.Error(t, herr)
		require.NoError(t, f.broker.Fail(ctx, job.ID, herr))
		now = now.Add(time.Hour)
	}

	dead, err := f.broker.DeadJobs(ctx, queue.QueueDownload, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Contains(t, dead[0].LastError, "503 from upstream")
	assert.Equal(t, 3, f.fetcher.calls["https://dead.example/r.pdf"])
}

func TestHandleConvert_VerifiesFingerprint(t *testing.T) {
	f := newFixture(t)
	f.fetcher.docs["https://a.example/r.pdf"] = []byte(reportText)

	err := f.run(t, queue.QueueConvert, model.JobPayload{
		Fingerprint: model.Fingerprint([]byte("different bytes now")),
		URL:         "https://a.example/r.pdf",
	})
	require.Error(t, err)
	var dataErr *resilience.DataError
	assert.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "changed")
}

func TestHandleConvert_PassesTextToSegment(t *testing.T) {
	f := newFixture(t)
	f.fetcher.docs["https://a.example/r.pdf"] = []byte(reportText)

	err := f.run(t, queue.QueueConvert, model.JobPayload{
		Fingerprint: model.Fingerprint([]byte(reportText)),
		URL:         "https://a.example/r.pdf",
	})
	require.NoError(t, err)

	job, err := f.broker.Dequeue(context.Background(), queue.QueueSegment)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, reportText, job.Payload.Text)
}
