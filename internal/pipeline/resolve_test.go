package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/record"
)

func pendingRecord(t *testing.T, f *fixture) *record.PersistedRecord {
	t.Helper()
	draft := draftFromJSON(t, extractionResponse(t, nil))
	rec, err := f.store.UpsertProvisional(context.Background(), "fp1", "https://a.example/r.pdf", *draft)
	require.NoError(t, err)
	return rec
}

func TestHandleResolve_Approve(t *testing.T) {
	f := newFixture(t)
	rec := pendingRecord(t, f)

	err := f.run(t, queue.QueueResolve, model.JobPayload{
		RecordID: rec.ID,
		Decision: model.DecisionApproved,
	})
	require.NoError(t, err)

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StateApproved, got.ReviewState)
	assert.True(t, got.Visible)

	require.NotEmpty(t, f.mirror.entries)
	assert.Equal(t, "Approved", f.mirror.entries[len(f.mirror.entries)-1].Status)
}

func TestHandleResolve_RedeliveredDecisionIsNoOp(t *testing.T) {
	f := newFixture(t)
	rec := pendingRecord(t, f)

	payload := model.JobPayload{RecordID: rec.ID, Decision: model.DecisionApproved}
	require.NoError(t, f.run(t, queue.QueueResolve, payload))
	require.NoError(t, f.run(t, queue.QueueResolve, payload))
	require.NoError(t, f.run(t, queue.QueueResolve, payload))

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StateApproved, got.ReviewState)
}

func TestHandleResolve_ConflictingDecisionFails(t *testing.T) {
	f := newFixture(t)
	rec := pendingRecord(t, f)

	require.NoError(t, f.run(t, queue.QueueResolve, model.JobPayload{
		RecordID: rec.ID, Decision: model.DecisionApproved,
	}))
	err := f.run(t, queue.QueueResolve, model.JobPayload{
		RecordID: rec.ID, Decision: model.DecisionRejected,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already resolved")

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StateApproved, got.ReviewState)
}

func TestHandleResolve_EditAppliesPatch(t *testing.T) {
	f := newFixture(t)
	rec := pendingRecord(t, f)

	err := f.run(t, queue.QueueResolve, model.JobPayload{
		RecordID: rec.ID,
		Decision: model.DecisionEdited,
		Patch: model.Patch{
			"companyName": json.RawMessage(`"Acme Aktiebolag"`),
		},
	})
	require.NoError(t, err)

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StateEdited, got.ReviewState)
	assert.True(t, got.Visible)
	assert.Equal(t, "Acme Aktiebolag", got.Draft.CompanyName)
	assert.Equal(t, "Manufacturing", got.Draft.Industry, "unpatched fields survive")
}

func TestHandleResolve_RejectStaysRetainedButHidden(t *testing.T) {
	f := newFixture(t)
	rec := pendingRecord(t, f)

	require.NoError(t, f.run(t, queue.QueueResolve, model.JobPayload{
		RecordID: rec.ID, Decision: model.DecisionRejected,
	}))

	got, err := f.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StateRejected, got.ReviewState)
	assert.False(t, got.Visible)

	visible, err := f.store.List(context.Background(), record.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestHandleResolve_MissingRecordID(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, queue.QueueResolve, model.JobPayload{Decision: model.DecisionApproved})
	require.Error(t, err)
}
