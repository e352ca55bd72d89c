package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// newMockBroker creates a PostgresBroker backed by pgxmock for unit testing.
func newMockBroker(t *testing.T) (*PostgresBroker, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock, Options{MaxAttempts: 3}), mock
}

func TestPostgresBroker_Migrate(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS jobs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, b.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_Enqueue(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), QueueDownload, pgxmock.AnyArg(), 3).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := b.Enqueue(context.Background(), QueueDownload, model.JobPayload{URL: "https://example.com/r.pdf"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_Dequeue_Empty(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectExec(`state = 'dead', last_error = 'worker claim expired'`).
		WithArgs(QueueConvert).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(QueueConvert, pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	job, err := b.Dequeue(context.Background(), QueueConvert)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_Dequeue_Claims(t *testing.T) {
	b, mock := newMockBroker(t)

	payload, err := json.Marshal(model.JobPayload{Fingerprint: "abc", URL: "https://example.com/r.pdf"})
	require.NoError(t, err)
	now := time.Now()

	mock.ExpectExec(`state = 'dead', last_error = 'worker claim expired'`).
		WithArgs(QueueDownload).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(QueueDownload, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "queue", "payload", "state", "attempts", "max_attempts",
			"progress", "log", "claimed_until", "next_run_at", "created_at", "updated_at",
		}).AddRow("job-1", QueueDownload, payload, StateActive, 1, 3, 0, []byte(`[]`), now.Add(15*time.Minute), now, now, now))

	job, err := b.Dequeue(context.Background(), QueueDownload)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "abc", job.Payload.Fingerprint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_Dequeue_ReclaimsExpiredClaim(t *testing.T) {
	b, mock := newMockBroker(t)

	payload, err := json.Marshal(model.JobPayload{Fingerprint: "abc"})
	require.NoError(t, err)
	now := time.Now()

	// The reaper dead-letters out-of-budget stale claims, then the claim
	// query picks up a stale active job with budget left as a fresh attempt.
	mock.ExpectExec(`state = 'dead', last_error = 'worker claim expired'`).
		WithArgs(QueueExtract).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`state = 'active' AND claimed_until <= now\(\)`).
		WithArgs(QueueExtract, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "queue", "payload", "state", "attempts", "max_attempts",
			"progress", "log", "claimed_until", "next_run_at", "created_at", "updated_at",
		}).AddRow("job-2", QueueExtract, payload, StateActive, 2, 3, 40, []byte(`[]`), now.Add(15*time.Minute), now, now, now))

	job, err := b.Dequeue(context.Background(), QueueExtract)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-2", job.ID)
	assert.Equal(t, 2, job.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_Complete(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectExec(`UPDATE jobs SET state = 'completed'`).
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, b.Complete(context.Background(), "job-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_Complete_NotFound(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectExec(`UPDATE jobs SET state = 'completed'`).
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := b.Complete(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_Fail_Reschedules(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectQuery(`SELECT attempts, max_attempts FROM jobs`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(1, 3))
	mock.ExpectExec(`UPDATE jobs SET state = 'failed'`).
		WithArgs("connection refused", pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, b.Fail(context.Background(), "job-1", errors.New("connection refused")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_Fail_DeadLetters(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectQuery(`SELECT attempts, max_attempts FROM jobs`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(3, 3))
	mock.ExpectExec(`UPDATE jobs SET state = 'dead'`).
		WithArgs("no route to host", pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, b.Fail(context.Background(), "job-1", errors.New("no route to host")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_Depths(t *testing.T) {
	b, mock := newMockBroker(t)

	mock.ExpectQuery(`SELECT queue`).
		WillReturnRows(pgxmock.NewRows([]string{"queue", "queued", "active", "completed", "dead"}).
			AddRow(QueueDownload, 2, 1, 5, 0))

	depths, err := b.Depths(context.Background())
	require.NoError(t, err)

	var dl Depth
	for _, d := range depths {
		if d.Queue == QueueDownload {
			dl = d
		}
	}
	assert.Equal(t, 2, dl.Queued)
	assert.Equal(t, 1, dl.Active)
	assert.Equal(t, 5, dl.Completed)
	// Empty queues are still reported.
	assert.Len(t, depths, len(Queues))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBroker_DeadJobs(t *testing.T) {
	b, mock := newMockBroker(t)

	payload, err := json.Marshal(model.JobPayload{URL: "https://dead.example"})
	require.NoError(t, err)
	now := time.Now()

	mock.ExpectQuery(`WHERE queue = \$1 AND state = 'dead'`).
		WithArgs(QueueDownload, 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "queue", "payload", "state", "attempts", "max_attempts",
			"progress", "log", "claimed_until", "next_run_at", "created_at", "updated_at",
		}).AddRow("job-9", QueueDownload, payload, StateDead, 3, 3, 0, []byte(`[]`), now, now, now, now))

	dead, err := b.DeadJobs(context.Background(), QueueDownload, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job-9", dead[0].ID)
	assert.Equal(t, "https://dead.example", dead[0].Payload.URL)
	assert.NoError(t, mock.ExpectationsWereMet())
}
