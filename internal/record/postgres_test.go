package record

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, fingerprint, url, draft, review_state, visible, created_at, updated_at`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimDocument(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("fp1", "https://a.example/r.pdf").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	claimed, err := s.ClaimDocument(context.Background(), "fp1", "https://a.example/r.pdf")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimDocument_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("fp1", "https://mirror.example/r.pdf").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT url FROM documents`).
		WithArgs("fp1").
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow("https://a.example/r.pdf"))

	claimed, err := s.ClaimDocument(context.Background(), "fp1", "https://mirror.example/r.pdf")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveReviewRequest_Upsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`ON CONFLICT \(record_id\) DO NOTHING`).
		WithArgs("rec-42", "chan-1", "msg-1", "review-rec-42").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveReviewRequest(context.Background(), ReviewRequest{
		RecordID:     "rec-42",
		ChannelID:    "chan-1",
		MessageID:    "msg-1",
		PublishToken: "review-rec-42",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReviewRequest_Missing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT record_id, channel_id, message_id, publish_token, created_at`).
		WithArgs("absent").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetReviewRequest(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
