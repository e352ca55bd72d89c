package record

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on pgx.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a store backed by a new connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "record: parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "record: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "record: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool (or mock).
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	fingerprint TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS records (
	id           TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL UNIQUE,
	url          TEXT NOT NULL,
	draft        JSONB NOT NULL,
	review_state TEXT NOT NULL DEFAULT 'pending',
	visible      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS review_requests (
	record_id     TEXT PRIMARY KEY,
	channel_id    TEXT NOT NULL,
	message_id    TEXT NOT NULL,
	publish_token TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_records_state ON records(review_state);
CREATE INDEX IF NOT EXISTS idx_records_visible ON records(visible);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "record: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ClaimDocument(ctx context.Context, fingerprint, url string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO documents (fingerprint, url) VALUES ($1, $2) ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, url,
	)
	if err != nil {
		return false, eris.Wrap(err, "record: claim document")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Already claimed. The claim still counts if this URL owns it, so a
	// redelivered download job resumes its chain.
	var owner string
	if err := s.pool.QueryRow(ctx,
		`SELECT url FROM documents WHERE fingerprint = $1`, fingerprint,
	).Scan(&owner); err != nil {
		return false, eris.Wrap(err, "record: claim owner")
	}
	return owner == url, nil
}

func (s *PostgresStore) UpsertProvisional(ctx context.Context, fingerprint, url string, draft model.DraftRecord) (*PersistedRecord, error) {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, eris.Wrap(err, "record: marshal draft")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (id, fingerprint, url, draft, review_state, visible)
		 VALUES ($1, $2, $3, $4, 'pending', FALSE)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		uuid.New().String(), fingerprint, url, draftJSON,
	)
	if err != nil {
		return nil, eris.Wrap(err, "record: insert record")
	}

	// Refresh a still-pending draft; resolved records keep theirs.
	_, err = s.pool.Exec(ctx,
		`UPDATE records SET draft = $1, url = $2, updated_at = now()
		 WHERE fingerprint = $3 AND review_state = 'pending'`,
		draftJSON, url, fingerprint,
	)
	if err != nil {
		return nil, eris.Wrap(err, "record: refresh draft")
	}

	return s.getBy(ctx, `fingerprint`, fingerprint)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*PersistedRecord, error) {
	return s.getBy(ctx, `id`, id)
}

func (s *PostgresStore) getBy(ctx context.Context, column, value string) (*PersistedRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, fingerprint, url, draft, review_state, visible, created_at, updated_at
		 FROM records WHERE `+column+` = $1`, value,
	)
	rec, err := scanPgRecord(row.Scan)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("record: not found: %s", value)
		}
		return nil, eris.Wrapf(err, "record: get %s", value)
	}
	return rec, nil
}

func scanPgRecord(scan func(dest ...any) error) (*PersistedRecord, error) {
	var rec PersistedRecord
	var draftJSON []byte
	if err := scan(&rec.ID, &rec.Fingerprint, &rec.URL, &draftJSON,
		&rec.ReviewState, &rec.Visible, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(draftJSON, &rec.Draft); err != nil {
		return nil, eris.Wrap(err, "record: unmarshal draft")
	}
	return &rec, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]PersistedRecord, error) {
	query := `SELECT id, fingerprint, url, draft, review_state, visible, created_at, updated_at FROM records`
	if !filter.IncludeHidden {
		query += ` WHERE visible`
	}
	query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "record: list")
	}
	defer rows.Close()

	var out []PersistedRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "record: scan")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "record: list iterate")
}

func (s *PostgresStore) Resolve(ctx context.Context, id string, decision model.Decision, patch model.Patch) (*PersistedRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	draft, state, visible, changed, err := resolveTransition(rec, decision, patch)
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}

	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, eris.Wrap(err, "record: marshal resolved draft")
	}

	// Guard so a concurrent resolver cannot flip a terminal state. An edit
	// may also overwrite an edited record: that is the repeat-delivery path
	// where the patch arrives after a patchless click.
	guard := `review_state = 'pending'`
	if state == StateEdited {
		guard = `review_state IN ('pending', 'edited')`
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET draft = $1, review_state = $2, visible = $3, updated_at = now()
		 WHERE id = $4 AND `+guard,
		draftJSON, string(state), visible, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "record: resolve %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.Resolve(ctx, id, decision, patch)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) SaveReviewRequest(ctx context.Context, req ReviewRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO review_requests (record_id, channel_id, message_id, publish_token)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (record_id) DO NOTHING`,
		req.RecordID, req.ChannelID, req.MessageID, req.PublishToken,
	)
	return eris.Wrap(err, "record: save review request")
}

func (s *PostgresStore) GetReviewRequest(ctx context.Context, recordID string) (*ReviewRequest, error) {
	var req ReviewRequest
	err := s.pool.QueryRow(ctx,
		`SELECT record_id, channel_id, message_id, publish_token, created_at
		 FROM review_requests WHERE record_id = $1`, recordID,
	).Scan(&req.RecordID, &req.ChannelID, &req.MessageID, &req.PublishToken, &req.CreatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "record: get review request %s", recordID)
	}
	return &req, nil
}
