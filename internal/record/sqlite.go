package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local runs
// and as the real-database end of the shared store test suite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	fingerprint TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS records (
	id           TEXT PRIMARY KEY,
	fingerprint  TEXT NOT NULL UNIQUE,
	url          TEXT NOT NULL,
	draft        TEXT NOT NULL,
	review_state TEXT NOT NULL DEFAULT 'pending',
	visible      INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS review_requests (
	record_id     TEXT PRIMARY KEY,
	channel_id    TEXT NOT NULL,
	message_id    TEXT NOT NULL,
	publish_token TEXT NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_records_state ON records(review_state);
CREATE INDEX IF NOT EXISTS idx_records_visible ON records(visible);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ClaimDocument(ctx context.Context, fingerprint, url string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (fingerprint, url) VALUES (?, ?) ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, url,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim document")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim document rows")
	}
	if n == 1 {
		return true, nil
	}

	// Already claimed. The claim still counts if this URL owns it, so a
	// redelivered download job resumes its chain.
	var owner string
	if err := s.db.QueryRowContext(ctx,
		`SELECT url FROM documents WHERE fingerprint = ?`, fingerprint,
	).Scan(&owner); err != nil {
		return false, eris.Wrap(err, "sqlite: claim owner")
	}
	return owner == url, nil
}

func (s *SQLiteStore) UpsertProvisional(ctx context.Context, fingerprint, url string, draft model.DraftRecord) (*PersistedRecord, error) {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal draft")
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, fingerprint, url, draft, review_state, visible, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		uuid.New().String(), fingerprint, url, string(draftJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert record")
	}

	// Refresh a still-pending draft; resolved records keep theirs.
	_, err = s.db.ExecContext(ctx,
		`UPDATE records SET draft = ?, url = ?, updated_at = ? WHERE fingerprint = ? AND review_state = 'pending'`,
		string(draftJSON), url, now, fingerprint,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: refresh draft")
	}

	return s.getBy(ctx, "fingerprint", fingerprint)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*PersistedRecord, error) {
	return s.getBy(ctx, "id", id)
}

func (s *SQLiteStore) getBy(ctx context.Context, column, value string) (*PersistedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, url, draft, review_state, visible, created_at, updated_at
		 FROM records WHERE `+column+` = ?`, value,
	)
	rec, err := scanRecord(row.Scan)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Errorf("sqlite: record not found: %s", value)
		}
		return nil, eris.Wrapf(err, "sqlite: get record %s", value)
	}
	return rec, nil
}

func scanRecord(scan func(dest ...any) error) (*PersistedRecord, error) {
	var rec PersistedRecord
	var draftJSON string
	if err := scan(&rec.ID, &rec.Fingerprint, &rec.URL, &draftJSON,
		&rec.ReviewState, &rec.Visible, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(draftJSON), &rec.Draft); err != nil {
		return nil, eris.Wrap(err, "unmarshal draft")
	}
	return &rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]PersistedRecord, error) {
	query := `SELECT id, fingerprint, url, draft, review_state, visible, created_at, updated_at FROM records`
	if !filter.IncludeHidden {
		query += ` WHERE visible = 1`
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var out []PersistedRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list iterate")
}

func (s *SQLiteStore) Resolve(ctx context.Context, id string, decision model.Decision, patch model.Patch) (*PersistedRecord, error) {
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
		return nil, eris.Wrap(err, "sqlite: marshal resolved draft")
	}

	// Guard so a concurrent resolver cannot flip a terminal state. An edit
	// may also overwrite an edited record: that is the repeat-delivery path
	// where the patch arrives after a patchless click.
	guard := `review_state = 'pending'`
	if state == StateEdited {
		guard = `review_state IN ('pending', 'edited')`
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET draft = ?, review_state = ?, visible = ?, updated_at = ?
		 WHERE id = ? AND `+guard,
		string(draftJSON), string(state), visible, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: resolve %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: resolve rows")
	}
	if n == 0 {
		// Lost the race; re-run against the winner's state.
		return s.Resolve(ctx, id, decision, patch)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) SaveReviewRequest(ctx context.Context, req ReviewRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_requests (record_id, channel_id, message_id, publish_token, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (record_id) DO NOTHING`,
		req.RecordID, req.ChannelID, req.MessageID, req.PublishToken, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save review request")
}

func (s *SQLiteStore) GetReviewRequest(ctx context.Context, recordID string) (*ReviewRequest, error) {
	var req ReviewRequest
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id, channel_id, message_id, publish_token, created_at
		 FROM review_requests WHERE record_id = ?`, recordID,
	).Scan(&req.RecordID, &req.ChannelID, &req.MessageID, &req.PublishToken, &req.CreatedAt)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get review request %s", recordID)
	}
	return &req, nil
}
