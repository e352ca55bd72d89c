package vector

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the index needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresIndex persists paragraph embeddings in a paragraphs table.
type PostgresIndex struct {
	pool Pool
}

// NewPostgresIndex wraps an existing pool.
func NewPostgresIndex(pool Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

const indexMigration = `
CREATE TABLE IF NOT EXISTS paragraphs (
	fingerprint TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	text        TEXT NOT NULL,
	embedding   REAL[] NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (fingerprint, seq)
);
`

// Migrate creates the paragraphs table.
func (s *PostgresIndex) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, indexMigration)
	return eris.Wrap(err, "vector: migrate")
}

func (s *PostgresIndex) Upsert(ctx context.Context, paragraphs []model.Paragraph) error {
	for _, p := range paragraphs {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO paragraphs (fingerprint, seq, text, embedding)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (fingerprint, seq)
			 DO UPDATE SET text = EXCLUDED.text, embedding = EXCLUDED.embedding, updated_at = now()`,
			p.Fingerprint, p.Seq, p.Text, p.Embedding,
		)
		if err != nil {
			return eris.Wrapf(err, "vector: upsert paragraph %s/%d", p.Fingerprint, p.Seq)
		}
	}
	return nil
}

func (s *PostgresIndex) Search(ctx context.Context, fingerprint string, query []float32, k int) ([]Hit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint, seq, text, embedding FROM paragraphs WHERE fingerprint = $1 ORDER BY seq`,
		fingerprint,
	)
	if err != nil {
		return nil, eris.Wrap(err, "vector: search query")
	}
	defer rows.Close()

	var paragraphs []model.Paragraph
	for rows.Next() {
		var p model.Paragraph
		if err := rows.Scan(&p.Fingerprint, &p.Seq, &p.Text, &p.Embedding); err != nil {
			return nil, eris.Wrap(err, "vector: scan paragraph")
		}
		paragraphs = append(paragraphs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "vector: search iterate")
	}
	return rank(paragraphs, query, k), nil
}

func (s *PostgresIndex) Count(ctx context.Context, fingerprint string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM paragraphs WHERE fingerprint = $1`, fingerprint,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "vector: count")
	}
	return n, nil
}
