package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// Pool is the subset of pgxpool.Pool the broker needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBroker implements Broker on a jobs table, claiming work with
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
type PostgresBroker struct {
	pool    Pool
	opts    Options
	closeFn func()
}

// NewPostgres creates a broker backed by a new connection pool.
func NewPostgres(ctx context.Context, connString string, opts Options) (*PostgresBroker, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "queue: parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "queue: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "queue: ping")
	}
	return &PostgresBroker{pool: pool, opts: opts.withDefaults(), closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool (or mock). Used by tests and by
// callers sharing one pool across subsystems.
func NewPostgresWithPool(pool Pool, opts Options) *PostgresBroker {
	return &PostgresBroker{pool: pool, opts: opts.withDefaults()}
}

const brokerMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	payload      JSONB NOT NULL,
	state        TEXT NOT NULL DEFAULT 'queued',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	progress     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	log          JSONB NOT NULL DEFAULT '[]',
	claimed_until TIMESTAMPTZ NOT NULL DEFAULT now(),
	next_run_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, state, next_run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

// Migrate creates the jobs table.
func (b *PostgresBroker) Migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, brokerMigration)
	return eris.Wrap(err, "queue: migrate")
}

// Close releases the pool if this broker owns it.
func (b *PostgresBroker) Close() error {
	if b.closeFn != nil {
		b.closeFn()
	}
	return nil
}

func (b *PostgresBroker) Enqueue(ctx context.Context, queue string, payload model.JobPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "queue: marshal payload")
	}

	id := uuid.New().String()
	_, err = b.pool.Exec(ctx,
		`INSERT INTO jobs (id, queue, payload, state, max_attempts) VALUES ($1, $2, $3, 'queued', $4)`,
		id, queue, payloadJSON, b.opts.MaxAttempts,
	)
	if err != nil {
		return "", eris.Wrapf(err, "queue: enqueue on %s", queue)
	}
	return id, nil
}

func (b *PostgresBroker) Dequeue(ctx context.Context, queue string) (*Job, error) {
	// Expired claims out of attempt budget cannot be redelivered; dead-letter
	// them so the job log survives for triage.
	if _, err := b.pool.Exec(ctx,
		`UPDATE jobs SET state = 'dead', last_error = 'worker claim expired', updated_at = now()
		 WHERE queue = $1 AND state = 'active' AND claimed_until <= now() AND attempts >= max_attempts`,
		queue,
	); err != nil {
		return nil, eris.Wrapf(err, "queue: reap expired claims on %s", queue)
	}

	row := b.pool.QueryRow(ctx,
		`UPDATE jobs SET state = 'active', attempts = attempts + 1, claimed_until = now() + $2, updated_at = now()
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE queue = $1 AND (
		     (state IN ('queued', 'failed') AND next_run_at <= now())
		     OR (state = 'active' AND claimed_until <= now())
		   )
		   ORDER BY created_at
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING id, queue, payload, state, attempts, max_attempts, progress, log, claimed_until, next_run_at, created_at, updated_at`,
		queue, b.opts.ClaimTimeout,
	)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "queue: dequeue from %s", queue)
	}
	return j, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payloadJSON, logJSON []byte
	if err := row.Scan(&j.ID, &j.Queue, &payloadJSON, &j.State, &j.Attempts, &j.MaxAttempts,
		&j.Progress, &logJSON, &j.ClaimedUntil, &j.NextRunAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &j.Payload); err != nil {
		return nil, eris.Wrap(err, "queue: unmarshal payload")
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &j.Log); err != nil {
			return nil, eris.Wrap(err, "queue: unmarshal log")
		}
	}
	return &j, nil
}

func (b *PostgresBroker) Complete(ctx context.Context, jobID string) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE jobs SET state = 'completed', progress = 100, updated_at = now() WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: complete %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue: job not found: %s", jobID)
	}
	return nil
}

func (b *PostgresBroker) Fail(ctx context.Context, jobID string, jobErr error) error {
	entries := []LogEntry{{Time: time.Now().UTC(), Message: "attempt failed: " + jobErr.Error()}}

	var attempts, maxAttempts int
	if err := b.pool.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = $1`, jobID,
	).Scan(&attempts, &maxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Errorf("queue: job not found: %s", jobID)
		}
		return eris.Wrapf(err, "queue: load attempts for %s", jobID)
	}

	dead := attempts >= maxAttempts
	if raw, ok := resilience.RawPayload(jobErr); ok && dead {
		entries = append(entries, LogEntry{Time: time.Now().UTC(), Message: "raw payload: " + raw})
	}
	logJSON, err := json.Marshal(entries)
	if err != nil {
		return eris.Wrap(err, "queue: marshal log entries")
	}

	if dead {
		_, err = b.pool.Exec(ctx,
			`UPDATE jobs SET state = 'dead', last_error = $1, log = log || $2::jsonb, updated_at = now() WHERE id = $3`,
			jobErr.Error(), logJSON, jobID,
		)
		return eris.Wrapf(err, "queue: dead-letter %s", jobID)
	}

	backoff := b.opts.backoffFor(attempts - 1)
	_, err = b.pool.Exec(ctx,
		`UPDATE jobs SET state = 'failed', last_error = $1, log = log || $2::jsonb,
		 next_run_at = now() + $3, updated_at = now() WHERE id = $4`,
		jobErr.Error(), logJSON, backoff, jobID,
	)
	return eris.Wrapf(err, "queue: reschedule %s", jobID)
}

func (b *PostgresBroker) Progress(ctx context.Context, jobID string, pct int) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE jobs SET progress = $1, updated_at = now() WHERE id = $2`,
		pct, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue: job not found: %s", jobID)
	}
	return nil
}

func (b *PostgresBroker) AppendLog(ctx context.Context, jobID string, msg string) error {
	entryJSON, err := json.Marshal([]LogEntry{{Time: time.Now().UTC(), Message: msg}})
	if err != nil {
		return eris.Wrap(err, "queue: marshal log entry")
	}
	tag, err := b.pool.Exec(ctx,
		`UPDATE jobs SET log = log || $1::jsonb, updated_at = now() WHERE id = $2`,
		entryJSON, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: append log %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue: job not found: %s", jobID)
	}
	return nil
}

func (b *PostgresBroker) Depths(ctx context.Context) ([]Depth, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT queue,
		        COUNT(*) FILTER (WHERE state IN ('queued', 'failed')),
		        COUNT(*) FILTER (WHERE state = 'active'),
		        COUNT(*) FILTER (WHERE state = 'completed'),
		        COUNT(*) FILTER (WHERE state = 'dead')
		 FROM jobs GROUP BY queue`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: depths")
	}
	defer rows.Close()

	byQueue := make(map[string]Depth)
	for rows.Next() {
		var d Depth
		if err := rows.Scan(&d.Queue, &d.Queued, &d.Active, &d.Completed, &d.Dead); err != nil {
			return nil, eris.Wrap(err, "queue: scan depth")
		}
		byQueue[d.Queue] = d
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "queue: depths iterate")
	}

	out := make([]Depth, 0, len(Queues))
	for _, q := range Queues {
		d, ok := byQueue[q]
		if !ok {
			d = Depth{Queue: q}
		}
		out = append(out, d)
		delete(byQueue, q)
	}
	for _, d := range byQueue {
		out = append(out, d)
	}
	return out, nil
}

func (b *PostgresBroker) DeadJobs(ctx context.Context, queue string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.pool.Query(ctx,
		`SELECT id, queue, payload, state, attempts, max_attempts, progress, log, claimed_until, next_run_at, created_at, updated_at
		 FROM jobs WHERE queue = $1 AND state = 'dead'
		 ORDER BY updated_at DESC LIMIT $2`,
		queue, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: dead jobs on %s", queue)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "queue: scan dead job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "queue: dead jobs iterate")
}
