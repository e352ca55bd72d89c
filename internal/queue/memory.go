package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// MemoryBroker is an in-process Broker for tests and local runs. It honors
// the same semantics as the Postgres backend: claim visibility, retry with
// backoff, dead-lettering.
type MemoryBroker struct {
	mu   sync.Mutex
	jobs map[string]*Job
	opts Options
	now  func() time.Time
}

// Options tunes broker retry behavior.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ClaimTimeout bounds how long a claimed job stays invisible without the
	// worker completing or failing it. Must exceed the slowest stage.
	ClaimTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 10 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 15 * time.Minute
	}
	return o
}

// backoffFor computes the redelivery delay after a zero-based attempt.
func (o Options) backoffFor(attempt int) time.Duration {
	return resilience.Backoff(attempt, resilience.RetryConfig{
		MaxAttempts:    o.MaxAttempts,
		InitialBackoff: o.InitialBackoff,
		MaxBackoff:     o.MaxBackoff,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	})
}

// NewMemory creates an in-memory broker.
func NewMemory(opts Options) *MemoryBroker {
	return &MemoryBroker{
		jobs: make(map[string]*Job),
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

// SetClock overrides the broker clock. Test helper.
func (b *MemoryBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBroker) Enqueue(_ context.Context, queue string, payload model.JobPayload) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	j := &Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Payload:     payload,
		State:       StateQueued,
		MaxAttempts: b.opts.MaxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.jobs[j.ID] = j
	return j.ID, nil
}

func (b *MemoryBroker) Dequeue(_ context.Context, queue string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var due []*Job
	for _, j := range b.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.State {
		case StateQueued, StateFailed:
			if !j.NextRunAt.After(now) {
				due = append(due, j)
			}
		case StateActive:
			if j.ClaimedUntil.After(now) {
				continue
			}
			// The claiming worker died mid-stage. Out of budget means the
			// job cannot be retried, so it surfaces in triage instead of
			// sitting active forever.
			if j.Attempts >= j.MaxAttempts {
				j.State = StateDead
				j.LastError = "worker claim expired"
				j.Log = append(j.Log, LogEntry{Time: now, Message: "worker claim expired"})
				j.UpdatedAt = now
				continue
			}
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })

	j := due[0]
	j.State = StateActive
	j.Attempts++
	j.ClaimedUntil = now.Add(b.opts.ClaimTimeout)
	j.UpdatedAt = now

	cp := *j
	cp.Log = append([]LogEntry(nil), j.Log...)
	return &cp, nil
}

func (b *MemoryBroker) Complete(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return eris.Errorf("queue: job not found: %s", jobID)
	}
	j.State = StateCompleted
	j.Progress = 100
	j.UpdatedAt = b.now()
	return nil
}

func (b *MemoryBroker) Fail(_ context.Context, jobID string, jobErr error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return eris.Errorf("queue: job not found: %s", jobID)
	}

	now := b.now()
	j.LastError = jobErr.Error()
	j.UpdatedAt = now
	j.Log = append(j.Log, LogEntry{Time: now, Message: "attempt failed: " + jobErr.Error()})

	if raw, ok := resilience.RawPayload(jobErr); ok && j.Attempts >= j.MaxAttempts {
		j.Log = append(j.Log, LogEntry{Time: now, Message: "raw payload: " + raw})
	}

	if j.Attempts >= j.MaxAttempts {
		j.State = StateDead
		return nil
	}
	j.State = StateFailed
	j.NextRunAt = now.Add(b.opts.backoffFor(j.Attempts - 1))
	return nil
}

func (b *MemoryBroker) Progress(_ context.Context, jobID string, pct int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return eris.Errorf("queue: job not found: %s", jobID)
	}
	j.Progress = pct
	j.UpdatedAt = b.now()
	return nil
}

func (b *MemoryBroker) AppendLog(_ context.Context, jobID string, msg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return eris.Errorf("queue: job not found: %s", jobID)
	}
	j.Log = append(j.Log, LogEntry{Time: b.now(), Message: msg})
	return nil
}

func (b *MemoryBroker) Depths(_ context.Context) ([]Depth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byQueue := make(map[string]*Depth, len(Queues))
	for _, q := range Queues {
		byQueue[q] = &Depth{Queue: q}
	}
	for _, j := range b.jobs {
		d, ok := byQueue[j.Queue]
		if !ok {
			d = &Depth{Queue: j.Queue}
			byQueue[j.Queue] = d
		}
		switch j.State {
		case StateQueued, StateFailed:
			d.Queued++
		case StateActive:
			d.Active++
		case StateCompleted:
			d.Completed++
		case StateDead:
			d.Dead++
		}
	}

	out := make([]Depth, 0, len(byQueue))
	for _, q := range Queues {
		out = append(out, *byQueue[q])
		delete(byQueue, q)
	}
	for _, d := range byQueue {
		out = append(out, *d)
	}
	return out, nil
}

func (b *MemoryBroker) DeadJobs(_ context.Context, queue string, limit int) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dead []Job
	for _, j := range b.jobs {
		if j.Queue == queue && j.State == StateDead {
			cp := *j
			cp.Log = append([]LogEntry(nil), j.Log...)
			dead = append(dead, cp)
		}
	}
	sort.Slice(dead, func(i, k int) bool { return dead[i].UpdatedAt.After(dead[k].UpdatedAt) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

// Job returns a snapshot of a job by id. Test helper.
func (b *MemoryBroker) Job(jobID string) (Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	cp := *j
	cp.Log = append([]LogEntry(nil), j.Log...)
	return cp, true
}
