// Package queue provides the durable stage-queue broker: named queues with
// at-least-once delivery, per-job retry with exponential backoff, progress
// reporting, a per-job log, and a dead-letter terminal state. Backends share
// the Broker interface so tests run against the in-memory implementation.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/model"
)

// Stage queue names. A pipeline is an ordered chain of these: each stage
// enqueues the next on success, which is the only cross-stage ordering
// mechanism.
const (
	QueueDownload = "downloadDocument"
	QueueConvert  = "convertToText"
	QueueSegment  = "splitParagraphs"
	QueueIndex    = "indexParagraphs"
	QueueExtract  = "extractEmissions"
	QueueReflect  = "reflectOnDraft"
	QueueReview   = "publishReview"
	QueueResolve  = "resolveReview"
)

// Queues lists every stage queue in chain order. The registry built from it
// is process-wide configuration, assembled explicitly at startup.
var Queues = []string{
	QueueDownload,
	QueueConvert,
	QueueSegment,
	QueueIndex,
	QueueExtract,
	QueueReflect,
	QueueReview,
	QueueResolve,
}

// State is the lifecycle state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	// StateFailed means the job threw and is scheduled for redelivery.
	StateFailed State = "failed"
	// StateDead means the attempt budget is exhausted; the job log and last
	// error are retained for manual triage.
	StateDead State = "dead"
)

// LogEntry is one line of a job's log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Job is one unit of work on one queue.
type Job struct {
	ID          string           `json:"id"`
	Queue       string           `json:"queue"`
	Payload     model.JobPayload `json:"payload"`
	State       State            `json:"state"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"maxAttempts"`
	Progress    int              `json:"progress"`
	LastError   string           `json:"lastError,omitempty"`
	Log         []LogEntry       `json:"log,omitempty"`
	// ClaimedUntil is the claim deadline while the job is active. A worker
	// that dies mid-stage stops renewing it, and the job becomes claimable
	// again once the deadline passes.
	ClaimedUntil time.Time `json:"claimedUntil,omitempty"`
	NextRunAt    time.Time `json:"nextRunAt"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Depth summarizes a queue's backlog by state.
type Depth struct {
	Queue     string `json:"queue"`
	Queued    int    `json:"queued"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Dead      int    `json:"dead"`
}

// Broker is the durable at-least-once stage queue. Every operation a stage
// performs must tolerate redelivery; the broker never guarantees exactly-once.
type Broker interface {
	// Enqueue adds a job to the named queue and returns its id.
	Enqueue(ctx context.Context, queue string, payload model.JobPayload) (string, error)
	// Dequeue claims the next due job on the queue, or returns nil when the
	// queue is empty. A claimed job is invisible to other workers until
	// completed, failed, or its claim deadline passes; reclaiming an expired
	// claim counts as a fresh attempt.
	Dequeue(ctx context.Context, queue string) (*Job, error)
	// Complete marks a claimed job done at progress 100.
	Complete(ctx context.Context, jobID string) error
	// Fail records a failed attempt: the job is rescheduled with backoff, or
	// dead-lettered once attempts reach the budget.
	Fail(ctx context.Context, jobID string, jobErr error) error
	// Progress reports stage progress (0-100) for observability.
	Progress(ctx context.Context, jobID string, pct int) error
	// AppendLog adds a line to the job's retained log.
	AppendLog(ctx context.Context, jobID string, msg string) error
	// Depths reports backlog counts for every known queue.
	Depths(ctx context.Context) ([]Depth, error)
	// DeadJobs lists dead-lettered jobs on a queue, newest first.
	DeadJobs(ctx context.Context, queue string, limit int) ([]Job, error)
}

// Handler processes one claimed job. Returning an error triggers broker
// redelivery; the handler must therefore be idempotent.
type Handler func(ctx context.Context, job *ActiveJob) error

// Registry maps queue names to handlers. Built explicitly at startup so tests
// can wire an in-memory broker with fake stages.
type Registry map[string]Handler

// ActiveJob is a claimed job plus the broker operations a handler may use
// while holding it.
type ActiveJob struct {
	Job
	broker Broker
}

// NewActiveJob wraps a claimed job for handler consumption.
func NewActiveJob(j Job, b Broker) *ActiveJob {
	return &ActiveJob{Job: j, broker: b}
}

// ReportProgress records stage progress; failures are logged, not fatal,
// since progress is observability only.
func (a *ActiveJob) ReportProgress(ctx context.Context, pct int) {
	if err := a.broker.Progress(ctx, a.ID, pct); err != nil {
		zap.L().Warn("queue: progress update failed",
			zap.String("job_id", a.ID),
			zap.Int("pct", pct),
			zap.Error(err),
		)
	}
}

// Logf appends a formatted line to the job log.
func (a *ActiveJob) Logf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := a.broker.AppendLog(ctx, a.ID, msg); err != nil {
		zap.L().Warn("queue: job log append failed",
			zap.String("job_id", a.ID),
			zap.Error(err),
		)
	}
}

// Enqueue adds a follow-up job from inside a handler.
func (a *ActiveJob) Enqueue(ctx context.Context, queue string, payload model.JobPayload) (string, error) {
	return a.broker.Enqueue(ctx, queue, payload)
}
