package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkerPool runs registered handlers against the broker: a fixed number of
// workers per queue, each pulling jobs in a poll loop. No state is shared
// between stages in-process; everything travels in the job payload or the
// durable stores.
type WorkerPool struct {
	broker       Broker
	registry     Registry
	perQueue     int
	pollInterval time.Duration
}

// NewWorkerPool creates a pool with workersPerQueue workers for each
// registered queue.
func NewWorkerPool(broker Broker, registry Registry, workersPerQueue int, pollInterval time.Duration) *WorkerPool {
	if workersPerQueue <= 0 {
		workersPerQueue = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &WorkerPool{
		broker:       broker,
		registry:     registry,
		perQueue:     workersPerQueue,
		pollInterval: pollInterval,
	}
}

// Run blocks until ctx is canceled, processing jobs on all registered queues.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	for queue, handler := range p.registry {
		for i := 0; i < p.perQueue; i++ {
			g.Go(func() error {
				p.workLoop(gCtx, queue, handler)
				return nil
			})
		}
	}

	zap.L().Info("worker pool started",
		zap.Int("queues", len(p.registry)),
		zap.Int("workers_per_queue", p.perQueue),
	)
	return g.Wait()
}

func (p *WorkerPool) workLoop(ctx context.Context, queue string, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.broker.Dequeue(ctx, queue)
		if err != nil {
			zap.L().Error("worker: dequeue failed",
				zap.String("queue", queue),
				zap.Error(err),
			)
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		p.process(ctx, queue, handler, job)
	}
}

// process runs one claimed job. A handler error fails the job for broker
// redelivery; it never escapes the worker, so no stage failure can take the
// pool down.
func (p *WorkerPool) process(ctx context.Context, queue string, handler Handler, job *Job) {
	log := zap.L().With(
		zap.String("queue", queue),
		zap.String("job_id", job.ID),
		zap.String("fingerprint", job.Payload.Fingerprint),
		zap.Int("attempt", job.Attempts),
	)
	log.Info("worker: job claimed")

	start := time.Now()
	err := p.runHandler(ctx, handler, NewActiveJob(*job, p.broker))
	duration := time.Since(start).Milliseconds()

	if err != nil {
		log.Error("worker: job failed",
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
		if failErr := p.broker.Fail(ctx, job.ID, err); failErr != nil {
			log.Error("worker: recording failure failed", zap.Error(failErr))
		}
		return
	}

	if completeErr := p.broker.Complete(ctx, job.ID); completeErr != nil {
		log.Error("worker: recording completion failed", zap.Error(completeErr))
		return
	}
	log.Info("worker: job complete", zap.Int64("duration_ms", duration))
}

// runHandler converts a handler panic into a job failure.
func (p *WorkerPool) runHandler(ctx context.Context, handler Handler, job *ActiveJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (p *WorkerPool) sleep(ctx context.Context) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
