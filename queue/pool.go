package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/fencekit/core"
)

const tracerName = "github.com/yourusername/fencekit/queue"

// Handler runs one job. The returned result is stored with the job, also
// when the handler fails. ctx carries the job timeout.
type Handler func(ctx context.Context, job *core.Job) (json.RawMessage, error)

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds jobType to h, replacing any earlier binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of concurrent workers. Default: 1
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker sleeps between claims.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pool runs workers that claim jobs from a WorkQueue and dispatch them
// through a Registry.
type Pool struct {
	queue        *WorkQueue
	registry     *Registry
	workers      int
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewPool creates a Pool.
func NewPool(q *WorkQueue, registry *Registry, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:        q,
		registry:     registry,
		workers:      1,
		pollInterval: 500 * time.Millisecond,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled. A job in
// flight at shutdown is released back to the queue.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool",
		zap.String("queue", p.queue.Name()),
		zap.Int("workers", p.workers),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))

	for {
		processed, err := p.ProcessNext(ctx)
		if err != nil {
			logger.Error("worker iteration failed", zap.Error(err))
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// ProcessNext claims one due job and runs it to a settled state. It
// reports false when no job was due.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	job, err := p.queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "queue.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type),
			attribute.Int("job.attempt", job.Attempt),
		),
	)
	defer span.End()

	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempt+1),
	)

	handler, ok := p.registry.Lookup(job.Type)
	if !ok {
		logger.Error("no handler registered, dead-lettering job")
		span.SetStatus(codes.Error, ErrNoHandler.Error())
		err := p.queue.MoveToDeadLetter(ctx, job.ID, fmt.Sprintf("%v: %s", ErrNoHandler, job.Type))
		p.queue.recorder.RecordJob(job.Type, OutcomeDeadLettered, 0)
		return true, err
	}

	logger.Info("processing job")
	start := time.Now()
	result, runErr := p.execute(ctx, handler, job)
	duration := time.Since(start)

	// Settle with a context that survives shutdown so the outcome is not lost.
	settleCtx := context.WithoutCancel(ctx)

	if runErr == nil {
		span.SetStatus(codes.Ok, "")
		p.queue.recorder.RecordJob(job.Type, OutcomeSucceeded, duration)
		return true, p.queue.Complete(settleCtx, job, result)
	}

	if ctx.Err() != nil {
		logger.Info("shutting down, releasing job")
		p.queue.recorder.RecordJob(job.Type, OutcomeReleased, duration)
		return true, p.queue.Release(settleCtx, job)
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())
	logger.Warn("job failed", zap.Error(runErr), zap.Duration("duration", duration))

	retried, err := p.queue.Fail(settleCtx, job, result, runErr)
	if retried {
		p.queue.recorder.RecordJob(job.Type, OutcomeRetried, duration)
	} else {
		p.queue.recorder.RecordJob(job.Type, OutcomeDeadLettered, duration)
	}
	return true, err
}

// execute runs h under the job timeout and turns a panic into an error.
func (p *Pool) execute(ctx context.Context, h Handler, job *core.Job) (result json.RawMessage, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.queue.JobTimeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return h(ctx, job)
}
