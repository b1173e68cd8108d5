// Package queue implements a retrying work queue over the shared store.
//
// Jobs are kept as hashes and made visible through a schedule sorted set
// scored by the time they become runnable. A worker claims a due job by
// pushing its score out past the job timeout; if the worker dies the job
// reappears when the lease runs out, so delivery is at-least-once.
// Failed jobs are rescheduled with exponential backoff and, once retries
// are exhausted, pushed onto a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/fencekit/core"
	"github.com/yourusername/fencekit/store"
)

// Queue defaults.
const (
	DefaultJobTimeout = 5 * time.Minute
	DefaultLeaseGrace = 30 * time.Second
	DefaultResultTTL  = time.Hour

	// enqueueLockTTL bounds how long a crashed enqueuer can hold an id.
	enqueueLockTTL = 30 * time.Second
)

// Outcomes reported to the Recorder.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeReleased     = "released"
)

// Recorder receives one call per settled job run.
type Recorder interface {
	RecordJob(jobType, outcome string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordJob(string, string, time.Duration) {}

// JobStatus is the externally visible state of a job.
type JobStatus struct {
	JobID     string          `json:"job_id"`
	Status    core.JobState   `json:"status"`
	Attempt   int             `json:"attempt"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// DLQStats summarises the dead-letter list.
type DLQStats struct {
	Size       int64    `json:"dlq_size"`
	FailedJobs []string `json:"failed_jobs"`
}

// WorkQueue owns job records, the schedule and the dead-letter list for one
// named queue.
type WorkQueue struct {
	store      store.Store
	name       string
	maxRetries int
	baseDelay  time.Duration
	jobTimeout time.Duration
	leaseGrace time.Duration
	resultTTL  time.Duration
	now        func() time.Time
	logger     *zap.Logger
	recorder   Recorder
}

// New creates a WorkQueue named name over st.
func New(st store.Store, name string, opts ...Option) (*WorkQueue, error) {
	if st == nil {
		return nil, errors.New("queue: store cannot be nil")
	}
	if name == "" {
		return nil, errors.New("queue: name cannot be empty")
	}

	q := &WorkQueue{
		store:      st,
		name:       name,
		maxRetries: core.DefaultMaxRetries,
		baseDelay:  core.DefaultBaseDelay,
		jobTimeout: DefaultJobTimeout,
		leaseGrace: DefaultLeaseGrace,
		resultTTL:  DefaultResultTTL,
		now:        time.Now,
		logger:     zap.NewNop(),
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Name returns the queue name.
func (q *WorkQueue) Name() string {
	return q.name
}

// JobTimeout returns the per-run handler deadline.
func (q *WorkQueue) JobTimeout() time.Duration {
	return q.jobTimeout
}

func (q *WorkQueue) jobKey(id string) string {
	return "queue:" + q.name + ":job:" + id
}

func (q *WorkQueue) enqueueKey(id string) string {
	return q.jobKey(id) + ":enqueue"
}

func (q *WorkQueue) scheduleKey() string {
	return "queue:" + q.name + ":schedule"
}

func (q *WorkQueue) dlqKey() string {
	return "queue:" + q.name + ":dlq"
}

func (q *WorkQueue) load(ctx context.Context, id string) (*core.Job, error) {
	fields, err := q.store.HashGetAll(ctx, q.jobKey(id))
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job, err := decodeJob(fields)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

func (q *WorkQueue) save(ctx context.Context, job *core.Job) error {
	fields, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.store.HashSetFields(ctx, q.jobKey(job.ID), fields, 0); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Enqueue stores job and makes it runnable now. A missing id is filled with
// a random UUID. Enqueueing an id that is still queued or running is a
// no-op returning the same id; a finished job with that id is replaced.
//
// Concurrent enqueues of one id are serialised through a short-lived
// marker key. The caller that loses the race gets the id back without
// writing anything, so it can never reset a job another worker has
// already claimed.
func (q *WorkQueue) Enqueue(ctx context.Context, job *core.Job) (string, error) {
	if job == nil || job.Type == "" {
		return "", fmt.Errorf("%w: job type is required", ErrInvalidJob)
	}

	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}

	locked, err := q.store.SetIfAbsent(ctx, q.enqueueKey(id), []byte(q.now().UTC().Format(time.RFC3339Nano)), enqueueLockTTL)
	if err != nil {
		return "", fmt.Errorf("lock job %s: %w", id, err)
	}
	if !locked {
		q.logger.Debug("job enqueue already in progress, skipping", zap.String("job_id", id))
		return id, nil
	}
	defer func() {
		if _, err := q.store.Delete(context.WithoutCancel(ctx), q.enqueueKey(id)); err != nil {
			q.logger.Warn("failed to release enqueue marker", zap.String("job_id", id), zap.Error(err))
		}
	}()

	existing, err := q.load(ctx, id)
	switch {
	case err == nil && !existing.Status.Terminal():
		q.logger.Debug("job already pending, skipping enqueue", zap.String("job_id", id))
		return id, nil
	case err == nil:
		if _, err := q.store.Delete(ctx, q.jobKey(id)); err != nil {
			return "", fmt.Errorf("replace job %s: %w", id, err)
		}
	case !errors.Is(err, ErrJobNotFound):
		return "", err
	}

	now := q.now()
	record := &core.Job{
		ID:         id,
		Type:       job.Type,
		Recipients: job.Recipients,
		Payload:    job.Payload,
		Attempt:    0,
		Status:     core.JobQueued,
		CreatedAt:  now,
	}
	if err := q.save(ctx, record); err != nil {
		return "", err
	}
	if err := q.store.Schedule(ctx, q.scheduleKey(), id, now); err != nil {
		return "", fmt.Errorf("schedule job %s: %w", id, err)
	}

	q.logger.Info("job enqueued",
		zap.String("job_id", id),
		zap.String("type", job.Type),
		zap.Int("recipients", len(job.Recipients)),
	)
	return id, nil
}

// Status reports the state of a job. Unknown ids yield status not_found.
func (q *WorkQueue) Status(ctx context.Context, id string) (*JobStatus, error) {
	job, err := q.load(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return &JobStatus{JobID: id, Status: core.JobNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		JobID:   job.ID,
		Status:  job.Status,
		Attempt: job.Attempt,
		Result:  job.Result,
		Error:   job.Error,
	}
	for _, pair := range []struct {
		src time.Time
		dst **time.Time
	}{
		{job.CreatedAt, &status.CreatedAt},
		{job.StartedAt, &status.StartedAt},
		{job.EndedAt, &status.EndedAt},
	} {
		if !pair.src.IsZero() {
			t := pair.src
			*pair.dst = &t
		}
	}
	return status, nil
}

// Claim leases one due job and marks it running. It returns nil when no
// job is due. A claimed job stays hidden for the job timeout plus the
// lease grace; a job whose worker disappears is claimed again after that
// with the same attempt number.
func (q *WorkQueue) Claim(ctx context.Context) (*core.Job, error) {
	for {
		now := q.now()
		id, err := q.store.ClaimDue(ctx, q.scheduleKey(), now, now.Add(q.jobTimeout+q.leaseGrace))
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}

		job, err := q.load(ctx, id)
		if errors.Is(err, ErrJobNotFound) || (err == nil && job.Status.Terminal()) {
			// Stale schedule entry.
			if _, err := q.store.Unschedule(ctx, q.scheduleKey(), id); err != nil {
				return nil, fmt.Errorf("drop stale entry %s: %w", id, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if job.Status == core.JobRunning {
			q.logger.Warn("lease expired, redelivering job",
				zap.String("job_id", id),
				zap.Int("attempt", job.Attempt),
			)
		}

		job.Status = core.JobRunning
		job.StartedAt = now
		if err := q.save(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
}

// Complete records a successful run. The record expires after the result
// TTL.
func (q *WorkQueue) Complete(ctx context.Context, job *core.Job, result json.RawMessage) error {
	job.Status = core.JobSucceeded
	job.EndedAt = q.now()
	job.Result = result
	job.Error = ""

	if err := q.save(ctx, job); err != nil {
		return err
	}
	if _, err := q.store.Unschedule(ctx, q.scheduleKey(), job.ID); err != nil {
		return fmt.Errorf("unschedule job %s: %w", job.ID, err)
	}
	if _, err := q.store.Expire(ctx, q.jobKey(job.ID), q.resultTTL); err != nil {
		return fmt.Errorf("expire job %s: %w", job.ID, err)
	}

	q.logger.Info("job succeeded",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt+1),
	)
	return nil
}

// Fail records a failed run. While retries remain the job is rescheduled
// after an exponential backoff with its attempt incremented; otherwise it
// is dead-lettered. It reports whether a retry was scheduled.
func (q *WorkQueue) Fail(ctx context.Context, job *core.Job, result json.RawMessage, cause error) (bool, error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	if result != nil {
		job.Result = result
	}

	if !core.ShouldRetry(job.Attempt, q.maxRetries) {
		q.logger.Warn("retries exhausted, moving job to DLQ",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempt+1),
			zap.String("error", reason),
		)
		return false, q.deadLetter(ctx, job, reason)
	}

	delay := core.Backoff(job.Attempt, q.baseDelay)
	job.Attempt++
	job.Status = core.JobQueued
	job.Error = reason

	if err := q.save(ctx, job); err != nil {
		return false, err
	}
	if err := q.store.Schedule(ctx, q.scheduleKey(), job.ID, q.now().Add(delay)); err != nil {
		return false, fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}

	q.logger.Info("job failed, retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("next_attempt", job.Attempt+1),
		zap.Duration("backoff", delay),
		zap.String("error", reason),
	)
	return true, nil
}

// Release makes a claimed job runnable again immediately without counting
// the run as an attempt. Workers use it when shutting down mid-job.
func (q *WorkQueue) Release(ctx context.Context, job *core.Job) error {
	job.Status = core.JobQueued
	if err := q.save(ctx, job); err != nil {
		return err
	}
	if err := q.store.Schedule(ctx, q.scheduleKey(), job.ID, q.now()); err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}
	return nil
}

// MoveToDeadLetter marks the job failed with reason and appends it to the
// dead-letter list. Dead-lettered jobs are never retried automatically.
func (q *WorkQueue) MoveToDeadLetter(ctx context.Context, id, reason string) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	return q.deadLetter(ctx, job, reason)
}

func (q *WorkQueue) deadLetter(ctx context.Context, job *core.Job, reason string) error {
	job.Status = core.JobFailed
	job.EndedAt = q.now()
	job.Error = reason

	if err := q.save(ctx, job); err != nil {
		return err
	}
	if _, err := q.store.Unschedule(ctx, q.scheduleKey(), job.ID); err != nil {
		return fmt.Errorf("unschedule job %s: %w", job.ID, err)
	}
	if _, err := q.store.ListPush(ctx, q.dlqKey(), job.ID); err != nil {
		return fmt.Errorf("push job %s to DLQ: %w", job.ID, err)
	}
	return nil
}

// DeadLetterStats returns the size of the dead-letter list and the ids on
// it, most recent first.
func (q *WorkQueue) DeadLetterStats(ctx context.Context) (*DLQStats, error) {
	ids, err := q.store.ListRange(ctx, q.dlqKey(), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read DLQ: %w", err)
	}
	return &DLQStats{Size: int64(len(ids)), FailedJobs: ids}, nil
}
