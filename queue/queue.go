// Package queue provides the job-scheduling boundary used for approval
// reminder and escalation timers. Delivery is at-least-once and cancellation
// is best-effort, so every handler must re-check domain state before acting.
package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

// Job is the delivery view handed to handlers and DLQ admin calls.
type Job struct {
	ID        string
	Type      string
	Payload   map[string]any
	FireAt    time.Time
	Attempts  int
	LastError string
	Status    JobStatus
	CreatedAt time.Time
}

// Handler processes one delivered job. Handlers must be idempotent.
type Handler func(ctx context.Context, job Job) error

// Queue is the scheduling contract consumed by the approval service.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload map[string]any, fireAt time.Time) (Handle, error)
	Cancel(handle Handle)
	Process(jobType string, concurrency int, handler Handler) error
}

type memJob struct {
	job        Job
	handle     *jobHandle
	timer      *time.Timer
	leaseUntil time.Time
}

type pool struct {
	ch      chan string
	handler Handler
}

// MemoryQueue is the in-process Queue with worker pools per job type, backoff
// redelivery, a dead-letter queue and a cron-driven stuck-lease sweeper.
type MemoryQueue struct {
	mu           sync.Mutex
	jobs         map[string]*memJob
	pools        map[string]*pool
	pendingReady map[string][]string

	retry         RetryStrategy
	maxAttempts   int
	leaseDuration time.Duration
	sweepSchedule string

	sweeper *rcron.Cron
	logger  lifecycle.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryQueue constructs and starts a queue with the given options.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	q := &MemoryQueue{
		jobs:          make(map[string]*memJob),
		pools:         make(map[string]*pool),
		pendingReady:  make(map[string][]string),
		retry:         ExponentialBackoffStrategy{Base: time.Second, Factor: 2, Max: time.Minute, Jitter: 0.2},
		maxAttempts:   5,
		leaseDuration: time.Minute,
		sweepSchedule: "@every 30s",
		logger:        lifecycle.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.sweeper = rcron.New()
	if _, err := q.sweeper.AddFunc(q.sweepSchedule, q.sweep); err != nil {
		q.logger.Error("queue sweeper schedule %q rejected: %v", q.sweepSchedule, err)
	}
	q.sweeper.Start()
	return q
}

// Enqueue schedules a job to fire at fireAt (or immediately when in the past).
func (q *MemoryQueue) Enqueue(_ context.Context, jobType string, payload map[string]any, fireAt time.Time) (Handle, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return nil, lifecycle.NewError(lifecycle.ErrValidation, "job type is required", nil)
	}

	id := uuid.NewString()
	handle := &jobHandle{queue: q, jobID: id, done: make(chan struct{}), status: JobStatusScheduled}
	mj := &memJob{
		job: Job{
			ID:        id,
			Type:      jobType,
			Payload:   clonePayload(payload),
			FireAt:    fireAt,
			Status:    JobStatusScheduled,
			CreatedAt: time.Now(),
		},
		handle: handle,
	}

	q.mu.Lock()
	q.jobs[id] = mj
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	mj.timer = time.AfterFunc(delay, func() { q.markReady(id) })
	q.mu.Unlock()

	return handle, nil
}

// Cancel requests cancellation of a scheduled job. A delivery already in
// flight still runs to completion.
func (q *MemoryQueue) Cancel(handle Handle) {
	if handle == nil {
		return
	}
	q.cancelJob(handle.ID())
}

// Process registers the handler and worker pool for a job type. Jobs that
// fired before a processor existed are delivered on registration.
func (q *MemoryQueue) Process(jobType string, concurrency int, handler Handler) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" || handler == nil {
		return lifecycle.NewError(lifecycle.ErrValidation, "job type and handler are required", nil)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	q.mu.Lock()
	if _, exists := q.pools[jobType]; exists {
		q.mu.Unlock()
		return lifecycle.NewError(lifecycle.ErrDuplicateCode, "processor already registered for job type", map[string]any{
			"job_type": jobType,
		})
	}
	p := &pool{ch: make(chan string, 256), handler: handler}
	q.pools[jobType] = p
	backlog := q.pendingReady[jobType]
	delete(q.pendingReady, jobType)
	q.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker(p)
	}
	for _, id := range backlog {
		p.ch <- id
	}
	return nil
}

// DeadLetters returns a snapshot of dead-lettered jobs, oldest first.
func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dead []Job
	for _, mj := range q.jobs {
		if mj.job.Status == JobStatusDead {
			dead = append(dead, snapshotJob(mj))
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].CreatedAt.Before(dead[j].CreatedAt) })
	return dead
}

// Requeue resets a dead-lettered job for immediate redelivery.
func (q *MemoryQueue) Requeue(jobID string) error {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return lifecycle.NewError(lifecycle.ErrNotFound, "job not found", map[string]any{"job_id": jobID})
	}
	if mj.job.Status != JobStatusDead {
		q.mu.Unlock()
		return lifecycle.NewError(lifecycle.ErrInvalidState, "only dead-lettered jobs can be requeued", map[string]any{
			"job_id": jobID,
			"status": string(mj.job.Status),
		})
	}
	mj.job.Attempts = 0
	mj.job.LastError = ""
	mj.job.Status = JobStatusScheduled
	mj.handle.setStatus(JobStatusScheduled, nil)
	q.mu.Unlock()

	q.markReady(jobID)
	return nil
}

// Stop halts the sweeper and worker pools. Scheduled timers are dropped.
func (q *MemoryQueue) Stop() {
	ctx := q.sweeper.Stop()
	<-ctx.Done()
	q.cancel()

	q.mu.Lock()
	for _, mj := range q.jobs {
		if mj.timer != nil {
			mj.timer.Stop()
		}
	}
	pools := make([]*pool, 0, len(q.pools))
	for _, p := range q.pools {
		pools = append(pools, p)
	}
	q.pools = make(map[string]*pool)
	q.mu.Unlock()

	for _, p := range pools {
		close(p.ch)
	}
	q.wg.Wait()
}

func (q *MemoryQueue) worker(p *pool) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case id, ok := <-p.ch:
			if !ok {
				return
			}
			q.deliver(id, p.handler)
		}
	}
}

func (q *MemoryQueue) markReady(jobID string) {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	if !ok || mj.job.Status != JobStatusScheduled {
		q.mu.Unlock()
		return
	}
	mj.job.Status = JobStatusReady
	mj.handle.setStatus(JobStatusReady, nil)
	p := q.pools[mj.job.Type]
	if p == nil {
		q.pendingReady[mj.job.Type] = append(q.pendingReady[mj.job.Type], jobID)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	select {
	case p.ch <- jobID:
	case <-q.ctx.Done():
	}
}

func (q *MemoryQueue) deliver(jobID string, handler Handler) {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	if !ok || mj.job.Status != JobStatusReady {
		// canceled or already handled between fire and pickup
		q.mu.Unlock()
		return
	}
	mj.job.Status = JobStatusRunning
	mj.job.Attempts++
	mj.leaseUntil = time.Now().Add(q.leaseDuration)
	mj.handle.setStatus(JobStatusRunning, nil)
	view := snapshotJob(mj)
	q.mu.Unlock()

	err := handler(q.ctx, view)

	q.mu.Lock()
	defer q.mu.Unlock()
	if mj.job.Status != JobStatusRunning {
		return
	}
	if err == nil {
		mj.job.Status = JobStatusCompleted
		mj.handle.setStatus(JobStatusCompleted, nil)
		return
	}

	mj.job.LastError = err.Error()
	if mj.job.Attempts >= q.maxAttempts {
		mj.job.Status = JobStatusDead
		mj.handle.setStatus(JobStatusDead, err)
		q.logger.Error("job %s (%s) dead-lettered after %d attempts: %v", jobID, mj.job.Type, mj.job.Attempts, err)
		return
	}

	delay := q.retry.SleepDuration(mj.job.Attempts-1, err)
	mj.job.Status = JobStatusScheduled
	mj.handle.setStatus(JobStatusScheduled, err)
	mj.timer = time.AfterFunc(delay, func() { q.markReady(jobID) })
	q.logger.Warn("job %s (%s) attempt %d failed, retrying in %s: %v", jobID, mj.job.Type, mj.job.Attempts, delay, err)
}

func (q *MemoryQueue) cancelJob(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[jobID]
	if !ok || isTerminalStatus(mj.job.Status) || mj.job.Status == JobStatusRunning {
		return
	}
	if mj.timer != nil {
		mj.timer.Stop()
	}
	mj.job.Status = JobStatusCanceled
	mj.handle.setStatus(JobStatusCanceled, nil)
}

// sweep redelivers jobs whose delivery lease expired, covering workers lost
// mid-flight.
func (q *MemoryQueue) sweep() {
	now := time.Now()
	var redeliver []struct {
		id string
		p  *pool
	}

	q.mu.Lock()
	for id, mj := range q.jobs {
		if mj.job.Status != JobStatusRunning || mj.leaseUntil.After(now) {
			continue
		}
		mj.job.Status = JobStatusReady
		mj.handle.setStatus(JobStatusReady, nil)
		p := q.pools[mj.job.Type]
		if p == nil {
			q.pendingReady[mj.job.Type] = append(q.pendingReady[mj.job.Type], id)
			continue
		}
		redeliver = append(redeliver, struct {
			id string
			p  *pool
		}{id, p})
		q.logger.Warn("job %s lease expired, redelivering", id)
	}
	q.mu.Unlock()

	for _, item := range redeliver {
		select {
		case item.p.ch <- item.id:
		case <-q.ctx.Done():
			return
		}
	}
}

func snapshotJob(mj *memJob) Job {
	job := mj.job
	job.Payload = clonePayload(mj.job.Payload)
	return job
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
