package queue

import "sync"

// JobStatus reports a scheduled job's state.
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusReady     JobStatus = "ready"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusDead      JobStatus = "dead"
)

func isTerminalStatus(status JobStatus) bool {
	switch status {
	case JobStatusCompleted, JobStatusCanceled, JobStatusDead:
		return true
	}
	return false
}

// Handle references an enqueued job with lifecycle controls. Cancellation is
// best-effort: a job already picked up by a worker still runs, which is why
// handlers re-check domain state before acting.
type Handle interface {
	ID() string
	Cancel()
	Status() JobStatus
	Err() error
	Done() <-chan struct{}
}

type jobHandle struct {
	queue *MemoryQueue
	jobID string
	done  chan struct{}

	mu     sync.RWMutex
	status JobStatus
	err    error
	once   sync.Once
}

func (h *jobHandle) ID() string {
	if h == nil {
		return ""
	}
	return h.jobID
}

func (h *jobHandle) Cancel() {
	if h == nil {
		return
	}
	h.queue.cancelJob(h.jobID)
}

func (h *jobHandle) Status() JobStatus {
	if h == nil {
		return JobStatusCanceled
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *jobHandle) setStatus(status JobStatus, err error) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.status = status
	if err != nil {
		h.err = err
	}
	h.mu.Unlock()
	if isTerminalStatus(status) {
		h.once.Do(func() { close(h.done) })
	}
}
