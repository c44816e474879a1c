package approval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// Store persists approval instances, stages, tasks and append rows. The
// conditional updates are compare-and-set on the pending status: they return
// false when the row already left pending, which is what gives decisions and
// completions their at-most-once semantics.
type Store interface {
	CreateInstance(ctx context.Context, inst *Instance, stages []Stage, tasks []Task) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// ActiveInstanceForRecord returns the pending instance for a record, or nil.
	ActiveInstanceForRecord(ctx context.Context, recordType, recordID, tenant string) (*Instance, error)
	// CompleteInstanceIfPending swaps pending → status. It returns false when
	// the instance already completed, and NOT_FOUND when it does not exist.
	CompleteInstanceIfPending(ctx context.Context, id string, status InstanceStatus) (bool, error)
	SetInstanceStageIndex(ctx context.Context, id string, index int) error

	StagesForInstance(ctx context.Context, instanceID string) ([]Stage, error)
	// UpdateStageStatusIfPending swaps pending → status; false when the stage
	// already settled.
	UpdateStageStatusIfPending(ctx context.Context, stageID string, status StageStatus) (bool, error)

	GetTask(ctx context.Context, id string) (*Task, error)
	AddTask(ctx context.Context, task Task) error
	// DecideTaskIfPending swaps pending → status; false when already decided.
	DecideTaskIfPending(ctx context.Context, id string, status TaskStatus, actorID, comment string) (*Task, bool, error)
	// MarkTaskEscalatedOnce stamps the first escalation; false on later fires.
	MarkTaskEscalatedOnce(ctx context.Context, id string) (bool, error)
	SetTaskJobs(ctx context.Context, id, reminderJobID, escalationJobID string) error
	TasksForStage(ctx context.Context, stageID string) ([]Task, error)
	TasksForUser(ctx context.Context, tenant, assigneeID string, statuses ...TaskStatus) ([]Task, error)

	AppendEscalation(ctx context.Context, esc Escalation) error
	EscalationsForInstance(ctx context.Context, instanceID string) ([]Escalation, error)
	AppendDecisionEvent(ctx context.Context, evt DecisionEvent) error
	DecisionEventsForInstance(ctx context.Context, instanceID string) ([]DecisionEvent, error)
}

// InMemoryStore is the thread-safe default Store.
type InMemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]*Instance
	stages      map[string][]Stage // by instance ID, ordered
	tasks       map[string]*Task
	escalations []Escalation
	decisions   []DecisionEvent
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*Instance),
		stages:    make(map[string][]Stage),
		tasks:     make(map[string]*Task),
	}
}

func (s *InMemoryStore) CreateInstance(_ context.Context, inst *Instance, stages []Stage, tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return lifecycle.NewError(lifecycle.ErrDuplicateCode, "approval instance already exists", map[string]any{
			"instance_id": inst.ID,
		})
	}
	for _, other := range s.instances {
		if other.Status == InstancePending && sameRecord(other, inst) {
			return lifecycle.NewError(lifecycle.ErrDuplicateCode, "record already has a pending approval", map[string]any{
				"record_type": inst.RecordType,
				"record_id":   inst.RecordID,
			})
		}
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	s.stages[inst.ID] = append([]Stage(nil), stages...)
	for _, task := range tasks {
		t := task
		s.tasks[task.ID] = &t
	}
	return nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (s *InMemoryStore) ActiveInstanceForRecord(_ context.Context, recordType, recordID, tenant string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	probe := &Instance{RecordType: recordType, RecordID: recordID, Tenant: tenant}
	for _, inst := range s.instances {
		if inst.Status == InstancePending && sameRecord(inst, probe) {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CompleteInstanceIfPending(_ context.Context, id string, status InstanceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return false, lifecycle.NewError(lifecycle.ErrNotFound, "approval instance not found", map[string]any{"instance_id": id})
	}
	if inst.Status != InstancePending {
		return false, nil
	}
	now := time.Now()
	inst.Status = status
	inst.CompletedAt = &now
	return true, nil
}

func (s *InMemoryStore) SetInstanceStageIndex(_ context.Context, id string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return lifecycle.NewError(lifecycle.ErrNotFound, "approval instance not found", map[string]any{"instance_id": id})
	}
	inst.StageIndex = index
	return nil
}

func (s *InMemoryStore) StagesForInstance(_ context.Context, instanceID string) ([]Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stages := append([]Stage(nil), s.stages[instanceID]...)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Index < stages[j].Index })
	return stages, nil
}

func (s *InMemoryStore) UpdateStageStatusIfPending(_ context.Context, stageID string, status StageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for instanceID, stages := range s.stages {
		for i := range stages {
			if stages[i].ID == stageID {
				if stages[i].Status != StagePending {
					return false, nil
				}
				stages[i].Status = status
				s.stages[instanceID] = stages
				return true, nil
			}
		}
	}
	return false, lifecycle.NewError(lifecycle.ErrNotFound, "approval stage not found", map[string]any{"stage_id": stageID})
}

func (s *InMemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *task
	return &cp, nil
}

func (s *InMemoryStore) AddTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return lifecycle.NewError(lifecycle.ErrDuplicateCode, "approval task already exists", map[string]any{"task_id": task.ID})
	}
	s.tasks[task.ID] = &task
	return nil
}

func (s *InMemoryStore) DecideTaskIfPending(_ context.Context, id string, status TaskStatus, actorID, comment string) (*Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, false, lifecycle.NewError(lifecycle.ErrNotFound, "approval task not found", map[string]any{"task_id": id})
	}
	if task.Status != TaskPending {
		cp := *task
		return &cp, false, nil
	}
	now := time.Now()
	task.Status = status
	task.DecidedBy = actorID
	task.Comment = comment
	task.DecidedAt = &now
	cp := *task
	return &cp, true, nil
}

func (s *InMemoryStore) MarkTaskEscalatedOnce(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, lifecycle.NewError(lifecycle.ErrNotFound, "approval task not found", map[string]any{"task_id": id})
	}
	if task.EscalatedAt != nil {
		return false, nil
	}
	now := time.Now()
	task.EscalatedAt = &now
	return true, nil
}

func (s *InMemoryStore) SetTaskJobs(_ context.Context, id, reminderJobID, escalationJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return lifecycle.NewError(lifecycle.ErrNotFound, "approval task not found", map[string]any{"task_id": id})
	}
	task.ReminderJobID = reminderJobID
	task.EscalationJobID = escalationJobID
	return nil
}

func (s *InMemoryStore) TasksForStage(_ context.Context, stageID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, task := range s.tasks {
		if task.StageID == stageID {
			out = append(out, *task)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) TasksForUser(_ context.Context, tenant, assigneeID string, statuses ...TaskStatus) ([]Task, error) {
	allowed := make(map[TaskStatus]bool, len(statuses))
	for _, status := range statuses {
		allowed[status] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, task := range s.tasks {
		if task.AssigneeID != assigneeID {
			continue
		}
		inst := s.instances[task.InstanceID]
		if inst == nil || !strings.EqualFold(inst.Tenant, tenant) {
			continue
		}
		if len(allowed) > 0 && !allowed[task.Status] {
			continue
		}
		out = append(out, *task)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AppendEscalation(_ context.Context, esc Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations = append(s.escalations, esc)
	return nil
}

func (s *InMemoryStore) EscalationsForInstance(_ context.Context, instanceID string) ([]Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Escalation
	for _, esc := range s.escalations {
		if esc.InstanceID == instanceID {
			out = append(out, esc)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendDecisionEvent(_ context.Context, evt DecisionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, evt)
	return nil
}

func (s *InMemoryStore) DecisionEventsForInstance(_ context.Context, instanceID string) ([]DecisionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DecisionEvent
	for _, evt := range s.decisions {
		if evt.InstanceID == instanceID {
			out = append(out, evt)
		}
	}
	return out, nil
}

func sameRecord(a, b *Instance) bool {
	return strings.EqualFold(a.RecordType, b.RecordType) &&
		a.RecordID == b.RecordID &&
		strings.EqualFold(a.Tenant, b.Tenant)
}
