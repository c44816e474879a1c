package approval

import (
	"context"
	"strings"
	"sync"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/engine"
	"github.com/goliatone/go-lifecycle/queue"
	"github.com/google/uuid"
)

// Job types the service schedules and consumes.
const (
	JobTypeReminder   = "approval.reminder"
	JobTypeEscalation = "approval.escalation"
)

// Finalizer is the lifecycle-manager callback invoked on instance
// completion. Implementations must be idempotent: timer-driven escalation
// and user decisions can race to complete the same instance.
type Finalizer interface {
	FinalizeApproved(ctx context.Context, recordType, recordID, tenant, approvalID string) error
	FinalizeRejected(ctx context.Context, recordType, recordID, tenant, approvalID, reason string) error
}

// Service owns approval instances end to end.
type Service struct {
	mu        sync.RWMutex
	templates map[string]Template
	timers    map[string]queue.Handle

	store     Store
	dir       Directory
	jobs      queue.Queue
	finalizer Finalizer
	publisher lifecycle.Publisher
	logger    lifecycle.Logger
}

// Option customizes service construction.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(s *Service) {
		s.logger = lifecycle.NormalizeLogger(logger)
	}
}

// WithStore overrides the default in-memory store.
func WithStore(store Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithPublisher sets the event bus sink.
func WithPublisher(pub lifecycle.Publisher) Option {
	return func(s *Service) {
		if pub != nil {
			s.publisher = pub
		}
	}
}

// NewService constructs a service over the approver directory and job queue.
func NewService(dir Directory, jobs queue.Queue, opts ...Option) *Service {
	s := &Service{
		templates: make(map[string]Template),
		timers:    make(map[string]queue.Handle),
		store:     NewInMemoryStore(),
		dir:       dir,
		jobs:      jobs,
		publisher: lifecycle.NopPublisher{},
		logger:    lifecycle.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetFinalizer wires the lifecycle-manager callback. Separate from
// construction because the manager needs the service as its approval
// starter.
func (s *Service) SetFinalizer(f Finalizer) {
	s.mu.Lock()
	s.finalizer = f
	s.mu.Unlock()
}

// RegisterTemplate validates and installs (or replaces) a template.
func (s *Service) RegisterTemplate(tmpl Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.templates[tmpl.ID] = tmpl
	s.mu.Unlock()
	return nil
}

func (s *Service) template(id string) (Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.templates[id]
	return tmpl, ok
}

// RegisterProcessors attaches the timer handlers to the job queue.
func (s *Service) RegisterProcessors(concurrency int) error {
	if err := s.jobs.Process(JobTypeReminder, concurrency, func(ctx context.Context, job queue.Job) error {
		return s.ProcessReminder(ctx, job)
	}); err != nil {
		return err
	}
	return s.jobs.Process(JobTypeEscalation, concurrency, func(ctx context.Context, job queue.Job) error {
		return s.ProcessEscalation(ctx, job)
	})
}

// StartApproval resolves the template into stages, snapshots assignees and
// creates the instance. Idempotent per record: an active instance is reused.
// Implements the lifecycle manager's ApprovalStarter boundary.
func (s *Service) StartApproval(ctx context.Context, req engine.ApprovalRequest) (string, error) {
	if active, err := s.store.ActiveInstanceForRecord(ctx, req.RecordType, req.RecordID, req.Tenant); err != nil {
		return "", err
	} else if active != nil {
		return active.ID, nil
	}

	tmpl, ok := s.template(req.TemplateID)
	if !ok {
		return "", lifecycle.NewError(lifecycle.ErrNotFound, "approval template not registered", map[string]any{
			"template": req.TemplateID,
		})
	}

	now := time.Now()
	inst := &Instance{
		ID:           uuid.NewString(),
		TemplateID:   tmpl.ID,
		RecordType:   req.RecordType,
		RecordID:     req.RecordID,
		Tenant:       req.Tenant,
		Operation:    req.Operation,
		RequestedBy:  req.RequestedBy,
		Status:       InstancePending,
		RejectPolicy: tmpl.rejectPolicy(),
		CreatedAt:    now,
	}

	rc := resolveContext{tenant: req.Tenant, requestedBy: req.RequestedBy, record: req.Record}
	var stages []Stage
	var tasks []Task
	for i, st := range tmpl.Stages {
		stage := Stage{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			TemplateID: st.ID,
			Name:       st.Name,
			Index:      i,
			Quorum:     st.Quorum,
			Status:     StagePending,
		}
		stageTasks, err := s.resolveStageTasks(ctx, inst, stage, st, rc)
		if err != nil {
			return "", err
		}
		if len(stageTasks) == 0 {
			return "", lifecycle.NewError(lifecycle.ErrValidation, "stage resolved no assignees", map[string]any{
				"template": tmpl.ID,
				"stage":    st.ID,
			})
		}
		stages = append(stages, stage)
		tasks = append(tasks, stageTasks...)
	}

	if err := s.store.CreateInstance(ctx, inst, stages, tasks); err != nil {
		// lost the creation race: reuse the winner
		if lifecycle.IsCode(err, lifecycle.ErrCodeDuplicateCode) {
			if active, aerr := s.store.ActiveInstanceForRecord(ctx, req.RecordType, req.RecordID, req.Tenant); aerr == nil && active != nil {
				return active.ID, nil
			}
		}
		return "", err
	}

	// timers start for the first stage only; later stages activate as prior
	// stages complete
	for _, task := range tasks {
		if task.StageID == stages[0].ID {
			s.scheduleTaskTimers(ctx, tmpl.Stages[0], task)
		}
	}

	s.publisher.Publish(lifecycle.Event{
		Topic:      lifecycle.TopicApprovalCreated,
		Tenant:     req.Tenant,
		RecordType: req.RecordType,
		RecordID:   req.RecordID,
		Payload: map[string]any{
			"instance_id": inst.ID,
			"template":    tmpl.ID,
			"operation":   req.Operation,
			"stages":      len(stages),
		},
		OccurredAt: now,
	})
	return inst.ID, nil
}

func (s *Service) resolveStageTasks(ctx context.Context, inst *Instance, stage Stage, st StageTemplate, rc resolveContext) ([]Task, error) {
	now := time.Now()
	seen := make(map[string]bool)
	var tasks []Task
	for _, rule := range st.Assignees {
		snapshots, err := resolveRule(ctx, s.dir, rule, rc)
		if err != nil {
			return nil, err
		}
		for _, snap := range snapshots {
			if seen[snap.AssigneeID] {
				continue
			}
			seen[snap.AssigneeID] = true
			tasks = append(tasks, Task{
				ID:         uuid.NewString(),
				InstanceID: inst.ID,
				StageID:    stage.ID,
				AssigneeID: snap.AssigneeID,
				Status:     TaskPending,
				Snapshot:   snap,
				CreatedAt:  now,
			})
		}
	}
	return tasks, nil
}

// scheduleTaskTimers enqueues the reminder and escalation jobs for one task.
func (s *Service) scheduleTaskTimers(ctx context.Context, st StageTemplate, task Task) {
	var reminderID, escalationID string
	payload := map[string]any{"task_id": task.ID, "instance_id": task.InstanceID}

	if st.RemindAfter > 0 {
		handle, err := s.jobs.Enqueue(ctx, JobTypeReminder, payload, time.Now().Add(st.RemindAfter.Std()))
		if err != nil {
			s.logger.Error("schedule reminder for task %s: %v", task.ID, err)
		} else {
			reminderID = handle.ID()
			s.trackTimer(handle)
		}
	}
	if st.EscalateAfter > 0 {
		handle, err := s.jobs.Enqueue(ctx, JobTypeEscalation, payload, time.Now().Add(st.EscalateAfter.Std()))
		if err != nil {
			s.logger.Error("schedule escalation for task %s: %v", task.ID, err)
		} else {
			escalationID = handle.ID()
			s.trackTimer(handle)
		}
	}
	if reminderID == "" && escalationID == "" {
		return
	}
	if err := s.store.SetTaskJobs(ctx, task.ID, reminderID, escalationID); err != nil {
		s.logger.Error("record timer jobs for task %s: %v", task.ID, err)
	}
}

func (s *Service) trackTimer(handle queue.Handle) {
	s.mu.Lock()
	s.timers[handle.ID()] = handle
	s.mu.Unlock()
}

// cancelTaskTimers is best-effort: a job already delivered still fires its
// handler, which re-checks task state.
func (s *Service) cancelTaskTimers(task Task) {
	s.mu.Lock()
	reminder := s.timers[task.ReminderJobID]
	escalation := s.timers[task.EscalationJobID]
	delete(s.timers, task.ReminderJobID)
	delete(s.timers, task.EscalationJobID)
	s.mu.Unlock()
	if reminder != nil {
		reminder.Cancel()
	}
	if escalation != nil {
		escalation.Cancel()
	}
}

// MakeDecision records one approver's decision and re-evaluates quorum. A
// task is decided at most once: a second attempt fails rather than
// overwriting.
func (s *Service) MakeDecision(ctx context.Context, req DecisionRequest) error {
	var status TaskStatus
	switch req.Action {
	case ActionApprove:
		status = TaskApproved
	case ActionReject:
		status = TaskRejected
	case ActionDelegate:
		status = TaskDelegated
		if strings.TrimSpace(req.DelegateTo) == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "delegate decision requires a delegate", nil)
		}
	default:
		return lifecycle.NewError(lifecycle.ErrValidation, "unknown decision action", map[string]any{
			"action": string(req.Action),
		})
	}

	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return lifecycle.NewError(lifecycle.ErrNotFound, "approval task not found", map[string]any{"task_id": req.TaskID})
	}
	if task.AssigneeID != req.ActorID {
		return lifecycle.NewError(lifecycle.ErrAuthorizationDenied, "task is assigned to another user", map[string]any{
			"task_id":  req.TaskID,
			"assignee": task.AssigneeID,
		})
	}
	if req.Action == ActionDelegate && req.DelegateTo == task.AssigneeID {
		return lifecycle.NewError(lifecycle.ErrValidation, "cannot delegate a task to its own assignee", nil)
	}

	inst, err := s.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return err
	}
	if inst == nil {
		return lifecycle.NewError(lifecycle.ErrNotFound, "approval instance not found", map[string]any{"instance_id": task.InstanceID})
	}
	if inst.Status != InstancePending {
		return lifecycle.NewError(lifecycle.ErrInvalidState, "approval instance already completed", map[string]any{
			"instance_id": inst.ID,
			"status":      string(inst.Status),
		})
	}

	decided, ok, err := s.store.DecideTaskIfPending(ctx, req.TaskID, status, req.ActorID, req.Comment)
	if err != nil {
		return err
	}
	if !ok {
		return lifecycle.NewError(lifecycle.ErrInvalidState, "task already decided", map[string]any{
			"task_id": req.TaskID,
			"status":  string(decided.Status),
		})
	}
	s.cancelTaskTimers(*decided)

	if err := s.store.AppendDecisionEvent(ctx, DecisionEvent{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		TaskID:     decided.ID,
		ActorID:    req.ActorID,
		Action:     req.Action,
		Comment:    req.Comment,
		OccurredAt: time.Now(),
	}); err != nil {
		s.logger.Error("append decision event for task %s: %v", decided.ID, err)
	}
	s.publisher.Publish(lifecycle.Event{
		Topic:      lifecycle.TopicApprovalDecided,
		Tenant:     inst.Tenant,
		RecordType: inst.RecordType,
		RecordID:   inst.RecordID,
		Payload: map[string]any{
			"instance_id": inst.ID,
			"task_id":     decided.ID,
			"actor":       req.ActorID,
			"action":      string(req.Action),
		},
		OccurredAt: time.Now(),
	})

	if req.Action == ActionDelegate {
		return s.delegateTask(ctx, inst, *decided, req.DelegateTo)
	}
	return s.evaluateStage(ctx, inst, decided.StageID)
}

// delegateTask replaces the closed task with one for the delegate under a
// fresh snapshot recording the delegation chain.
func (s *Service) delegateTask(ctx context.Context, inst *Instance, from Task, delegateTo string) error {
	now := time.Now()
	replacement := Task{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		StageID:    from.StageID,
		AssigneeID: delegateTo,
		Status:     TaskPending,
		Snapshot: AssignmentSnapshot{
			ID:            uuid.NewString(),
			RuleKind:      from.Snapshot.RuleKind,
			RuleDetail:    from.Snapshot.RuleDetail,
			AssigneeID:    delegateTo,
			DelegatedFrom: from.AssigneeID,
			ResolvedAt:    now,
		},
		CreatedAt: now,
	}
	if err := s.store.AddTask(ctx, replacement); err != nil {
		return err
	}
	if st, ok := s.stageTemplateForTask(ctx, inst, from.StageID); ok {
		s.scheduleTaskTimers(ctx, st, replacement)
	}
	return nil
}

func (s *Service) stageTemplateForTask(ctx context.Context, inst *Instance, stageID string) (StageTemplate, bool) {
	tmpl, ok := s.template(inst.TemplateID)
	if !ok {
		return StageTemplate{}, false
	}
	stages, err := s.store.StagesForInstance(ctx, inst.ID)
	if err != nil {
		return StageTemplate{}, false
	}
	for _, stage := range stages {
		if stage.ID != stageID {
			continue
		}
		for _, st := range tmpl.Stages {
			if st.ID == stage.TemplateID {
				return st, true
			}
		}
	}
	return StageTemplate{}, false
}

// evaluateStage re-derives the stage status from its tasks and advances the
// instance when the quorum predicate settles.
func (s *Service) evaluateStage(ctx context.Context, inst *Instance, stageID string) error {
	stages, err := s.store.StagesForInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	var stage *Stage
	for i := range stages {
		if stages[i].ID == stageID {
			stage = &stages[i]
			break
		}
	}
	if stage == nil || stage.Status != StagePending {
		return nil
	}

	tasks, err := s.store.TasksForStage(ctx, stageID)
	if err != nil {
		return err
	}

	// delegated and expired tasks left the quorum denominator: delegation
	// replaced them, expiry mooted them
	var approved, rejected, pending int
	for _, task := range tasks {
		switch task.Status {
		case TaskApproved:
			approved++
		case TaskRejected:
			rejected++
		case TaskPending:
			pending++
		}
	}

	satisfied, unsatisfiable := quorumState(stage.Quorum, approved, rejected, pending)

	if satisfied {
		return s.completeStage(ctx, inst, stages, *stage, tasks)
	}
	if rejected > 0 && (inst.RejectPolicy == RejectStopsAll || unsatisfiable) {
		return s.rejectInstance(ctx, inst, stages, "stage "+stage.Name+" rejected")
	}
	return nil
}

// quorumState reports whether the predicate is satisfied, and whether it can
// no longer be satisfied by the remaining pending tasks.
func quorumState(q Quorum, approved, rejected, pending int) (satisfied, unsatisfiable bool) {
	switch q.Kind {
	case QuorumAll:
		total := approved + rejected + pending
		return total > 0 && approved == total, rejected > 0
	case QuorumAny:
		return approved >= 1, pending == 0 && approved == 0
	case QuorumCount:
		return approved >= q.Count, approved+pending < q.Count
	}
	return false, true
}

func (s *Service) completeStage(ctx context.Context, inst *Instance, stages []Stage, stage Stage, tasks []Task) error {
	// racing final decisions can both find the quorum satisfied; the swap
	// elects one of them to advance the instance
	swapped, err := s.store.UpdateStageStatusIfPending(ctx, stage.ID, StageApproved)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}
	s.expirePendingTasks(ctx, tasks, "stage completed")

	if next := stage.Index + 1; next < len(stages) {
		if err := s.store.SetInstanceStageIndex(ctx, inst.ID, next); err != nil {
			return err
		}
		return s.activateStage(ctx, inst, stages[next])
	}
	return s.completeInstance(ctx, inst, InstanceApproved, "")
}

func (s *Service) activateStage(ctx context.Context, inst *Instance, stage Stage) error {
	tmpl, ok := s.template(inst.TemplateID)
	if !ok {
		return lifecycle.NewError(lifecycle.ErrNotFound, "approval template not registered", map[string]any{
			"template": inst.TemplateID,
		})
	}
	var st StageTemplate
	found := false
	for _, candidate := range tmpl.Stages {
		if candidate.ID == stage.TemplateID {
			st = candidate
			found = true
			break
		}
	}
	tasks, err := s.store.TasksForStage(ctx, stage.ID)
	if err != nil {
		return err
	}
	if found {
		for _, task := range tasks {
			if task.Status == TaskPending {
				s.scheduleTaskTimers(ctx, st, task)
			}
		}
	}
	return nil
}

func (s *Service) rejectInstance(ctx context.Context, inst *Instance, stages []Stage, reason string) error {
	for _, stage := range stages {
		if stage.Status != StagePending {
			continue
		}
		tasks, err := s.store.TasksForStage(ctx, stage.ID)
		if err != nil {
			return err
		}
		s.expirePendingTasks(ctx, tasks, reason)
		status := StageRejected
		if stage.Index > inst.StageIndex {
			status = StageSkipped
		}
		if _, err := s.store.UpdateStageStatusIfPending(ctx, stage.ID, status); err != nil {
			s.logger.Error("settle stage %s: %v", stage.ID, err)
		}
	}
	return s.completeInstance(ctx, inst, InstanceRejected, reason)
}

func (s *Service) expirePendingTasks(ctx context.Context, tasks []Task, note string) {
	for _, task := range tasks {
		if task.Status != TaskPending {
			continue
		}
		if expired, ok, err := s.store.DecideTaskIfPending(ctx, task.ID, TaskExpired, "system", note); err != nil {
			s.logger.Error("expire task %s: %v", task.ID, err)
		} else if ok {
			s.cancelTaskTimers(*expired)
		}
	}
}

// completeInstance settles the instance at most once and fires the finalize
// callback. The compare-and-set on the pending status is the exactly-once
// guard: concurrent completion attempts all run this, a single one swaps.
func (s *Service) completeInstance(ctx context.Context, inst *Instance, status InstanceStatus, reason string) error {
	swapped, err := s.store.CompleteInstanceIfPending(ctx, inst.ID, status)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}

	s.publisher.Publish(lifecycle.Event{
		Topic:      lifecycle.TopicApprovalClosed,
		Tenant:     inst.Tenant,
		RecordType: inst.RecordType,
		RecordID:   inst.RecordID,
		Payload: map[string]any{
			"instance_id": inst.ID,
			"status":      string(status),
			"reason":      reason,
		},
		OccurredAt: time.Now(),
	})

	s.mu.RLock()
	finalizer := s.finalizer
	s.mu.RUnlock()
	if finalizer == nil {
		s.logger.Warn("approval %s completed with no finalizer wired", inst.ID)
		return nil
	}
	switch status {
	case InstanceApproved:
		return finalizer.FinalizeApproved(ctx, inst.RecordType, inst.RecordID, inst.Tenant, inst.ID)
	case InstanceRejected:
		return finalizer.FinalizeRejected(ctx, inst.RecordType, inst.RecordID, inst.Tenant, inst.ID, reason)
	case InstanceCancelled:
		return finalizer.FinalizeRejected(ctx, inst.RecordType, inst.RecordID, inst.Tenant, inst.ID, "approval cancelled: "+reason)
	}
	return nil
}

// ProcessReminder is the reminder timer handler. Cancellation is
// best-effort, so it re-validates task and instance state before acting.
func (s *Service) ProcessReminder(ctx context.Context, job queue.Job) error {
	task, inst, err := s.timerSubjects(ctx, job)
	if err != nil || task == nil {
		return err
	}

	if err := s.store.AppendEscalation(ctx, Escalation{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		TaskID:     task.ID,
		Kind:       "reminder",
		Note:       "reminder for " + task.AssigneeID,
		OccurredAt: time.Now(),
	}); err != nil {
		return err
	}
	s.publisher.Publish(lifecycle.Event{
		Topic:      lifecycle.TopicTaskReminded,
		Tenant:     inst.Tenant,
		RecordType: inst.RecordType,
		RecordID:   inst.RecordID,
		Payload: map[string]any{
			"instance_id": inst.ID,
			"task_id":     task.ID,
			"assignee":    task.AssigneeID,
		},
		OccurredAt: time.Now(),
	})
	return nil
}

// ProcessEscalation is the escalation timer handler. A decision that landed
// just before the fire wins: the handler no-ops unless the task is still
// pending, and the escalated-once stamp keeps redeliveries from acting twice.
func (s *Service) ProcessEscalation(ctx context.Context, job queue.Job) error {
	task, inst, err := s.timerSubjects(ctx, job)
	if err != nil || task == nil {
		return err
	}

	first, err := s.store.MarkTaskEscalatedOnce(ctx, task.ID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	if err := s.store.AppendEscalation(ctx, Escalation{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		TaskID:     task.ID,
		Kind:       "escalation",
		Note:       "SLA breached for " + task.AssigneeID,
		OccurredAt: time.Now(),
	}); err != nil {
		return err
	}
	s.publisher.Publish(lifecycle.Event{
		Topic:      lifecycle.TopicTaskEscalated,
		Tenant:     inst.Tenant,
		RecordType: inst.RecordType,
		RecordID:   inst.RecordID,
		Payload: map[string]any{
			"instance_id": inst.ID,
			"task_id":     task.ID,
			"assignee":    task.AssigneeID,
		},
		OccurredAt: time.Now(),
	})

	// the original task stays pending; the template may add one extra approver
	if st, ok := s.stageTemplateForTask(ctx, inst, task.StageID); ok && st.EscalationAssignee != nil {
		return s.addEscalationTask(ctx, inst, *task, st, *st.EscalationAssignee)
	}
	return nil
}

func (s *Service) addEscalationTask(ctx context.Context, inst *Instance, from Task, st StageTemplate, rule AssigneeRule) error {
	rc := resolveContext{tenant: inst.Tenant, requestedBy: inst.RequestedBy}
	snapshots, err := resolveRule(ctx, s.dir, rule, rc)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, snap := range snapshots {
		if snap.AssigneeID == from.AssigneeID {
			continue
		}
		snap.EscalatedFrom = from.ID
		task := Task{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			StageID:    from.StageID,
			AssigneeID: snap.AssigneeID,
			Status:     TaskPending,
			Snapshot:   snap,
			CreatedAt:  now,
		}
		if err := s.store.AddTask(ctx, task); err != nil {
			return err
		}
		s.scheduleTaskTimers(ctx, st, task)
	}
	return nil
}

// timerSubjects loads and re-validates the task/instance a timer job targets.
// A nil task means the handler should no-op.
func (s *Service) timerSubjects(ctx context.Context, job queue.Job) (*Task, *Instance, error) {
	taskID, _ := job.Payload["task_id"].(string)
	if taskID == "" {
		return nil, nil, nil
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task == nil || task.Status != TaskPending {
		return nil, nil, nil
	}
	inst, err := s.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst == nil || inst.Status != InstancePending {
		return nil, nil, nil
	}
	return task, inst, nil
}

// Cancel withdraws a pending approval (e.g. the record itself was
// withdrawn). The suspended transition is released, never finalized.
func (s *Service) Cancel(ctx context.Context, instanceID, reason string) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst == nil {
		return lifecycle.NewError(lifecycle.ErrNotFound, "approval instance not found", map[string]any{
			"instance_id": instanceID,
		})
	}
	stages, err := s.store.StagesForInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, stage := range stages {
		if stage.Status != StagePending {
			continue
		}
		tasks, terr := s.store.TasksForStage(ctx, stage.ID)
		if terr != nil {
			return terr
		}
		s.expirePendingTasks(ctx, tasks, "approval cancelled")
		if _, err := s.store.UpdateStageStatusIfPending(ctx, stage.ID, StageSkipped); err != nil {
			s.logger.Error("settle stage %s on cancel: %v", stage.ID, err)
		}
	}
	return s.completeInstance(ctx, inst, InstanceCancelled, reason)
}

// PendingTasksForUser lists a user's open tasks within a tenant.
func (s *Service) PendingTasksForUser(ctx context.Context, tenant, userID string) ([]Task, error) {
	return s.store.TasksForUser(ctx, tenant, userID, TaskPending)
}

// InstanceView aggregates an instance with its stages and tasks.
type InstanceView struct {
	Instance Instance
	Stages   []Stage
	Tasks    map[string][]Task // by stage ID
}

// View returns the full instance aggregate for transports and UIs.
func (s *Service) View(ctx context.Context, instanceID string) (*InstanceView, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "approval instance not found", map[string]any{
			"instance_id": instanceID,
		})
	}
	stages, err := s.store.StagesForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	view := &InstanceView{Instance: *inst, Stages: stages, Tasks: make(map[string][]Task, len(stages))}
	for _, stage := range stages {
		tasks, terr := s.store.TasksForStage(ctx, stage.ID)
		if terr != nil {
			return nil, terr
		}
		view.Tasks[stage.ID] = tasks
	}
	return view, nil
}
