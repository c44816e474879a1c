package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/policy"
	"github.com/goliatone/go-lifecycle/route"
	"github.com/google/uuid"
)

// TransitionStatus is the data-level outcome of a transition request.
type TransitionStatus string

const (
	StatusApplied TransitionStatus = "applied"
	StatusDenied  TransitionStatus = "denied"
	StatusPending TransitionStatus = "pending"
)

// TransitionRequest asks for one operation against one record's instance.
type TransitionRequest struct {
	RecordType string
	RecordID   string
	Operation  string
	ExecCtx    lifecycle.ExecutionContext
	// Record is the current record field view used by policy conditions.
	Record map[string]any
	// ExpectedVersion optionally pins the instance version; a stale token
	// fails with CONCURRENT_MODIFICATION. Zero skips the check.
	ExpectedVersion int
}

// TransitionResult is the transition outcome. Denied and pending are
// first-class values, not errors.
type TransitionResult struct {
	Status             TransitionStatus
	FromStateID        string
	ToStateID          string
	Reason             string
	Decision           *policy.Decision
	ApprovalInstanceID string
	Version            int
}

// TransitionOption annotates one edge for UI affordance listings.
type TransitionOption struct {
	Operation        string
	ToStateID        string
	Allowed          bool
	Reason           string
	RequiresApproval bool
	ApprovalPending  bool
}

// ApprovalRequest is what the engine hands the approval service when an edge
// requires approval.
type ApprovalRequest struct {
	TemplateID  string
	RecordType  string
	RecordID    string
	Tenant      string
	Operation   string
	RequestedBy string
	Record      map[string]any
}

// ApprovalStarter is the approval-service boundary the engine consumes.
// StartApproval must be idempotent per (record type, record id): a second
// call while an instance is active returns the active instance ID.
type ApprovalStarter interface {
	StartApproval(ctx context.Context, req ApprovalRequest) (string, error)
}

// RecordStore is the external record-persistence collaborator. The engine
// only touches it from the finalize step.
type RecordStore interface {
	GetByID(ctx context.Context, recordType, recordID string) (map[string]any, error)
	Update(ctx context.Context, recordType, recordID string, patch map[string]any) error
}

// Manager orchestrates lifecycle instances.
type Manager struct {
	mu          sync.RWMutex
	definitions map[string]*compiledDefinition

	resolver  *route.Resolver
	gate      *policy.Gate
	instances InstanceStore
	events    EventStore
	approvals ApprovalStarter
	records   RecordStore
	publisher lifecycle.Publisher
	logger    lifecycle.Logger
}

// Option customizes manager construction.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger lifecycle.Logger) Option {
	return func(m *Manager) {
		m.logger = lifecycle.NormalizeLogger(logger)
	}
}

// WithPublisher sets the event bus sink.
func WithPublisher(pub lifecycle.Publisher) Option {
	return func(m *Manager) {
		if pub != nil {
			m.publisher = pub
		}
	}
}

// WithInstanceStore overrides the default in-memory instance store.
func WithInstanceStore(store InstanceStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.instances = store
		}
	}
}

// WithEventStore overrides the default in-memory event store.
func WithEventStore(store EventStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.events = store
		}
	}
}

// WithRecordStore wires the external record persistence collaborator.
func WithRecordStore(store RecordStore) Option {
	return func(m *Manager) {
		m.records = store
	}
}

// NewManager constructs a manager over the given resolver and policy gate.
func NewManager(resolver *route.Resolver, gate *policy.Gate, opts ...Option) *Manager {
	m := &Manager{
		definitions: make(map[string]*compiledDefinition),
		resolver:    resolver,
		gate:        gate,
		instances:   NewInMemoryInstanceStore(),
		events:      NewInMemoryEventStore(),
		publisher:   lifecycle.NopPublisher{},
		logger:      lifecycle.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SetApprovalService wires the approval collaborator. Separate from
// construction because the approval service needs the manager as its
// finalizer.
func (m *Manager) SetApprovalService(starter ApprovalStarter) {
	m.mu.Lock()
	m.approvals = starter
	m.mu.Unlock()
}

// RegisterDefinition compiles and installs (or replaces) a lifecycle
// definition.
func (m *Manager) RegisterDefinition(def Definition) error {
	cd, err := compileDefinition(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.definitions[def.ID] = cd
	m.mu.Unlock()
	return nil
}

func (m *Manager) definition(id string) (*compiledDefinition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cd, ok := m.definitions[id]
	return cd, ok
}

// CreateInstance creates the instance at the lifecycle's initial state.
// Records no route governs return (nil, nil). A second create for the same
// key fails.
func (m *Manager) CreateInstance(ctx context.Context, recordType, recordID string, execCtx lifecycle.ExecutionContext, record map[string]any) (*Instance, error) {
	lifecycleID := m.resolver.ResolveLifecycle(ctx, recordType, execCtx, record)
	if lifecycleID == "" {
		return nil, nil
	}
	cd, ok := m.definition(lifecycleID)
	if !ok {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "lifecycle definition not registered", map[string]any{
			"lifecycle": lifecycleID,
		})
	}

	now := time.Now()
	inst := &Instance{
		ID:             uuid.NewString(),
		RecordType:     recordType,
		RecordID:       recordID,
		Tenant:         execCtx.Tenant,
		LifecycleID:    lifecycleID,
		CurrentStateID: cd.initial,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.instances.Create(ctx, inst); err != nil {
		return nil, err
	}

	m.publisher.Publish(lifecycle.Event{
		Topic:      lifecycle.TopicInstanceCreated,
		Tenant:     execCtx.Tenant,
		RecordType: recordType,
		RecordID:   recordID,
		Payload: map[string]any{
			"instance_id": inst.ID,
			"lifecycle":   lifecycleID,
			"state":       cd.initial,
		},
		OccurredAt: now,
	})
	return inst, nil
}

// gateCheck is the shared validation path: load, terminal, edge, policy,
// approval requirement. It never mutates.
func (m *Manager) gateCheck(ctx context.Context, req TransitionRequest) (*Instance, *compiledDefinition, Transition, TransitionResult, error) {
	var none Transition

	inst, err := m.instances.Get(ctx, req.RecordType, req.RecordID, req.ExecCtx.Tenant)
	if err != nil {
		return nil, nil, none, TransitionResult{}, err
	}
	if inst == nil {
		return nil, nil, none, TransitionResult{}, lifecycle.NewError(lifecycle.ErrNotFound, "lifecycle instance not found", map[string]any{
			"record_type": req.RecordType,
			"record_id":   req.RecordID,
		})
	}

	cd, ok := m.definition(inst.LifecycleID)
	if !ok {
		return nil, nil, none, TransitionResult{}, lifecycle.NewError(lifecycle.ErrNotFound, "lifecycle definition not registered", map[string]any{
			"lifecycle": inst.LifecycleID,
		})
	}

	// Terminal dominates everything else: a parked instance always answers
	// TERMINAL_STATE, whether or not an edge would match.
	if state, ok := cd.states[inst.CurrentStateID]; ok && state.Terminal {
		return nil, nil, none, TransitionResult{}, lifecycle.NewError(lifecycle.ErrTerminalState, "instance is in terminal state "+inst.CurrentStateID, map[string]any{
			"state": inst.CurrentStateID,
		})
	}

	edge, ok := cd.edge(inst.CurrentStateID, req.Operation)
	if !ok {
		return nil, nil, none, TransitionResult{}, lifecycle.NewError(lifecycle.ErrTransitionNotFound, "no transition for operation "+req.Operation+" from state "+inst.CurrentStateID, map[string]any{
			"operation": req.Operation,
			"state":     inst.CurrentStateID,
		})
	}

	if req.ExpectedVersion > 0 && req.ExpectedVersion != inst.Version {
		return nil, nil, none, TransitionResult{}, lifecycle.NewError(lifecycle.ErrConcurrentModification, "stale instance version", map[string]any{
			"expected": req.ExpectedVersion,
			"actual":   inst.Version,
		})
	}

	if edge.RequiredPolicyAction != "" {
		decision := m.gate.Authorize(ctx, edge.RequiredPolicyAction, req.RecordType, req.ExecCtx, req.Record)
		if !decision.Allowed {
			result := TransitionResult{
				Status:      StatusDenied,
				FromStateID: inst.CurrentStateID,
				Reason:      "policy action " + edge.RequiredPolicyAction + " denied: " + decision.Reason,
				Decision:    &decision,
				Version:     inst.Version,
			}
			return inst, cd, edge, result, nil
		}
	}

	if inst.PendingApprovalID != "" {
		if strings.EqualFold(inst.PendingOperation, req.Operation) {
			result := TransitionResult{
				Status:             StatusPending,
				FromStateID:        inst.CurrentStateID,
				ToStateID:          edge.To,
				Reason:             "approval pending for operation " + inst.PendingOperation,
				ApprovalInstanceID: inst.PendingApprovalID,
				Version:            inst.Version,
			}
			return inst, cd, edge, result, nil
		}
		return nil, nil, none, TransitionResult{}, lifecycle.NewError(lifecycle.ErrGateNotMet, "approval already pending for operation "+inst.PendingOperation, map[string]any{
			"pending_operation": inst.PendingOperation,
			"approval_id":       inst.PendingApprovalID,
		})
	}

	if edge.ApprovalTemplateID != "" {
		result := TransitionResult{
			Status:      StatusPending,
			FromStateID: inst.CurrentStateID,
			ToStateID:   edge.To,
			Reason:      "operation " + req.Operation + " requires approval",
			Version:     inst.Version,
		}
		return inst, cd, edge, result, nil
	}

	result := TransitionResult{
		Status:      StatusApplied,
		FromStateID: inst.CurrentStateID,
		ToStateID:   edge.To,
		Version:     inst.Version,
	}
	return inst, cd, edge, result, nil
}

// CanTransition runs the full validation path without mutating anything.
func (m *Manager) CanTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	_, _, _, result, err := m.gateCheck(ctx, req)
	return result, err
}

// Transition attempts the operation, committing the state change when every
// gate passes immediately or suspending behind an approval instance.
func (m *Manager) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	inst, _, edge, result, err := m.gateCheck(ctx, req)
	if err != nil {
		return TransitionResult{}, err
	}

	switch result.Status {
	case StatusDenied:
		m.publisher.Publish(lifecycle.Event{
			Topic:      lifecycle.TopicDenied,
			Tenant:     req.ExecCtx.Tenant,
			RecordType: req.RecordType,
			RecordID:   req.RecordID,
			Payload: map[string]any{
				"operation": req.Operation,
				"reason":    result.Reason,
				"actor":     req.ExecCtx.ActorID,
			},
			OccurredAt: time.Now(),
		})
		return result, nil

	case StatusPending:
		if result.ApprovalInstanceID != "" {
			// already suspended for this operation, reuse
			return result, nil
		}
		return m.suspendForApproval(ctx, inst, edge, req, result)
	}

	version, err := m.apply(ctx, inst, edge, req.ExecCtx, req.Operation, "")
	if err != nil {
		return TransitionResult{}, err
	}
	result.Version = version
	return result, nil
}

func (m *Manager) suspendForApproval(ctx context.Context, inst *Instance, edge Transition, req TransitionRequest, result TransitionResult) (TransitionResult, error) {
	m.mu.RLock()
	approvals := m.approvals
	m.mu.RUnlock()
	if approvals == nil {
		return TransitionResult{}, apperrors.New("approval service not configured", apperrors.CategoryExternal).
			WithTextCode("APPROVAL_SERVICE_UNAVAILABLE")
	}

	approvalID, err := approvals.StartApproval(ctx, ApprovalRequest{
		TemplateID:  edge.ApprovalTemplateID,
		RecordType:  req.RecordType,
		RecordID:    req.RecordID,
		Tenant:      req.ExecCtx.Tenant,
		Operation:   req.Operation,
		RequestedBy: req.ExecCtx.ActorID,
		Record:      req.Record,
	})
	if err != nil {
		return TransitionResult{}, err
	}

	pending := cloneInstance(inst)
	pending.PendingOperation = req.Operation
	pending.PendingApprovalID = approvalID
	version, err := m.instances.SaveIfVersion(ctx, pending, inst.Version)
	if err != nil {
		return TransitionResult{}, err
	}

	if err := m.events.Append(ctx, Event{
		ID:          uuid.NewString(),
		InstanceID:  inst.ID,
		RecordType:  inst.RecordType,
		RecordID:    inst.RecordID,
		Tenant:      inst.Tenant,
		Operation:   req.Operation,
		FromStateID: inst.CurrentStateID,
		ToStateID:   edge.To,
		Outcome:     OutcomeGated,
		Reason:      "suspended behind approval " + approvalID,
		ActorID:     req.ExecCtx.ActorID,
		OccurredAt:  time.Now(),
	}); err != nil {
		m.logger.Error("append gated event for %s/%s: %v", inst.RecordType, inst.RecordID, err)
	}

	result.ApprovalInstanceID = approvalID
	result.Version = version
	return result, nil
}

// apply commits a validated transition: CAS the cursor, append the event row,
// patch the record collaborator, publish.
func (m *Manager) apply(ctx context.Context, inst *Instance, edge Transition, execCtx lifecycle.ExecutionContext, operation, approvalID string) (int, error) {
	next := cloneInstance(inst)
	from := next.CurrentStateID
	next.CurrentStateID = edge.To
	next.PendingOperation = ""
	next.PendingApprovalID = ""

	version, err := m.instances.SaveIfVersion(ctx, next, inst.Version)
	if err != nil {
		return 0, err
	}

	reason := ""
	if approvalID != "" {
		reason = "finalized by approval " + approvalID
	}
	if err := m.events.Append(ctx, Event{
		ID:          uuid.NewString(),
		InstanceID:  inst.ID,
		RecordType:  inst.RecordType,
		RecordID:    inst.RecordID,
		Tenant:      inst.Tenant,
		Operation:   operation,
		FromStateID: from,
		ToStateID:   edge.To,
		Outcome:     OutcomeApplied,
		Reason:      reason,
		ActorID:     execCtx.ActorID,
		OccurredAt:  time.Now(),
	}); err != nil {
		m.logger.Error("append applied event for %s/%s: %v", inst.RecordType, inst.RecordID, err)
	}

	if m.records != nil {
		if err := m.records.Update(ctx, inst.RecordType, inst.RecordID, map[string]any{
			"lifecycle_state_id": edge.To,
		}); err != nil {
			return 0, apperrors.Wrap(err, apperrors.CategoryExternal, "record update after transition").
				WithMetadata(map[string]any{
					"record_type": inst.RecordType,
					"record_id":   inst.RecordID,
					"state":       edge.To,
				})
		}
	}

	m.publisher.Publish(lifecycle.Event{
		Topic:      lifecycle.TopicTransitioned,
		Tenant:     inst.Tenant,
		RecordType: inst.RecordType,
		RecordID:   inst.RecordID,
		Payload: map[string]any{
			"instance_id": inst.ID,
			"operation":   operation,
			"from":        from,
			"to":          edge.To,
			"version":     version,
			"approval_id": approvalID,
			"actor":       execCtx.ActorID,
		},
		OccurredAt: time.Now(),
	})
	return version, nil
}

// finalizeRetries bounds the CAS retry loop on the approval callback path.
const finalizeRetries = 3

// FinalizeApproved commits the transition suspended behind the approval.
// Idempotent: once the pending marker is cleared further calls no-op, so
// racing completion triggers commit exactly once.
func (m *Manager) FinalizeApproved(ctx context.Context, recordType, recordID, tenant, approvalID string) error {
	for attempt := 0; attempt < finalizeRetries; attempt++ {
		inst, err := m.instances.Get(ctx, recordType, recordID, tenant)
		if err != nil {
			return err
		}
		if inst == nil {
			return lifecycle.NewError(lifecycle.ErrNotFound, "lifecycle instance not found", map[string]any{
				"record_type": recordType,
				"record_id":   recordID,
			})
		}
		if inst.PendingApprovalID != approvalID {
			return nil
		}

		cd, ok := m.definition(inst.LifecycleID)
		if !ok {
			return lifecycle.NewError(lifecycle.ErrNotFound, "lifecycle definition not registered", map[string]any{
				"lifecycle": inst.LifecycleID,
			})
		}
		edge, ok := cd.edge(inst.CurrentStateID, inst.PendingOperation)
		if !ok {
			return lifecycle.NewError(lifecycle.ErrTransitionNotFound, "pending transition no longer exists", map[string]any{
				"operation": inst.PendingOperation,
				"state":     inst.CurrentStateID,
			})
		}

		_, err = m.apply(ctx, inst, edge, lifecycle.ExecutionContext{Tenant: tenant}, inst.PendingOperation, approvalID)
		if err == nil {
			return nil
		}
		if !lifecycle.IsCode(err, lifecycle.ErrCodeConcurrentModification) {
			return err
		}
	}
	return lifecycle.NewError(lifecycle.ErrConcurrentModification, "finalize lost the version race repeatedly", map[string]any{
		"approval_id": approvalID,
	})
}

// FinalizeRejected releases the suspended transition without a state change.
// Idempotent like FinalizeApproved.
func (m *Manager) FinalizeRejected(ctx context.Context, recordType, recordID, tenant, approvalID, reason string) error {
	for attempt := 0; attempt < finalizeRetries; attempt++ {
		inst, err := m.instances.Get(ctx, recordType, recordID, tenant)
		if err != nil {
			return err
		}
		if inst == nil || inst.PendingApprovalID != approvalID {
			return nil
		}

		operation := inst.PendingOperation
		next := cloneInstance(inst)
		next.PendingOperation = ""
		next.PendingApprovalID = ""
		if _, err = m.instances.SaveIfVersion(ctx, next, inst.Version); err != nil {
			if lifecycle.IsCode(err, lifecycle.ErrCodeConcurrentModification) {
				continue
			}
			return err
		}

		if err := m.events.Append(ctx, Event{
			ID:          uuid.NewString(),
			InstanceID:  inst.ID,
			RecordType:  inst.RecordType,
			RecordID:    inst.RecordID,
			Tenant:      inst.Tenant,
			Operation:   operation,
			FromStateID: inst.CurrentStateID,
			ToStateID:   inst.CurrentStateID,
			Outcome:     OutcomeRejected,
			Reason:      reason,
			OccurredAt:  time.Now(),
		}); err != nil {
			m.logger.Error("append rejected event for %s/%s: %v", inst.RecordType, inst.RecordID, err)
		}

		m.publisher.Publish(lifecycle.Event{
			Topic:      lifecycle.TopicDenied,
			Tenant:     tenant,
			RecordType: recordType,
			RecordID:   recordID,
			Payload: map[string]any{
				"operation":   operation,
				"approval_id": approvalID,
				"reason":      reason,
			},
			OccurredAt: time.Now(),
		})
		return nil
	}
	return lifecycle.NewError(lifecycle.ErrConcurrentModification, "reject release lost the version race repeatedly", map[string]any{
		"approval_id": approvalID,
	})
}

// AvailableTransitions enumerates every edge leaving the current state,
// annotated with authorization and approval flags. Denial is data here,
// never an error.
func (m *Manager) AvailableTransitions(ctx context.Context, recordType, recordID string, execCtx lifecycle.ExecutionContext, record map[string]any) ([]TransitionOption, error) {
	inst, err := m.instances.Get(ctx, recordType, recordID, execCtx.Tenant)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "lifecycle instance not found", map[string]any{
			"record_type": recordType,
			"record_id":   recordID,
		})
	}
	cd, ok := m.definition(inst.LifecycleID)
	if !ok {
		return nil, lifecycle.NewError(lifecycle.ErrNotFound, "lifecycle definition not registered", map[string]any{
			"lifecycle": inst.LifecycleID,
		})
	}
	if state, ok := cd.states[inst.CurrentStateID]; ok && state.Terminal {
		return []TransitionOption{}, nil
	}

	edges := cd.edgesFrom(inst.CurrentStateID)

	// batch the policy checks so each resource compiles once
	var checks []policy.Check
	for _, edge := range edges {
		if edge.RequiredPolicyAction != "" {
			checks = append(checks, policy.Check{Action: edge.RequiredPolicyAction, Resource: recordType})
		}
	}
	decisions := m.gate.AuthorizeMany(ctx, checks, execCtx, record)

	options := make([]TransitionOption, 0, len(edges))
	for _, edge := range edges {
		opt := TransitionOption{
			Operation:        edge.Operation,
			ToStateID:        edge.To,
			Allowed:          true,
			RequiresApproval: edge.ApprovalTemplateID != "",
		}
		if edge.RequiredPolicyAction != "" {
			decision := decisions[policy.Check{Action: edge.RequiredPolicyAction, Resource: recordType}.Key()]
			opt.Allowed = decision.Allowed
			opt.Reason = decision.Reason
		}
		if inst.PendingApprovalID != "" {
			if strings.EqualFold(inst.PendingOperation, edge.Operation) {
				opt.ApprovalPending = true
			} else {
				opt.Allowed = false
				opt.Reason = "approval already pending for operation " + inst.PendingOperation
			}
		}
		options = append(options, opt)
	}
	return options, nil
}

// EnforceTerminalState is the guard the record-write path calls before any
// field mutation. Ungoverned records pass.
func (m *Manager) EnforceTerminalState(ctx context.Context, recordType, recordID, tenant string) error {
	inst, err := m.instances.Get(ctx, recordType, recordID, tenant)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	cd, ok := m.definition(inst.LifecycleID)
	if !ok {
		return nil
	}
	if state, ok := cd.states[inst.CurrentStateID]; ok && state.Terminal {
		return lifecycle.NewError(lifecycle.ErrTerminalState, "record is locked in terminal state "+inst.CurrentStateID, map[string]any{
			"record_type": recordType,
			"record_id":   recordID,
			"state":       inst.CurrentStateID,
		})
	}
	return nil
}

// Instance returns the current instance cursor, or nil when ungoverned.
func (m *Manager) Instance(ctx context.Context, recordType, recordID, tenant string) (*Instance, error) {
	return m.instances.Get(ctx, recordType, recordID, tenant)
}

// History returns the append-only event rows for a record, oldest first.
func (m *Manager) History(ctx context.Context, recordType, recordID, tenant string) ([]Event, error) {
	return m.events.List(ctx, recordType, recordID, tenant)
}
