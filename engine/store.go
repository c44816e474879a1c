package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

// Instance is the per-record state-machine cursor. One exists per
// (record type, record id, tenant); it is created exactly once and only
// mutated through accepted transitions.
type Instance struct {
	ID             string
	RecordType     string
	RecordID       string
	Tenant         string
	LifecycleID    string
	CurrentStateID string
	// Version is the optimistic-concurrency token; every committed write
	// increments it.
	Version int
	// PendingOperation and PendingApprovalID are set while a transition is
	// suspended behind an approval.
	PendingOperation  string
	PendingApprovalID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Event outcomes recorded on the instance's append-only log.
const (
	OutcomeApplied  = "applied"
	OutcomeGated    = "gated"
	OutcomeRejected = "rejected"
)

// Event is one append-only row describing a transition attempt outcome.
// Rows are immutable once written.
type Event struct {
	ID          string
	InstanceID  string
	RecordType  string
	RecordID    string
	Tenant      string
	Operation   string
	FromStateID string
	ToStateID   string
	Outcome     string
	Reason      string
	ActorID     string
	OccurredAt  time.Time
}

// InstanceStore persists lifecycle instances with optimistic locking.
type InstanceStore interface {
	// Get returns the instance or nil when absent.
	Get(ctx context.Context, recordType, recordID, tenant string) (*Instance, error)
	// Create persists a new instance, failing when one exists for the key.
	Create(ctx context.Context, inst *Instance) error
	// SaveIfVersion performs compare-and-set persistence, returning the new
	// version or a CONCURRENT_MODIFICATION error on a stale token.
	SaveIfVersion(ctx context.Context, inst *Instance, expectedVersion int) (int, error)
}

// EventStore appends and lists lifecycle event rows.
type EventStore interface {
	Append(ctx context.Context, evt Event) error
	List(ctx context.Context, recordType, recordID, tenant string) ([]Event, error)
}

func instanceKey(recordType, recordID, tenant string) string {
	return strings.ToLower(strings.TrimSpace(recordType)) + "::" + strings.TrimSpace(recordID) + "::" + strings.ToLower(strings.TrimSpace(tenant))
}

// InMemoryInstanceStore is a thread-safe in-memory instance store.
type InMemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewInMemoryInstanceStore constructs an empty store.
func NewInMemoryInstanceStore() *InMemoryInstanceStore {
	return &InMemoryInstanceStore{instances: make(map[string]*Instance)}
}

func (s *InMemoryInstanceStore) Get(_ context.Context, recordType, recordID, tenant string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[instanceKey(recordType, recordID, tenant)]
	if !ok {
		return nil, nil
	}
	return cloneInstance(inst), nil
}

func (s *InMemoryInstanceStore) Create(_ context.Context, inst *Instance) error {
	key := instanceKey(inst.RecordType, inst.RecordID, inst.Tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[key]; exists {
		return lifecycle.NewError(lifecycle.ErrDuplicateCode, "lifecycle instance already exists", map[string]any{
			"record_type": inst.RecordType,
			"record_id":   inst.RecordID,
		})
	}
	s.instances[key] = cloneInstance(inst)
	return nil
}

func (s *InMemoryInstanceStore) SaveIfVersion(_ context.Context, inst *Instance, expectedVersion int) (int, error) {
	key := instanceKey(inst.RecordType, inst.RecordID, inst.Tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[key]
	if !ok {
		return 0, lifecycle.NewError(lifecycle.ErrNotFound, "lifecycle instance not found", map[string]any{
			"record_type": inst.RecordType,
			"record_id":   inst.RecordID,
		})
	}
	if current.Version != expectedVersion {
		return 0, lifecycle.NewError(lifecycle.ErrConcurrentModification, "stale instance version", map[string]any{
			"expected": expectedVersion,
			"actual":   current.Version,
		})
	}
	next := cloneInstance(inst)
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now()
	s.instances[key] = next
	return next.Version, nil
}

func cloneInstance(inst *Instance) *Instance {
	cp := *inst
	return &cp
}

// InMemoryEventStore is a thread-safe append-only event log.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewInMemoryEventStore constructs an empty log.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{}
}

func (s *InMemoryEventStore) Append(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *InMemoryEventStore) List(_ context.Context, recordType, recordID, tenant string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, evt := range s.events {
		if strings.EqualFold(evt.RecordType, recordType) && evt.RecordID == recordID && strings.EqualFold(evt.Tenant, tenant) {
			out = append(out, evt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}
