package lifecycle

import "time"

// Event topics published on the bus. Subscribers (audit, cache invalidation,
// UI hints) key off these; delivery is best-effort.
const (
	TopicInstanceCreated = "lifecycle.created"
	TopicTransitioned    = "lifecycle.transitioned"
	TopicDenied          = "lifecycle.denied"
	TopicApprovalCreated = "approval.created"
	TopicApprovalDecided = "approval.decision"
	TopicApprovalClosed  = "approval.completed"
	TopicTaskReminded    = "approval.task.reminded"
	TopicTaskEscalated   = "approval.task.escalated"
)

// Event is the envelope published on the bus for lifecycle and approval
// activity.
type Event struct {
	Topic      string
	Tenant     string
	RecordType string
	RecordID   string
	Payload    map[string]any
	OccurredAt time.Time
}

// Publisher is the fire-and-forget event sink components publish to.
type Publisher interface {
	Publish(evt Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
