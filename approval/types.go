// Package approval implements the multi-stage, time-boxed human approval
// workflow transitions can suspend behind. It owns approval instances, stages
// and tasks, snapshots assignee resolution at creation time, schedules
// reminder and escalation timers through the job queue, and reports
// completion back to the lifecycle manager exactly once.
package approval

import (
	"strings"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"gopkg.in/yaml.v3"
)

// QuorumKind selects the stage-completion predicate.
type QuorumKind string

const (
	QuorumAll   QuorumKind = "all"
	QuorumAny   QuorumKind = "any"
	QuorumCount QuorumKind = "count"
)

// Quorum is the predicate over a stage's task outcomes.
type Quorum struct {
	Kind  QuorumKind `json:"kind" yaml:"kind"`
	Count int        `json:"count,omitempty" yaml:"count,omitempty"`
}

// Validate checks the quorum shape.
func (q Quorum) Validate() error {
	switch q.Kind {
	case QuorumAll, QuorumAny:
		return nil
	case QuorumCount:
		if q.Count <= 0 {
			return lifecycle.NewError(lifecycle.ErrValidation, "count quorum requires a positive count", nil)
		}
		return nil
	}
	return lifecycle.NewError(lifecycle.ErrValidation, "unknown quorum kind", map[string]any{"kind": string(q.Kind)})
}

// RejectPolicy controls what a single rejection does to the instance.
type RejectPolicy string

const (
	// RejectStopsAll terminates the instance on the first rejection.
	RejectStopsAll RejectPolicy = "reject_stops_all"
	// RejectContinues lets a stage absorb rejections while its quorum is
	// still satisfiable.
	RejectContinues RejectPolicy = "reject_continues"
)

// RuleKind is the closed set of assignee-resolution variants.
type RuleKind string

const (
	RuleRole       RuleKind = "role"
	RuleUser       RuleKind = "user"
	RuleGroup      RuleKind = "group"
	RuleHierarchy  RuleKind = "hierarchy"
	RuleExpression RuleKind = "expression"
)

// AssigneeRule is one tagged resolution rule. Exactly the fields for its
// kind are consulted.
type AssigneeRule struct {
	Kind  RuleKind `json:"kind" yaml:"kind"`
	Role  string   `json:"role,omitempty" yaml:"role,omitempty"`
	Users []string `json:"users,omitempty" yaml:"users,omitempty"`
	Group string   `json:"group,omitempty" yaml:"group,omitempty"`
	// Levels walks the reporting hierarchy above the requester (default 1).
	Levels     int    `json:"levels,omitempty" yaml:"levels,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Validate checks the rule carries the fields its kind needs.
func (r AssigneeRule) Validate() error {
	switch r.Kind {
	case RuleRole:
		if strings.TrimSpace(r.Role) == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "role rule requires a role", nil)
		}
	case RuleUser:
		if len(r.Users) == 0 {
			return lifecycle.NewError(lifecycle.ErrValidation, "user rule requires at least one user", nil)
		}
	case RuleGroup:
		if strings.TrimSpace(r.Group) == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "group rule requires a group", nil)
		}
	case RuleHierarchy:
		if r.Levels < 0 {
			return lifecycle.NewError(lifecycle.ErrValidation, "hierarchy rule levels cannot be negative", nil)
		}
	case RuleExpression:
		if strings.TrimSpace(r.Expression) == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "expression rule requires an expression", nil)
		}
	default:
		return lifecycle.NewError(lifecycle.ErrValidation, "unknown assignee rule kind", map[string]any{"kind": string(r.Kind)})
	}
	return nil
}

// describe renders the rule for assignment snapshots.
func (r AssigneeRule) describe() string {
	switch r.Kind {
	case RuleRole:
		return "role:" + r.Role
	case RuleUser:
		return "user:" + strings.Join(r.Users, ",")
	case RuleGroup:
		return "group:" + r.Group
	case RuleHierarchy:
		levels := r.Levels
		if levels <= 0 {
			levels = 1
		}
		return "hierarchy:" + strings.Repeat("manager.", levels-1) + "manager"
	case RuleExpression:
		return "expression:" + r.Expression
	}
	return string(r.Kind)
}

// Duration is a yaml/json-friendly time.Duration ("48h", "15m").
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "invalid duration "+raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StageTemplate is one ordered approval stage definition.
type StageTemplate struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	Quorum    Quorum         `json:"quorum" yaml:"quorum"`
	Assignees []AssigneeRule `json:"assignees" yaml:"assignees"`
	// RemindAfter and EscalateAfter are SLA timers from stage activation.
	// Zero disables the timer.
	RemindAfter   Duration `json:"remind_after,omitempty" yaml:"remind_after,omitempty"`
	EscalateAfter Duration `json:"escalate_after,omitempty" yaml:"escalate_after,omitempty"`
	// EscalationAssignee optionally adds one extra approver when a task
	// breaches its escalation SLA.
	EscalationAssignee *AssigneeRule `json:"escalation_assignee,omitempty" yaml:"escalation_assignee,omitempty"`
}

// Template is a named multi-stage approval workflow definition.
type Template struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name,omitempty" yaml:"name,omitempty"`
	RejectPolicy RejectPolicy    `json:"reject_policy,omitempty" yaml:"reject_policy,omitempty"`
	Stages       []StageTemplate `json:"stages" yaml:"stages"`
}

// Validate checks template shape: at least one stage, valid quorums and
// rules, unique stage IDs.
func (t Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return lifecycle.NewError(lifecycle.ErrValidation, "approval template requires an id", nil)
	}
	if len(t.Stages) == 0 {
		return lifecycle.NewError(lifecycle.ErrValidation, "approval template requires stages", map[string]any{"template": t.ID})
	}
	switch t.RejectPolicy {
	case "", RejectStopsAll, RejectContinues:
	default:
		return lifecycle.NewError(lifecycle.ErrValidation, "unknown reject policy", map[string]any{
			"template": t.ID,
			"policy":   string(t.RejectPolicy),
		})
	}
	seen := make(map[string]bool, len(t.Stages))
	for _, stage := range t.Stages {
		if strings.TrimSpace(stage.ID) == "" {
			return lifecycle.NewError(lifecycle.ErrValidation, "stage requires an id", map[string]any{"template": t.ID})
		}
		if seen[stage.ID] {
			return lifecycle.NewError(lifecycle.ErrDuplicateCode, "duplicate stage id", map[string]any{
				"template": t.ID,
				"stage":    stage.ID,
			})
		}
		seen[stage.ID] = true
		if err := stage.Quorum.Validate(); err != nil {
			return err
		}
		if len(stage.Assignees) == 0 {
			return lifecycle.NewError(lifecycle.ErrValidation, "stage requires at least one assignee rule", map[string]any{
				"template": t.ID,
				"stage":    stage.ID,
			})
		}
		for _, rule := range stage.Assignees {
			if err := rule.Validate(); err != nil {
				return err
			}
		}
		if stage.EscalationAssignee != nil {
			if err := stage.EscalationAssignee.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// rejectPolicy returns the effective policy, defaulting to stop-all.
func (t Template) rejectPolicy() RejectPolicy {
	if t.RejectPolicy == RejectContinues {
		return RejectContinues
	}
	return RejectStopsAll
}

// InstanceStatus is the overall approval outcome.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceApproved  InstanceStatus = "approved"
	InstanceRejected  InstanceStatus = "rejected"
	InstanceCancelled InstanceStatus = "cancelled"
)

// StageStatus is derived from the stage's tasks.
type StageStatus string

const (
	StagePending  StageStatus = "pending"
	StageApproved StageStatus = "approved"
	StageRejected StageStatus = "rejected"
	StageSkipped  StageStatus = "skipped"
)

// TaskStatus is one assignee's task state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskApproved  TaskStatus = "approved"
	TaskRejected  TaskStatus = "rejected"
	TaskDelegated TaskStatus = "delegated"
	TaskExpired   TaskStatus = "expired"
)

// AssignmentSnapshot records why a user was assigned, captured at task
// creation and never re-resolved: org changes mid-approval cannot alter it.
type AssignmentSnapshot struct {
	ID            string
	RuleKind      RuleKind
	RuleDetail    string
	AssigneeID    string
	DelegatedFrom string
	EscalatedFrom string
	ResolvedAt    time.Time
}

// Instance is one in-flight (or completed) approval.
type Instance struct {
	ID           string
	TemplateID   string
	RecordType   string
	RecordID     string
	Tenant       string
	Operation    string
	RequestedBy  string
	Status       InstanceStatus
	RejectPolicy RejectPolicy
	// StageIndex is the currently active stage while pending.
	StageIndex  int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Stage is one ordered instance stage.
type Stage struct {
	ID         string
	InstanceID string
	TemplateID string // stage template id
	Name       string
	Index      int
	Quorum     Quorum
	Status     StageStatus
}

// Task is one assignee's unit of work within a stage.
type Task struct {
	ID              string
	InstanceID      string
	StageID         string
	AssigneeID      string
	Status          TaskStatus
	Snapshot        AssignmentSnapshot
	Comment         string
	DecidedBy       string
	DecidedAt       *time.Time
	EscalatedAt     *time.Time
	ReminderJobID   string
	EscalationJobID string
	CreatedAt       time.Time
}

// Escalation is an audit-style append row for timer firings.
type Escalation struct {
	ID         string
	InstanceID string
	TaskID     string
	Kind       string // "reminder" | "escalation"
	Note       string
	OccurredAt time.Time
}

// DecisionAction is what an approver may do with a task.
type DecisionAction string

const (
	ActionApprove  DecisionAction = "approve"
	ActionReject   DecisionAction = "reject"
	ActionDelegate DecisionAction = "delegate"
)

// DecisionEvent is an append row per recorded decision.
type DecisionEvent struct {
	ID         string
	InstanceID string
	TaskID     string
	ActorID    string
	Action     DecisionAction
	Comment    string
	OccurredAt time.Time
}

// DecisionRequest asks to record one decision on one task.
type DecisionRequest struct {
	TaskID     string
	ActorID    string
	Action     DecisionAction
	Comment    string
	DelegateTo string
}
