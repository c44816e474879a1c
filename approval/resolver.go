package approval

import (
	"context"
	"strings"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/google/uuid"
)

// Directory is the external approver-resolution collaborator. Pure reads,
// no side effects.
type Directory interface {
	UsersWithRole(ctx context.Context, tenant, role string) ([]string, error)
	UsersInGroup(ctx context.Context, tenant, group string) ([]string, error)
	// ManagerOf returns the reporting manager, or "" at the top of the chain.
	ManagerOf(ctx context.Context, tenant, userID string) (string, error)
	// ResolveExpression evaluates an expression-based rule against the record.
	ResolveExpression(ctx context.Context, tenant, expression string, record map[string]any) ([]string, error)
}

// resolveContext carries what assignee resolution needs per instance.
type resolveContext struct {
	tenant      string
	requestedBy string
	record      map[string]any
}

// resolveRule dispatches on the rule variant and returns one snapshot per
// resolved, deduplicated assignee.
func resolveRule(ctx context.Context, dir Directory, rule AssigneeRule, rc resolveContext) ([]AssignmentSnapshot, error) {
	var users []string
	var err error

	switch rule.Kind {
	case RuleRole:
		users, err = dir.UsersWithRole(ctx, rc.tenant, rule.Role)
	case RuleUser:
		users = rule.Users
	case RuleGroup:
		users, err = dir.UsersInGroup(ctx, rc.tenant, rule.Group)
	case RuleHierarchy:
		users, err = resolveHierarchy(ctx, dir, rc.tenant, rc.requestedBy, rule.Levels)
	case RuleExpression:
		users, err = dir.ResolveExpression(ctx, rc.tenant, rule.Expression, rc.record)
	default:
		return nil, lifecycle.NewError(lifecycle.ErrValidation, "unknown assignee rule kind", map[string]any{
			"kind": string(rule.Kind),
		})
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	seen := make(map[string]bool, len(users))
	snapshots := make([]AssignmentSnapshot, 0, len(users))
	for _, user := range users {
		user = strings.TrimSpace(user)
		if user == "" || seen[user] {
			continue
		}
		seen[user] = true
		snapshots = append(snapshots, AssignmentSnapshot{
			ID:         uuid.NewString(),
			RuleKind:   rule.Kind,
			RuleDetail: rule.describe(),
			AssigneeID: user,
			ResolvedAt: now,
		})
	}
	return snapshots, nil
}

// resolveHierarchy walks the reporting chain above the requester. A chain
// shorter than levels resolves to its top.
func resolveHierarchy(ctx context.Context, dir Directory, tenant, requestedBy string, levels int) ([]string, error) {
	if levels <= 0 {
		levels = 1
	}
	current := requestedBy
	for i := 0; i < levels; i++ {
		manager, err := dir.ManagerOf(ctx, tenant, current)
		if err != nil {
			return nil, err
		}
		if manager == "" {
			break
		}
		current = manager
	}
	if current == "" || current == requestedBy {
		return nil, nil
	}
	return []string{current}, nil
}
