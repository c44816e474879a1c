package approval

import (
	"context"
	"testing"
)

func TestResolveRule(t *testing.T) {
	dir := &stubDirectory{
		roles:    map[string][]string{"approver": {"u1", "u2", " u1 ", ""}},
		groups:   map[string][]string{"audit": {"a1", "a2"}},
		managers: map[string]string{"author": "boss", "boss": "vp"},
	}
	rc := resolveContext{tenant: "acme", requestedBy: "author"}
	ctx := context.Background()

	t.Run("role dedups and trims", func(t *testing.T) {
		snaps, err := resolveRule(ctx, dir, AssigneeRule{Kind: RuleRole, Role: "approver"}, rc)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(snaps) != 2 {
			t.Fatalf("snapshots %d, want 2", len(snaps))
		}
		if snaps[0].RuleDetail != "role:approver" {
			t.Fatalf("detail %q", snaps[0].RuleDetail)
		}
	})

	t.Run("group", func(t *testing.T) {
		snaps, err := resolveRule(ctx, dir, AssigneeRule{Kind: RuleGroup, Group: "audit"}, rc)
		if err != nil || len(snaps) != 2 {
			t.Fatalf("snapshots %v, err %v", snaps, err)
		}
	})

	t.Run("user list", func(t *testing.T) {
		snaps, err := resolveRule(ctx, dir, AssigneeRule{Kind: RuleUser, Users: []string{"cfo"}}, rc)
		if err != nil || len(snaps) != 1 || snaps[0].AssigneeID != "cfo" {
			t.Fatalf("snapshots %v, err %v", snaps, err)
		}
	})

	t.Run("hierarchy default one level", func(t *testing.T) {
		snaps, err := resolveRule(ctx, dir, AssigneeRule{Kind: RuleHierarchy}, rc)
		if err != nil || len(snaps) != 1 || snaps[0].AssigneeID != "boss" {
			t.Fatalf("snapshots %v, err %v", snaps, err)
		}
	})

	t.Run("hierarchy walks levels", func(t *testing.T) {
		snaps, err := resolveRule(ctx, dir, AssigneeRule{Kind: RuleHierarchy, Levels: 2}, rc)
		if err != nil || len(snaps) != 1 || snaps[0].AssigneeID != "vp" {
			t.Fatalf("snapshots %v, err %v", snaps, err)
		}
	})

	t.Run("hierarchy past the top stops at the top", func(t *testing.T) {
		snaps, err := resolveRule(ctx, dir, AssigneeRule{Kind: RuleHierarchy, Levels: 10}, rc)
		if err != nil || len(snaps) != 1 || snaps[0].AssigneeID != "vp" {
			t.Fatalf("snapshots %v, err %v", snaps, err)
		}
	})

	t.Run("orphan requester resolves to nobody", func(t *testing.T) {
		orphan := resolveContext{tenant: "acme", requestedBy: "loner"}
		snaps, err := resolveRule(ctx, dir, AssigneeRule{Kind: RuleHierarchy}, orphan)
		if err != nil || len(snaps) != 0 {
			t.Fatalf("snapshots %v, err %v", snaps, err)
		}
	})
}
