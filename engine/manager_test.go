package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	lifecycle "github.com/goliatone/go-lifecycle"
	"github.com/goliatone/go-lifecycle/condition"
	"github.com/goliatone/go-lifecycle/policy"
	"github.com/goliatone/go-lifecycle/route"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []lifecycle.Event
}

func (p *capturePublisher) Publish(evt lifecycle.Event) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *capturePublisher) byTopic(topic string) []lifecycle.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []lifecycle.Event
	for _, evt := range p.events {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

type fakeApprovals struct {
	mu      sync.Mutex
	nextID  string
	started []ApprovalRequest
}

func (f *fakeApprovals) StartApproval(_ context.Context, req ApprovalRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return f.nextID, nil
}

type fakeRecordStore struct {
	mu      sync.Mutex
	patches []map[string]any
	fail    bool
}

func (f *fakeRecordStore) GetByID(_ context.Context, _, _ string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeRecordStore) Update(_ context.Context, _, _ string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("record backend down")
	}
	f.patches = append(f.patches, patch)
	return nil
}

func documentDefinition() Definition {
	return Definition{
		ID:   "doc-flow",
		Name: "Document Flow",
		States: []State{
			{ID: "draft", Name: "Draft", Initial: true},
			{ID: "review", Name: "In Review"},
			{ID: "published", Name: "Published"},
			{ID: "archived", Name: "Archived", Terminal: true},
		},
		Transitions: []Transition{
			{From: "draft", Operation: "submit", To: "review", RequiredPolicyAction: "submit"},
			{From: "review", Operation: "publish", To: "published", RequiredPolicyAction: "publish", ApprovalTemplateID: "publish-signoff"},
			{From: "review", Operation: "return", To: "draft"},
			{From: "published", Operation: "archive", To: "archived"},
		},
	}
}

type managerFixture struct {
	manager   *Manager
	publisher *capturePublisher
	approvals *fakeApprovals
	records   *fakeRecordStore
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	resolver := route.NewResolver()
	if err := resolver.SetRoutes([]route.Route{{
		ID: "documents", RecordType: "document", LifecycleID: "doc-flow",
	}}); err != nil {
		t.Fatalf("set routes: %v", err)
	}

	gate := policy.NewGate()
	gate.SetPolicies("document", []policy.Rule{
		{
			ID: "editors", Resource: "document", Actions: []string{"submit", "publish"}, Effect: policy.EffectAllow,
			Condition: condition.Node{Field: "actor.roles", Op: condition.OpIn, Value: "editor"},
		},
	})

	f := &managerFixture{
		publisher: &capturePublisher{},
		approvals: &fakeApprovals{nextID: "appr-1"},
		records:   &fakeRecordStore{},
	}
	f.manager = NewManager(resolver, gate,
		WithPublisher(f.publisher),
		WithRecordStore(f.records),
	)
	f.manager.SetApprovalService(f.approvals)
	if err := f.manager.RegisterDefinition(documentDefinition()); err != nil {
		t.Fatalf("register definition: %v", err)
	}
	return f
}

func editorCtx() lifecycle.ExecutionContext {
	return lifecycle.ExecutionContext{ActorID: "user-1", Roles: []string{"editor"}, Tenant: "acme"}
}

func viewerCtx() lifecycle.ExecutionContext {
	return lifecycle.ExecutionContext{ActorID: "user-2", Roles: []string{"viewer"}, Tenant: "acme"}
}

func mustCreate(t *testing.T, f *managerFixture, recordID string) *Instance {
	t.Helper()
	inst, err := f.manager.CreateInstance(context.Background(), "document", recordID, editorCtx(), nil)
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if inst == nil {
		t.Fatal("document should be governed")
	}
	return inst
}

func TestCreateInstance(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	inst := mustCreate(t, f, "doc-1")
	if inst.CurrentStateID != "draft" || inst.Version != 1 {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if got := f.publisher.byTopic(lifecycle.TopicInstanceCreated); len(got) != 1 {
		t.Fatalf("expected one created event, got %d", len(got))
	}

	// second create for the same key fails
	if _, err := f.manager.CreateInstance(ctx, "document", "doc-1", editorCtx(), nil); !lifecycle.IsCode(err, lifecycle.ErrCodeDuplicateCode) {
		t.Fatalf("expected DUPLICATE_CODE, got %v", err)
	}

	// unrouted record types are simply ungoverned
	ung, err := f.manager.CreateInstance(ctx, "note", "n-1", editorCtx(), nil)
	if err != nil || ung != nil {
		t.Fatalf("ungoverned create got (%v, %v)", ung, err)
	}
}

func TestTransitionApplied(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mustCreate(t, f, "doc-1")

	result, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "submit", ExecCtx: editorCtx(),
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if result.Status != StatusApplied || result.FromStateID != "draft" || result.ToStateID != "review" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Version != 2 {
		t.Fatalf("version %d, want 2", result.Version)
	}

	history, err := f.manager.History(ctx, "document", "doc-1", "acme")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != OutcomeApplied || history[0].Operation != "submit" {
		t.Fatalf("unexpected history %+v", history)
	}

	f.records.mu.Lock()
	patches := f.records.patches
	f.records.mu.Unlock()
	if len(patches) != 1 || patches[0]["lifecycle_state_id"] != "review" {
		t.Fatalf("record store patches %v", patches)
	}

	if got := f.publisher.byTopic(lifecycle.TopicTransitioned); len(got) != 1 {
		t.Fatalf("expected one transitioned event, got %d", len(got))
	}
}

func TestTransitionPolicyDenied(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mustCreate(t, f, "doc-1")

	result, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "submit", ExecCtx: viewerCtx(),
	})
	if err != nil {
		t.Fatalf("denial must be a result, not an error: %v", err)
	}
	if result.Status != StatusDenied {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Decision == nil || result.Decision.Allowed {
		t.Fatalf("result should carry the deny decision, got %+v", result.Decision)
	}

	// denial leaves no event row; it only publishes a notification
	history, _ := f.manager.History(ctx, "document", "doc-1", "acme")
	if len(history) != 0 {
		t.Fatalf("denied attempt must not append history, got %+v", history)
	}
	if got := f.publisher.byTopic(lifecycle.TopicDenied); len(got) != 1 {
		t.Fatalf("expected one denied event, got %d", len(got))
	}

	inst, _ := f.manager.Instance(ctx, "document", "doc-1", "acme")
	if inst.CurrentStateID != "draft" || inst.Version != 1 {
		t.Fatalf("denial must not touch the instance, got %+v", inst)
	}
}

func TestTransitionUnknownOperation(t *testing.T) {
	f := newManagerFixture(t)
	mustCreate(t, f, "doc-1")

	_, err := f.manager.Transition(context.Background(), TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "teleport", ExecCtx: editorCtx(),
	})
	if !lifecycle.IsCode(err, lifecycle.ErrCodeTransitionNotFound) {
		t.Fatalf("expected TRANSITION_NOT_FOUND, got %v", err)
	}
}

func TestTransitionStaleVersion(t *testing.T) {
	f := newManagerFixture(t)
	mustCreate(t, f, "doc-1")

	_, err := f.manager.Transition(context.Background(), TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "submit", ExecCtx: editorCtx(),
		ExpectedVersion: 99,
	})
	if !lifecycle.IsCode(err, lifecycle.ErrCodeConcurrentModification) {
		t.Fatalf("expected CONCURRENT_MODIFICATION, got %v", err)
	}
}

func TestTerminalStateDominates(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mustCreate(t, f, "doc-1")

	steps := []struct {
		op   string
		ctx  lifecycle.ExecutionContext
		want TransitionStatus
	}{
		{"submit", editorCtx(), StatusApplied},
		{"return", editorCtx(), StatusApplied},
		{"submit", editorCtx(), StatusApplied},
	}
	for _, step := range steps {
		if result, err := f.manager.Transition(ctx, TransitionRequest{
			RecordType: "document", RecordID: "doc-1", Operation: step.op, ExecCtx: step.ctx,
		}); err != nil || result.Status != step.want {
			t.Fatalf("step %s: (%+v, %v)", step.op, result, err)
		}
	}

	// drive to published via approval, then archive into the terminal state
	if _, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "publish", ExecCtx: editorCtx(),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := f.manager.FinalizeApproved(ctx, "document", "doc-1", "acme", "appr-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if result, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "archive", ExecCtx: editorCtx(),
	}); err != nil || result.Status != StatusApplied {
		t.Fatalf("archive: (%+v, %v)", result, err)
	}

	// every operation now answers TERMINAL_STATE, matching or not
	for _, op := range []string{"archive", "submit", "bogus"} {
		_, err := f.manager.Transition(ctx, TransitionRequest{
			RecordType: "document", RecordID: "doc-1", Operation: op, ExecCtx: editorCtx(),
		})
		if !lifecycle.IsCode(err, lifecycle.ErrCodeTerminalState) {
			t.Fatalf("op %s: expected TERMINAL_STATE, got %v", op, err)
		}
	}

	options, err := f.manager.AvailableTransitions(ctx, "document", "doc-1", editorCtx(), nil)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(options) != 0 {
		t.Fatalf("terminal state should list no transitions, got %+v", options)
	}

	if err := f.manager.EnforceTerminalState(ctx, "document", "doc-1", "acme"); !lifecycle.IsCode(err, lifecycle.ErrCodeTerminalState) {
		t.Fatalf("enforce: expected TERMINAL_STATE, got %v", err)
	}
	// ungoverned records pass the write guard
	if err := f.manager.EnforceTerminalState(ctx, "note", "n-1", "acme"); err != nil {
		t.Fatalf("ungoverned enforce: %v", err)
	}
}

func TestApprovalGatedTransition(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mustCreate(t, f, "doc-1")
	if _, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "submit", ExecCtx: editorCtx(),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "publish", ExecCtx: editorCtx(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.Status != StatusPending || result.ApprovalInstanceID != "appr-1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(f.approvals.started) != 1 || f.approvals.started[0].TemplateID != "publish-signoff" {
		t.Fatalf("approval starts %+v", f.approvals.started)
	}

	inst, _ := f.manager.Instance(ctx, "document", "doc-1", "acme")
	if inst.CurrentStateID != "review" || inst.PendingApprovalID != "appr-1" || inst.PendingOperation != "publish" {
		t.Fatalf("suspended instance %+v", inst)
	}

	history, _ := f.manager.History(ctx, "document", "doc-1", "acme")
	if len(history) != 2 || history[1].Outcome != OutcomeGated {
		t.Fatalf("expected a gated row, got %+v", history)
	}

	// retrying the same operation reuses the suspended approval
	again, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "publish", ExecCtx: editorCtx(),
	})
	if err != nil || again.Status != StatusPending || again.ApprovalInstanceID != "appr-1" {
		t.Fatalf("retry got (%+v, %v)", again, err)
	}
	if len(f.approvals.started) != 1 {
		t.Fatalf("retry must not start a second approval, got %d", len(f.approvals.started))
	}

	// a different operation is blocked while the approval is open
	if _, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "return", ExecCtx: editorCtx(),
	}); !lifecycle.IsCode(err, lifecycle.ErrCodeGateNotMet) {
		t.Fatalf("expected GATE_NOT_MET, got %v", err)
	}
}

func TestFinalizeApprovedExactlyOnce(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mustCreate(t, f, "doc-1")
	for _, op := range []string{"submit", "publish"} {
		if _, err := f.manager.Transition(ctx, TransitionRequest{
			RecordType: "document", RecordID: "doc-1", Operation: op, ExecCtx: editorCtx(),
		}); err != nil {
			t.Fatalf("%s: %v", op, err)
		}
	}

	if err := f.manager.FinalizeApproved(ctx, "document", "doc-1", "acme", "appr-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	inst, _ := f.manager.Instance(ctx, "document", "doc-1", "acme")
	if inst.CurrentStateID != "published" || inst.PendingApprovalID != "" {
		t.Fatalf("finalized instance %+v", inst)
	}

	history, _ := f.manager.History(ctx, "document", "doc-1", "acme")
	applied := 0
	for _, evt := range history {
		if evt.Outcome == OutcomeApplied && evt.Operation == "publish" {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied publish row, got %d", applied)
	}

	// replays and mismatched approval IDs are no-ops
	if err := f.manager.FinalizeApproved(ctx, "document", "doc-1", "acme", "appr-1"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := f.manager.FinalizeApproved(ctx, "document", "doc-1", "acme", "someone-else"); err != nil {
		t.Fatalf("mismatch: %v", err)
	}
	if history, _ = f.manager.History(ctx, "document", "doc-1", "acme"); len(history) != 3 {
		t.Fatalf("replays must not append history, got %d rows", len(history))
	}
}

func TestFinalizeRejectedReleasesWithoutMoving(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mustCreate(t, f, "doc-1")
	for _, op := range []string{"submit", "publish"} {
		if _, err := f.manager.Transition(ctx, TransitionRequest{
			RecordType: "document", RecordID: "doc-1", Operation: op, ExecCtx: editorCtx(),
		}); err != nil {
			t.Fatalf("%s: %v", op, err)
		}
	}

	if err := f.manager.FinalizeRejected(ctx, "document", "doc-1", "acme", "appr-1", "not convinced"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	inst, _ := f.manager.Instance(ctx, "document", "doc-1", "acme")
	if inst.CurrentStateID != "review" || inst.PendingApprovalID != "" || inst.PendingOperation != "" {
		t.Fatalf("released instance %+v", inst)
	}

	history, _ := f.manager.History(ctx, "document", "doc-1", "acme")
	last := history[len(history)-1]
	if last.Outcome != OutcomeRejected || last.Reason != "not convinced" {
		t.Fatalf("unexpected last row %+v", last)
	}

	// the operation can be retried after release
	result, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "publish", ExecCtx: editorCtx(),
	})
	if err != nil || result.Status != StatusPending {
		t.Fatalf("retry after reject got (%+v, %v)", result, err)
	}
	if len(f.approvals.started) != 2 {
		t.Fatalf("retry should start a fresh approval, got %d starts", len(f.approvals.started))
	}
}

func TestAvailableTransitionsAnnotations(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mustCreate(t, f, "doc-1")
	if _, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "submit", ExecCtx: editorCtx(),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	options, err := f.manager.AvailableTransitions(ctx, "document", "doc-1", viewerCtx(), nil)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	byOp := make(map[string]TransitionOption, len(options))
	for _, opt := range options {
		byOp[opt.Operation] = opt
	}

	if opt := byOp["publish"]; opt.Allowed || !opt.RequiresApproval {
		t.Fatalf("viewer publish option %+v", opt)
	}
	// unguarded edge stays allowed, denial elsewhere is data not an error
	if opt := byOp["return"]; !opt.Allowed {
		t.Fatalf("return option %+v", opt)
	}

	// suspend publish, then check pending annotations
	if _, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "publish", ExecCtx: editorCtx(),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	options, _ = f.manager.AvailableTransitions(ctx, "document", "doc-1", editorCtx(), nil)
	byOp = make(map[string]TransitionOption, len(options))
	for _, opt := range options {
		byOp[opt.Operation] = opt
	}
	if opt := byOp["publish"]; !opt.ApprovalPending {
		t.Fatalf("publish should show approval pending, got %+v", opt)
	}
	if opt := byOp["return"]; opt.Allowed {
		t.Fatalf("other operations should be blocked while suspended, got %+v", opt)
	}
}

func TestCanTransitionDoesNotMutate(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mustCreate(t, f, "doc-1")

	result, err := f.manager.CanTransition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "submit", ExecCtx: editorCtx(),
	})
	if err != nil || result.Status != StatusApplied {
		t.Fatalf("can: (%+v, %v)", result, err)
	}

	inst, _ := f.manager.Instance(ctx, "document", "doc-1", "acme")
	if inst.CurrentStateID != "draft" || inst.Version != 1 {
		t.Fatalf("dry run mutated the instance: %+v", inst)
	}
	if history, _ := f.manager.History(ctx, "document", "doc-1", "acme"); len(history) != 0 {
		t.Fatalf("dry run appended history: %+v", history)
	}
}

func TestRecordStoreFailureSurfacesAsError(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	mustCreate(t, f, "doc-1")
	f.records.fail = true

	_, err := f.manager.Transition(ctx, TransitionRequest{
		RecordType: "document", RecordID: "doc-1", Operation: "submit", ExecCtx: editorCtx(),
	})
	if err == nil {
		t.Fatal("record backend failure should surface")
	}
}
