package approval

import (
	"context"
	"testing"
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

func seedInstance(t *testing.T, s *InMemoryStore) (*Instance, Stage) {
	t.Helper()
	inst := &Instance{
		ID:         "inst-1",
		TemplateID: "review",
		RecordType: "invoice",
		RecordID:   "inv-1",
		Tenant:     "acme",
		Status:     InstancePending,
		CreatedAt:  time.Now(),
	}
	stage := Stage{
		ID:         "stage-1",
		InstanceID: inst.ID,
		TemplateID: "peer",
		Name:       "Peer Review",
		Status:     StagePending,
		Quorum:     Quorum{Kind: QuorumAny},
	}
	if err := s.CreateInstance(context.Background(), inst, []Stage{stage}, nil); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst, stage
}

func TestCompleteInstanceIfPendingSwapsOnce(t *testing.T) {
	s := NewInMemoryStore()
	inst, _ := seedInstance(t, s)
	ctx := context.Background()

	swapped, err := s.CompleteInstanceIfPending(ctx, inst.ID, InstanceApproved)
	if err != nil || !swapped {
		t.Fatalf("first swap: swapped=%v err=%v", swapped, err)
	}
	got, _ := s.GetInstance(ctx, inst.ID)
	if got.Status != InstanceApproved || got.CompletedAt == nil {
		t.Fatalf("instance not settled: %+v", got)
	}

	// a second completion attempt loses the swap without erroring
	swapped, err = s.CompleteInstanceIfPending(ctx, inst.ID, InstanceRejected)
	if err != nil || swapped {
		t.Fatalf("replay: swapped=%v err=%v", swapped, err)
	}
	if got, _ = s.GetInstance(ctx, inst.ID); got.Status != InstanceApproved {
		t.Fatalf("replay must not overwrite the status, got %s", got.Status)
	}

	if _, err := s.CompleteInstanceIfPending(ctx, "missing", InstanceApproved); !lifecycle.IsCode(err, lifecycle.ErrCodeNotFound) {
		t.Fatalf("missing instance should be NOT_FOUND, got %v", err)
	}
}

func TestUpdateStageStatusIfPendingSwapsOnce(t *testing.T) {
	s := NewInMemoryStore()
	inst, stage := seedInstance(t, s)
	ctx := context.Background()

	swapped, err := s.UpdateStageStatusIfPending(ctx, stage.ID, StageApproved)
	if err != nil || !swapped {
		t.Fatalf("first swap: swapped=%v err=%v", swapped, err)
	}

	swapped, err = s.UpdateStageStatusIfPending(ctx, stage.ID, StageRejected)
	if err != nil || swapped {
		t.Fatalf("settled stage must lose the swap: swapped=%v err=%v", swapped, err)
	}
	stages, _ := s.StagesForInstance(ctx, inst.ID)
	if stages[0].Status != StageApproved {
		t.Fatalf("stage status clobbered: %s", stages[0].Status)
	}

	if _, err := s.UpdateStageStatusIfPending(ctx, "missing", StageApproved); !lifecycle.IsCode(err, lifecycle.ErrCodeNotFound) {
		t.Fatalf("missing stage should be NOT_FOUND, got %v", err)
	}
}
