package persistence_test

import (
	"context"
	"testing"

	"github.com/mindloom/mindloom/internal/persistence"
)

func TestTaskFIFOClaimOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	for _, text := range []string{"First", "Second", "Third"} {
		if _, err := store.InsertTask(ctx, persistence.AgentTask{
			AssignedToID: agent.ID,
			TeamID:       agent.TeamID,
			Task:         text,
			Source:       persistence.TaskSourceUser,
		}); err != nil {
			t.Fatalf("insert task %q: %v", text, err)
		}
	}

	for _, want := range []string{"First", "Second", "Third"} {
		task, err := store.NextPendingTask(ctx, agent.ID)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if task == nil {
			t.Fatalf("expected pending task %q, got nil", want)
		}
		if task.Task != want {
			t.Fatalf("claimed %q, want %q", task.Task, want)
		}
		if err := store.StartTask(ctx, task.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := store.CompleteTask(ctx, task.ID, "done"); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	task, err := store.NextPendingTask(ctx, agent.ID)
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if task != nil {
		t.Fatalf("expected empty queue, got %q", task.Task)
	}
}

func TestTaskOwnerUnion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	teamAgent := createTestAgent(t, store)
	aideAgent := createTestAgent(t, store, func(a *persistence.Agent) {
		a.TeamID = ""
		a.AideID = "aide-1"
	})

	id, err := store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: teamAgent.ID,
		TeamID:       teamAgent.TeamID,
		Task:         "team task",
		Source:       persistence.TaskSourceSystem,
	})
	if err != nil {
		t.Fatalf("insert team task: %v", err)
	}
	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get team task: %v", err)
	}
	if got.TeamID == "" || got.AideID != "" {
		t.Fatalf("team task owner wrong: team=%q aide=%q", got.TeamID, got.AideID)
	}

	id, err = store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: aideAgent.ID,
		AideID:       aideAgent.AideID,
		Task:         "aide task",
		Source:       persistence.TaskSourceSelf,
	})
	if err != nil {
		t.Fatalf("insert aide task: %v", err)
	}
	got, err = store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get aide task: %v", err)
	}
	if got.AideID == "" || got.TeamID != "" {
		t.Fatalf("aide task owner wrong: team=%q aide=%q", got.TeamID, got.AideID)
	}

	if _, err := store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: teamAgent.ID,
		TeamID:       "t",
		AideID:       "a",
		Task:         "both owners",
		Source:       persistence.TaskSourceSystem,
	}); err == nil {
		t.Fatal("expected owner validation error for both owners set")
	}
	if _, err := store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: teamAgent.ID,
		Task:         "no owner",
		Source:       persistence.TaskSourceSystem,
	}); err == nil {
		t.Fatal("expected owner validation error for no owner set")
	}
}

func TestQueueStatusAsymmetry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	status, err := store.TaskQueueStatus(ctx, agent.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.HasPendingWork || status.PendingCount != 0 {
		t.Fatalf("empty queue status wrong: %+v", status)
	}

	id, err := store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: agent.ID,
		TeamID:       agent.TeamID,
		Task:         "work",
		Source:       persistence.TaskSourceUser,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	status, _ = store.TaskQueueStatus(ctx, agent.ID)
	if !status.HasPendingWork || status.PendingCount != 1 {
		t.Fatalf("pending status wrong: %+v", status)
	}

	// An in-progress task is unfinished actionable work: it keeps
	// HasPendingWork true but drops out of PendingCount.
	if err := store.StartTask(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	status, _ = store.TaskQueueStatus(ctx, agent.ID)
	if !status.HasPendingWork {
		t.Fatal("in-progress task should keep HasPendingWork true")
	}
	if status.PendingCount != 0 {
		t.Fatalf("in-progress task must not count as pending, got %d", status.PendingCount)
	}

	if err := store.CompleteTask(ctx, id, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	status, _ = store.TaskQueueStatus(ctx, agent.ID)
	if status.HasPendingWork || status.PendingCount != 0 {
		t.Fatalf("terminal task still visible: %+v", status)
	}
}

func TestTaskLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	id, err := store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: agent.ID,
		TeamID:       agent.TeamID,
		Task:         "lifecycle",
		Source:       persistence.TaskSourceDelegation,
		AssignedByID: "delegator-1",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.TaskStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Result != nil || got.CompletedAt != nil {
		t.Fatal("result/completed_at must be unset before terminal state")
	}
	if got.AssignedByID != "delegator-1" {
		t.Fatalf("assigned_by = %q, want delegator-1", got.AssignedByID)
	}

	if err := store.StartTask(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Double-claim tolerance: a second StartTask is a harmless no-op.
	if err := store.StartTask(ctx, id); err != nil {
		t.Fatalf("second start should be idempotent: %v", err)
	}

	if err := store.FailTask(ctx, id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err = store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get terminal: %v", err)
	}
	if got.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Result == nil || *got.Result != "boom" {
		t.Fatalf("failed task stores error text in result, got %v", got.Result)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at must be set at terminal state")
	}

	// Terminal tasks reject further transitions.
	if err := store.StartTask(ctx, id); err == nil {
		t.Fatal("start on terminal task should error")
	}
	if err := store.CompleteTask(ctx, id, "late"); err == nil {
		t.Fatal("complete on terminal task should error")
	}
}

func TestSelfTaskDefaultsAssignedBy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	id, err := store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: agent.ID,
		TeamID:       agent.TeamID,
		Task:         "self",
		Source:       persistence.TaskSourceSelf,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AssignedByID != agent.ID {
		t.Fatalf("assigned_by = %q, want %q (self)", got.AssignedByID, agent.ID)
	}
}

func TestAgentIDsWithPendingWork(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	busy := createTestAgent(t, store)
	idle := createTestAgent(t, store)

	if _, err := store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: busy.ID,
		TeamID:       busy.TeamID,
		Task:         "work",
		Source:       persistence.TaskSourceUser,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ids, err := store.AgentIDsWithPendingWork(ctx)
	if err != nil {
		t.Fatalf("agents with pending work: %v", err)
	}
	if len(ids) != 1 || ids[0] != busy.ID {
		t.Fatalf("ids = %v, want [%s]", ids, busy.ID)
	}
	_ = idle
}
