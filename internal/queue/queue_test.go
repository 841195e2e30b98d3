package queue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mindloom/mindloom/internal/bus"
	"github.com/mindloom/mindloom/internal/persistence"
	"github.com/mindloom/mindloom/internal/queue"
)

func openTestQueue(t *testing.T) (*queue.Queue, *persistence.Store, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "mindloom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	b := bus.New()
	return queue.New(store, b, nil), store, b
}

func seedAgent(t *testing.T, store *persistence.Store) persistence.Agent {
	t.Helper()
	a := persistence.Agent{
		ID:     uuid.NewString(),
		TeamID: uuid.NewString(),
		Role:   persistence.AgentRoleLead,
		Active: true,
	}
	if err := store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func TestQueuePublishesWakeup(t *testing.T) {
	q, store, b := openTestQueue(t)
	agent := seedAgent(t, store)

	sub := b.Subscribe(bus.TopicTaskQueued)
	defer b.Unsubscribe(sub)

	id, err := q.QueueUserTask(context.Background(), agent.ID, queue.Owner{TeamID: agent.TeamID}, "summarize rates")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskQueuedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.TaskID != id || payload.AgentID != agent.ID || payload.Source != "user" {
			t.Fatalf("event = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no wake-up event published")
	}
}

func TestQueueSourceAttribution(t *testing.T) {
	q, store, _ := openTestQueue(t)
	agent := seedAgent(t, store)
	delegator := seedAgent(t, store)
	owner := queue.Owner{TeamID: agent.TeamID}
	ctx := context.Background()

	selfID, err := q.QueueSelfTask(ctx, agent.ID, owner, "follow up on CPI print")
	if err != nil {
		t.Fatalf("self task: %v", err)
	}
	task, err := store.GetTask(ctx, selfID)
	if err != nil {
		t.Fatalf("get self task: %v", err)
	}
	if task.Source != persistence.TaskSourceSelf || task.AssignedByID != agent.ID {
		t.Fatalf("self task = %+v", task)
	}

	delegID, err := q.QueueDelegationTask(ctx, delegator.ID, agent.ID, owner, "check bond spreads")
	if err != nil {
		t.Fatalf("delegation task: %v", err)
	}
	task, err = store.GetTask(ctx, delegID)
	if err != nil {
		t.Fatalf("get delegation task: %v", err)
	}
	if task.Source != persistence.TaskSourceDelegation || task.AssignedByID != delegator.ID {
		t.Fatalf("delegation task = %+v", task)
	}

	if _, err := q.QueueDelegationTask(ctx, agent.ID, agent.ID, owner, "loop"); err == nil {
		t.Fatal("self-delegation should error")
	}
}

func TestQueueValidation(t *testing.T) {
	q, store, _ := openTestQueue(t)
	agent := seedAgent(t, store)
	ctx := context.Background()

	if _, err := q.QueueUserTask(ctx, agent.ID, queue.Owner{TeamID: agent.TeamID}, ""); err == nil {
		t.Fatal("empty task text should error")
	}
	if _, err := q.QueueUserTask(ctx, agent.ID, queue.Owner{}, "x"); err == nil {
		t.Fatal("ownerless task should error")
	}
	if _, err := q.QueueUserTask(ctx, agent.ID, queue.Owner{TeamID: "t", AideID: "a"}, "x"); err == nil {
		t.Fatal("double-owned task should error")
	}
}

func TestClaimStartCompleteCycle(t *testing.T) {
	q, store, _ := openTestQueue(t)
	agent := seedAgent(t, store)
	owner := queue.Owner{TeamID: agent.TeamID}
	ctx := context.Background()

	if _, err := q.QueueUserTask(ctx, agent.ID, owner, "first"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := q.QueueUserTask(ctx, agent.ID, owner, "second"); err != nil {
		t.Fatalf("queue: %v", err)
	}

	task, err := q.ClaimNext(ctx, agent.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.Task != "first" {
		t.Fatalf("claimed %q, want first", task.Task)
	}
	if err := q.Start(ctx, task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := q.Complete(ctx, task.ID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	task, err = q.ClaimNext(ctx, agent.ID)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := q.Start(ctx, task.ID); err != nil {
		t.Fatalf("start second: %v", err)
	}
	if err := q.Fail(ctx, task.ID, "timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	status, err := q.Status(ctx, agent.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.HasPendingWork || status.PendingCount != 0 {
		t.Fatalf("queue should be drained, status = %+v", status)
	}
}
