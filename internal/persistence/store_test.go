package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mindloom/mindloom/internal/persistence"
)

func errorsIsNotFound(err error) bool {
	return errors.Is(err, persistence.ErrNotFound)
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mindloom.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func createTestAgent(t *testing.T, store *persistence.Store, mutate ...func(*persistence.Agent)) persistence.Agent {
	t.Helper()
	a := persistence.Agent{
		ID:          uuid.NewString(),
		DisplayName: "test-agent",
		TeamID:      uuid.NewString(),
		Role:        persistence.AgentRoleLead,
		Status:      persistence.AgentStatusIdle,
		Active:      true,
	}
	for _, m := range mutate {
		m(&a)
	}
	if err := store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "mindloom.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = store.Close()
}

func TestCreateAgentValidatesOwner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		agent   persistence.Agent
		wantErr bool
	}{
		{
			name:  "team owner",
			agent: persistence.Agent{ID: uuid.NewString(), TeamID: "team-1", Role: persistence.AgentRoleLead},
		},
		{
			name:  "aide owner",
			agent: persistence.Agent{ID: uuid.NewString(), AideID: "aide-1", Role: persistence.AgentRoleLead},
		},
		{
			name:    "both owners",
			agent:   persistence.Agent{ID: uuid.NewString(), TeamID: "team-1", AideID: "aide-1", Role: persistence.AgentRoleLead},
			wantErr: true,
		},
		{
			name:    "no owner",
			agent:   persistence.Agent{ID: uuid.NewString(), Role: persistence.AgentRoleLead},
			wantErr: true,
		},
		{
			name:    "lead with parent",
			agent:   persistence.Agent{ID: uuid.NewString(), TeamID: "team-1", Role: persistence.AgentRoleLead, ParentAgentID: "p"},
			wantErr: true,
		},
		{
			name:    "subordinate without parent",
			agent:   persistence.Agent{ID: uuid.NewString(), TeamID: "team-1", Role: persistence.AgentRoleSubordinate},
			wantErr: true,
		},
		{
			name:  "subordinate with parent",
			agent: persistence.Agent{ID: uuid.NewString(), TeamID: "team-1", Role: persistence.AgentRoleSubordinate, ParentAgentID: "p"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.CreateAgent(ctx, tc.agent)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAgentSchedulingFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	got, err := store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.BackoffNextRunAt != nil || got.BackoffAttemptCount != 0 {
		t.Fatalf("fresh agent should have no backoff, got %+v", got)
	}

	until := got.CreatedAt.Add(time.Minute)
	if err := store.SetAgentBackoff(ctx, agent.ID, until); err != nil {
		t.Fatalf("set backoff: %v", err)
	}
	if err := store.SetAgentBackoff(ctx, agent.ID, until.Add(time.Minute)); err != nil {
		t.Fatalf("set backoff again: %v", err)
	}
	got, err = store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent after backoff: %v", err)
	}
	if got.BackoffAttemptCount != 2 {
		t.Fatalf("backoff attempt count = %d, want 2", got.BackoffAttemptCount)
	}
	if got.BackoffNextRunAt == nil {
		t.Fatal("backoff_next_run_at should be set")
	}

	if err := store.ClearAgentBackoff(ctx, agent.ID); err != nil {
		t.Fatalf("clear backoff: %v", err)
	}
	got, err = store.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get agent after clear: %v", err)
	}
	if got.BackoffAttemptCount != 0 || got.BackoffNextRunAt != nil {
		t.Fatalf("backoff not cleared: %+v", got)
	}
}

func TestDeleteAgentCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	if _, err := store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: agent.ID,
		TeamID:       agent.TeamID,
		Task:         "do the thing",
		Source:       persistence.TaskSourceSystem,
	}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	node, err := store.CreateNode(ctx, persistence.GraphNode{AgentID: agent.ID, Type: "Topic", Name: "Rates"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := store.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if _, err := store.GetNode(ctx, node.ID); !errorsIsNotFound(err) {
		t.Fatalf("node should cascade on agent delete, got err=%v", err)
	}
	status, err := store.TaskQueueStatus(ctx, agent.ID)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if status.HasPendingWork {
		t.Fatal("tasks should cascade on agent delete")
	}
}
