package graph_test

import (
	"context"
	"testing"

	"github.com/mindloom/mindloom/internal/graph"
)

func TestCreateTypeValidation(t *testing.T) {
	svc, _, agent := openTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateNodeType(ctx, graph.TypeInput{Description: "no name"}); err == nil {
		t.Fatal("nameless type should error")
	}
	if _, err := svc.CreateNodeType(ctx, graph.TypeInput{Name: "Topic"}); err == nil {
		t.Fatal("descriptionless type should error")
	}
	if _, err := svc.CreateNodeType(ctx, graph.TypeInput{
		Name:             "Topic",
		Description:      "broken schema",
		PropertiesSchema: `{"type": not-json`,
	}); err == nil {
		t.Fatal("malformed schema should error")
	}
	if _, err := svc.CreateNodeType(ctx, graph.TypeInput{
		Name:             "Topic",
		Description:      "valid",
		PropertiesSchema: `{"type":"object","required":["summary"]}`,
		AgentID:          agent.ID,
	}); err != nil {
		t.Fatalf("valid type: %v", err)
	}
}

type fakeSeeder struct {
	calls int
	fn    func(ctx context.Context, agentID string) error
}

func (f *fakeSeeder) SeedTypes(ctx context.Context, agentID string, _ graph.AgentMeta) error {
	f.calls++
	if f.fn != nil {
		return f.fn(ctx, agentID)
	}
	return nil
}

func TestEnsureTypesInitialized(t *testing.T) {
	svc, _, agent := openTestService(t)
	ctx := context.Background()
	meta := graph.AgentMeta{DisplayName: "Rates Desk"}

	seeder := &fakeSeeder{fn: func(ctx context.Context, agentID string) error {
		_, err := svc.CreateNodeType(ctx, graph.TypeInput{
			AgentID:     agentID,
			Name:        "Topic",
			Description: "seeded",
		})
		return err
	}}

	if err := svc.EnsureTypesInitialized(ctx, agent.ID, meta, seeder); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if seeder.calls != 1 {
		t.Fatalf("seeder calls = %d, want 1", seeder.calls)
	}

	// Types now exist, so the second call is a no-op.
	if err := svc.EnsureTypesInitialized(ctx, agent.ID, meta, seeder); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if seeder.calls != 1 {
		t.Fatalf("seeder re-ran on an initialized agent, calls = %d", seeder.calls)
	}
}

func TestEnsureTypesSkipsWhenGlobalsExist(t *testing.T) {
	svc, _, agent := openTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateEdgeType(ctx, graph.TypeInput{Name: "relates_to", Description: "global"}); err != nil {
		t.Fatalf("create global edge type: %v", err)
	}

	seeder := &fakeSeeder{}
	if err := svc.EnsureTypesInitialized(ctx, agent.ID, graph.AgentMeta{}, seeder); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if seeder.calls != 0 {
		t.Fatal("seeder should not run when any visible type exists")
	}
}
