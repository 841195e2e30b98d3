package graph_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mindloom/mindloom/internal/graph"
	"github.com/mindloom/mindloom/internal/persistence"
)

func TestResolveNodeRefs(t *testing.T) {
	idA := uuid.NewString()
	idB := uuid.NewString()
	idC := uuid.NewString()
	idD1 := uuid.NewString()
	idD2 := uuid.NewString()
	nodes := []persistence.GraphNode{
		{ID: idA, Type: "Topic", Name: "Rates"},
		{ID: idB, Type: "Entity", Name: "ECB"},
		{ID: idC, Type: "Topic", Name: "Inflation"},
		{ID: idD1, Type: "Topic", Name: "Duplicate"},
		{ID: idD2, Type: "Entity", Name: "Duplicate"},
	}

	refs := []string{
		idA,                             // whole-string UUID
		"the node " + idB + " matters",  // embedded UUID
		"topic: inflation",              // typed name, case-insensitive
		"Duplicate",                     // ambiguous bare name, dropped
		"Unknown Node",                  // unresolvable, dropped
		idA,                             // duplicate, deduplicated
	}
	res := graph.ResolveNodeRefs(refs, nodes)

	want := []string{idA, idB, idC}
	if len(res.Resolved) != len(want) {
		t.Fatalf("resolved = %v, want %v", res.Resolved, want)
	}
	for i, id := range want {
		if res.Resolved[i] != id {
			t.Fatalf("resolved[%d] = %s, want %s", i, res.Resolved[i], id)
		}
	}
	if res.ByStrategy[graph.StrategyUUID] != 2 {
		t.Fatalf("uuid resolutions = %d, want 2", res.ByStrategy[graph.StrategyUUID])
	}
	if res.ByStrategy[graph.StrategyEmbeddedUUID] != 1 || res.ByStrategy[graph.StrategyTypedName] != 1 {
		t.Fatalf("by strategy = %v", res.ByStrategy)
	}
	if len(res.Dropped) != 2 {
		t.Fatalf("dropped = %v, want the ambiguous and unknown refs", res.Dropped)
	}
}

func TestResolveNodeRefsBareName(t *testing.T) {
	id := uuid.NewString()
	nodes := []persistence.GraphNode{{ID: id, Type: "Entity", Name: "ECB"}}

	res := graph.ResolveNodeRefs([]string{"  ecb ", ""}, nodes)
	if len(res.Resolved) != 1 || res.Resolved[0] != id {
		t.Fatalf("resolved = %v", res.Resolved)
	}
	if res.ByStrategy[graph.StrategyBareName] != 1 {
		t.Fatalf("by strategy = %v", res.ByStrategy)
	}
	if len(res.Dropped) != 1 {
		t.Fatalf("empty ref should be dropped, got %v", res.Dropped)
	}
}

func TestNormalizeInsightsPreservesFields(t *testing.T) {
	svc, _, agent := openTestService(t)
	ctx := context.Background()

	node := mustNode(t, svc, agent.ID, "Topic", "Rates")
	insights := []graph.Insight{
		{
			Observation:        "Rates cluster is growing",
			RelevantNodeIDs:    []string{"Topic: Rates", "nonsense"},
			SynthesisDirection: "compare against inflation nodes",
		},
	}

	out, err := svc.NormalizeInsights(ctx, agent.ID, insights)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d insights", len(out))
	}
	if out[0].Observation != insights[0].Observation || out[0].SynthesisDirection != insights[0].SynthesisDirection {
		t.Fatal("non-reference fields must pass through unchanged")
	}
	if len(out[0].RelevantNodeIDs) != 1 || out[0].RelevantNodeIDs[0] != node.ID {
		t.Fatalf("relevant node ids = %v, want [%s]", out[0].RelevantNodeIDs, node.ID)
	}
}
