package persistence_test

import (
	"context"
	"testing"

	"github.com/mindloom/mindloom/internal/persistence"
)

func TestNodePropertyMerge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	node, err := store.CreateNode(ctx, persistence.GraphNode{
		AgentID:    agent.ID,
		Type:       "Topic",
		Name:       "Rates",
		Properties: map[string]any{"a": float64(1), "b": float64(2)},
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	updated, err := store.UpdateNodeProperties(ctx, node.ID, map[string]any{"b": float64(3), "c": float64(4)})
	if err != nil {
		t.Fatalf("update properties: %v", err)
	}
	want := map[string]any{"a": float64(1), "b": float64(3), "c": float64(4)}
	for k, v := range want {
		if updated.Properties[k] != v {
			t.Fatalf("merged property %q = %v, want %v", k, updated.Properties[k], v)
		}
	}
	if len(updated.Properties) != len(want) {
		t.Fatalf("merged properties = %v, want %v", updated.Properties, want)
	}

	// Merge persists, not just in the returned struct.
	got, err := store.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.Properties["a"] != float64(1) || got.Properties["b"] != float64(3) || got.Properties["c"] != float64(4) {
		t.Fatalf("persisted properties = %v, want %v", got.Properties, want)
	}
}

func TestDeleteNodeCascadesEdges(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	a, err := store.CreateNode(ctx, persistence.GraphNode{AgentID: agent.ID, Type: "Topic", Name: "A"})
	if err != nil {
		t.Fatalf("create node a: %v", err)
	}
	b, err := store.CreateNode(ctx, persistence.GraphNode{AgentID: agent.ID, Type: "Topic", Name: "B"})
	if err != nil {
		t.Fatalf("create node b: %v", err)
	}
	edge, err := store.CreateEdge(ctx, persistence.GraphEdge{
		AgentID: agent.ID, Type: "relates_to", SourceID: a.ID, TargetID: b.ID,
	})
	if err != nil {
		t.Fatalf("create edge: %v", err)
	}

	if err := store.DeleteNode(ctx, a.ID); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	if _, err := store.GetNode(ctx, a.ID); !errorsIsNotFound(err) {
		t.Fatalf("deleted node still readable, err=%v", err)
	}
	if _, err := store.GetEdge(ctx, edge.ID); !errorsIsNotFound(err) {
		t.Fatalf("incident edge should cascade, err=%v", err)
	}
	// The surviving endpoint is untouched.
	if _, err := store.GetNode(ctx, b.ID); err != nil {
		t.Fatalf("surviving node: %v", err)
	}

	if err := store.DeleteNode(ctx, a.ID); !errorsIsNotFound(err) {
		t.Fatalf("double delete should report not found, err=%v", err)
	}
}

func TestFindNodeAndEdgeLookups(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)
	other := createTestAgent(t, store)

	node, err := store.CreateNode(ctx, persistence.GraphNode{AgentID: agent.ID, Type: "Entity", Name: "ECB"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	found, err := store.FindNodeByTypeAndName(ctx, agent.ID, "Entity", "ECB")
	if err != nil {
		t.Fatalf("find node: %v", err)
	}
	if found == nil || found.ID != node.ID {
		t.Fatalf("find node = %v, want id %s", found, node.ID)
	}

	// Exact match only: other agent, other type, other name all miss.
	for _, probe := range []struct{ agentID, typ, name string }{
		{other.ID, "Entity", "ECB"},
		{agent.ID, "Topic", "ECB"},
		{agent.ID, "Entity", "ecb"},
	} {
		found, err := store.FindNodeByTypeAndName(ctx, probe.agentID, probe.typ, probe.name)
		if err != nil {
			t.Fatalf("find node probe: %v", err)
		}
		if found != nil {
			t.Fatalf("probe %+v should miss, got node %s", probe, found.ID)
		}
	}

	target, err := store.CreateNode(ctx, persistence.GraphNode{AgentID: agent.ID, Type: "Topic", Name: "Rates"})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	if _, err := store.CreateEdge(ctx, persistence.GraphEdge{
		AgentID: agent.ID, Type: "relates_to", SourceID: node.ID, TargetID: target.ID,
	}); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	e, err := store.FindEdge(ctx, agent.ID, "relates_to", node.ID, target.ID)
	if err != nil {
		t.Fatalf("find edge: %v", err)
	}
	if e == nil {
		t.Fatal("forward edge should be found")
	}
	// Direction matters: the reverse orientation is a distinct edge.
	e, err = store.FindEdge(ctx, agent.ID, "relates_to", target.ID, node.ID)
	if err != nil {
		t.Fatalf("find reverse edge: %v", err)
	}
	if e != nil {
		t.Fatalf("reverse edge should be absent, got %s", e.ID)
	}
}

func TestEdgesByNodeDirection(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	hub, err := store.CreateNode(ctx, persistence.GraphNode{AgentID: agent.ID, Type: "Topic", Name: "Hub"})
	if err != nil {
		t.Fatalf("create hub: %v", err)
	}
	in, err := store.CreateNode(ctx, persistence.GraphNode{AgentID: agent.ID, Type: "Topic", Name: "In"})
	if err != nil {
		t.Fatalf("create in: %v", err)
	}
	out, err := store.CreateNode(ctx, persistence.GraphNode{AgentID: agent.ID, Type: "Topic", Name: "Out"})
	if err != nil {
		t.Fatalf("create out: %v", err)
	}
	if _, err := store.CreateEdge(ctx, persistence.GraphEdge{AgentID: agent.ID, Type: "relates_to", SourceID: in.ID, TargetID: hub.ID}); err != nil {
		t.Fatalf("create incoming edge: %v", err)
	}
	if _, err := store.CreateEdge(ctx, persistence.GraphEdge{AgentID: agent.ID, Type: "relates_to", SourceID: hub.ID, TargetID: out.ID}); err != nil {
		t.Fatalf("create outgoing edge: %v", err)
	}

	incoming, err := store.EdgesByNode(ctx, hub.ID, persistence.EdgeDirectionIncoming)
	if err != nil {
		t.Fatalf("incoming: %v", err)
	}
	if len(incoming) != 1 || incoming[0].SourceID != in.ID {
		t.Fatalf("incoming = %v", incoming)
	}
	outgoing, err := store.EdgesByNode(ctx, hub.ID, persistence.EdgeDirectionOutgoing)
	if err != nil {
		t.Fatalf("outgoing: %v", err)
	}
	if len(outgoing) != 1 || outgoing[0].TargetID != out.ID {
		t.Fatalf("outgoing = %v", outgoing)
	}
	both, err := store.EdgesByNode(ctx, hub.ID, persistence.EdgeDirectionBoth)
	if err != nil {
		t.Fatalf("both: %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("both = %d edges, want 2", len(both))
	}

	if _, err := store.EdgesByNode(ctx, hub.ID, persistence.EdgeDirection("sideways")); err == nil {
		t.Fatal("invalid direction should error")
	}
}

func TestGraphCounts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, store)

	var ids []string
	for _, spec := range []struct{ typ, name string }{
		{"Topic", "Rates"}, {"Topic", "Inflation"}, {"Entity", "ECB"},
	} {
		n, err := store.CreateNode(ctx, persistence.GraphNode{AgentID: agent.ID, Type: spec.typ, Name: spec.name})
		if err != nil {
			t.Fatalf("create node: %v", err)
		}
		ids = append(ids, n.ID)
	}
	if _, err := store.CreateEdge(ctx, persistence.GraphEdge{AgentID: agent.ID, Type: "relates_to", SourceID: ids[0], TargetID: ids[1]}); err != nil {
		t.Fatalf("create edge: %v", err)
	}

	nodes, edges, err := store.GraphCounts(ctx, agent.ID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if nodes["Topic"] != 2 || nodes["Entity"] != 1 {
		t.Fatalf("node counts = %v", nodes)
	}
	if edges["relates_to"] != 1 {
		t.Fatalf("edge counts = %v", edges)
	}
}
