package tools

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/mindloom/mindloom/internal/graph"
	"github.com/mindloom/mindloom/internal/persistence"
	"github.com/mindloom/mindloom/internal/shared"
)

func openTestRegistry(t *testing.T) (*Registry, persistence.Agent) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "mindloom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	agent := persistence.Agent{
		ID:     uuid.NewString(),
		TeamID: uuid.NewString(),
		Role:   persistence.AgentRoleLead,
		Active: true,
	}
	if err := store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return NewRegistry(graph.NewService(store, nil), nil), agent
}

func toolCtxFor(agentID string) *ai.ToolContext {
	return &ai.ToolContext{Context: shared.WithAgentID(context.Background(), agentID)}
}

func TestAddNodeDedupsAndMerges(t *testing.T) {
	reg, agent := openTestRegistry(t)
	ctx := toolCtxFor(agent.ID)

	first, err := reg.addNode(ctx, AddNodeInput{
		Type: "Entity", Name: "ECB", Properties: map[string]any{"region": "EU"},
	})
	if err != nil {
		t.Fatalf("add_node: %v", err)
	}
	if !first.Created {
		t.Fatal("first add_node should create")
	}

	second, err := reg.addNode(ctx, AddNodeInput{
		Type: "Entity", Name: "ECB", Properties: map[string]any{"head": "Lagarde"},
	})
	if err != nil {
		t.Fatalf("add_node again: %v", err)
	}
	if second.Created {
		t.Fatal("second add_node should merge, not create")
	}
	if second.ID != first.ID {
		t.Fatalf("merge returned id %s, want %s", second.ID, first.ID)
	}

	node, err := reg.Graph.GetNode(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.Properties["region"] != "EU" || node.Properties["head"] != "Lagarde" {
		t.Fatalf("properties not merged: %v", node.Properties)
	}
}

func TestAddNodeSurfacesTypeLookupFailure(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "mindloom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	agent := persistence.Agent{
		ID:     uuid.NewString(),
		TeamID: uuid.NewString(),
		Role:   persistence.AgentRoleLead,
		Active: true,
	}
	if err := store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	reg := NewRegistry(graph.NewService(store, nil), nil)
	_ = store.Close()

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	if _, err := reg.addNode(toolCtxFor(agent.ID), AddNodeInput{Type: "Entity", Name: "X"}); err == nil {
		t.Fatal("expected error from a closed store")
	}
	if !strings.Contains(buf.String(), "node type lookup failed") {
		t.Fatalf("type lookup failure not logged:\n%s", buf.String())
	}
}

func TestAddNodeRequiresAgentContext(t *testing.T) {
	reg, _ := openTestRegistry(t)
	bare := &ai.ToolContext{Context: context.Background()}

	if _, err := reg.addNode(bare, AddNodeInput{Type: "Entity", Name: "X"}); err == nil {
		t.Fatal("expected error without agent context")
	}
}

func TestAddEdgeDedups(t *testing.T) {
	reg, agent := openTestRegistry(t)
	ctx := toolCtxFor(agent.ID)

	a, _ := reg.addNode(ctx, AddNodeInput{Type: "Entity", Name: "A"})
	b, _ := reg.addNode(ctx, AddNodeInput{Type: "Entity", Name: "B"})

	first, err := reg.addEdge(ctx, AddEdgeInput{Type: "influences", SourceID: a.ID, TargetID: b.ID})
	if err != nil {
		t.Fatalf("add_edge: %v", err)
	}
	if !first.Created {
		t.Fatal("first add_edge should create")
	}

	second, err := reg.addEdge(ctx, AddEdgeInput{Type: "influences", SourceID: a.ID, TargetID: b.ID})
	if err != nil {
		t.Fatalf("add_edge again: %v", err)
	}
	if second.Created || second.ID != first.ID {
		t.Fatalf("duplicate edge not deduped: %+v", second)
	}
}

func TestCreateTypeToolsAndListing(t *testing.T) {
	reg, agent := openTestRegistry(t)
	ctx := toolCtxFor(agent.ID)

	if _, err := reg.createNodeType(ctx, CreateTypeInput{
		Name:          "Indicator",
		Description:   "A measurable economic signal",
		Justification: "tracking macro indicators is central to the agent's purpose",
	}); err != nil {
		t.Fatalf("create_node_type: %v", err)
	}
	if _, err := reg.createEdgeType(ctx, CreateTypeInput{
		Name:          "correlates_with",
		Description:   "Statistical co-movement between two indicators",
		Justification: "no existing edge type expresses correlation",
	}); err != nil {
		t.Fatalf("create_edge_type: %v", err)
	}

	nodeTypes, err := reg.listNodeTypes(ctx, listTypesInput{})
	if err != nil {
		t.Fatalf("list_node_types: %v", err)
	}
	if len(nodeTypes) != 1 || nodeTypes[0].Name != "Indicator" {
		t.Fatalf("node types = %+v", nodeTypes)
	}
	edgeTypes, err := reg.listEdgeTypes(ctx, listTypesInput{})
	if err != nil {
		t.Fatalf("list_edge_types: %v", err)
	}
	if len(edgeTypes) != 1 || edgeTypes[0].Name != "correlates_with" {
		t.Fatalf("edge types = %+v", edgeTypes)
	}
}

func TestQueryGraphWholeAndNeighborhood(t *testing.T) {
	reg, agent := openTestRegistry(t)
	ctx := toolCtxFor(agent.ID)

	a, _ := reg.addNode(ctx, AddNodeInput{Type: "Entity", Name: "ECB"})
	b, _ := reg.addNode(ctx, AddNodeInput{Type: "Topic", Name: "Rates"})
	c, _ := reg.addNode(ctx, AddNodeInput{Type: "Topic", Name: "Inflation"})
	if _, err := reg.addEdge(ctx, AddEdgeInput{Type: "influences", SourceID: a.ID, TargetID: b.ID}); err != nil {
		t.Fatalf("add_edge: %v", err)
	}
	if _, err := reg.addEdge(ctx, AddEdgeInput{Type: "drives", SourceID: b.ID, TargetID: c.ID}); err != nil {
		t.Fatalf("add_edge: %v", err)
	}

	whole, err := reg.queryGraph(ctx, QueryGraphInput{})
	if err != nil {
		t.Fatalf("query_graph: %v", err)
	}
	for _, want := range []string{"[Entity] ECB", "[Topic] Rates", "ECB --influences--> Rates", "Rates --drives--> Inflation"} {
		if !strings.Contains(whole.Context, want) {
			t.Errorf("whole-graph context missing %q:\n%s", want, whole.Context)
		}
	}

	hood, err := reg.queryGraph(ctx, QueryGraphInput{NodeID: a.ID, Depth: 1})
	if err != nil {
		t.Fatalf("query_graph neighborhood: %v", err)
	}
	if !strings.Contains(hood.Context, "[Entity] ECB") || !strings.Contains(hood.Context, "[Topic] Rates") {
		t.Errorf("neighborhood missing expected nodes:\n%s", hood.Context)
	}
	if strings.Contains(hood.Context, "Inflation") {
		t.Errorf("depth-1 neighborhood should not reach Inflation:\n%s", hood.Context)
	}
}

func TestAddAnalysisNodeLinksAndRecords(t *testing.T) {
	reg, agent := openTestRegistry(t)
	baseCtx, rec := WithRecorder(shared.WithAgentID(context.Background(), agent.ID))
	ctx := &ai.ToolContext{Context: baseCtx}

	fact, _ := reg.addNode(ctx, AddNodeInput{Type: "Fact", Name: "CPI up 0.4%"})

	out, err := reg.addAnalysisNode(ctx, AddAnalysisNodeInput{
		Name:           "Inflation pressure building",
		Synthesis:      "Consecutive CPI increases point to persistent inflation pressure.",
		Confidence:     "medium",
		RelatedNodeIDs: []string{fact.ID, "not-a-node"},
	})
	if err != nil {
		t.Fatalf("add_analysis_node: %v", err)
	}
	if !rec.Called("add_analysis_node") {
		t.Fatal("recorder should have seen add_analysis_node")
	}

	edges, err := reg.Graph.EdgesByNode(context.Background(), out.ID, persistence.EdgeDirectionOutgoing)
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 || edges[0].Type != "derived_from" || edges[0].TargetID != fact.ID {
		t.Fatalf("derived_from edges = %+v", edges)
	}
}

func TestAddAdviceNodeRequiresAnalysisBacking(t *testing.T) {
	reg, agent := openTestRegistry(t)
	ctx := toolCtxFor(agent.ID)

	if _, err := reg.addAdviceNode(ctx, AddAdviceNodeInput{
		Name: "Hold", Recommendation: "Hold position",
	}); err == nil {
		t.Fatal("advice without basedOnAnalysisIds should fail")
	}

	if _, err := reg.addAdviceNode(ctx, AddAdviceNodeInput{
		Name: "Hold", Recommendation: "Hold position",
		BasedOnAnalysisIDs: []string{uuid.NewString()},
	}); err == nil {
		t.Fatal("advice backed by a missing node should fail")
	}

	analysis, err := reg.addAnalysisNode(ctx, AddAnalysisNodeInput{
		Name:      "Rates likely stable",
		Synthesis: "No signal supports a near-term rate change.",
	})
	if err != nil {
		t.Fatalf("add_analysis_node: %v", err)
	}

	advice, err := reg.addAdviceNode(ctx, AddAdviceNodeInput{
		Name:               "Hold",
		Recommendation:     "Hold position until the next policy meeting",
		Rationale:          "stability analysis",
		BasedOnAnalysisIDs: []string{analysis.ID},
	})
	if err != nil {
		t.Fatalf("add_advice_node: %v", err)
	}

	edges, err := reg.Graph.EdgesByNode(context.Background(), advice.ID, persistence.EdgeDirectionOutgoing)
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 || edges[0].Type != "based_on" || edges[0].TargetID != analysis.ID {
		t.Fatalf("based_on edges = %+v", edges)
	}
}
