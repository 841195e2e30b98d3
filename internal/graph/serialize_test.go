package graph_test

import (
	"context"
	"strings"
	"testing"

	"github.com/mindloom/mindloom/internal/graph"
)

func TestSerializeEmptyGraphSentinel(t *testing.T) {
	svc, _, agent := openTestService(t)

	got, err := svc.SerializeForLLM(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if got != graph.EmptyGraphSentinel {
		t.Fatalf("empty graph = %q, want the fixed sentinel", got)
	}
}

func TestSerializeForLLM(t *testing.T) {
	svc, _, agent := openTestService(t)

	ecb := mustNode(t, svc, agent.ID, "Entity", "ECB")
	rates := mustNode(t, svc, agent.ID, "Topic", "Rates")
	mustEdge(t, svc, agent.ID, "influences", ecb.ID, rates.ID)

	got, err := svc.SerializeForLLM(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	for _, want := range []string{
		"[Entity] ECB",
		"[Topic] Rates",
		"ECB --influences--> Rates",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("serialized graph missing %q:\n%s", want, got)
		}
	}
}

func TestFormatTypesForLLMContext(t *testing.T) {
	svc, _, agent := openTestService(t)
	ctx := context.Background()

	got, err := svc.FormatTypesForLLMContext(ctx, agent.ID)
	if err != nil {
		t.Fatalf("format empty: %v", err)
	}
	if !strings.Contains(got, "### Node Types") || !strings.Contains(got, "### Edge Types") {
		t.Fatalf("missing section headers:\n%s", got)
	}
	if !strings.Contains(got, "No node types defined.") || !strings.Contains(got, "No edge types defined.") {
		t.Fatalf("missing empty placeholders:\n%s", got)
	}

	if _, err := svc.CreateNodeType(ctx, graph.TypeInput{
		Name:              "Topic",
		Description:       "A subject the agent tracks.",
		Justification:     "starter ontology",
		PropertiesSchema:  `{"type":"object","properties":{"summary":{"type":"string"}},"required":["summary"]}`,
		ExampleProperties: `{"summary":"euro area rates"}`,
	}); err != nil {
		t.Fatalf("create node type: %v", err)
	}
	if _, err := svc.CreateEdgeType(ctx, graph.TypeInput{
		AgentID:       agent.ID,
		Name:          "influences",
		Description:   "Directional influence between nodes.",
		Justification: "starter ontology",
	}); err != nil {
		t.Fatalf("create edge type: %v", err)
	}

	got, err = svc.FormatTypesForLLMContext(ctx, agent.ID)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	for _, want := range []string{
		"**Topic**: A subject the agent tracks.",
		"Required properties: summary",
		`Example: {"summary":"euro area rates"}`,
		"**influences**: Directional influence between nodes.",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("type context missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "No node types defined.") || strings.Contains(got, "No edge types defined.") {
		t.Fatalf("placeholders should be gone:\n%s", got)
	}
}
