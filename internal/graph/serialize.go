package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mindloom/mindloom/internal/persistence"
)

// EmptyGraphSentinel is returned by SerializeForLLM for a graph with no
// nodes. Prompts reference this exact text, so it must not change casually.
const EmptyGraphSentinel = "The knowledge graph is currently empty. No nodes or relationships exist yet."

// SerializeForLLM renders one agent's graph as a human-readable listing for
// prompt context: "[Type] Name" per node and
// "SourceName --edgeType--> TargetName" per relationship.
func (s *Service) SerializeForLLM(ctx context.Context, agentID string) (string, error) {
	nodes, err := s.store.ListNodes(ctx, agentID)
	if err != nil {
		return "", err
	}
	edges, err := s.store.ListEdges(ctx, agentID)
	if err != nil {
		return "", err
	}
	return RenderSubgraph(nodes, edges), nil
}

// RenderSubgraph renders an arbitrary node/edge slice in the same listing
// format, for neighborhood views that are not a whole agent graph.
func RenderSubgraph(nodes []persistence.GraphNode, edges []persistence.GraphEdge) string {
	if len(nodes) == 0 {
		return EmptyGraphSentinel
	}

	nameByID := make(map[string]string, len(nodes))
	var b strings.Builder
	b.WriteString("## Nodes\n")
	for _, n := range nodes {
		nameByID[n.ID] = n.Name
		fmt.Fprintf(&b, "- [%s] %s", n.Type, n.Name)
		if len(n.Properties) > 0 {
			if props, err := json.Marshal(n.Properties); err == nil {
				fmt.Fprintf(&b, " %s", props)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## Relationships\n")
	if len(edges) == 0 {
		b.WriteString("(none)\n")
		return b.String()
	}
	for _, e := range edges {
		src, ok := nameByID[e.SourceID]
		if !ok {
			src = e.SourceID
		}
		dst, ok := nameByID[e.TargetID]
		if !ok {
			dst = e.TargetID
		}
		fmt.Fprintf(&b, "- %s --%s--> %s\n", src, e.Type, dst)
	}
	return b.String()
}

// FormatTypesForLLMContext renders the agent's visible node and edge types
// as markdown for prompt context.
func (s *Service) FormatTypesForLLMContext(ctx context.Context, agentID string) (string, error) {
	nodeTypes, err := s.store.NodeTypesForAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	edgeTypes, err := s.store.EdgeTypesForAgent(ctx, agentID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("### Node Types\n")
	if len(nodeTypes) == 0 {
		b.WriteString("No node types defined.\n")
	} else {
		for _, t := range nodeTypes {
			writeTypeEntry(&b, t)
		}
	}
	b.WriteString("\n### Edge Types\n")
	if len(edgeTypes) == 0 {
		b.WriteString("No edge types defined.\n")
	} else {
		for _, t := range edgeTypes {
			writeTypeEntry(&b, t)
		}
	}
	return b.String(), nil
}

func writeTypeEntry(b *strings.Builder, t persistence.GraphType) {
	fmt.Fprintf(b, "- **%s**: %s\n", t.Name, t.Description)
	if required := requiredProperties(t.PropertiesSchema); len(required) > 0 {
		fmt.Fprintf(b, "  - Required properties: %s\n", strings.Join(required, ", "))
	}
	if t.ExampleProperties != "" {
		fmt.Fprintf(b, "  - Example: %s\n", t.ExampleProperties)
	}
}

// requiredProperties pulls the "required" list out of a JSON-schema-shaped
// properties schema. Malformed schemas yield no entries rather than an error.
func requiredProperties(schemaJSON string) []string {
	if schemaJSON == "" || schemaJSON == "{}" {
		return nil
	}
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		return nil
	}
	sort.Strings(schema.Required)
	return schema.Required
}
