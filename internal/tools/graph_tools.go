package tools

import (
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/mindloom/mindloom/internal/graph"
	"github.com/mindloom/mindloom/internal/persistence"
	"github.com/mindloom/mindloom/internal/shared"
)

// Graph tools resolve the owning agent from the tool context; the runner
// sets it with shared.WithAgentID before each phase run. A tool invoked
// outside an agent-scoped run fails rather than touching a shared graph.

type AddNodeInput struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

type AddNodeOutput struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
	Message string `json:"message"`
}

func registerAddNode(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "add_node",
		"Add a node to the knowledge graph, or merge properties into the existing node with the same type and name. Returns the node id for use in add_edge.",
		reg.addNode,
	)
}

func (r *Registry) addNode(ctx *ai.ToolContext, input AddNodeInput) (AddNodeOutput, error) {
	record(ctx, "add_node", input.Type+"/"+input.Name)
	agentID := shared.AgentID(ctx)
	if agentID == "" {
		return AddNodeOutput{}, fmt.Errorf("add_node called outside an agent context")
	}
	if input.Type == "" || input.Name == "" {
		return AddNodeOutput{}, fmt.Errorf("add_node requires both type and name")
	}

	if exists, err := r.Graph.NodeTypeExists(ctx, agentID, input.Type); err != nil {
		slog.Warn("node type lookup failed",
			"agent_id", agentID, "type", input.Type, "error", err)
	} else if !exists {
		slog.Warn("add_node with undefined node type",
			"agent_id", agentID, "type", input.Type)
	}

	existing, err := r.Graph.FindNodeByTypeAndName(ctx, agentID, input.Type, input.Name)
	if err != nil {
		return AddNodeOutput{}, err
	}
	if existing != nil {
		if len(input.Properties) > 0 {
			if _, err := r.Graph.UpdateNodeProperties(ctx, existing.ID, input.Properties); err != nil {
				return AddNodeOutput{}, err
			}
		}
		return AddNodeOutput{
			ID:      existing.ID,
			Created: false,
			Message: fmt.Sprintf("node %q already exists; properties merged", input.Name),
		}, nil
	}
	node, err := r.Graph.CreateNode(ctx, persistence.GraphNode{
		AgentID:              agentID,
		Type:                 input.Type,
		Name:                 input.Name,
		Properties:           input.Properties,
		SourceConversationID: shared.ConversationID(ctx),
	})
	if err != nil {
		return AddNodeOutput{}, err
	}
	return AddNodeOutput{ID: node.ID, Created: true, Message: "node created"}, nil
}

type AddEdgeInput struct {
	Type       string         `json:"type"`
	SourceID   string         `json:"sourceId"`
	TargetID   string         `json:"targetId"`
	Properties map[string]any `json:"properties,omitempty"`
}

type AddEdgeOutput struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
	Message string `json:"message"`
}

func registerAddEdge(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "add_edge",
		"Add a directed, typed relationship between two existing graph nodes. No-op if the same edge already exists.",
		reg.addEdge,
	)
}

func (r *Registry) addEdge(ctx *ai.ToolContext, input AddEdgeInput) (AddEdgeOutput, error) {
	record(ctx, "add_edge", input.Type)
	agentID := shared.AgentID(ctx)
	if agentID == "" {
		return AddEdgeOutput{}, fmt.Errorf("add_edge called outside an agent context")
	}
	if input.Type == "" || input.SourceID == "" || input.TargetID == "" {
		return AddEdgeOutput{}, fmt.Errorf("add_edge requires type, sourceId and targetId")
	}

	existing, err := r.Graph.FindEdge(ctx, agentID, input.Type, input.SourceID, input.TargetID)
	if err != nil {
		return AddEdgeOutput{}, err
	}
	if existing != nil {
		return AddEdgeOutput{ID: existing.ID, Created: false, Message: "edge already exists"}, nil
	}
	edge, err := r.Graph.CreateEdge(ctx, persistence.GraphEdge{
		AgentID:    agentID,
		Type:       input.Type,
		SourceID:   input.SourceID,
		TargetID:   input.TargetID,
		Properties: input.Properties,
	})
	if err != nil {
		return AddEdgeOutput{}, err
	}
	return AddEdgeOutput{ID: edge.ID, Created: true, Message: "edge created"}, nil
}

type listTypesInput struct{}

type TypeSummary struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	PropertiesSchema  string `json:"propertiesSchema,omitempty"`
	ExampleProperties string `json:"exampleProperties,omitempty"`
}

func registerListNodeTypes(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "list_node_types",
		"List the node types available in this agent's knowledge graph (global and agent-specific).",
		reg.listNodeTypes,
	)
}

func (r *Registry) listNodeTypes(ctx *ai.ToolContext, _ listTypesInput) ([]TypeSummary, error) {
	record(ctx, "list_node_types", "")
	types, err := r.Graph.NodeTypesForAgent(ctx, shared.AgentID(ctx))
	if err != nil {
		return nil, err
	}
	return summarizeTypes(types), nil
}

func registerListEdgeTypes(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "list_edge_types",
		"List the edge types available in this agent's knowledge graph (global and agent-specific).",
		reg.listEdgeTypes,
	)
}

func (r *Registry) listEdgeTypes(ctx *ai.ToolContext, _ listTypesInput) ([]TypeSummary, error) {
	record(ctx, "list_edge_types", "")
	types, err := r.Graph.EdgeTypesForAgent(ctx, shared.AgentID(ctx))
	if err != nil {
		return nil, err
	}
	return summarizeTypes(types), nil
}

func summarizeTypes(types []persistence.GraphType) []TypeSummary {
	out := make([]TypeSummary, 0, len(types))
	for _, t := range types {
		out = append(out, TypeSummary{
			Name:              t.Name,
			Description:       t.Description,
			PropertiesSchema:  t.PropertiesSchema,
			ExampleProperties: t.ExampleProperties,
		})
	}
	return out
}

type CreateTypeInput struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	Justification     string `json:"justification"`
	PropertiesSchema  string `json:"propertiesSchema,omitempty"`
	ExampleProperties string `json:"exampleProperties,omitempty"`
}

type CreateTypeOutput struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func registerCreateNodeType(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "create_node_type",
		"Define a new node type for this agent's graph. Only create a type when no existing type fits; always check list_node_types first and explain why a new type is needed in justification.",
		reg.createNodeType,
	)
}

func (r *Registry) createNodeType(ctx *ai.ToolContext, input CreateTypeInput) (CreateTypeOutput, error) {
	record(ctx, "create_node_type", input.Name)
	created, err := r.Graph.CreateNodeType(ctx, typeInputFrom(ctx, input))
	if err != nil {
		return CreateTypeOutput{}, err
	}
	return CreateTypeOutput{Name: created.Name, Message: "node type created"}, nil
}

func registerCreateEdgeType(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "create_edge_type",
		"Define a new edge type for this agent's graph. Only create a type when no existing type fits; always check list_edge_types first and explain why a new type is needed in justification.",
		reg.createEdgeType,
	)
}

func (r *Registry) createEdgeType(ctx *ai.ToolContext, input CreateTypeInput) (CreateTypeOutput, error) {
	record(ctx, "create_edge_type", input.Name)
	created, err := r.Graph.CreateEdgeType(ctx, typeInputFrom(ctx, input))
	if err != nil {
		return CreateTypeOutput{}, err
	}
	return CreateTypeOutput{Name: created.Name, Message: "edge type created"}, nil
}

func typeInputFrom(ctx *ai.ToolContext, input CreateTypeInput) graph.TypeInput {
	return graph.TypeInput{
		AgentID:           shared.AgentID(ctx),
		Name:              input.Name,
		Description:       input.Description,
		Justification:     input.Justification,
		PropertiesSchema:  input.PropertiesSchema,
		ExampleProperties: input.ExampleProperties,
		CreatedBy:         persistence.TypeCreatedByAgent,
	}
}

type QueryGraphInput struct {
	NodeID string `json:"nodeId,omitempty"`
	Depth  int    `json:"depth,omitempty"`
}

type QueryGraphOutput struct {
	Context string `json:"context"`
}

func registerQueryGraph(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "query_graph",
		"Inspect the knowledge graph. With no arguments, returns the whole graph rendered as text. With nodeId and depth, returns the neighborhood of that node.",
		reg.queryGraph,
	)
}

func (r *Registry) queryGraph(ctx *ai.ToolContext, input QueryGraphInput) (QueryGraphOutput, error) {
	record(ctx, "query_graph", input.NodeID)
	agentID := shared.AgentID(ctx)
	if agentID == "" {
		return QueryGraphOutput{}, fmt.Errorf("query_graph called outside an agent context")
	}

	if input.NodeID != "" {
		depth := input.Depth
		if depth <= 0 {
			depth = 1
		}
		hood, err := r.Graph.Neighbors(ctx, input.NodeID, depth)
		if err != nil {
			return QueryGraphOutput{}, err
		}
		return QueryGraphOutput{Context: graph.RenderSubgraph(hood.Nodes, hood.Edges)}, nil
	}

	rendered, err := r.Graph.SerializeForLLM(ctx, agentID)
	if err != nil {
		return QueryGraphOutput{}, err
	}
	return QueryGraphOutput{Context: rendered}, nil
}

type AddAnalysisNodeInput struct {
	Name            string   `json:"name"`
	Synthesis       string   `json:"synthesis"`
	Confidence      string   `json:"confidence,omitempty"`
	RelatedNodeIDs  []string `json:"relatedNodeIds,omitempty"`
	SupportingFacts []string `json:"supportingFacts,omitempty"`
}

func registerAddAnalysisNode(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "add_analysis_node",
		"Record a synthesized analytical conclusion as an Analysis node, linked to the graph nodes it derives from. Only use this when the evidence genuinely supports a conclusion.",
		reg.addAnalysisNode,
	)
}

func (r *Registry) addAnalysisNode(ctx *ai.ToolContext, input AddAnalysisNodeInput) (AddNodeOutput, error) {
	record(ctx, "add_analysis_node", input.Name)
	agentID := shared.AgentID(ctx)
	if agentID == "" {
		return AddNodeOutput{}, fmt.Errorf("add_analysis_node called outside an agent context")
	}
	if input.Name == "" || input.Synthesis == "" {
		return AddNodeOutput{}, fmt.Errorf("add_analysis_node requires name and synthesis")
	}

	props := map[string]any{"synthesis": input.Synthesis}
	if input.Confidence != "" {
		props["confidence"] = input.Confidence
	}
	if len(input.SupportingFacts) > 0 {
		props["supporting_facts"] = input.SupportingFacts
	}
	node, err := r.createOrMerge(ctx, agentID, "Analysis", input.Name, props)
	if err != nil {
		return AddNodeOutput{}, err
	}

	for _, relID := range input.RelatedNodeIDs {
		if err := r.ensureEdge(ctx, agentID, "derived_from", node.ID, relID); err != nil {
			slog.Warn("analysis link skipped",
				"agent_id", agentID, "target", relID, "error", err)
		}
	}
	return AddNodeOutput{ID: node.ID, Created: true, Message: "analysis recorded"}, nil
}

type AddAdviceNodeInput struct {
	Name               string   `json:"name"`
	Recommendation     string   `json:"recommendation"`
	Rationale          string   `json:"rationale,omitempty"`
	BasedOnAnalysisIDs []string `json:"basedOnAnalysisIds"`
}

func registerAddAdviceNode(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "add_advice_node",
		"Record an actionable recommendation as an Advice node. basedOnAnalysisIds must list the Analysis node ids the advice rests on; advice without analytical backing is rejected.",
		reg.addAdviceNode,
	)
}

func (r *Registry) addAdviceNode(ctx *ai.ToolContext, input AddAdviceNodeInput) (AddNodeOutput, error) {
	record(ctx, "add_advice_node", input.Name)
	agentID := shared.AgentID(ctx)
	if agentID == "" {
		return AddNodeOutput{}, fmt.Errorf("add_advice_node called outside an agent context")
	}
	if input.Name == "" || input.Recommendation == "" {
		return AddNodeOutput{}, fmt.Errorf("add_advice_node requires name and recommendation")
	}
	if len(input.BasedOnAnalysisIDs) == 0 {
		return AddNodeOutput{}, fmt.Errorf("add_advice_node requires at least one id in basedOnAnalysisIds")
	}

	// Verify the backing nodes exist before creating anything.
	for _, id := range input.BasedOnAnalysisIDs {
		if _, err := r.Graph.GetNode(ctx, id); err != nil {
			return AddNodeOutput{}, fmt.Errorf("basedOnAnalysisIds entry %s: %w", id, err)
		}
	}

	props := map[string]any{"recommendation": input.Recommendation}
	if input.Rationale != "" {
		props["rationale"] = input.Rationale
	}
	node, err := r.createOrMerge(ctx, agentID, "Advice", input.Name, props)
	if err != nil {
		return AddNodeOutput{}, err
	}
	for _, id := range input.BasedOnAnalysisIDs {
		if err := r.ensureEdge(ctx, agentID, "based_on", node.ID, id); err != nil {
			return AddNodeOutput{}, err
		}
	}
	return AddNodeOutput{ID: node.ID, Created: true, Message: "advice recorded"}, nil
}

func (r *Registry) createOrMerge(ctx *ai.ToolContext, agentID, nodeType, name string, props map[string]any) (*persistence.GraphNode, error) {
	existing, err := r.Graph.FindNodeByTypeAndName(ctx, agentID, nodeType, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return r.Graph.UpdateNodeProperties(ctx, existing.ID, props)
	}
	return r.Graph.CreateNode(ctx, persistence.GraphNode{
		AgentID:              agentID,
		Type:                 nodeType,
		Name:                 name,
		Properties:           props,
		SourceConversationID: shared.ConversationID(ctx),
	})
}

func (r *Registry) ensureEdge(ctx *ai.ToolContext, agentID, edgeType, sourceID, targetID string) error {
	existing, err := r.Graph.FindEdge(ctx, agentID, edgeType, sourceID, targetID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = r.Graph.CreateEdge(ctx, persistence.GraphEdge{
		AgentID:  agentID,
		Type:     edgeType,
		SourceID: sourceID,
		TargetID: targetID,
	})
	return err
}
