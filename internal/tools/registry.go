package tools

import (
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/mindloom/mindloom/internal/graph"
)

// Registry holds all Genkit tool definitions plus the services they act on.
// Graph tools resolve the owning agent from the tool context at call time,
// so one registration serves every agent.
type Registry struct {
	Graph     *graph.Service
	APIKeys   map[string]string
	Providers []SearchProvider // Ordered by preference

	acquisition  []ai.ToolRef
	construction []ai.ToolRef
	analysis     []ai.ToolRef
	advice       []ai.ToolRef
	query        []ai.ToolRef
}

// NewRegistry builds a Registry with providers ordered by preference:
// Brave first when a key is configured, DuckDuckGo as the keyless fallback.
func NewRegistry(svc *graph.Service, apiKeys map[string]string) *Registry {
	return &Registry{
		Graph:   svc,
		APIKeys: apiKeys,
		Providers: []SearchProvider{
			NewBraveProvider(apiKeys["brave_search"]),
			NewDDGProvider(),
		},
	}
}

// RegisterAll creates and registers every built-in tool with the Genkit
// instance and assembles the per-phase tool sets.
func (r *Registry) RegisterAll(g *genkit.Genkit) {
	searchTool := registerSearch(g, r)
	readerTool := registerReadPage(g, r)

	addNode := registerAddNode(g, r)
	addEdge := registerAddEdge(g, r)
	listNodeTypes := registerListNodeTypes(g, r)
	listEdgeTypes := registerListEdgeTypes(g, r)
	createNodeType := registerCreateNodeType(g, r)
	createEdgeType := registerCreateEdgeType(g, r)
	queryGraph := registerQueryGraph(g, r)
	addAnalysis := registerAddAnalysisNode(g, r)
	addAdvice := registerAddAdviceNode(g, r)

	r.acquisition = []ai.ToolRef{searchTool, readerTool}
	r.construction = []ai.ToolRef{
		addNode, addEdge, listNodeTypes, listEdgeTypes,
		createNodeType, createEdgeType, queryGraph,
	}
	r.analysis = []ai.ToolRef{addAnalysis, addEdge, queryGraph, listNodeTypes}
	r.advice = []ai.ToolRef{addAdvice, queryGraph}
	r.query = []ai.ToolRef{queryGraph, listNodeTypes, listEdgeTypes}
}

// AcquisitionTools is the web-only set for the research acquire step.
func (r *Registry) AcquisitionTools() []ai.ToolRef { return r.acquisition }

// ConstructionTools is the graph-mutation set for the construct step.
func (r *Registry) ConstructionTools() []ai.ToolRef { return r.construction }

// AnalysisTools is the set for per-insight analysis runs.
func (r *Registry) AnalysisTools() []ai.ToolRef { return r.analysis }

// AdviceTools is the set for the advice phase.
func (r *Registry) AdviceTools() []ai.ToolRef { return r.advice }

// QueryTools is the read-only set for foreground conversations.
func (r *Registry) QueryTools() []ai.ToolRef { return r.query }
