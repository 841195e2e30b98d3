// Package graph is the service layer over per-agent knowledge graphs. It
// wraps the persistence layer with traversal, LLM context rendering, type
// governance, and node reference normalization.
package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mindloom/mindloom/internal/persistence"
)

type Service struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewService(store *persistence.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreateNode inserts a node. There is no implicit dedup; callers needing
// uniqueness check FindNodeByTypeAndName first.
func (s *Service) CreateNode(ctx context.Context, n persistence.GraphNode) (*persistence.GraphNode, error) {
	return s.store.CreateNode(ctx, n)
}

func (s *Service) GetNode(ctx context.Context, nodeID string) (*persistence.GraphNode, error) {
	return s.store.GetNode(ctx, nodeID)
}

func (s *Service) FindNodeByTypeAndName(ctx context.Context, agentID, nodeType, name string) (*persistence.GraphNode, error) {
	return s.store.FindNodeByTypeAndName(ctx, agentID, nodeType, name)
}

func (s *Service) ListNodes(ctx context.Context, agentID string) ([]persistence.GraphNode, error) {
	return s.store.ListNodes(ctx, agentID)
}

func (s *Service) UpdateNodeProperties(ctx context.Context, nodeID string, partial map[string]any) (*persistence.GraphNode, error) {
	return s.store.UpdateNodeProperties(ctx, nodeID, partial)
}

func (s *Service) DeleteNode(ctx context.Context, nodeID string) error {
	return s.store.DeleteNode(ctx, nodeID)
}

func (s *Service) CreateEdge(ctx context.Context, e persistence.GraphEdge) (*persistence.GraphEdge, error) {
	return s.store.CreateEdge(ctx, e)
}

func (s *Service) FindEdge(ctx context.Context, agentID, edgeType, sourceID, targetID string) (*persistence.GraphEdge, error) {
	return s.store.FindEdge(ctx, agentID, edgeType, sourceID, targetID)
}

func (s *Service) EdgesByNode(ctx context.Context, nodeID string, direction persistence.EdgeDirection) ([]persistence.GraphEdge, error) {
	return s.store.EdgesByNode(ctx, nodeID, direction)
}

// Neighborhood is the result of a breadth-first traversal.
type Neighborhood struct {
	Nodes []persistence.GraphNode
	Edges []persistence.GraphEdge
}

// Neighbors walks the graph breadth-first from the origin up to depth hops,
// following edges in either direction, and returns the union of all touched
// nodes and edges including the origin. depth <= 0 or an unknown origin
// returns empty sets.
func (s *Service) Neighbors(ctx context.Context, nodeID string, depth int) (*Neighborhood, error) {
	out := &Neighborhood{Nodes: []persistence.GraphNode{}, Edges: []persistence.GraphEdge{}}
	if depth <= 0 {
		return out, nil
	}
	origin, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return out, nil
		}
		return nil, err
	}

	seenNodes := map[string]bool{origin.ID: true}
	seenEdges := map[string]bool{}
	out.Nodes = append(out.Nodes, *origin)

	frontier := []string{origin.ID}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			edges, err := s.store.EdgesByNode(ctx, id, persistence.EdgeDirectionBoth)
			if err != nil {
				return nil, fmt.Errorf("neighbors of %s: %w", id, err)
			}
			for _, e := range edges {
				if !seenEdges[e.ID] {
					seenEdges[e.ID] = true
					out.Edges = append(out.Edges, e)
				}
				for _, endpoint := range []string{e.SourceID, e.TargetID} {
					if seenNodes[endpoint] {
						continue
					}
					node, err := s.store.GetNode(ctx, endpoint)
					if err != nil {
						if persistence.IsNotFound(err) {
							continue
						}
						return nil, err
					}
					seenNodes[endpoint] = true
					out.Nodes = append(out.Nodes, *node)
					next = append(next, endpoint)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// Stats summarizes one agent's graph.
type Stats struct {
	NodeCount   int            `json:"node_count"`
	EdgeCount   int            `json:"edge_count"`
	NodesByType map[string]int `json:"nodes_by_type"`
	EdgesByType map[string]int `json:"edges_by_type"`
}

func (s *Service) Stats(ctx context.Context, agentID string) (*Stats, error) {
	nodesByType, edgesByType, err := s.store.GraphCounts(ctx, agentID)
	if err != nil {
		return nil, err
	}
	st := &Stats{NodesByType: nodesByType, EdgesByType: edgesByType}
	for _, c := range nodesByType {
		st.NodeCount += c
	}
	for _, c := range edgesByType {
		st.EdgeCount += c
	}
	return st, nil
}
