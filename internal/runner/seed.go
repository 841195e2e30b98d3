package runner

import (
	"context"
	"fmt"

	"github.com/mindloom/mindloom/internal/graph"
	"github.com/mindloom/mindloom/internal/persistence"
)

// starterSeeder bootstraps a baseline ontology the first time an agent finds
// itself with no visible node or edge types. Types are created globally so
// one seeding serves every agent.
type starterSeeder struct {
	svc *graph.Service
}

var starterNodeTypes = []graph.TypeInput{
	{Name: "Entity", Description: "A concrete actor: organization, person, institution, or product."},
	{Name: "Topic", Description: "A subject area the agent tracks over time."},
	{Name: "Event", Description: "Something that happened at a point in time.",
		PropertiesSchema: `{"type":"object","properties":{"occurred_at":{"type":"string"}}}`},
	{Name: "Fact", Description: "A sourced, dated piece of information acquired through research."},
	{Name: "Metric", Description: "A measurable quantity with observed values."},
	{Name: "Analysis", Description: "A synthesized conclusion derived from other nodes."},
	{Name: "Advice", Description: "An actionable recommendation backed by analysis."},
}

var starterEdgeTypes = []graph.TypeInput{
	{Name: "relates_to", Description: "Generic association between two nodes."},
	{Name: "influences", Description: "The source node affects or drives the target."},
	{Name: "part_of", Description: "The source node belongs to the target."},
	{Name: "derived_from", Description: "An analysis node's link to its supporting evidence."},
	{Name: "based_on", Description: "An advice node's link to the analysis backing it."},
}

func (s *starterSeeder) SeedTypes(ctx context.Context, agentID string, meta graph.AgentMeta) error {
	for _, in := range starterNodeTypes {
		in.CreatedBy = persistence.TypeCreatedBySystem
		in.Justification = "starter ontology"
		if _, err := s.svc.CreateNodeType(ctx, in); err != nil {
			return fmt.Errorf("seed node type %s: %w", in.Name, err)
		}
	}
	for _, in := range starterEdgeTypes {
		in.CreatedBy = persistence.TypeCreatedBySystem
		in.Justification = "starter ontology"
		if _, err := s.svc.CreateEdgeType(ctx, in); err != nil {
			return fmt.Errorf("seed edge type %s: %w", in.Name, err)
		}
	}
	return nil
}
