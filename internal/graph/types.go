package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/mindloom/mindloom/internal/persistence"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TypeInput is the request to create a node or edge type. Justification is
// free text explaining why existing types do not suffice; it is logged, not
// validated, and the tool layer's prompt instructions are what make agents
// supply a meaningful one.
type TypeInput struct {
	AgentID           string // empty creates a global type
	Name              string
	Description       string
	Justification     string
	PropertiesSchema  string // JSON-schema-shaped, optional
	ExampleProperties string
	CreatedBy         persistence.TypeCreator
}

func (in TypeInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("type name required")
	}
	if strings.TrimSpace(in.Description) == "" {
		return fmt.Errorf("type description required")
	}
	if in.PropertiesSchema != "" {
		if err := compileSchema(in.PropertiesSchema); err != nil {
			return fmt.Errorf("properties schema for type %q: %w", in.Name, err)
		}
	}
	return nil
}

// compileSchema checks that raw is a valid JSON schema.
func compileSchema(raw string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

// CreateNodeType validates and inserts a node type.
func (s *Service) CreateNodeType(ctx context.Context, in TypeInput) (*persistence.GraphType, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	s.logger.Info("creating node type",
		"name", in.Name, "agent_id", in.AgentID, "justification", in.Justification)
	return s.store.CreateNodeType(ctx, persistence.GraphType{
		AgentID:           in.AgentID,
		Name:              in.Name,
		Description:       in.Description,
		PropertiesSchema:  in.PropertiesSchema,
		ExampleProperties: in.ExampleProperties,
		CreatedBy:         in.CreatedBy,
	})
}

// CreateEdgeType validates and inserts an edge type.
func (s *Service) CreateEdgeType(ctx context.Context, in TypeInput) (*persistence.GraphType, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	s.logger.Info("creating edge type",
		"name", in.Name, "agent_id", in.AgentID, "justification", in.Justification)
	return s.store.CreateEdgeType(ctx, persistence.GraphType{
		AgentID:           in.AgentID,
		Name:              in.Name,
		Description:       in.Description,
		PropertiesSchema:  in.PropertiesSchema,
		ExampleProperties: in.ExampleProperties,
		CreatedBy:         in.CreatedBy,
	})
}

// NodeTypesForAgent returns agent-scoped node types plus all globals.
func (s *Service) NodeTypesForAgent(ctx context.Context, agentID string) ([]persistence.GraphType, error) {
	return s.store.NodeTypesForAgent(ctx, agentID)
}

// EdgeTypesForAgent returns agent-scoped edge types plus all globals.
func (s *Service) EdgeTypesForAgent(ctx context.Context, agentID string) ([]persistence.GraphType, error) {
	return s.store.EdgeTypesForAgent(ctx, agentID)
}

func (s *Service) NodeTypeExists(ctx context.Context, agentID, name string) (bool, error) {
	return s.store.NodeTypeExists(ctx, agentID, name)
}

func (s *Service) EdgeTypeExists(ctx context.Context, agentID, name string) (bool, error) {
	return s.store.EdgeTypeExists(ctx, agentID, name)
}

// AgentMeta describes an agent for ontology seeding.
type AgentMeta struct {
	DisplayName string
	Purpose     string
}

// TypeSeeder bootstraps a starter ontology for an agent that has none yet.
// The production seeder is an LLM-backed collaborator; tests inject fakes.
type TypeSeeder interface {
	SeedTypes(ctx context.Context, agentID string, meta AgentMeta) error
}

// EnsureTypesInitialized bootstraps the agent's ontology via the seeder when
// the agent can see no node or edge types at all. Idempotent: a no-op once
// any types exist.
func (s *Service) EnsureTypesInitialized(ctx context.Context, agentID string, meta AgentMeta, seeder TypeSeeder) error {
	nodeTypes, err := s.store.NodeTypesForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	edgeTypes, err := s.store.EdgeTypesForAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if len(nodeTypes) > 0 || len(edgeTypes) > 0 {
		return nil
	}
	s.logger.Info("seeding starter ontology", "agent_id", agentID, "agent", meta.DisplayName)
	return seeder.SeedTypes(ctx, agentID, meta)
}
