package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TypeCreator identifies who introduced a graph type.
type TypeCreator string

const (
	TypeCreatedBySystem TypeCreator = "system"
	TypeCreatedByAgent  TypeCreator = "agent"
	TypeCreatedByUser   TypeCreator = "user"
)

// GraphType is a schema-like definition for nodes or edges. AgentID empty
// means global (visible to every agent); otherwise agent-private. Names are
// unique within their scope. Types are never mutated in place.
type GraphType struct {
	ID                string      `json:"id"`
	AgentID           string      `json:"agent_id,omitempty"`
	Name              string      `json:"name"`
	Description       string      `json:"description"`
	PropertiesSchema  string      `json:"properties_schema"`
	ExampleProperties string      `json:"example_properties,omitempty"`
	CreatedBy         TypeCreator `json:"created_by"`
	CreatedAt         time.Time   `json:"created_at"`
}

const typeColumns = `id, agent_id, name, description, properties_schema, example_properties, created_by, created_at`

func (s *Store) insertGraphType(ctx context.Context, table string, t GraphType) (*GraphType, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("type name required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedBy == "" {
		t.CreatedBy = TypeCreatedBySystem
	}
	if t.PropertiesSchema == "" {
		t.PropertiesSchema = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO `+table+` (id, agent_id, name, description, properties_schema, example_properties, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, t.ID, nullStr(t.AgentID), t.Name, t.Description, t.PropertiesSchema, nullStr(t.ExampleProperties), string(t.CreatedBy))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return s.getGraphType(ctx, table, t.ID)
}

func scanGraphType(scanFn func(dest ...any) error) (*GraphType, error) {
	var t GraphType
	var agentID, example sql.NullString
	if err := scanFn(&t.ID, &agentID, &t.Name, &t.Description, &t.PropertiesSchema, &example, &t.CreatedBy, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.AgentID = strFromNull(agentID)
	t.ExampleProperties = strFromNull(example)
	return &t, nil
}

func (s *Store) getGraphType(ctx context.Context, table, id string) (*GraphType, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+typeColumns+` FROM `+table+` WHERE id = ?;`, id)
	t, err := scanGraphType(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	return t, nil
}

// typesForAgent returns the union of agent-scoped types and global types.
func (s *Store) typesForAgent(ctx context.Context, table, agentID string) ([]GraphType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+typeColumns+` FROM `+table+`
		WHERE agent_id IS NULL OR agent_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()
	var out []GraphType
	for rows.Next() {
		t, err := scanGraphType(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", table, err)
	}
	return out, nil
}

func (s *Store) typeExists(ctx context.Context, table, agentID, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM `+table+`
		WHERE name = ? AND (agent_id IS NULL OR agent_id = ?)
		LIMIT 1;
	`, name, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s exists: %w", table, err)
	}
	return true, nil
}

// CreateNodeType inserts a node type (AgentID empty = global scope).
func (s *Store) CreateNodeType(ctx context.Context, t GraphType) (*GraphType, error) {
	return s.insertGraphType(ctx, "node_types", t)
}

// CreateEdgeType inserts an edge type (AgentID empty = global scope).
func (s *Store) CreateEdgeType(ctx context.Context, t GraphType) (*GraphType, error) {
	return s.insertGraphType(ctx, "edge_types", t)
}

// NodeTypesForAgent returns agent-scoped node types plus all globals.
func (s *Store) NodeTypesForAgent(ctx context.Context, agentID string) ([]GraphType, error) {
	return s.typesForAgent(ctx, "node_types", agentID)
}

// EdgeTypesForAgent returns agent-scoped edge types plus all globals.
func (s *Store) EdgeTypesForAgent(ctx context.Context, agentID string) ([]GraphType, error) {
	return s.typesForAgent(ctx, "edge_types", agentID)
}

// NodeTypeExists reports whether a global or agent-scoped node type with the
// exact name exists.
func (s *Store) NodeTypeExists(ctx context.Context, agentID, name string) (bool, error) {
	return s.typeExists(ctx, "node_types", agentID, name)
}

// EdgeTypeExists reports whether a global or agent-scoped edge type with the
// exact name exists.
func (s *Store) EdgeTypeExists(ctx context.Context, agentID, name string) (bool, error) {
	return s.typeExists(ctx, "edge_types", agentID, name)
}
