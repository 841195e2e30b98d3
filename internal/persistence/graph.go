package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GraphNode is a typed entity in one agent's knowledge graph. The natural
// dedup key is (agent_id, type, name); callers check FindNodeByTypeAndName
// before creating; there is no implicit dedup here.
type GraphNode struct {
	ID                   string         `json:"id"`
	AgentID              string         `json:"agent_id"`
	Type                 string         `json:"type"`
	Name                 string         `json:"name"`
	Properties           map[string]any `json:"properties"`
	SourceConversationID string         `json:"source_conversation_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// GraphEdge is a directed, typed relationship between two nodes of the same
// agent's graph. Natural key: (agent_id, type, source_id, target_id).
type GraphEdge struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Type       string         `json:"type"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EdgeDirection selects which incident edges of a node to return.
type EdgeDirection string

const (
	EdgeDirectionIncoming EdgeDirection = "incoming"
	EdgeDirectionOutgoing EdgeDirection = "outgoing"
	EdgeDirectionBoth     EdgeDirection = "both"
)

func marshalProps(props map[string]any) (string, error) {
	if props == nil {
		props = map[string]any{}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	return string(b), nil
}

func unmarshalProps(raw string) (map[string]any, error) {
	props := map[string]any{}
	if raw == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return props, nil
}

const nodeColumns = `id, agent_id, type, name, properties, source_conversation_id, created_at`

// CreateNode inserts a node. Properties default to the empty map.
func (s *Store) CreateNode(ctx context.Context, n GraphNode) (*GraphNode, error) {
	if n.AgentID == "" || n.Type == "" || n.Name == "" {
		return nil, fmt.Errorf("node requires agent_id, type, and name")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	propsJSON, err := marshalProps(n.Properties)
	if err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_nodes (id, agent_id, type, name, properties, source_conversation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, n.ID, n.AgentID, n.Type, n.Name, propsJSON, nullStr(n.SourceConversationID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	return s.GetNode(ctx, n.ID)
}

func scanNode(scanFn func(dest ...any) error) (*GraphNode, error) {
	var n GraphNode
	var propsJSON string
	var convID sql.NullString
	if err := scanFn(&n.ID, &n.AgentID, &n.Type, &n.Name, &propsJSON, &convID, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.SourceConversationID = strFromNull(convID)
	props, err := unmarshalProps(propsJSON)
	if err != nil {
		return nil, err
	}
	n.Properties = props
	return &n, nil
}

// GetNode returns the node with the given id, or ErrNotFound.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*GraphNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE id = ?;`, nodeID)
	n, err := scanNode(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// FindNodeByTypeAndName does an exact match on (agent_id, type, name).
// Returns nil (no error) when absent.
func (s *Store) FindNodeByTypeAndName(ctx context.Context, agentID, nodeType, name string) (*GraphNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE agent_id = ? AND type = ? AND name = ?
		LIMIT 1;
	`, agentID, nodeType, name)
	n, err := scanNode(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find node by type and name: %w", err)
	}
	return n, nil
}

// ListNodes returns all nodes of one agent's graph.
func (s *Store) ListNodes(ctx context.Context, agentID string) ([]GraphNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes WHERE agent_id = ? ORDER BY created_at ASC, rowid ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var out []GraphNode
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("node rows: %w", err)
	}
	return out, nil
}

// UpdateNodeProperties shallow-merges partial into the node's properties:
// new keys added, existing keys overwritten, untouched keys preserved.
func (s *Store) UpdateNodeProperties(ctx context.Context, nodeID string, partial map[string]any) (*GraphNode, error) {
	node, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	merged := node.Properties
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range partial {
		merged[k] = v
	}
	propsJSON, err := marshalProps(merged)
	if err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE graph_nodes SET properties = ? WHERE id = ?;`, propsJSON, nodeID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update node properties: %w", err)
	}
	node.Properties = merged
	return node, nil
}

// DeleteNode removes a node and cascades to all incident edges.
func (s *Store) DeleteNode(ctx context.Context, nodeID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete node tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM graph_edges WHERE source_id = ? OR target_id = ?;
		`, nodeID, nodeID); err != nil {
			return fmt.Errorf("delete incident edges: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ?;`, nodeID)
		if err != nil {
			return fmt.Errorf("delete node: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete node rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
		}
		return tx.Commit()
	})
}

const edgeColumns = `id, agent_id, type, source_id, target_id, properties, created_at`

// CreateEdge inserts a directed edge. No implicit reverse edge is created.
func (s *Store) CreateEdge(ctx context.Context, e GraphEdge) (*GraphEdge, error) {
	if e.AgentID == "" || e.Type == "" || e.SourceID == "" || e.TargetID == "" {
		return nil, fmt.Errorf("edge requires agent_id, type, source_id, and target_id")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	propsJSON, err := marshalProps(e.Properties)
	if err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graph_edges (id, agent_id, type, source_id, target_id, properties, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, e.ID, e.AgentID, e.Type, e.SourceID, e.TargetID, propsJSON)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create edge: %w", err)
	}
	return s.GetEdge(ctx, e.ID)
}

func scanEdge(scanFn func(dest ...any) error) (*GraphEdge, error) {
	var e GraphEdge
	var propsJSON string
	if err := scanFn(&e.ID, &e.AgentID, &e.Type, &e.SourceID, &e.TargetID, &propsJSON, &e.CreatedAt); err != nil {
		return nil, err
	}
	props, err := unmarshalProps(propsJSON)
	if err != nil {
		return nil, err
	}
	e.Properties = props
	return &e, nil
}

// GetEdge returns the edge with the given id, or ErrNotFound.
func (s *Store) GetEdge(ctx context.Context, edgeID string) (*GraphEdge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM graph_edges WHERE id = ?;`, edgeID)
	e, err := scanEdge(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("edge %s: %w", edgeID, ErrNotFound)
		}
		return nil, fmt.Errorf("get edge: %w", err)
	}
	return e, nil
}

// FindEdge does a direction-sensitive exact match: a->b is not b->a.
// Returns nil (no error) when absent.
func (s *Store) FindEdge(ctx context.Context, agentID, edgeType, sourceID, targetID string) (*GraphEdge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+edgeColumns+` FROM graph_edges
		WHERE agent_id = ? AND type = ? AND source_id = ? AND target_id = ?
		LIMIT 1;
	`, agentID, edgeType, sourceID, targetID)
	e, err := scanEdge(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find edge: %w", err)
	}
	return e, nil
}

// EdgesByNode returns edges incident to a node, filtered by direction.
func (s *Store) EdgesByNode(ctx context.Context, nodeID string, direction EdgeDirection) ([]GraphEdge, error) {
	var query string
	var args []any
	switch direction {
	case EdgeDirectionIncoming:
		query = `SELECT ` + edgeColumns + ` FROM graph_edges WHERE target_id = ? ORDER BY created_at ASC, rowid ASC;`
		args = []any{nodeID}
	case EdgeDirectionOutgoing:
		query = `SELECT ` + edgeColumns + ` FROM graph_edges WHERE source_id = ? ORDER BY created_at ASC, rowid ASC;`
		args = []any{nodeID}
	case EdgeDirectionBoth:
		query = `SELECT ` + edgeColumns + ` FROM graph_edges WHERE source_id = ? OR target_id = ? ORDER BY created_at ASC, rowid ASC;`
		args = []any{nodeID, nodeID}
	default:
		return nil, fmt.Errorf("invalid edge direction %q", direction)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("edges by node: %w", err)
	}
	defer rows.Close()
	var out []GraphEdge
	for rows.Next() {
		e, err := scanEdge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edge rows: %w", err)
	}
	return out, nil
}

// ListEdges returns all edges of one agent's graph.
func (s *Store) ListEdges(ctx context.Context, agentID string) ([]GraphEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM graph_edges WHERE agent_id = ? ORDER BY created_at ASC, rowid ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()
	var out []GraphEdge
	for rows.Next() {
		e, err := scanEdge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edge rows: %w", err)
	}
	return out, nil
}

// GraphCounts returns node/edge totals and per-type breakdowns for an agent.
func (s *Store) GraphCounts(ctx context.Context, agentID string) (nodesByType, edgesByType map[string]int, err error) {
	nodesByType = map[string]int{}
	edgesByType = map[string]int{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(1) FROM graph_nodes WHERE agent_id = ? GROUP BY type;
	`, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("count nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			return nil, nil, fmt.Errorf("scan node count: %w", err)
		}
		nodesByType[t] = c
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("node count rows: %w", err)
	}

	edgeRows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(1) FROM graph_edges WHERE agent_id = ? GROUP BY type;
	`, agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("count edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var t string
		var c int
		if err := edgeRows.Scan(&t, &c); err != nil {
			return nil, nil, fmt.Errorf("scan edge count: %w", err)
		}
		edgesByType[t] = c
	}
	if err := edgeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("edge count rows: %w", err)
	}
	return nodesByType, edgesByType, nil
}
