package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type AgentRole string

const (
	AgentRoleLead        AgentRole = "lead"
	AgentRoleSubordinate AgentRole = "subordinate"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusRunning AgentStatus = "running"
)

// Prompt names, one per pipeline phase plus the foreground conversation.
const (
	PromptConversation          = "conversation"
	PromptQueryIdentification   = "query_identification"
	PromptInsightIdentification = "insight_identification"
	PromptAnalysis              = "analysis"
	PromptAdvice                = "advice"
	PromptAcquisition           = "acquisition"
	PromptConstruction          = "construction"
)

// Agent is an autonomous unit with its own schedule, prompts, and knowledge
// graph. Exactly one of TeamID/AideID is set; lead agents have no parent.
type Agent struct {
	ID                  string            `json:"id"`
	DisplayName         string            `json:"display_name"`
	TeamID              string            `json:"team_id,omitempty"`
	AideID              string            `json:"aide_id,omitempty"`
	Role                AgentRole         `json:"role"`
	ParentAgentID       string            `json:"parent_agent_id,omitempty"`
	Status              AgentStatus       `json:"status"`
	Active              bool              `json:"active"`
	IterationIntervalMs int64             `json:"iteration_interval_ms"`
	CadenceExpr         string            `json:"cadence_expr,omitempty"`
	LeadNextRunAt       *time.Time        `json:"lead_next_run_at,omitempty"`
	BackoffNextRunAt    *time.Time        `json:"backoff_next_run_at,omitempty"`
	BackoffAttemptCount int               `json:"backoff_attempt_count"`
	LastCompletedAt     *time.Time        `json:"last_completed_at,omitempty"`
	Prompts             map[string]string `json:"prompts"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Prompt returns the named system prompt, or "" when unset.
func (a *Agent) Prompt(name string) string {
	if a.Prompts == nil {
		return ""
	}
	return a.Prompts[name]
}

// IsLead reports whether the agent is timer-scheduled (no parent).
func (a *Agent) IsLead() bool {
	return a.Role == AgentRoleLead
}

func validateAgent(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id required")
	}
	if (a.TeamID == "") == (a.AideID == "") {
		return fmt.Errorf("agent %s: exactly one of team_id/aide_id must be set", a.ID)
	}
	switch a.Role {
	case AgentRoleLead:
		if a.ParentAgentID != "" {
			return fmt.Errorf("agent %s: lead agents have no parent", a.ID)
		}
	case AgentRoleSubordinate:
		if a.ParentAgentID == "" {
			return fmt.Errorf("agent %s: subordinate agents require a parent", a.ID)
		}
	default:
		return fmt.Errorf("agent %s: invalid role %q", a.ID, a.Role)
	}
	return nil
}

const agentColumns = `id, display_name, team_id, aide_id, role, parent_agent_id, status, active,
	iteration_interval_ms, cadence_expr, lead_next_run_at, backoff_next_run_at,
	backoff_attempt_count, last_completed_at, prompts, created_at, updated_at`

// CreateAgent persists a new agent record.
func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	if err := validateAgent(a); err != nil {
		return err
	}
	prompts := a.Prompts
	if prompts == nil {
		prompts = map[string]string{}
	}
	promptsJSON, err := json.Marshal(prompts)
	if err != nil {
		return fmt.Errorf("encode agent prompts: %w", err)
	}
	status := a.Status
	if status == "" {
		status = AgentStatusIdle
	}
	interval := a.IterationIntervalMs
	if interval <= 0 {
		interval = int64(24 * time.Hour / time.Millisecond)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, display_name, team_id, aide_id, role, parent_agent_id, status, active,
			iteration_interval_ms, cadence_expr, lead_next_run_at, backoff_next_run_at,
			backoff_attempt_count, last_completed_at, prompts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, a.ID, a.DisplayName, nullStr(a.TeamID), nullStr(a.AideID), string(a.Role), nullStr(a.ParentAgentID),
		string(status), a.Active, interval, a.CadenceExpr, nullTime(a.LeadNextRunAt),
		nullTime(a.BackoffNextRunAt), a.BackoffAttemptCount, nullTime(a.LastCompletedAt), string(promptsJSON))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func scanAgent(scanFn func(dest ...any) error) (*Agent, error) {
	var a Agent
	var teamID, aideID, parentID sql.NullString
	var leadNext, backoffNext, lastCompleted sql.NullTime
	var promptsJSON string
	if err := scanFn(
		&a.ID, &a.DisplayName, &teamID, &aideID, &a.Role, &parentID, &a.Status, &a.Active,
		&a.IterationIntervalMs, &a.CadenceExpr, &leadNext, &backoffNext,
		&a.BackoffAttemptCount, &lastCompleted, &promptsJSON, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.TeamID = strFromNull(teamID)
	a.AideID = strFromNull(aideID)
	a.ParentAgentID = strFromNull(parentID)
	a.LeadNextRunAt = timePtr(leadNext)
	a.BackoffNextRunAt = timePtr(backoffNext)
	a.LastCompletedAt = timePtr(lastCompleted)
	if promptsJSON != "" {
		if err := json.Unmarshal([]byte(promptsJSON), &a.Prompts); err != nil {
			return nil, fmt.Errorf("decode agent prompts: %w", err)
		}
	}
	return &a, nil
}

// GetAgent returns the agent with the given id, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, agentID)
	a, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListActiveAgents returns all active agents ordered by creation time.
func (s *Store) ListActiveAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE active = 1 ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// UpdateAgentStatus sets the operational status (idle/running).
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, string(status), agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return requireOneRow(res, agentID)
}

// SetLeadNextRun records the next timer-based run for a lead agent.
func (s *Store) SetLeadNextRun(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET lead_next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, at, agentID)
	if err != nil {
		return fmt.Errorf("set lead next run: %w", err)
	}
	return requireOneRow(res, agentID)
}

// SetAgentBackoff increments the failure counter and records the cooldown
// expiry. The agent is excluded from due and pending-work checks until then.
func (s *Store) SetAgentBackoff(ctx context.Context, agentID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET backoff_next_run_at = ?, backoff_attempt_count = backoff_attempt_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, until, agentID)
	if err != nil {
		return fmt.Errorf("set agent backoff: %w", err)
	}
	return requireOneRow(res, agentID)
}

// ClearAgentBackoff resets the failure cooldown after a successful iteration.
func (s *Store) ClearAgentBackoff(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET backoff_next_run_at = NULL, backoff_attempt_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, agentID)
	if err != nil {
		return fmt.Errorf("clear agent backoff: %w", err)
	}
	return requireOneRow(res, agentID)
}

// SetAgentLastCompleted stamps the end of a successful work session.
func (s *Store) SetAgentLastCompleted(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_completed_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, at, agentID)
	if err != nil {
		return fmt.Errorf("set agent last completed: %w", err)
	}
	return requireOneRow(res, agentID)
}

// UpdateAgentPrompts replaces the agent's named system prompts.
func (s *Store) UpdateAgentPrompts(ctx context.Context, agentID string, prompts map[string]string) error {
	if prompts == nil {
		prompts = map[string]string{}
	}
	promptsJSON, err := json.Marshal(prompts)
	if err != nil {
		return fmt.Errorf("encode agent prompts: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET prompts = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, string(promptsJSON), agentID)
	if err != nil {
		return fmt.Errorf("update agent prompts: %w", err)
	}
	return requireOneRow(res, agentID)
}

// DeleteAgent removes the agent; tasks, graph rows, and iterations cascade.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?;`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireOneRow(res, agentID)
}

func requireOneRow(res sql.Result, agentID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}
