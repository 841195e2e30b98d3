package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type IterationStatus string

const (
	IterationStatusRunning   IterationStatus = "running"
	IterationStatusCompleted IterationStatus = "completed"
	IterationStatusFailed    IterationStatus = "failed"
)

// WorkerIteration records one full pipeline execution for one agent.
type WorkerIteration struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	Status       IterationStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// LLMInteraction records one phase's LLM call. Response is accumulated
// incrementally as multi-step tool calling proceeds.
type LLMInteraction struct {
	ID           string     `json:"id"`
	IterationID  string     `json:"iteration_id"`
	Phase        string     `json:"phase"`
	SystemPrompt string     `json:"system_prompt"`
	Request      string     `json:"request"`
	Response     string     `json:"response"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// CreateIteration opens a new running iteration for the agent.
func (s *Store) CreateIteration(ctx context.Context, agentID string) (*WorkerIteration, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_iterations (id, agent_id, status, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, id, agentID, string(IterationStatusRunning))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create iteration: %w", err)
	}
	return s.GetIteration(ctx, id)
}

const iterationColumns = `id, agent_id, status, error_message, created_at, completed_at`

func scanIteration(scanFn func(dest ...any) error) (*WorkerIteration, error) {
	var it WorkerIteration
	var completedAt sql.NullTime
	if err := scanFn(&it.ID, &it.AgentID, &it.Status, &it.ErrorMessage, &it.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	it.CompletedAt = timePtr(completedAt)
	return &it, nil
}

// GetIteration returns the iteration with the given id, or ErrNotFound.
func (s *Store) GetIteration(ctx context.Context, iterationID string) (*WorkerIteration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+iterationColumns+` FROM worker_iterations WHERE id = ?;`, iterationID)
	it, err := scanIteration(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("iteration %s: %w", iterationID, ErrNotFound)
		}
		return nil, fmt.Errorf("get iteration: %w", err)
	}
	return it, nil
}

// LatestIteration returns the most recent iteration for an agent, or nil when
// the agent has never run.
func (s *Store) LatestIteration(ctx context.Context, agentID string) (*WorkerIteration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+iterationColumns+` FROM worker_iterations
		WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, agentID)
	it, err := scanIteration(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest iteration: %w", err)
	}
	return it, nil
}

// CompleteIteration marks the iteration completed.
func (s *Store) CompleteIteration(ctx context.Context, iterationID string) error {
	return s.finishIteration(ctx, iterationID, IterationStatusCompleted, "")
}

// FailIteration marks the iteration failed with the given message.
func (s *Store) FailIteration(ctx context.Context, iterationID, errMsg string) error {
	return s.finishIteration(ctx, iterationID, IterationStatusFailed, errMsg)
}

func (s *Store) finishIteration(ctx context.Context, iterationID string, status IterationStatus, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE worker_iterations
			SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, string(status), errMsg, iterationID)
		if err != nil {
			return fmt.Errorf("finish iteration: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish iteration rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("iteration %s: %w", iterationID, ErrNotFound)
		}
		return nil
	})
}

// RecoverRunningIterations marks iterations left in running state by a prior
// process as failed. completed_at stays NULL on purpose: the due-check treats
// a terminal iteration without a completion stamp as a crash and retries the
// agent immediately instead of waiting a full interval.
func (s *Store) RecoverRunningIterations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_iterations
		SET status = ?, error_message = 'interrupted by daemon restart'
		WHERE status = ?;
	`, string(IterationStatusFailed), string(IterationStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("recover running iterations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover running iterations rows: %w", err)
	}
	return n, nil
}

// CreateInteraction opens an LLM interaction record for one phase call.
func (s *Store) CreateInteraction(ctx context.Context, it LLMInteraction) (*LLMInteraction, error) {
	if it.IterationID == "" || it.Phase == "" {
		return nil, fmt.Errorf("interaction requires iteration_id and phase")
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Request == "" {
		it.Request = "{}"
	}
	if it.Response == "" {
		it.Response = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO llm_interactions (id, iteration_id, phase, system_prompt, request, response, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, it.ID, it.IterationID, it.Phase, it.SystemPrompt, it.Request, it.Response)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create interaction: %w", err)
	}
	return s.GetInteraction(ctx, it.ID)
}

const interactionColumns = `id, iteration_id, phase, system_prompt, request, response, created_at, completed_at`

func scanInteraction(scanFn func(dest ...any) error) (*LLMInteraction, error) {
	var it LLMInteraction
	var completedAt sql.NullTime
	if err := scanFn(&it.ID, &it.IterationID, &it.Phase, &it.SystemPrompt, &it.Request, &it.Response, &it.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	it.CompletedAt = timePtr(completedAt)
	return &it, nil
}

// GetInteraction returns the interaction with the given id, or ErrNotFound.
func (s *Store) GetInteraction(ctx context.Context, id string) (*LLMInteraction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM llm_interactions WHERE id = ?;`, id)
	it, err := scanInteraction(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("interaction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get interaction: %w", err)
	}
	return it, nil
}

// UpdateInteractionResponse replaces the accumulated response payload.
// Called after every tool step so a crash preserves partial progress.
func (s *Store) UpdateInteractionResponse(ctx context.Context, id, response string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE llm_interactions SET response = ? WHERE id = ?;`, response, id)
		if err != nil {
			return fmt.Errorf("update interaction response: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update interaction rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("interaction %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// CompleteInteraction stamps the interaction's completion time.
func (s *Store) CompleteInteraction(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE llm_interactions SET completed_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("complete interaction: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete interaction rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("interaction %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListInteractions returns an iteration's interactions in call order.
func (s *Store) ListInteractions(ctx context.Context, iterationID string) ([]LLMInteraction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM llm_interactions
		WHERE iteration_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()
	var out []LLMInteraction
	for rows.Next() {
		it, err := scanInteraction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("interaction rows: %w", err)
	}
	return out, nil
}
