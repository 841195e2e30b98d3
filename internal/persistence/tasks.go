package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskSource string

const (
	TaskSourceUser       TaskSource = "user"
	TaskSourceSystem     TaskSource = "system"
	TaskSourceSelf       TaskSource = "self"
	TaskSourceDelegation TaskSource = "delegation"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// AgentTask is one unit of queued work for an agent. Status transitions are
// monotonic pending -> in_progress -> completed|failed; result stays nil
// until a terminal state (error text lands in result for failed tasks).
type AgentTask struct {
	ID           string     `json:"id"`
	AssignedToID string     `json:"assigned_to_id"`
	AssignedByID string     `json:"assigned_by_id"`
	TeamID       string     `json:"team_id,omitempty"`
	AideID       string     `json:"aide_id,omitempty"`
	Task         string     `json:"task"`
	Source       TaskSource `json:"source"`
	Status       TaskStatus `json:"status"`
	Result       *string    `json:"result,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// QueueStatus summarizes an agent's queue. PendingCount counts only pending
// tasks; HasPendingWork is true when pending OR in-progress tasks exist:
// an in-progress task is still unfinished actionable work even though it is
// not counted.
type QueueStatus struct {
	HasPendingWork bool `json:"has_pending_work"`
	PendingCount   int  `json:"pending_count"`
}

const taskColumns = `id, assigned_to_id, assigned_by_id, team_id, aide_id, task, source, status, result, created_at, completed_at`

// InsertTask creates a pending task. Exactly one of TeamID/AideID must be set.
func (s *Store) InsertTask(ctx context.Context, t AgentTask) (string, error) {
	if t.AssignedToID == "" {
		return "", fmt.Errorf("task assigned_to_id required")
	}
	if (t.TeamID == "") == (t.AideID == "") {
		return "", fmt.Errorf("task owner: exactly one of team_id/aide_id must be set")
	}
	switch t.Source {
	case TaskSourceUser, TaskSourceSystem, TaskSourceSelf, TaskSourceDelegation:
	default:
		return "", fmt.Errorf("invalid task source %q", t.Source)
	}
	if t.AssignedByID == "" {
		t.AssignedByID = t.AssignedToID
	}
	taskID := t.ID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_tasks (id, assigned_to_id, assigned_by_id, team_id, aide_id, task, source, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, t.AssignedToID, t.AssignedByID, nullStr(t.TeamID), nullStr(t.AideID), t.Task, string(t.Source), string(TaskStatusPending))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return taskID, nil
}

func scanAgentTask(scanFn func(dest ...any) error) (*AgentTask, error) {
	var t AgentTask
	var teamID, aideID, result sql.NullString
	var completedAt sql.NullTime
	if err := scanFn(&t.ID, &t.AssignedToID, &t.AssignedByID, &teamID, &aideID, &t.Task,
		&t.Source, &t.Status, &result, &t.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.TeamID = strFromNull(teamID)
	t.AideID = strFromNull(aideID)
	if result.Valid {
		r := result.String
		t.Result = &r
	}
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*AgentTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?;`, taskID)
	t, err := scanAgentTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// NextPendingTask returns the oldest pending task for the agent, or nil.
//
// This is a plain read: it does NOT transition the task, StartTask does.
// The claim-then-start pair is not atomic. Two callers racing between
// NextPendingTask and StartTask can observe the same task; the last writer
// wins. That is a documented limitation accepted for the single-daemon
// deployment this store assumes, not a bug.
func (s *Store) NextPendingTask(ctx context.Context, agentID string) (*AgentTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM agent_tasks
		WHERE assigned_to_id = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1;
	`, agentID, string(TaskStatusPending))
	t, err := scanAgentTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next pending task: %w", err)
	}
	return t, nil
}

// StartTask transitions a pending task to in_progress. Starting a task that
// is already in_progress is a no-op, which makes a double-claim harmless.
func (s *Store) StartTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_tasks SET status = ?
			WHERE id = ? AND status IN (?, ?);
		`, string(TaskStatusInProgress), taskID, string(TaskStatusPending), string(TaskStatusInProgress))
		if err != nil {
			return fmt.Errorf("start task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("start task rows: %w", err)
		}
		if n == 0 {
			if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("task %s is already terminal", taskID)
		}
		return nil
	})
}

// CompleteTask marks a task completed and stores its result.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	return s.finishTask(ctx, taskID, TaskStatusCompleted, result)
}

// FailTask marks a task failed; the error text is stored in result.
func (s *Store) FailTask(ctx context.Context, taskID, errText string) error {
	return s.finishTask(ctx, taskID, TaskStatusFailed, errText)
}

func (s *Store) finishTask(ctx context.Context, taskID string, status TaskStatus, result string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_tasks
			SET status = ?, result = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?);
		`, string(status), result, taskID, string(TaskStatusPending), string(TaskStatusInProgress))
		if err != nil {
			return fmt.Errorf("finish task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish task rows: %w", err)
		}
		if n == 0 {
			if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("task %s is already terminal", taskID)
		}
		return nil
	})
}

// TaskQueueStatus reports pending/in-progress work for one agent.
func (s *Store) TaskQueueStatus(ctx context.Context, agentID string) (QueueStatus, error) {
	var pending, inProgress int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END)
		FROM agent_tasks
		WHERE assigned_to_id = ?;
	`, string(TaskStatusPending), string(TaskStatusInProgress), agentID).Scan(&pending, &inProgress)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("task queue status: %w", err)
	}
	return QueueStatus{
		HasPendingWork: pending > 0 || inProgress > 0,
		PendingCount:   pending,
	}, nil
}

// AgentIDsWithPendingWork returns the distinct agent ids that have pending or
// in-progress tasks, for the runner's dispatch sweep.
func (s *Store) AgentIDsWithPendingWork(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT assigned_to_id FROM agent_tasks WHERE status IN (?, ?);
	`, string(TaskStatusPending), string(TaskStatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("agents with pending work: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending work rows: %w", err)
	}
	return out, nil
}

// ListTasks returns an agent's tasks newest-first, capped at limit.
func (s *Store) ListTasks(ctx context.Context, agentID string, limit int) ([]AgentTask, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM agent_tasks
		WHERE assigned_to_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []AgentTask
	for rows.Next() {
		t, err := scanAgentTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// DeleteTask removes a processed task (archival path).
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_tasks WHERE id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}
