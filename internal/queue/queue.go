// Package queue is the service layer over per-agent task queues. It wraps the
// persistence layer with validation and publishes bus events so the runner can
// wake up without polling the database on every enqueue.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mindloom/mindloom/internal/bus"
	"github.com/mindloom/mindloom/internal/persistence"
)

// Owner identifies who a task belongs to. Exactly one field must be set.
type Owner struct {
	TeamID string
	AideID string
}

func (o Owner) validate() error {
	if (o.TeamID == "") == (o.AideID == "") {
		return fmt.Errorf("exactly one of TeamID or AideID must be set")
	}
	return nil
}

type Queue struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func New(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, bus: b, logger: logger}
}

// QueueUserTask adds a user-originated task to an agent's queue.
func (q *Queue) QueueUserTask(ctx context.Context, agentID string, owner Owner, task string) (string, error) {
	return q.enqueue(ctx, agentID, owner, task, persistence.TaskSourceUser, "")
}

// QueueSystemTask adds a system-originated task (startup seeding, maintenance).
func (q *Queue) QueueSystemTask(ctx context.Context, agentID string, owner Owner, task string) (string, error) {
	return q.enqueue(ctx, agentID, owner, task, persistence.TaskSourceSystem, "")
}

// QueueSelfTask adds a task an agent assigned to itself during an iteration.
func (q *Queue) QueueSelfTask(ctx context.Context, agentID string, owner Owner, task string) (string, error) {
	return q.enqueue(ctx, agentID, owner, task, persistence.TaskSourceSelf, agentID)
}

// QueueDelegationTask adds a task one agent assigned to another.
func (q *Queue) QueueDelegationTask(ctx context.Context, fromAgentID, toAgentID string, owner Owner, task string) (string, error) {
	if fromAgentID == toAgentID {
		return "", fmt.Errorf("delegation to self: use QueueSelfTask")
	}
	return q.enqueue(ctx, toAgentID, owner, task, persistence.TaskSourceDelegation, fromAgentID)
}

func (q *Queue) enqueue(ctx context.Context, agentID string, owner Owner, task string, source persistence.TaskSource, assignedBy string) (string, error) {
	if task == "" {
		return "", fmt.Errorf("task text required")
	}
	if err := owner.validate(); err != nil {
		return "", err
	}
	id, err := q.store.InsertTask(ctx, persistence.AgentTask{
		AssignedToID: agentID,
		AssignedByID: assignedBy,
		TeamID:       owner.TeamID,
		AideID:       owner.AideID,
		Task:         task,
		Source:       source,
	})
	if err != nil {
		return "", err
	}
	q.logger.Info("task queued", "task_id", id, "agent_id", agentID, "source", string(source))
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskQueued, bus.TaskQueuedEvent{
			TaskID:     id,
			AgentID:    agentID,
			Source:     string(source),
			AssignedBy: assignedBy,
		})
	}
	return id, nil
}

// ClaimNext returns the oldest pending task for the agent without changing
// its status, or nil when the queue is drained. Callers Start the task
// before working it; the claim itself takes no lock.
func (q *Queue) ClaimNext(ctx context.Context, agentID string) (*persistence.AgentTask, error) {
	return q.store.NextPendingTask(ctx, agentID)
}

// Start transitions a claimed task to in_progress.
func (q *Queue) Start(ctx context.Context, taskID string) error {
	return q.store.StartTask(ctx, taskID)
}

// Complete finishes a task successfully, recording its result.
func (q *Queue) Complete(ctx context.Context, taskID, result string) error {
	if err := q.store.CompleteTask(ctx, taskID, result); err != nil {
		return err
	}
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskCompleted, map[string]string{"task_id": taskID})
	}
	return nil
}

// Fail finishes a task with an error message stored in the result column.
func (q *Queue) Fail(ctx context.Context, taskID, errMsg string) error {
	if err := q.store.FailTask(ctx, taskID, errMsg); err != nil {
		return err
	}
	q.logger.Warn("task failed", "task_id", taskID, "error", errMsg)
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskFailed, map[string]string{"task_id": taskID, "error": errMsg})
	}
	return nil
}

// Status reports queue visibility for one agent. PendingCount counts only
// pending tasks; HasPendingWork also covers in_progress ones.
func (q *Queue) Status(ctx context.Context, agentID string) (persistence.QueueStatus, error) {
	return q.store.TaskQueueStatus(ctx, agentID)
}

// AgentsWithPendingWork lists agent ids that have unfinished tasks.
func (q *Queue) AgentsWithPendingWork(ctx context.Context) ([]string, error) {
	return q.store.AgentIDsWithPendingWork(ctx)
}
