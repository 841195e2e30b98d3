package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentIDKey struct{}
type iterationIDKey struct{}
type taskIDKey struct{}
type conversationIDKey struct{}
type phaseKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAgentID attaches an agent_id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID extracts agent_id from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithIterationID attaches the current worker iteration id to the context.
func WithIterationID(ctx context.Context, iterationID string) context.Context {
	return context.WithValue(ctx, iterationIDKey{}, iterationID)
}

// IterationID extracts the worker iteration id from context. Returns "" if absent.
func IterationID(ctx context.Context) string {
	if v, ok := ctx.Value(iterationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithConversationID attaches a conversation id to the context so graph
// nodes created during a foreground exchange carry their origin.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, conversationID)
}

// ConversationID extracts the conversation id from context. Returns "" if absent.
func ConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(conversationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPhase attaches the current pipeline phase tag to the context.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey{}, phase)
}

// Phase extracts the pipeline phase tag from context. Returns "" if absent.
func Phase(ctx context.Context) string {
	if v, ok := ctx.Value(phaseKey{}).(string); ok {
		return v
	}
	return ""
}
