package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all mindloom metrics instruments.
type Metrics struct {
	IterationDuration metric.Float64Histogram
	PhaseDuration     metric.Float64Histogram
	LLMCallDuration   metric.Float64Histogram
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	TasksQueued       metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	GraphNodesCreated metric.Int64Counter
	GraphEdgesCreated metric.Int64Counter
	ActiveIterations  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IterationDuration, err = meter.Float64Histogram("mindloom.iteration.duration",
		metric.WithDescription("Full pipeline iteration duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("mindloom.phase.duration",
		metric.WithDescription("Single pipeline phase duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("mindloom.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("mindloom.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("mindloom.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksQueued, err = meter.Int64Counter("mindloom.tasks.queued",
		metric.WithDescription("Tasks added to agent queues"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("mindloom.tasks.completed",
		metric.WithDescription("Tasks finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("mindloom.tasks.failed",
		metric.WithDescription("Tasks finished with an error"),
	)
	if err != nil {
		return nil, err
	}

	m.GraphNodesCreated, err = meter.Int64Counter("mindloom.graph.nodes",
		metric.WithDescription("Knowledge graph nodes created"),
	)
	if err != nil {
		return nil, err
	}

	m.GraphEdgesCreated, err = meter.Int64Counter("mindloom.graph.edges",
		metric.WithDescription("Knowledge graph edges created"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveIterations, err = meter.Int64UpDownCounter("mindloom.iteration.active",
		metric.WithDescription("Number of currently running iterations"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
