// Package runner is the pipeline orchestrator: a long-lived poll loop that
// finds due agents and drives each one through its background iteration
// (query identification, research, insight identification, analysis,
// advice), persisting iteration and interaction records as it goes.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/mindloom/mindloom/internal/bus"
	"github.com/mindloom/mindloom/internal/engine"
	"github.com/mindloom/mindloom/internal/graph"
	"github.com/mindloom/mindloom/internal/otel"
	"github.com/mindloom/mindloom/internal/persistence"
	"github.com/mindloom/mindloom/internal/queue"
	"github.com/mindloom/mindloom/internal/scheduler"
	"github.com/mindloom/mindloom/internal/shared"
	"github.com/mindloom/mindloom/internal/tools"
)

// Config holds the runner's dependencies.
type Config struct {
	Store        *persistence.Store
	Queue        *queue.Queue
	Graph        *graph.Service
	Engine       engine.Generator
	Tools        *tools.Registry
	Bus          *bus.Bus
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
	PollInterval time.Duration // due-check cadence; defaults to 15s
	DrainGrace   time.Duration // shutdown grace for the in-flight iteration; defaults to 10s
	MaxToolTurns int           // per-phase tool loop bound; defaults to 8
}

// Runner polls for due agents and processes them sequentially, one at a
// time. Sequential processing bounds LLM concurrency and prevents
// interleaved graph mutations for the same owner.
type Runner struct {
	store        *persistence.Store
	queue        *queue.Queue
	graph        *graph.Service
	engine       engine.Generator
	tools        *tools.Registry
	bus          *bus.Bus
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otel.Metrics
	pollInterval time.Duration
	drainGrace   time.Duration
	maxToolTurns int
	seeder       *starterSeeder

	mu     sync.Mutex
	wake   map[string]bool // agent ids woken by task.queued events
	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("runner")
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	drainGrace := cfg.DrainGrace
	if drainGrace <= 0 {
		drainGrace = 10 * time.Second
	}
	maxTurns := cfg.MaxToolTurns
	if maxTurns <= 0 {
		maxTurns = 8
	}
	return &Runner{
		store:        cfg.Store,
		queue:        cfg.Queue,
		graph:        cfg.Graph,
		engine:       cfg.Engine,
		tools:        cfg.Tools,
		bus:          cfg.Bus,
		logger:       logger,
		tracer:       tracer,
		metrics:      cfg.Metrics,
		pollInterval: pollInterval,
		drainGrace:   drainGrace,
		maxToolTurns: maxTurns,
		seeder:       &starterSeeder{svc: cfg.Graph},
		wake:         make(map[string]bool),
	}
}

// Start launches the poll loop and the wake-up listener in background
// goroutines. Call Stop to shut down.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	if r.bus != nil {
		r.sub = r.bus.Subscribe(bus.TopicTaskQueued)
		r.wg.Add(1)
		go r.listenWakeups(ctx)
	}

	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("runner started", "poll_interval", r.pollInterval)
}

// Stop cancels the loop and waits up to the drain grace for the in-flight
// iteration to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		r.bus.Unsubscribe(r.sub)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("runner stopped")
	case <-time.After(r.drainGrace):
		r.logger.Warn("runner stop timed out waiting for in-flight iteration",
			"grace", r.drainGrace)
	}
}

// listenWakeups drains task.queued events into the wake set. Best-effort:
// the timer-based poll alone is sufficient for correctness.
func (r *Runner) listenWakeups(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.Ch():
			if !ok {
				return
			}
			if payload, ok := ev.Payload.(bus.TaskQueuedEvent); ok {
				r.mu.Lock()
				r.wake[payload.AgentID] = true
				r.mu.Unlock()
			}
		}
	}
}

func (r *Runner) drainWake() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	woken := r.wake
	r.wake = make(map[string]bool)
	return woken
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one poll cycle: merge the wake set with DB-derived pending
// work, evaluate each active agent's schedule, and process due agents
// sequentially.
func (r *Runner) tick(ctx context.Context) {
	woken := r.drainWake()

	pendingWork := map[string]bool{}
	if ids, err := r.queue.AgentsWithPendingWork(ctx); err != nil {
		r.logger.Error("pending-work query failed", "error", err)
	} else {
		for _, id := range ids {
			pendingWork[id] = true
		}
	}

	agents, err := r.store.ListActiveAgents(ctx)
	if err != nil {
		r.logger.Error("active-agent query failed", "error", err)
		return
	}

	now := time.Now()
	for i := range agents {
		if ctx.Err() != nil {
			return
		}
		agent := &agents[i]

		last, err := r.store.LatestIteration(ctx, agent.ID)
		if err != nil {
			r.logger.Error("latest-iteration query failed", "agent_id", agent.ID, "error", err)
			continue
		}
		if !r.shouldRun(agent, last, now, woken[agent.ID] || pendingWork[agent.ID]) {
			continue
		}
		r.runIteration(ctx, agent)
	}
}

// shouldRun combines the schedule gates with task-driven wake-ups.
// Subordinates are purely reactive: they run only on queued work.
// A woken lead still honors backoff and the no-overlap rule.
func (r *Runner) shouldRun(agent *persistence.Agent, last *persistence.WorkerIteration, now time.Time, hasWork bool) bool {
	if !agent.Active {
		return false
	}
	if scheduler.InBackoff(agent, now) {
		return false
	}
	if last != nil && last.Status == persistence.IterationStatusRunning {
		return false
	}
	if !agent.IsLead() {
		return hasWork
	}
	return hasWork || scheduler.Eligible(agent, last, now)
}

// runIteration wraps one agent's pipeline in an iteration record, a span,
// status transitions, and the success/failure scheduling bookkeeping. Any
// pipeline error aborts the remaining phases; partial graph mutations from
// completed phases stay durable.
func (r *Runner) runIteration(ctx context.Context, agent *persistence.Agent) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithAgentID(ctx, agent.ID)

	iter, err := r.store.CreateIteration(ctx, agent.ID)
	if err != nil {
		r.logger.Error("create iteration failed", "agent_id", agent.ID, "error", err)
		return
	}
	ctx = shared.WithIterationID(ctx, iter.ID)

	ctx, span := r.tracer.Start(ctx, "iteration", trace.WithAttributes(
		attribute.String("agent.id", agent.ID),
		attribute.String("iteration.id", iter.ID),
	))
	defer span.End()

	if err := r.store.UpdateAgentStatus(ctx, agent.ID, persistence.AgentStatusRunning); err != nil {
		r.logger.Error("agent status update failed", "agent_id", agent.ID, "error", err)
	}
	if r.metrics != nil {
		r.metrics.ActiveIterations.Add(ctx, 1)
		defer r.metrics.ActiveIterations.Add(ctx, -1)
	}
	r.publish(bus.TopicIterationStarted, bus.IterationEvent{
		IterationID: iter.ID, AgentID: agent.ID, Status: string(persistence.IterationStatusRunning),
	})
	r.logger.Info("iteration started", "agent_id", agent.ID, "iteration_id", iter.ID,
		"trace_id", shared.TraceID(ctx))

	started := time.Now()
	pipelineErr := r.runPipeline(ctx, agent, iter)
	elapsed := time.Since(started)
	if r.metrics != nil {
		r.metrics.IterationDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("agent.id", agent.ID)))
	}

	now := time.Now()
	if pipelineErr != nil {
		r.finishFailed(ctx, agent, iter, pipelineErr, now)
	} else {
		r.finishCompleted(ctx, agent, iter, now, elapsed)
	}

	if err := r.store.UpdateAgentStatus(ctx, agent.ID, persistence.AgentStatusIdle); err != nil {
		r.logger.Error("agent status update failed", "agent_id", agent.ID, "error", err)
	}
}

func (r *Runner) finishFailed(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration, pipelineErr error, now time.Time) {
	if err := r.store.FailIteration(ctx, iter.ID, pipelineErr.Error()); err != nil {
		r.logger.Error("fail iteration failed", "iteration_id", iter.ID, "error", err)
	}
	cooldown := scheduler.NextBackoff(agent.BackoffAttemptCount + 1)
	if err := r.store.SetAgentBackoff(ctx, agent.ID, now.Add(cooldown)); err != nil {
		r.logger.Error("set backoff failed", "agent_id", agent.ID, "error", err)
	}
	r.publish(bus.TopicIterationFailed, bus.IterationEvent{
		IterationID: iter.ID, AgentID: agent.ID,
		Status: string(persistence.IterationStatusFailed), Error: pipelineErr.Error(),
	})
	r.logger.Error("iteration failed", "agent_id", agent.ID, "iteration_id", iter.ID,
		"backoff", cooldown, "error", pipelineErr)
}

func (r *Runner) finishCompleted(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration, now time.Time, elapsed time.Duration) {
	if err := r.store.CompleteIteration(ctx, iter.ID); err != nil {
		r.logger.Error("complete iteration failed", "iteration_id", iter.ID, "error", err)
	}
	if err := r.store.ClearAgentBackoff(ctx, agent.ID); err != nil {
		r.logger.Error("clear backoff failed", "agent_id", agent.ID, "error", err)
	}
	if err := r.store.SetAgentLastCompleted(ctx, agent.ID, now); err != nil {
		r.logger.Error("set last completed failed", "agent_id", agent.ID, "error", err)
	}
	if agent.IsLead() {
		next, err := scheduler.NextLeadRun(agent.CadenceExpr, now)
		if err != nil {
			r.logger.Warn("cadence parse failed, using default interval",
				"agent_id", agent.ID, "cadence", agent.CadenceExpr, "error", err)
			next = now.Add(scheduler.DefaultLeadInterval)
		}
		if err := r.store.SetLeadNextRun(ctx, agent.ID, next); err != nil {
			r.logger.Error("set lead next run failed", "agent_id", agent.ID, "error", err)
		}
	}
	r.publish(bus.TopicIterationCompleted, bus.IterationEvent{
		IterationID: iter.ID, AgentID: agent.ID, Status: string(persistence.IterationStatusCompleted),
	})
	r.logger.Info("iteration completed", "agent_id", agent.ID, "iteration_id", iter.ID,
		"duration", elapsed)
}

func (r *Runner) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}
