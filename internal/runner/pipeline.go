package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mindloom/mindloom/internal/bus"
	"github.com/mindloom/mindloom/internal/engine"
	"github.com/mindloom/mindloom/internal/graph"
	"github.com/mindloom/mindloom/internal/persistence"
	"github.com/mindloom/mindloom/internal/research"
	"github.com/mindloom/mindloom/internal/shared"
	"github.com/mindloom/mindloom/internal/tools"
)

// runPipeline drives one agent through its work session. Tasks are drained
// first; subordinates stop there. Leads continue through the research and
// analysis phases. Each phase's graph side effects are durable even when a
// later phase fails.
func (r *Runner) runPipeline(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration) error {
	meta := graph.AgentMeta{DisplayName: agent.DisplayName}
	if err := r.graph.EnsureTypesInitialized(ctx, agent.ID, meta, r.seeder); err != nil {
		return fmt.Errorf("type initialization: %w", err)
	}

	if err := r.drainTasks(ctx, agent, iter); err != nil {
		return err
	}
	if !agent.IsLead() {
		return nil
	}

	queries, err := r.identifyQueries(ctx, agent, iter)
	if err != nil {
		return err
	}
	for i, q := range queries {
		if err := r.research(ctx, agent, iter, i, q); err != nil {
			return err
		}
	}

	insights, err := r.identifyInsights(ctx, agent, iter)
	if err != nil {
		return err
	}

	anyAnalysis := false
	for i, ins := range insights {
		produced, err := r.analyze(ctx, agent, iter, i, ins)
		if err != nil {
			return err
		}
		anyAnalysis = anyAnalysis || produced
	}

	if anyAnalysis {
		return r.advise(ctx, agent, iter)
	}
	r.logger.Info("advice skipped, no analysis produced",
		"agent_id", agent.ID, "iteration_id", iter.ID, "insights", len(insights))
	return nil
}

// drainTasks claims and processes queued work FIFO until the queue is
// empty. A failing task is marked failed and the drain continues; task
// failures never abort the iteration.
func (r *Runner) drainTasks(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, err := r.queue.ClaimNext(ctx, agent.ID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if task == nil {
			return nil
		}
		if err := r.queue.Start(ctx, task.ID); err != nil {
			return fmt.Errorf("start task %s: %w", task.ID, err)
		}

		taskCtx := shared.WithTaskID(ctx, task.ID)
		prompt := fmt.Sprintf("Work item (source: %s):\n\n%s", task.Source, task.Task)
		result, _, err := r.toolPhase(taskCtx, agent, iter, PhaseConversation, prompt, r.tools.ConstructionTools())
		if err != nil {
			r.logger.Warn("task processing failed",
				"agent_id", agent.ID, "task_id", task.ID, "error", err)
			if failErr := r.queue.Fail(ctx, task.ID, err.Error()); failErr != nil {
				r.logger.Error("task fail transition failed", "task_id", task.ID, "error", failErr)
			}
			if r.metrics != nil {
				r.metrics.TasksFailed.Add(ctx, 1)
			}
			continue
		}
		if err := r.queue.Complete(ctx, task.ID, result); err != nil {
			r.logger.Error("task complete transition failed", "task_id", task.ID, "error", err)
		}
		if r.metrics != nil {
			r.metrics.TasksCompleted.Add(ctx, 1)
		}
	}
}

func (r *Runner) identifyQueries(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration) ([]researchQuery, error) {
	graphCtx, err := r.graph.SerializeForLLM(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("serialize graph: %w", err)
	}
	prompt := "Current knowledge graph:\n\n" + graphCtx +
		"\n\nIdentify the research queries for this cycle."

	raw, err := r.structuredPhase(ctx, agent, iter, PhaseQueryIdentification, prompt, querySchema)
	if err != nil {
		return nil, err
	}
	var queries []researchQuery
	if err := json.Unmarshal([]byte(raw), &queries); err != nil {
		return nil, fmt.Errorf("decode queries: %w", err)
	}
	r.logger.Info("queries identified", "agent_id", agent.ID, "count", len(queries))
	return queries, nil
}

// research runs one query's acquire and construct steps. Acquisition output
// is validated leniently: citation problems are logged and the markdown is
// still handed to construction.
func (r *Runner) research(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration, idx int, q researchQuery) error {
	prompt := "Research objective: " + q.Objective
	if q.Reasoning != "" {
		prompt += "\nWhy it matters: " + q.Reasoning
	}
	if len(q.SearchHints) > 0 {
		prompt += "\nSuggested searches: " + strings.Join(q.SearchHints, "; ")
	}

	markdown, _, err := r.toolPhase(ctx, agent, iter, PhaseAcquisition, prompt, r.tools.AcquisitionTools())
	if err != nil {
		return fmt.Errorf("acquisition for query %d: %w", idx, err)
	}

	validation := research.ValidateAcquisition(markdown)
	if !validation.IsValid {
		r.logger.Warn("acquisition validation failed, forwarding anyway",
			"agent_id", agent.ID, "query", idx,
			"errors", len(validation.Errors), "first_error", firstOf(validation.Errors))
	}

	graphCtx, err := r.graph.SerializeForLLM(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("serialize graph: %w", err)
	}
	typesCtx, err := r.graph.FormatTypesForLLMContext(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("format types: %w", err)
	}
	constructPrompt := "Research findings:\n\n" + markdown +
		"\n\nAvailable graph types:\n\n" + typesCtx +
		"\n\nCurrent knowledge graph:\n\n" + graphCtx +
		"\n\nPersist the findings into the graph."
	if _, _, err := r.toolPhase(ctx, agent, iter, PhaseConstruction, constructPrompt, r.tools.ConstructionTools()); err != nil {
		return fmt.Errorf("construction for query %d: %w", idx, err)
	}
	return nil
}

func (r *Runner) identifyInsights(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration) ([]graph.Insight, error) {
	graphCtx, err := r.graph.SerializeForLLM(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("serialize graph: %w", err)
	}
	prompt := "Current knowledge graph:\n\n" + graphCtx +
		"\n\nIdentify the observations worth analyzing."

	raw, err := r.structuredPhase(ctx, agent, iter, PhaseInsightIdentification, prompt, insightSchema)
	if err != nil {
		return nil, err
	}
	var insights []graph.Insight
	if err := json.Unmarshal([]byte(raw), &insights); err != nil {
		return nil, fmt.Errorf("decode insights: %w", err)
	}

	normalized, err := r.graph.NormalizeInsights(ctx, agent.ID, insights)
	if err != nil {
		return nil, fmt.Errorf("normalize insights: %w", err)
	}
	r.logger.Info("insights identified", "agent_id", agent.ID, "count", len(normalized))
	return normalized, nil
}

// analyze runs one insight's analysis phase and reports whether it
// produced at least one analysis node, detected through the phase recorder.
func (r *Runner) analyze(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration, idx int, ins graph.Insight) (bool, error) {
	prompt := "Observation: " + ins.Observation
	if ins.SynthesisDirection != "" {
		prompt += "\nSynthesis direction: " + ins.SynthesisDirection
	}
	if len(ins.RelevantNodeIDs) > 0 {
		prompt += "\nSupporting node ids: " + strings.Join(ins.RelevantNodeIDs, ", ")
	}

	_, rec, err := r.toolPhase(ctx, agent, iter, PhaseAnalysis, prompt, r.tools.AnalysisTools())
	if err != nil {
		return false, fmt.Errorf("analysis for insight %d: %w", idx, err)
	}
	return rec.Called("add_analysis_node"), nil
}

func (r *Runner) advise(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration) error {
	graphCtx, err := r.graph.SerializeForLLM(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("serialize graph: %w", err)
	}
	prompt := "Current knowledge graph:\n\n" + graphCtx +
		"\n\nReview this session's analysis and record any recommendations it supports."

	_, rec, err := r.toolPhase(ctx, agent, iter, PhaseAdvice, prompt, r.tools.AdviceTools())
	if err != nil {
		return fmt.Errorf("advice: %w", err)
	}
	if rec.Called("add_advice_node") {
		r.publish(bus.TopicAdviceCreated, bus.AdviceCreatedEvent{
			AgentID: agent.ID, IterationID: iter.ID,
		})
	}
	return nil
}

// structuredPhase wraps one schema-validated LLM call in an interaction
// record and a child span.
func (r *Runner) structuredPhase(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration, phase, prompt, schema string) (string, error) {
	systemPrompt := promptFor(agent.Prompts, phase)
	interaction, err := r.beginInteraction(ctx, iter, phase, systemPrompt, prompt)
	if err != nil {
		return "", err
	}

	ctx, span := r.tracer.Start(shared.WithPhase(ctx, phase), "phase."+phase,
		trace.WithAttributes(attribute.String("phase", phase)))
	defer span.End()

	started := time.Now()
	raw, genErr := r.engine.GenerateStructured(ctx, engine.StructuredRequest{
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		SchemaJSON:   json.RawMessage(schema),
	})
	r.recordPhase(ctx, phase, started)

	r.endInteraction(ctx, interaction.ID, raw, genErr)
	if genErr != nil {
		return "", fmt.Errorf("%s: %w", phase, genErr)
	}
	return raw, nil
}

// toolPhase wraps one multi-step tool run in an interaction record, a fresh
// call recorder, and a child span. It returns the model's final text and
// the recorder for gating decisions.
func (r *Runner) toolPhase(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration, phase, prompt string, toolRefs []ai.ToolRef) (string, *tools.Recorder, error) {
	systemPrompt := promptFor(agent.Prompts, phase)
	interaction, err := r.beginInteraction(ctx, iter, phase, systemPrompt, prompt)
	if err != nil {
		return "", nil, err
	}

	ctx, rec := tools.WithRecorder(shared.WithPhase(ctx, phase))
	ctx, span := r.tracer.Start(ctx, "phase."+phase,
		trace.WithAttributes(attribute.String("phase", phase)))
	defer span.End()

	started := time.Now()
	text, genErr := r.engine.RunWithTools(ctx, engine.ToolRunRequest{
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		Tools:        toolRefs,
		MaxTurns:     r.maxToolTurns,
	})
	r.recordPhase(ctx, phase, started)

	r.endInteraction(ctx, interaction.ID, text, genErr)
	if genErr != nil {
		return "", rec, fmt.Errorf("%s: %w", phase, genErr)
	}
	return text, rec, nil
}

func (r *Runner) beginInteraction(ctx context.Context, iter *persistence.WorkerIteration, phase, systemPrompt, prompt string) (*persistence.LLMInteraction, error) {
	request, err := json.Marshal(map[string]string{"prompt": shared.Redact(prompt)})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", phase, err)
	}
	interaction, err := r.store.CreateInteraction(ctx, persistence.LLMInteraction{
		IterationID:  iter.ID,
		Phase:        phase,
		SystemPrompt: systemPrompt,
		Request:      string(request),
	})
	if err != nil {
		return nil, fmt.Errorf("create %s interaction: %w", phase, err)
	}
	return interaction, nil
}

// endInteraction persists whatever the phase produced, the error text
// included, then stamps the interaction complete.
func (r *Runner) endInteraction(ctx context.Context, id, response string, genErr error) {
	payload := map[string]string{"response": shared.Redact(response)}
	if genErr != nil {
		payload["error"] = shared.Redact(genErr.Error())
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("encode interaction response failed", "interaction_id", id, "error", err)
		return
	}
	if err := r.store.UpdateInteractionResponse(ctx, id, string(encoded)); err != nil {
		r.logger.Error("persist interaction response failed", "interaction_id", id, "error", err)
	}
	if err := r.store.CompleteInteraction(ctx, id); err != nil {
		r.logger.Error("complete interaction failed", "interaction_id", id, "error", err)
	}
}

func (r *Runner) recordPhase(ctx context.Context, phase string, started time.Time) {
	if r.metrics == nil {
		return
	}
	elapsed := time.Since(started).Seconds()
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	r.metrics.PhaseDuration.Record(ctx, elapsed, attrs)
	r.metrics.LLMCallDuration.Record(ctx, elapsed, attrs)
}

func firstOf(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[0]
}
