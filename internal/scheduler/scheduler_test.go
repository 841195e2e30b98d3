package scheduler_test

import (
	"testing"
	"time"

	"github.com/mindloom/mindloom/internal/persistence"
	"github.com/mindloom/mindloom/internal/scheduler"
)

func agentWith(intervalMs int64) *persistence.Agent {
	return &persistence.Agent{
		ID:                  "a1",
		Role:                persistence.AgentRoleLead,
		Active:              true,
		IterationIntervalMs: intervalMs,
	}
}

func completedAt(t time.Time) *persistence.WorkerIteration {
	return &persistence.WorkerIteration{
		Status:      persistence.IterationStatusCompleted,
		CompletedAt: &t,
	}
}

func TestDueForIterationRuleOrder(t *testing.T) {
	now := time.Now()
	day := int64(24 * time.Hour / time.Millisecond)

	inactive := agentWith(day)
	inactive.Active = false
	if scheduler.DueForIteration(inactive, nil, now) {
		t.Error("inactive agent should never be due")
	}

	if !scheduler.DueForIteration(agentWith(day), nil, now) {
		t.Error("never-ran agent should be due")
	}

	running := &persistence.WorkerIteration{Status: persistence.IterationStatusRunning}
	if scheduler.DueForIteration(agentWith(day), running, now) {
		t.Error("agent with a running iteration should not be due")
	}

	crashed := &persistence.WorkerIteration{Status: persistence.IterationStatusFailed}
	if !scheduler.DueForIteration(agentWith(day), crashed, now) {
		t.Error("terminal iteration without completed_at should make the agent due")
	}

	if scheduler.DueForIteration(agentWith(day), completedAt(now.Add(-23*time.Hour)), now) {
		t.Error("23h after completion with a 24h interval should not be due")
	}
	if !scheduler.DueForIteration(agentWith(day), completedAt(now.Add(-24*time.Hour)), now) {
		t.Error("24h after completion with a 24h interval should be due")
	}
}

func TestEligibleExcludesBackoffAndLeadCadence(t *testing.T) {
	now := time.Now()
	agent := agentWith(0)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	agent.BackoffNextRunAt = &future
	agent.LeadNextRunAt = &past
	if scheduler.Eligible(agent, nil, now) {
		t.Error("backoff should exclude the agent even with lead_next_run_at in the past")
	}

	agent.BackoffNextRunAt = &past
	if !scheduler.Eligible(agent, nil, now) {
		t.Error("expired backoff should no longer exclude the agent")
	}

	agent.BackoffNextRunAt = nil
	agent.LeadNextRunAt = &future
	if scheduler.Eligible(agent, nil, now) {
		t.Error("lead with future lead_next_run_at should not be eligible")
	}

	sub := agentWith(0)
	sub.Role = persistence.AgentRoleSubordinate
	sub.ParentAgentID = "parent"
	sub.LeadNextRunAt = &future
	if !scheduler.Eligible(sub, nil, now) {
		t.Error("lead_next_run_at must not gate subordinates")
	}
}

func TestNextBackoffMonotonicAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := scheduler.NextBackoff(attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
	if got := scheduler.NextBackoff(1); got != time.Minute {
		t.Errorf("attempt 1 = %v, want 1m", got)
	}
	if got := scheduler.NextBackoff(3); got != 4*time.Minute {
		t.Errorf("attempt 3 = %v, want 4m", got)
	}
	if got := scheduler.NextBackoff(50); got != 6*time.Hour {
		t.Errorf("attempt 50 = %v, want cap 6h", got)
	}
	if got := scheduler.NextBackoff(0); got != time.Minute {
		t.Errorf("attempt 0 = %v, want 1m", got)
	}
}

func TestNextLeadRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	at, err := scheduler.NextLeadRun("", now)
	if err != nil {
		t.Fatalf("empty cadence: %v", err)
	}
	if !at.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("default cadence = %v, want now+24h", at)
	}

	at, err = scheduler.NextLeadRun("@daily", now)
	if err != nil {
		t.Fatalf("@daily: %v", err)
	}
	if !at.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("@daily = %v", at)
	}

	if _, err := scheduler.NextLeadRun("not a cron expr", now); err == nil {
		t.Fatal("expected error for malformed cadence")
	}
}
