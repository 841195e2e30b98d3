// Package scheduler holds the pure due-check and backoff arithmetic the
// runner consults each poll cycle. It never touches the database; callers
// pass in the agent row and its latest iteration.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mindloom/mindloom/internal/persistence"
)

const (
	backoffBase = time.Minute
	backoffCap  = 6 * time.Hour

	// DefaultLeadInterval is the lead cadence when no cron expression is
	// configured.
	DefaultLeadInterval = 24 * time.Hour
)

// DueForIteration decides whether an agent's interval schedule makes it
// eligible to run. Rules, in order:
//   - inactive agents are never due
//   - an agent that never ran is due
//   - an agent whose latest iteration is still running is not due
//   - a terminal iteration without completed_at means a crash mid-run;
//     the agent is due so it self-heals by retrying
//   - otherwise due once the iteration interval has elapsed since the
//     last completion
func DueForIteration(agent *persistence.Agent, last *persistence.WorkerIteration, now time.Time) bool {
	if !agent.Active {
		return false
	}
	if last == nil {
		return true
	}
	if last.Status == persistence.IterationStatusRunning {
		return false
	}
	if last.CompletedAt == nil {
		return true
	}
	interval := time.Duration(agent.IterationIntervalMs) * time.Millisecond
	return now.Sub(*last.CompletedAt) >= interval
}

// InBackoff reports whether the agent's failure cooldown is still active.
// Agents in backoff are excluded from due lists and pending-work dispatch.
func InBackoff(agent *persistence.Agent, now time.Time) bool {
	return agent.BackoffNextRunAt != nil && agent.BackoffNextRunAt.After(now)
}

// Eligible combines every gate: backoff exclusion, the lead cadence, and
// the interval due-check.
func Eligible(agent *persistence.Agent, last *persistence.WorkerIteration, now time.Time) bool {
	if InBackoff(agent, now) {
		return false
	}
	if agent.IsLead() && agent.LeadNextRunAt != nil && agent.LeadNextRunAt.After(now) {
		return false
	}
	return DueForIteration(agent, last, now)
}

// NextBackoff returns the cooldown duration for the given failure attempt
// count (1-based). Exponential doubling from one minute, capped at six
// hours, monotonically non-decreasing in attempt.
func NextBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// NextLeadRun computes the lead agent's next scheduled run after a
// successful work session. An empty cadence falls back to a fixed 24h;
// otherwise the expression is parsed as a cron spec (descriptors like
// "@daily" included).
func NextLeadRun(cadenceExpr string, now time.Time) (time.Time, error) {
	if cadenceExpr == "" {
		return now.Add(DefaultLeadInterval), nil
	}
	sched, err := cron.ParseStandard(cadenceExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cadence %q: %w", cadenceExpr, err)
	}
	return sched.Next(now), nil
}
