// Package priority scores tasks by business urgency and suggests priority
// levels.
package priority

import (
	"context"
	"fmt"
	"math"

	"github.com/benbjohnson/clock"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
)

// Factor weights. They sum to 1, so the composite score stays in [0, 1].
const (
	weightDueUrgency  = 0.4
	weightImpact      = 0.3
	weightDependency  = 0.2
	weightStakeholder = 0.1

	// urgencyWindowDays is the horizon over which a due date ramps the
	// urgency factor from 0 to 1.
	urgencyWindowDays = 30

	// maxDependents caps the fan-out factor.
	maxDependents = 5
)

var impactScores = map[core.Priority]float64{
	core.PriorityLow:      0.2,
	core.PriorityMedium:   0.5,
	core.PriorityHigh:     0.8,
	core.PriorityCritical: 1.0,
}

var stakeholderScores = map[string]float64{
	"low":       0.2,
	"medium":    0.5,
	"high":      0.8,
	"executive": 1.0,
}

// Calculator scores tasks. The only state it carries is the store used to
// count dependents and the clock used for due-date urgency.
type Calculator struct {
	store backend.TaskStore
	clock clock.Clock
}

type Option func(*Calculator)

func WithClock(c clock.Clock) Option {
	return func(pc *Calculator) {
		pc.clock = c
	}
}

func NewCalculator(store backend.TaskStore, opts ...Option) *Calculator {
	pc := &Calculator{
		store: store,
		clock: clock.New(),
	}

	for _, opt := range opts {
		opt(pc)
	}

	return pc
}

// Score computes the composite priority score in [0, 1] from due-date
// urgency, business impact, dependency fan-out, and stakeholder level.
func (pc *Calculator) Score(ctx context.Context, task *core.Task) (float64, error) {
	score := 0.0

	// Due date urgency. Tasks without a due date contribute nothing; overdue
	// tasks saturate at 1.
	if task.DueDate != nil {
		daysUntilDue := math.Floor(task.DueDate.Sub(pc.clock.Now()).Hours() / 24)
		urgency := clamp((urgencyWindowDays - daysUntilDue) / urgencyWindowDays)
		score += weightDueUrgency * urgency
	}

	// Business impact from the current priority.
	impact, ok := impactScores[task.Priority]
	if !ok {
		impact = 0.5
	}
	score += weightImpact * impact

	// Dependency criticality: how many tasks hang off this one.
	children, err := pc.store.ChildTasks(ctx, task.ID)
	if err != nil {
		return 0, fmt.Errorf("counting dependents of task %s: %w", task.ID, err)
	}
	score += weightDependency * clamp(float64(len(children))/maxDependents)

	// Stakeholder level from metadata.
	level, ok := task.MetaString("stakeholder_level")
	if !ok {
		level = "medium"
	}
	stakeholder, ok := stakeholderScores[level]
	if !ok {
		stakeholder = 0.5
	}
	score += weightStakeholder * stakeholder

	return score, nil
}

// Suggest maps the composite score onto a priority level.
func (pc *Calculator) Suggest(ctx context.Context, task *core.Task) (core.Priority, error) {
	score, err := pc.Score(ctx, task)
	if err != nil {
		return "", err
	}

	switch {
	case score >= 0.8:
		return core.PriorityCritical, nil
	case score >= 0.6:
		return core.PriorityHigh, nil
	case score >= 0.3:
		return core.PriorityMedium, nil
	default:
		return core.PriorityLow, nil
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
