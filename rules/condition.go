package rules

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/benbjohnson/clock"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/graph"
	"github.com/flowsmith/taskflow/workload"
)

// Env gives conditions and actions access to the engine's collaborators.
// One Env is shared by every rule of an engine.
type Env struct {
	Store    backend.TaskStore
	Balancer *workload.Balancer
	Analyzer *graph.Analyzer

	Clock  clock.Clock
	Logger *slog.Logger

	// Rand drives the random assignment strategy. Seeded once per engine so
	// tests can pin selections.
	Rand *rand.Rand
}

// Condition is one node of a rule's condition tree.
type Condition interface {
	// Evaluate reports whether the condition holds for the given event. An
	// error fails the owning rule closed; it is never treated as a match.
	Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error)
}

// And matches when every child matches. Evaluation stops at the first
// non-match.
type And struct {
	Conditions []Condition
}

func (c *And) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	for _, child := range c.Conditions {
		ok, err := child.Evaluate(ctx, env, rc)
		if err != nil || !ok {
			return false, err
		}
	}

	return true, nil
}

// Or matches when any child matches. Evaluation stops at the first match.
type Or struct {
	Conditions []Condition
}

func (c *Or) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	for _, child := range c.Conditions {
		ok, err := child.Evaluate(ctx, env, rc)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

// Not inverts its child.
type Not struct {
	Condition Condition
}

func (c *Not) Evaluate(ctx context.Context, env *Env, rc *core.RuleContext) (bool, error) {
	ok, err := c.Condition.Evaluate(ctx, env, rc)
	if err != nil {
		return false, err
	}

	return !ok, nil
}

// All is a convenience constructor for And.
func All(conditions ...Condition) *And {
	return &And{Conditions: conditions}
}

// Any is a convenience constructor for Or.
func Any(conditions ...Condition) *Or {
	return &Or{Conditions: conditions}
}
