// Package rules evaluates declarative workflow rules against task lifecycle
// events. A rule pairs a condition tree with an ordered action list; the
// engine runs every applicable rule for an event, isolating failures so one
// bad rule never blocks the rest.
package rules

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/flowsmith/taskflow/core"
)

// RuleType labels what a rule is for. It is informational and used for
// filtering; it does not affect evaluation.
type RuleType string

const (
	TypeAutoAssignment    = RuleType("auto_assignment")
	TypeStatusTransition  = RuleType("status_transition")
	TypeEscalation        = RuleType("escalation")
	TypeNotification      = RuleType("notification")
	TypeDependency        = RuleType("dependency")
	TypeSLAMonitoring     = RuleType("sla_monitoring")
	TypeWorkloadBalancing = RuleType("workload_balancing")
)

// Rule is a named, prioritized pairing of a condition tree with an ordered
// action list. Rules are immutable during an evaluation pass; the execution
// bookkeeping below is maintained by the engine under its lock.
type Rule struct {
	// Name identifies the rule. Names are unique within an engine.
	Name string

	Description string

	Type RuleType

	// TriggerEvents lists the events the rule applies to.
	TriggerEvents []core.TriggerEvent

	// Priority orders evaluation; higher runs first.
	Priority int

	Enabled bool

	// Condition is the root of the condition tree. A matched condition runs
	// the actions.
	Condition Condition

	// Actions run in declaration order inside one atomic unit of work.
	Actions []Action

	// MaxExecutions caps how often the rule may fire. Zero means unlimited.
	MaxExecutions int

	executions     int
	lastExecutedAt time.Time
}

// AppliesTo reports whether the rule is enabled and listens for the given
// event.
func (r *Rule) AppliesTo(event core.TriggerEvent) bool {
	return r.Enabled && slices.Contains(r.TriggerEvents, event)
}

// Exhausted reports whether the rule has hit its execution cap.
func (r *Rule) Exhausted() bool {
	return r.MaxExecutions > 0 && r.executions >= r.MaxExecutions
}

// Executions returns how often the rule has fired.
func (r *Rule) Executions() int {
	return r.executions
}

// LastExecutedAt returns when the rule last fired, and false if it never has.
func (r *Rule) LastExecutedAt() (time.Time, bool) {
	return r.lastExecutedAt, !r.lastExecutedAt.IsZero()
}

func (r *Rule) recordExecution(at time.Time) {
	r.executions++
	r.lastExecutedAt = at
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return errors.New("rule has no name")
	}

	if len(r.TriggerEvents) == 0 {
		return errors.New("rule has no trigger events")
	}

	if r.Condition == nil {
		return errors.New("rule has no condition")
	}

	if len(r.Actions) == 0 {
		return errors.New("rule has no actions")
	}

	return nil
}

// ErrDuplicateRule is returned when registering a rule under a name that is
// already taken.
var ErrDuplicateRule = errors.New("rule name already registered")

// Stage names the phase of rule processing a failure happened in.
type Stage string

const (
	StageConfig    = Stage("config")
	StageCondition = Stage("condition")
	StageAction    = Stage("action")
)

// RuleError reports a failure confined to a single rule: malformed
// configuration, a condition evaluation error, or a failed or panicked
// action.
type RuleError struct {
	Rule  string
	Stage Stage
	Err   error

	// stack is set when the failure was a recovered panic.
	stack string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q: %s: %v", e.Rule, e.Stage, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// Stacktrace returns the stack captured when an action panicked, or an empty
// string.
func (e *RuleError) Stacktrace() string {
	return e.stack
}
