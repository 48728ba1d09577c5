package execution

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// WorkflowType labels what kind of process a workflow models.
type WorkflowType string

const (
	TypeTaskLifecycle   = WorkflowType("task_lifecycle")
	TypeApprovalProcess = WorkflowType("approval_process")
	TypeCustomWorkflow  = WorkflowType("custom_workflow")
)

// Workflow is a template of named states and the transitions between them.
// Workflows are read-only once executions reference them.
type Workflow struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Type        WorkflowType `json:"type,omitempty"`
	Version     int          `json:"version,omitempty"`

	States      []*State      `json:"states"`
	Transitions []*Transition `json:"transitions"`
}

// State is a named step of a workflow. Names are unique within the workflow
// and are how transitions and executions refer to states.
type State struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`

	Initial bool `json:"initial,omitempty"`
	Final   bool `json:"final,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Transition allows moving between two states of the same workflow.
type Transition struct {
	Name string `json:"name,omitempty"`

	From string `json:"from"`
	To   string `json:"to"`

	// Disabled transitions stay declared but never execute.
	Disabled bool `json:"disabled,omitempty"`

	// RequiredPermissions and RequiredRoles must each be a subset of the
	// acting user's sets for the transition to execute. Empty means
	// unrestricted; a nil actor skips both checks.
	RequiredPermissions []string `json:"required_permissions,omitempty"`
	RequiredRoles       []string `json:"required_roles,omitempty"`

	// Conditions is a flat map of context keys to expected values, either
	// bare values (equality) or {"operator": ..., "value": ...} maps with
	// operators eq, ne, gt, lt and in. Every declared condition must hold.
	Conditions map[string]any `json:"conditions,omitempty"`
}

// Actor carries the permission and role sets transitions are checked
// against. Authorization data only; resolution is the caller's concern.
type Actor struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// NewWorkflow returns an empty workflow with a fresh id.
func NewWorkflow(name string, typ WorkflowType) *Workflow {
	return &Workflow{
		ID:      uuid.NewString(),
		Name:    name,
		Type:    typ,
		Version: 1,
	}
}

// Validate checks the structural invariants: exactly one initial state, no
// state both initial and final, unique state names, and transitions that
// connect two distinct states of this workflow exactly once.
func (w *Workflow) Validate() error {
	names := map[string]bool{}

	var initial []string

	for _, state := range w.States {
		if names[state.Name] {
			return fmt.Errorf("workflow %s: duplicate state %q", w.Name, state.Name)
		}

		names[state.Name] = true

		if state.Initial && state.Final {
			return fmt.Errorf("workflow %s: state %q cannot be both initial and final", w.Name, state.Name)
		}

		if state.Initial {
			initial = append(initial, state.Name)
		}
	}

	if len(initial) == 0 {
		return fmt.Errorf("workflow %s: no initial state", w.Name)
	}

	if len(initial) > 1 {
		return fmt.Errorf("workflow %s: multiple initial states (%s)", w.Name, strings.Join(initial, ", "))
	}

	pairs := map[string]bool{}

	for _, t := range w.Transitions {
		if !names[t.From] {
			return fmt.Errorf("workflow %s: transition from unknown state %q", w.Name, t.From)
		}

		if !names[t.To] {
			return fmt.Errorf("workflow %s: transition to unknown state %q", w.Name, t.To)
		}

		if t.From == t.To {
			return fmt.Errorf("workflow %s: transition from %q to itself", w.Name, t.From)
		}

		pair := t.From + "\x00" + t.To
		if pairs[pair] {
			return fmt.Errorf("workflow %s: duplicate transition from %q to %q", w.Name, t.From, t.To)
		}

		pairs[pair] = true
	}

	return nil
}

// State returns the state with the given name.
func (w *Workflow) State(name string) (*State, bool) {
	for _, state := range w.States {
		if state.Name == name {
			return state, true
		}
	}

	return nil, false
}

// InitialState returns the workflow's initial state.
func (w *Workflow) InitialState() (*State, bool) {
	for _, state := range w.States {
		if state.Initial {
			return state, true
		}
	}

	return nil, false
}

// CanTransition reports whether moving between the two states is allowed: an
// enabled transition must connect them, the actor must hold its required
// permission and role sets, and every declared condition must hold against
// the context. Declared conditions with a missing context key, or an unknown
// operator, fail.
func (w *Workflow) CanTransition(from, to string, actor *Actor, context map[string]any) bool {
	var match *Transition

	for _, t := range w.Transitions {
		if t.From == from && t.To == to && !t.Disabled {
			match = t
			break
		}
	}

	if match == nil {
		return false
	}

	if actor != nil && len(match.RequiredPermissions) > 0 {
		if !subset(match.RequiredPermissions, actor.Permissions) {
			return false
		}
	}

	if actor != nil && len(match.RequiredRoles) > 0 {
		if !subset(match.RequiredRoles, actor.Roles) {
			return false
		}
	}

	return evalConditions(match.Conditions, context)
}

func subset(required, have []string) bool {
	for _, r := range required {
		if !slices.Contains(have, r) {
			return false
		}
	}

	return true
}

// evalConditions checks every declared condition against the context. A key
// absent from the context fails its condition, so declared conditions with a
// nil context never pass.
func evalConditions(conditions, context map[string]any) bool {
	for key, declared := range conditions {
		value, ok := context[key]
		if !ok {
			return false
		}

		spec, ok := declared.(map[string]any)
		if !ok {
			if !looseEqual(value, declared) {
				return false
			}

			continue
		}

		operator, _ := spec["operator"].(string)
		if operator == "" {
			operator = "eq"
		}

		expected := spec["value"]

		switch operator {
		case "eq":
			if !looseEqual(value, expected) {
				return false
			}
		case "ne":
			if looseEqual(value, expected) {
				return false
			}
		case "gt":
			c, ok := compare(value, expected)
			if !ok || c <= 0 {
				return false
			}
		case "lt":
			c, ok := compare(value, expected)
			if !ok || c >= 0 {
				return false
			}
		case "in":
			if !containsValue(expected, value) {
				return false
			}
		default:
			return false
		}
	}

	return true
}

// looseEqual compares two values, treating all numeric types as equivalent.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}

	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}

		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}

		return 0, true
	}

	as, ok := a.(string)
	if !ok {
		return 0, false
	}

	bs, ok := b.(string)
	if !ok {
		return 0, false
	}

	return strings.Compare(as, bs), true
}

func containsValue(list, value any) bool {
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if looseEqual(value, item) {
				return true
			}
		}
	case []string:
		s, ok := value.(string)
		return ok && slices.Contains(l, s)
	}

	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}

	return 0, false
}
