package rules

import (
	"errors"
	"fmt"
	"slices"

	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/workload"
)

// Config is the data representation of a rule, as loaded from an external
// configuration store. FromConfig turns it into a typed Rule, rejecting
// malformed kinds, operators and fields up front so evaluation never sees
// them.
type Config struct {
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type          string   `json:"type,omitempty" yaml:"type,omitempty"`
	TriggerEvents []string `json:"trigger_events" yaml:"trigger_events"`
	Priority      int      `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	MaxExecutions int `json:"max_executions,omitempty" yaml:"max_executions,omitempty"`

	Condition ConditionConfig `json:"condition" yaml:"condition"`
	Actions   []ActionConfig  `json:"actions" yaml:"actions"`
}

// ConditionConfig is one node of a condition tree in data form. Kind selects
// the node type; the remaining fields are kind-specific.
type ConditionConfig struct {
	Kind string `json:"kind" yaml:"kind"`

	// Conditions are the children of an and/or node.
	Conditions []ConditionConfig `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// Condition is the child of a not node.
	Condition *ConditionConfig `json:"condition,omitempty" yaml:"condition,omitempty"`

	Op             string   `json:"op,omitempty" yaml:"op,omitempty"`
	Statuses       []string `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	Priorities     []string `json:"priorities,omitempty" yaml:"priorities,omitempty"`
	Hours          float64  `json:"hours,omitempty" yaml:"hours,omitempty"`
	MaxActiveTasks int      `json:"max_active_tasks,omitempty" yaml:"max_active_tasks,omitempty"`
	Tags           []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Events         []string `json:"events,omitempty" yaml:"events,omitempty"`
}

// ActionConfig is one action in data form.
type ActionConfig struct {
	Kind string `json:"kind" yaml:"kind"`

	// assign
	Strategy string             `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Criteria *workload.Criteria `json:"criteria,omitempty" yaml:"criteria,omitempty"`

	// change_status / update_parent
	Status string `json:"status,omitempty" yaml:"status,omitempty"`

	// change_priority / escalate
	Priority string `json:"priority,omitempty" yaml:"priority,omitempty"`

	// notify
	NotificationType string   `json:"notification_type,omitempty" yaml:"notification_type,omitempty"`
	Recipients       string   `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	CustomRecipients []string `json:"custom_recipients,omitempty" yaml:"custom_recipients,omitempty"`
	Message          string   `json:"message,omitempty" yaml:"message,omitempty"`

	// escalate
	Mode    string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	UserIDs []string `json:"user_ids,omitempty" yaml:"user_ids,omitempty"`

	// update_parent
	CompletionThreshold float64 `json:"completion_threshold,omitempty" yaml:"completion_threshold,omitempty"`

	// tag
	Op   string   `json:"op,omitempty" yaml:"op,omitempty"`
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// set_field
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// FromConfig parses a data-form rule into a typed Rule. Any malformed part
// is a *RuleError at the config stage; nothing malformed survives into
// evaluation.
func FromConfig(cfg Config) (*Rule, error) {
	fail := func(err error) (*Rule, error) {
		return nil, &RuleError{Rule: cfg.Name, Stage: StageConfig, Err: err}
	}

	if cfg.Name == "" {
		return fail(errors.New("rule has no name"))
	}

	events := make([]core.TriggerEvent, 0, len(cfg.TriggerEvents))
	for _, raw := range cfg.TriggerEvents {
		event := core.TriggerEvent(raw)
		if !slices.Contains(core.TriggerEvents, event) {
			return fail(fmt.Errorf("unknown trigger event %q", raw))
		}

		events = append(events, event)
	}

	condition, err := parseCondition(cfg.Condition)
	if err != nil {
		return fail(err)
	}

	actions := make([]Action, 0, len(cfg.Actions))
	for i, ac := range cfg.Actions {
		action, err := parseAction(ac)
		if err != nil {
			return fail(fmt.Errorf("action %d: %w", i, err))
		}

		actions = append(actions, action)
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	rule := &Rule{
		Name:          cfg.Name,
		Description:   cfg.Description,
		Type:          RuleType(cfg.Type),
		TriggerEvents: events,
		Priority:      cfg.Priority,
		Enabled:       enabled,
		Condition:     condition,
		Actions:       actions,
		MaxExecutions: cfg.MaxExecutions,
	}

	if err := rule.validate(); err != nil {
		return fail(err)
	}

	return rule, nil
}

func parseCondition(cfg ConditionConfig) (Condition, error) {
	switch cfg.Kind {
	case "and", "or":
		if len(cfg.Conditions) == 0 {
			return nil, fmt.Errorf("%s condition has no children", cfg.Kind)
		}

		children := make([]Condition, 0, len(cfg.Conditions))
		for _, child := range cfg.Conditions {
			parsed, err := parseCondition(child)
			if err != nil {
				return nil, err
			}

			children = append(children, parsed)
		}

		if cfg.Kind == "and" {
			return &And{Conditions: children}, nil
		}

		return &Or{Conditions: children}, nil

	case "not":
		if cfg.Condition == nil {
			return nil, errors.New("not condition has no child")
		}

		child, err := parseCondition(*cfg.Condition)
		if err != nil {
			return nil, err
		}

		return &Not{Condition: child}, nil

	case "status":
		if err := checkOp(cfg.Op, OpEq, OpNe); err != nil {
			return nil, fmt.Errorf("status condition: %w", err)
		}

		statuses, err := parseStatuses(cfg.Statuses)
		if err != nil {
			return nil, fmt.Errorf("status condition: %w", err)
		}

		return &StatusCondition{Op: cfg.Op, Statuses: statuses}, nil

	case "priority":
		if err := checkOp(cfg.Op, OpEq, OpNe, OpGte); err != nil {
			return nil, fmt.Errorf("priority condition: %w", err)
		}

		priorities, err := parsePriorities(cfg.Priorities)
		if err != nil {
			return nil, fmt.Errorf("priority condition: %w", err)
		}

		return &PriorityCondition{Op: cfg.Op, Priorities: priorities}, nil

	case "due_within_hours":
		if err := checkOp(cfg.Op, OpLte, OpGte, OpEq); err != nil {
			return nil, fmt.Errorf("due_within_hours condition: %w", err)
		}

		return &DueWithinCondition{Op: cfg.Op, Hours: cfg.Hours}, nil

	case "workload_below":
		if err := checkOp(cfg.Op, OpLt, OpLte, OpEq); err != nil {
			return nil, fmt.Errorf("workload_below condition: %w", err)
		}

		if cfg.MaxActiveTasks < 0 {
			return nil, errors.New("workload_below condition: negative max_active_tasks")
		}

		return &WorkloadCondition{Op: cfg.Op, MaxActiveTasks: cfg.MaxActiveTasks}, nil

	case "tags":
		if err := checkOp(cfg.Op, OpContainsAny, OpContainsAll, OpExact); err != nil {
			return nil, fmt.Errorf("tags condition: %w", err)
		}

		return &TagCondition{Op: cfg.Op, Tags: cfg.Tags}, nil

	case "trigger_event":
		events := make([]core.TriggerEvent, 0, len(cfg.Events))
		for _, raw := range cfg.Events {
			event := core.TriggerEvent(raw)
			if !slices.Contains(core.TriggerEvents, event) {
				return nil, fmt.Errorf("trigger_event condition: unknown event %q", raw)
			}

			events = append(events, event)
		}

		if len(events) == 0 {
			return nil, errors.New("trigger_event condition has no events")
		}

		return &TriggerEventCondition{Events: events}, nil

	case "unassigned":
		return &UnassignedCondition{}, nil

	case "all_subtasks_done":
		return &AllSubtasksDoneCondition{}, nil
	}

	return nil, fmt.Errorf("unknown condition kind %q", cfg.Kind)
}

func parseAction(cfg ActionConfig) (Action, error) {
	switch cfg.Kind {
	case "assign":
		switch cfg.Strategy {
		case StrategyLeastLoaded, StrategyRoundRobin, StrategyRandom, "":
		default:
			return nil, fmt.Errorf("unknown assignment strategy %q", cfg.Strategy)
		}

		action := &AssignAction{Strategy: cfg.Strategy}
		if cfg.Criteria != nil {
			action.Criteria = *cfg.Criteria
		}

		return action, nil

	case "change_status":
		status, err := core.ParseStatus(cfg.Status)
		if err != nil {
			return nil, err
		}

		return &ChangeStatusAction{Status: status}, nil

	case "change_priority":
		priority, err := core.ParsePriority(cfg.Priority)
		if err != nil {
			return nil, err
		}

		return &ChangePriorityAction{Priority: priority}, nil

	case "notify":
		if cfg.NotificationType == "" {
			return nil, errors.New("notify action has no notification_type")
		}

		switch cfg.Recipients {
		case RecipientsAssignees, RecipientsCreator, "":
		case RecipientsCustom:
			if len(cfg.CustomRecipients) == 0 {
				return nil, errors.New("notify action: custom recipients selected but none listed")
			}
		default:
			return nil, fmt.Errorf("unknown recipient selector %q", cfg.Recipients)
		}

		return &NotifyAction{
			Type:             cfg.NotificationType,
			Recipients:       cfg.Recipients,
			CustomRecipients: cfg.CustomRecipients,
			Message:          cfg.Message,
		}, nil

	case "escalate":
		mode := cfg.Mode
		if mode == "" {
			mode = EscalatePriority
		}

		action := &EscalateAction{Mode: mode, UserIDs: cfg.UserIDs}

		switch mode {
		case EscalatePriority, EscalateBoth:
			priority, err := core.ParsePriority(cfg.Priority)
			if err != nil {
				return nil, err
			}

			action.Priority = priority
		case EscalateAssignment:
			if len(cfg.UserIDs) == 0 {
				return nil, errors.New("escalate action: assignment mode without user_ids")
			}
		default:
			return nil, fmt.Errorf("unknown escalation mode %q", mode)
		}

		return action, nil

	case "update_parent":
		status, err := core.ParseStatus(cfg.Status)
		if err != nil {
			return nil, err
		}

		if cfg.CompletionThreshold < 0 || cfg.CompletionThreshold > 1 {
			return nil, fmt.Errorf("completion_threshold %v out of [0, 1]", cfg.CompletionThreshold)
		}

		return &UpdateParentAction{Status: status, CompletionThreshold: cfg.CompletionThreshold}, nil

	case "tag":
		switch cfg.Op {
		case TagAdd, TagRemove, "":
		default:
			return nil, fmt.Errorf("unknown tag operation %q", cfg.Op)
		}

		if len(cfg.Tags) == 0 {
			return nil, errors.New("tag action has no tags")
		}

		return &TagAction{Op: cfg.Op, Tags: cfg.Tags}, nil

	case "set_field":
		action := &SetFieldAction{Field: cfg.Field, Value: cfg.Value}

		switch {
		case cfg.Field == "completion_percent", cfg.Field == "estimated_hours":
			if _, err := toFloat(cfg.Value); err != nil {
				return nil, fmt.Errorf("set_field %s: %w", cfg.Field, err)
			}
		case len(cfg.Field) > len("metadata.") && cfg.Field[:len("metadata.")] == "metadata.":
		default:
			return nil, fmt.Errorf("field %q is not settable", cfg.Field)
		}

		return action, nil
	}

	return nil, fmt.Errorf("unknown action kind %q", cfg.Kind)
}

func checkOp(op string, allowed ...string) error {
	if op == "" {
		return nil
	}

	if !slices.Contains(allowed, op) {
		return fmt.Errorf("unknown operator %q", op)
	}

	return nil
}

func parseStatuses(raw []string) ([]core.Status, error) {
	if len(raw) == 0 {
		return nil, errors.New("no statuses listed")
	}

	statuses := make([]core.Status, 0, len(raw))
	for _, r := range raw {
		status, err := core.ParseStatus(r)
		if err != nil {
			return nil, err
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

func parsePriorities(raw []string) ([]core.Priority, error) {
	if len(raw) == 0 {
		return nil, errors.New("no priorities listed")
	}

	priorities := make([]core.Priority, 0, len(raw))
	for _, r := range raw {
		priority, err := core.ParsePriority(r)
		if err != nil {
			return nil, err
		}

		priorities = append(priorities, priority)
	}

	return priorities, nil
}
