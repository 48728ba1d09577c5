package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	goerrors "github.com/go-errors/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/graph"
	"github.com/flowsmith/taskflow/internal/metrickeys"
	im "github.com/flowsmith/taskflow/internal/metrics"
	"github.com/flowsmith/taskflow/log"
	"github.com/flowsmith/taskflow/metrics"
	"github.com/flowsmith/taskflow/notify"
	"github.com/flowsmith/taskflow/workload"
)

// Engine holds the registered rules and executes the applicable ones for
// each event. The rule list is sorted by descending priority; registration
// order breaks ties.
type Engine struct {
	mu    sync.Mutex
	rules []*Rule

	env      *Env
	notifier notify.Notifier

	metrics metrics.Client
	tracer  trace.Tracer
}

type EngineOption func(*Engine)

func WithNotifier(n notify.Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithBalancer overrides the workload balancer conditions and the assign
// action use. Without it the engine builds its own over the store.
func WithBalancer(b *workload.Balancer) EngineOption {
	return func(e *Engine) {
		e.env.Balancer = b
	}
}

func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) {
		e.env.Clock = c
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.env.Logger = logger
	}
}

func WithMetrics(client metrics.Client) EngineOption {
	return func(e *Engine) {
		e.metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracer = tp.Tracer(backend.TracerName)
	}
}

// WithRandSeed seeds the random assignment strategy, making selections
// reproducible.
func WithRandSeed(seed int64) EngineOption {
	return func(e *Engine) {
		e.env.Rand = rand.New(rand.NewSource(seed))
	}
}

func NewEngine(store backend.TaskStore, opts ...EngineOption) *Engine {
	e := &Engine{
		env: &Env{
			Store:    store,
			Analyzer: graph.NewAnalyzer(store),
			Clock:    clock.New(),
			Logger:   slog.Default(),
			Rand:     rand.New(rand.NewSource(rand.Int63())),
		},
		notifier: notify.Discard{},
		metrics:  im.NewNoopMetricsClient(),
		tracer:   trace.NewNoopTracerProvider().Tracer(backend.TracerName),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.env.Balancer == nil {
		e.env.Balancer = workload.NewBalancer(store,
			workload.WithClock(e.env.Clock),
			workload.WithLogger(e.env.Logger))
	}

	return e
}

// Register adds a rule. A rule that fails validation or reuses a registered
// name is rejected with a *RuleError.
func (e *Engine) Register(rule *Rule) error {
	if err := rule.validate(); err != nil {
		return &RuleError{Rule: rule.Name, Stage: StageConfig, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.rules {
		if existing.Name == rule.Name {
			return &RuleError{Rule: rule.Name, Stage: StageConfig, Err: ErrDuplicateRule}
		}
	}

	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})

	e.env.Logger.Info("registered workflow rule",
		log.RuleNameKey, rule.Name,
		log.RuleTypeKey, string(rule.Type),
		log.RulePriorityKey, rule.Priority)

	return nil
}

// Unregister removes the named rule and reports whether it was registered.
func (e *Engine) Unregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, rule := range e.rules {
		if rule.Name == name {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}

	return false
}

// Rule returns the registered rule with the given name.
func (e *Engine) Rule(name string) (*Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rule := range e.rules {
		if rule.Name == name {
			return rule, true
		}
	}

	return nil, false
}

// ListFilter narrows the result of Rules.
type ListFilter struct {
	Type        RuleType
	EnabledOnly bool
}

// Rules returns the registered rules in evaluation order.
func (e *Engine) Rules(filter ListFilter) []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result []*Rule
	for _, rule := range e.rules {
		if filter.EnabledOnly && !rule.Enabled {
			continue
		}

		if filter.Type != "" && rule.Type != filter.Type {
			continue
		}

		result = append(result, rule)
	}

	return result
}

// Execute runs every applicable rule for the event and returns one entry per
// applicable rule: true when the rule matched and all of its actions
// committed, false otherwise. Failures are confined to their rule;
// evaluation always continues with the next one.
func (e *Engine) Execute(ctx context.Context, rc *core.RuleContext) map[string]bool {
	ctx, span := e.tracer.Start(ctx, "ExecuteRules", trace.WithAttributes(
		attribute.String(log.TaskIDKey, rc.TaskID()),
		attribute.String(log.TriggerEventKey, rc.TriggerEvent.String()),
	))
	defer span.End()

	applicable := e.applicable(rc.TriggerEvent)

	e.env.Logger.DebugContext(ctx, "executing workflow rules",
		log.TaskIDKey, rc.TaskID(),
		log.TriggerEventKey, rc.TriggerEvent.String(),
		"applicable_rules", len(applicable))

	// The working copy carries each committed rule's effects forward so
	// lower-priority rules observe them.
	working := e.currentTask(ctx, rc)

	results := map[string]bool{}

	for _, rule := range applicable {
		ok := e.runRule(ctx, rule, rc, working)
		results[rule.Name] = ok

		e.metrics.Counter(metrickeys.RulesEvaluated, metrics.Tags{
			metrickeys.RuleName: rule.Name,
			metrickeys.Success:  strconv.FormatBool(ok),
		}, 1)

		if ok {
			e.metrics.Counter(metrickeys.RulesMatched, metrics.Tags{metrickeys.RuleName: rule.Name}, 1)

			e.mu.Lock()
			rule.recordExecution(e.env.Clock.Now())
			e.mu.Unlock()
		}
	}

	return results
}

// applicable snapshots the enabled, non-exhausted rules listening for the
// event, in evaluation order.
func (e *Engine) applicable(event core.TriggerEvent) []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	var applicable []*Rule
	for _, rule := range e.rules {
		if rule.AppliesTo(event) && !rule.Exhausted() {
			applicable = append(applicable, rule)
		}
	}

	return applicable
}

// currentTask loads the task's persisted state, falling back to the context
// snapshot when the task is not in the store.
func (e *Engine) currentTask(ctx context.Context, rc *core.RuleContext) *core.Task {
	task, err := e.env.Store.GetTask(ctx, rc.TaskID())
	if err != nil {
		if !errors.Is(err, backend.ErrTaskNotFound) {
			e.env.Logger.WarnContext(ctx, "loading task for rule evaluation, using event snapshot",
				log.TaskIDKey, rc.TaskID(),
				"error", err)
		}

		return rc.Task.Clone()
	}

	return task
}

// runRule evaluates and, on a match, executes one rule. The bool result is
// what Execute records for the rule. working is updated in place when the
// rule commits.
func (e *Engine) runRule(ctx context.Context, rule *Rule, rc *core.RuleContext, working *core.Task) (committed bool) {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("Rule: %s", rule.Name), trace.WithAttributes(
		attribute.String(log.RuleNameKey, rule.Name),
		attribute.Int(log.RulePriorityKey, rule.Priority),
	))
	defer span.End()

	timer := metrics.Timer(e.metrics, metrickeys.RuleDuration, metrics.Tags{metrickeys.RuleName: rule.Name})
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			perr := goerrors.Wrap(r, 2)
			ruleErr := &RuleError{
				Rule:  rule.Name,
				Stage: StageAction,
				Err:   fmt.Errorf("panic: %v", r),
				stack: string(perr.Stack()),
			}

			e.recordFailure(ctx, ruleErr)
			committed = false
		}
	}()

	// Rules evaluate against the task's current state, not the snapshot the
	// event was raised with.
	scoped := &core.RuleContext{
		Task:         working.Clone(),
		TriggerEvent: rc.TriggerEvent,
		ActingUser:   rc.ActingUser,
		OldValues:    rc.OldValues,
		ExtraData:    rc.ExtraData,
	}

	matched, err := rule.Condition.Evaluate(ctx, e.env, scoped)
	if err != nil {
		// Fail closed: a broken condition never matches.
		e.recordFailure(ctx, &RuleError{Rule: rule.Name, Stage: StageCondition, Err: err})
		return false
	}

	if !matched {
		return false
	}

	txn := newTxn(e.env, scoped, working)

	for _, action := range rule.Actions {
		if err := action.Execute(ctx, txn); err != nil {
			e.recordFailure(ctx, &RuleError{Rule: rule.Name, Stage: StageAction, Err: err})
			return false
		}
	}

	if err := e.env.Store.SaveTasks(ctx, txn.tasks()...); err != nil {
		e.recordFailure(ctx, &RuleError{Rule: rule.Name, Stage: StageAction, Err: fmt.Errorf("committing: %w", err)})
		return false
	}

	*working = *txn.task

	// Notifications go out only for committed rules. Delivery is
	// fire-and-forget; an enqueue failure is logged, not propagated.
	for _, n := range txn.notifications {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.env.Logger.WarnContext(ctx, "dropping notification",
				log.RuleNameKey, rule.Name,
				log.TaskIDKey, n.TaskID,
				"type", n.Type,
				"error", err)
		}
	}

	e.env.Logger.InfoContext(ctx, "workflow rule executed",
		log.RuleNameKey, rule.Name,
		log.TaskIDKey, rc.TaskID())

	return true
}

func (e *Engine) recordFailure(ctx context.Context, err *RuleError) {
	e.metrics.Counter(metrickeys.RuleErrors, metrics.Tags{metrickeys.RuleName: err.Rule}, 1)

	args := []any{
		log.RuleNameKey, err.Rule,
		"stage", string(err.Stage),
		"error", err.Err,
	}
	if err.stack != "" {
		args = append(args, "stack", err.stack)
	}

	e.env.Logger.ErrorContext(ctx, "workflow rule failed", args...)
}
