// Package engine is the façade of the workflow automation core. It wires the
// rule engine, workload balancer, priority calculator, dependency analyzer,
// SLA manager and execution manager together and exposes the single entry
// point the surrounding application calls on every task lifecycle event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowsmith/taskflow/audit"
	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/execution"
	"github.com/flowsmith/taskflow/graph"
	"github.com/flowsmith/taskflow/internal/metrickeys"
	"github.com/flowsmith/taskflow/log"
	"github.com/flowsmith/taskflow/metrics"
	"github.com/flowsmith/taskflow/priority"
	"github.com/flowsmith/taskflow/rules"
	"github.com/flowsmith/taskflow/sla"
	"github.com/flowsmith/taskflow/workload"
)

// Engine drives workflow automation for task lifecycle events.
type Engine struct {
	options *options

	store backend.TaskStore

	rules      *rules.Engine
	balancer   *workload.Balancer
	calculator *priority.Calculator
	analyzer   *graph.Analyzer
	sla        *sla.Manager
	executions *execution.Manager

	tracer trace.Tracer
}

// New builds an engine over the given task store. Unless disabled with
// WithoutDefaultRules, the stock rule set is registered first; extra rules
// supplied with WithRules follow. A rule set with duplicate names fails
// construction.
func New(store backend.TaskStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine needs a task store")
	}

	options := applyOptions(opts...)

	balancer := options.balancer
	if balancer == nil {
		balancerOpts := []workload.Option{
			workload.WithClock(options.clock),
			workload.WithLogger(options.logger),
			workload.WithMetrics(options.metrics),
		}
		if options.cacheSize > 0 {
			balancerOpts = append(balancerOpts, workload.WithCache(options.cacheSize, options.cacheTTL))
		}

		balancer = workload.NewBalancer(store, balancerOpts...)
	}

	ruleEngine := rules.NewEngine(store,
		rules.WithNotifier(options.notifier),
		rules.WithBalancer(balancer),
		rules.WithClock(options.clock),
		rules.WithLogger(options.logger),
		rules.WithMetrics(options.metrics),
		rules.WithTracerProvider(options.tracerProvider),
		rules.WithRandSeed(options.randSeed),
	)

	var ruleSet []*rules.Rule
	if !options.withoutDefaultRules {
		ruleSet = rules.DefaultRules()
	}
	ruleSet = append(ruleSet, options.rules...)

	for _, rule := range ruleSet {
		if err := ruleEngine.Register(rule); err != nil {
			return nil, fmt.Errorf("registering rule: %w", err)
		}
	}

	auditLog := options.auditLog
	if auditLog == nil {
		auditLog = audit.NewMemoryLog(audit.WithClock(options.clock))
	}

	return &Engine{
		options:    options,
		store:      store,
		rules:      ruleEngine,
		balancer:   balancer,
		calculator: priority.NewCalculator(store, priority.WithClock(options.clock)),
		analyzer:   graph.NewAnalyzer(store),
		sla: sla.NewManager(store,
			sla.WithNotifier(options.notifier),
			sla.WithClock(options.clock),
			sla.WithLogger(options.logger),
			sla.WithMetrics(options.metrics)),
		executions: execution.NewManager(auditLog,
			execution.WithClock(options.clock),
			execution.WithLogger(options.logger)),
		tracer: options.tracerProvider.Tracer(backend.TracerName),
	}, nil
}

// ProcessEvent is the single inbound entry point. It snapshots the event
// into an immutable rule context and runs every applicable rule, returning
// one result per applicable rule: true when the rule matched and all of its
// actions committed.
func (e *Engine) ProcessEvent(ctx context.Context, task *core.Task, trigger core.TriggerEvent, actingUser *core.User, oldValues, extraData map[string]any) (map[string]bool, error) {
	if task == nil {
		return nil, errors.New("processing event: no task")
	}

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("ProcessEvent: %s", trigger), trace.WithAttributes(
		attribute.String(log.TaskIDKey, task.ID),
		attribute.String(log.TriggerEventKey, trigger.String()),
	))
	defer span.End()

	timer := metrics.Timer(e.options.metrics, metrickeys.EventDuration, metrics.Tags{
		metrickeys.TriggerEvent: trigger.String(),
	})
	defer timer.Stop()

	e.options.metrics.Counter(metrickeys.EventsProcessed, metrics.Tags{
		metrickeys.TriggerEvent: trigger.String(),
	}, 1)

	rc := core.NewRuleContext(task, trigger, actingUser, oldValues, extraData)

	return e.rules.Execute(ctx, rc), nil
}

// ProcessEscalations runs the engine's escalation policy over the given
// tasks.
func (e *Engine) ProcessEscalations(ctx context.Context, tasks []*core.Task) []sla.Result {
	return e.sla.ProcessEscalations(ctx, tasks, e.options.escalationPolicy)
}

// Deadline computes the SLA deadline for a task under the engine's SLA
// configuration and business calendar. The second return is false when the
// task's priority carries no budget.
func (e *Engine) Deadline(task *core.Task) (time.Time, bool) {
	return sla.CalculateDeadline(task, e.options.slaConfig, e.options.calendar)
}

// CheckViolation reports whether a task has breached its SLA right now.
func (e *Engine) CheckViolation(task *core.Task) bool {
	return sla.CheckViolation(task, e.options.slaConfig, e.options.calendar, e.options.clock.Now())
}

// Rules exposes the rule engine for registration and inspection.
func (e *Engine) Rules() *rules.Engine {
	return e.rules
}

// Balancer exposes the workload balancer for direct calls.
func (e *Engine) Balancer() *workload.Balancer {
	return e.balancer
}

// Priorities exposes the priority calculator.
func (e *Engine) Priorities() *priority.Calculator {
	return e.calculator
}

// Analyzer exposes the dependency analyzer.
func (e *Engine) Analyzer() *graph.Analyzer {
	return e.analyzer
}

// SLA exposes the SLA and escalation manager.
func (e *Engine) SLA() *sla.Manager {
	return e.sla
}

// Executions exposes the configurable-workflow execution manager.
func (e *Engine) Executions() *execution.Manager {
	return e.executions
}
