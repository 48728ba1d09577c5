// Package scheduler periodically scans the task store for tasks that are
// due soon or overdue and feeds the matching lifecycle events into the
// workflow engine. It is the time-based complement to the event-driven
// entry point: nothing else in the system raises due_date_approaching or
// task_overdue.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/internal/metrickeys"
	im "github.com/flowsmith/taskflow/internal/metrics"
	"github.com/flowsmith/taskflow/log"
	"github.com/flowsmith/taskflow/metrics"
)

// EventProcessor receives the lifecycle events the scheduler raises. It is
// satisfied by engine.Engine.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, task *core.Task, trigger core.TriggerEvent, actingUser *core.User, oldValues, extraData map[string]any) (map[string]bool, error)
}

// overdueFlag marks tasks the scheduler has already raised task_overdue
// for, so each task goes overdue exactly once.
const overdueFlag = "overdue_flagged"

// Scheduler scans for due-soon and overdue tasks on a fixed interval.
type Scheduler struct {
	store     backend.TaskStore
	processor EventProcessor

	interval  time.Duration
	dueWindow time.Duration

	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client
}

type Option func(*Scheduler)

// WithInterval sets the scan interval. Defaults to five minutes.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithDueWindow sets how far ahead the due-soon scan looks. Defaults to 24
// hours.
func WithDueWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		s.dueWindow = d
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(s *Scheduler) {
		s.metrics = client
	}
}

func New(store backend.TaskStore, processor EventProcessor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		processor: processor,
		interval:  5 * time.Minute,
		dueWindow: 24 * time.Hour,
		clock:     clock.New(),
		logger:    slog.Default(),
		metrics:   im.NewNoopMetricsClient(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run scans on every tick until ctx is done. Store failures are retried
// with exponential backoff inside each scan; a scan that still fails is
// logged and the loop keeps going.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan runs one due-soon and overdue sweep.
func (s *Scheduler) Scan(ctx context.Context) {
	s.metrics.Counter(metrickeys.SchedulerScans, metrics.Tags{}, 1)

	if err := s.scanDueSoon(ctx); err != nil {
		s.logger.ErrorContext(ctx, "due-soon scan failed", "error", err)
	}

	if err := s.scanOverdue(ctx); err != nil {
		s.logger.ErrorContext(ctx, "overdue scan failed", "error", err)
	}
}

func (s *Scheduler) scanDueSoon(ctx context.Context) error {
	now := s.clock.Now()

	tasks, err := s.query(ctx, func() ([]*core.Task, error) {
		return s.store.TasksDueBetween(ctx, now, now.Add(s.dueWindow))
	})
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if _, err := s.processor.ProcessEvent(ctx, task, core.TriggerDueDateApproaching, nil, nil, nil); err != nil {
			s.logger.ErrorContext(ctx, "processing due-soon event",
				log.TaskIDKey, task.ID,
				"error", err)
		}
	}

	return nil
}

func (s *Scheduler) scanOverdue(ctx context.Context) error {
	tasks, err := s.query(ctx, func() ([]*core.Task, error) {
		return s.store.OverdueTasks(ctx, s.clock.Now())
	})
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if _, flagged := task.Metadata[overdueFlag]; flagged {
			continue
		}

		flaggedTask, err := s.store.UpdateTask(ctx, task.ID, func(t *core.Task) error {
			t.SetMeta(overdueFlag, s.clock.Now().UTC().Format(time.RFC3339))
			return nil
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "flagging overdue task",
				log.TaskIDKey, task.ID,
				"error", err)
			continue
		}

		s.metrics.Counter(metrickeys.SchedulerOverdues, metrics.Tags{}, 1)

		if _, err := s.processor.ProcessEvent(ctx, flaggedTask, core.TriggerTaskOverdue, nil, nil, nil); err != nil {
			s.logger.ErrorContext(ctx, "processing overdue event",
				log.TaskIDKey, task.ID,
				"error", err)
		}
	}

	return nil
}

// query retries a store read with capped exponential backoff, so one
// transient failure does not skip a whole scan.
func (s *Scheduler) query(ctx context.Context, fn func() ([]*core.Task, error)) ([]*core.Task, error) {
	var tasks []*core.Task

	retry := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	err := backoff.Retry(func() error {
		var err error
		tasks, err = fn()
		return err
	}, retry)

	return tasks, err
}
