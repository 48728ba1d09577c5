// Package workload measures how loaded users are and selects assignees for
// automatic task assignment.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/core"
	im "github.com/flowsmith/taskflow/internal/metrics"
	"github.com/flowsmith/taskflow/log"
	"github.com/flowsmith/taskflow/metrics"
)

// Criteria narrows the candidate set for assignment. The static attribute
// filters are applied by the store; MaxWorkload is applied here.
type Criteria = backend.Criteria

// AssignmentError reports a failed automatic assignment.
type AssignmentError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *AssignmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assigning task %s: %s: %v", e.TaskID, e.Reason, e.Err)
	}

	return fmt.Sprintf("assigning task %s: %s", e.TaskID, e.Reason)
}

func (e *AssignmentError) Unwrap() error {
	return e.Err
}

// Metrics describes a user's current load.
type Metrics struct {
	ActiveTaskCount     int     `json:"active_task_count"`
	TotalEstimatedHours float64 `json:"total_estimated_hours"`
	HighPriorityCount   int     `json:"high_priority_count"`
	OverdueCount        int     `json:"overdue_count"`
}

// Weights and normalizers for the workload score. Each metric is divided by
// its normalizer, clamped to 1, weighted, and summed into a 0-100 score.
const (
	weightActiveTasks  = 0.3
	weightHours        = 0.4
	weightHighPriority = 0.2
	weightOverdue      = 0.1

	normActiveTasks  = 20.0
	normHours        = 160.0
	normHighPriority = 10.0
	normOverdue      = 5.0
)

// Score computes the normalized workload score in [0, 100]. It is a pure
// function of the metrics.
func (m *Metrics) Score() float64 {
	score := weightActiveTasks * ratio(float64(m.ActiveTaskCount), normActiveTasks)
	score += weightHours * ratio(m.TotalEstimatedHours, normHours)
	score += weightHighPriority * ratio(float64(m.HighPriorityCount), normHighPriority)
	score += weightOverdue * ratio(float64(m.OverdueCount), normOverdue)

	return math.Min(score*100, 100)
}

func ratio(value, normalizer float64) float64 {
	return math.Min(value/normalizer, 1)
}

// Balancer computes workload metrics from the task store and picks the least
// loaded candidate for assignment.
type Balancer struct {
	store backend.TaskStore

	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client

	cacheSize int
	cacheTTL  time.Duration
	cache     *metricsCache
}

type Option func(*Balancer)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Balancer) {
		b.logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(b *Balancer) {
		b.metrics = client
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Balancer) {
		b.clock = c
	}
}

// WithCache caches per-user metrics for up to ttl, holding at most size
// users. Cached entries are invalidated on assignment; without invalidation
// they age out.
func WithCache(size int, ttl time.Duration) Option {
	return func(b *Balancer) {
		b.cacheSize = size
		b.cacheTTL = ttl
	}
}

func NewBalancer(store backend.TaskStore, opts ...Option) *Balancer {
	b := &Balancer{
		store:   store,
		clock:   clock.New(),
		logger:  slog.Default(),
		metrics: im.NewNoopMetricsClient(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.cacheSize > 0 {
		b.cache = newMetricsCache(b.metrics, b.cacheSize, b.cacheTTL)
	}

	return b
}

// GetMetrics computes the user's current workload metrics, consulting the
// cache first when one is configured.
func (b *Balancer) GetMetrics(ctx context.Context, userID string) (*Metrics, error) {
	if b.cache != nil {
		if m, ok := b.cache.get(userID); ok {
			return m, nil
		}
	}

	tasks, err := b.store.ActiveTasksForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("getting active tasks for %s: %w", userID, err)
	}

	now := b.clock.Now()

	m := &Metrics{}
	for _, task := range tasks {
		m.ActiveTaskCount++
		m.TotalEstimatedHours += task.EstimatedHours

		if task.Priority.AtLeast(core.PriorityHigh) {
			m.HighPriorityCount++
		}

		if task.IsOverdue(now) {
			m.OverdueCount++
		}
	}

	if b.cache != nil {
		b.cache.store(userID, m)
	}

	return m, nil
}

// Invalidate drops the cached metrics for a user. Call after assigning a task
// so the next selection sees the new load.
func (b *Balancer) Invalidate(userID string) {
	if b.cache != nil {
		b.cache.evict(userID)
	}
}

// StartCacheEviction runs the metrics cache's expiration loop until ctx is
// done. Without a configured cache it returns immediately.
func (b *Balancer) StartCacheEviction(ctx context.Context) {
	if b.cache == nil {
		return
	}

	b.cache.startEviction(ctx)
}

// SelectLeastLoaded returns the candidate with the lowest workload score.
// Inactive candidates and candidates at or over criteria.MaxWorkload are
// filtered out first. Ties keep the earliest candidate in input order. When
// no candidate passes, it returns (nil, nil); callers must treat that as a
// normal outcome.
func (b *Balancer) SelectLeastLoaded(ctx context.Context, candidates []*core.User, criteria Criteria) (*core.User, error) {
	var selected *core.User
	var best float64

	for _, candidate := range candidates {
		if !candidate.IsActive {
			continue
		}

		m, err := b.GetMetrics(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}

		if criteria.MaxWorkload > 0 && m.ActiveTaskCount >= criteria.MaxWorkload {
			b.logger.DebugContext(ctx, "candidate over max workload",
				log.UserIDKey, candidate.ID,
				"active_tasks", m.ActiveTaskCount)
			continue
		}

		score := m.Score()
		if selected == nil || score < best {
			selected = candidate
			best = score
		}
	}

	if selected == nil {
		return nil, nil
	}

	b.logger.DebugContext(ctx, "selected least loaded candidate",
		log.UserIDKey, selected.ID,
		log.ScoreKey, best)

	return selected, nil
}
