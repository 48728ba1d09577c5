package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowsmith/taskflow/internal/metrickeys"
	im "github.com/flowsmith/taskflow/internal/metrics"
	"github.com/flowsmith/taskflow/log"
	"github.com/flowsmith/taskflow/metrics"
)

var ErrQueueFull = errors.New("notification queue is full")

// Sink receives notifications drained from a Queue.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Queue buffers notifications in memory and delivers them to a sink from a
// pool of workers. Failed deliveries are retried with exponential backoff
// until the retry budget is spent, then dropped.
type Queue struct {
	sink Sink

	buffer chan Notification

	concurrency int
	retry       backoff.ExponentialBackOff

	logger  *slog.Logger
	metrics metrics.Client

	wg sync.WaitGroup
}

var _ Notifier = (*Queue)(nil)

type QueueOption func(*Queue)

func WithConcurrency(n int) QueueOption {
	return func(q *Queue) {
		q.concurrency = n
	}
}

func WithBufferSize(n int) QueueOption {
	return func(q *Queue) {
		q.buffer = make(chan Notification, n)
	}
}

func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

func WithQueueMetrics(client metrics.Client) QueueOption {
	return func(q *Queue) {
		q.metrics = client
	}
}

// WithRetry overrides the delivery retry policy. The backoff is copied per
// delivery, so the queue never shares state between deliveries.
func WithRetry(b backoff.ExponentialBackOff) QueueOption {
	return func(q *Queue) {
		q.retry = b
	}
}

func NewQueue(sink Sink, opts ...QueueOption) *Queue {
	q := &Queue{
		sink:        sink,
		buffer:      make(chan Notification, 256),
		concurrency: 2,
		retry: backoff.ExponentialBackOff{
			InitialInterval:     50 * time.Millisecond,
			RandomizationFactor: 0.5,
			Multiplier:          1.5,
			MaxInterval:         5 * time.Second,
			MaxElapsedTime:      30 * time.Second,
			Stop:                backoff.Stop,
		},
		logger:  slog.Default(),
		metrics: im.NewNoopMetricsClient(),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Notify enqueues the notification. When the buffer is full the notification
// is dropped and ErrQueueFull returned.
func (q *Queue) Notify(ctx context.Context, n Notification) error {
	select {
	case q.buffer <- n:
		q.metrics.Counter(metrickeys.NotificationsEnqueued, metrics.Tags{}, 1)
		return nil
	default:
		q.metrics.Counter(metrickeys.NotificationsDropped, metrics.Tags{"reason": "queue_full"}, 1)
		return ErrQueueFull
	}
}

// Start launches the delivery workers. They run until ctx is cancelled;
// WaitForCompletion blocks until they have stopped.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)

		go func() {
			defer q.wg.Done()

			q.work(ctx)
		}()
	}
}

func (q *Queue) WaitForCompletion() {
	q.wg.Wait()
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q.buffer:
			q.deliver(ctx, n)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, n Notification) {
	b := q.retry
	if b.Clock == nil {
		b.Clock = backoff.SystemClock
	}
	b.Reset()

	ticker := backoff.NewTicker(&b)
	defer ticker.Stop()

	attempts := 0
	for range ticker.C {
		if ctx.Err() != nil {
			q.drop(ctx, n, "shutdown")
			return
		}

		attempts++
		err := q.sink.Deliver(ctx, n)
		if err == nil {
			return
		}

		q.metrics.Counter(metrickeys.NotificationRetries, metrics.Tags{}, 1)
		q.logger.DebugContext(ctx, "notification delivery failed",
			log.TaskIDKey, n.TaskID,
			"type", n.Type,
			log.AttemptKey, attempts,
			"error", err)
	}

	q.drop(ctx, n, "retries_exhausted")
}

func (q *Queue) drop(ctx context.Context, n Notification, reason string) {
	q.metrics.Counter(metrickeys.NotificationsDropped, metrics.Tags{"reason": reason}, 1)
	q.logger.ErrorContext(ctx, "dropping notification",
		log.TaskIDKey, n.TaskID,
		"type", n.Type,
		"reason", reason)
}
