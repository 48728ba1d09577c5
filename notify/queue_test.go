package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func fastRetry(maxElapsed time.Duration) backoff.ExponentialBackOff {
	return backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         time.Millisecond,
		MaxElapsedTime:      maxElapsed,
		Stop:                backoff.Stop,
	}
}

type recordingSink struct {
	mu sync.Mutex

	delivered []Notification
	failures  int
}

func (s *recordingSink) Deliver(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures > 0 {
		s.failures--
		return errors.New("transient delivery error")
	}

	s.delivered = append(s.delivered, n)

	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.delivered)
}

func Test_Queue_Delivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	q := NewQueue(sink, WithRetry(fastRetry(50*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	require.NoError(t, q.Notify(ctx, Notification{
		Recipients: []string{"u1"},
		Type:       "task_assigned",
		TaskID:     "t1",
	}))

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	q.WaitForCompletion()

	require.Equal(t, "task_assigned", sink.delivered[0].Type)
	require.Equal(t, []string{"u1"}, sink.delivered[0].Recipients)
}

func Test_Queue_RetriesTransientFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{failures: 2}
	q := NewQueue(sink, WithRetry(fastRetry(time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	require.NoError(t, q.Notify(ctx, Notification{Type: "due_date_reminder", TaskID: "t1"}))

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	q.WaitForCompletion()
}

func Test_Queue_DropsAfterRetryBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{failures: 1000}
	q := NewQueue(sink, WithRetry(fastRetry(20*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	require.NoError(t, q.Notify(ctx, Notification{Type: "task_escalated", TaskID: "t1"}))

	// The retry budget is 20ms; after it is spent the notification is
	// dropped and the worker moves on.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, sink.count())

	cancel()
	q.WaitForCompletion()
}

func Test_Queue_FullBufferRejects(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	q := NewQueue(sink, WithBufferSize(1))

	// Workers are not started, so the second notification finds the buffer
	// full.
	ctx := context.Background()
	require.NoError(t, q.Notify(ctx, Notification{TaskID: "t1"}))
	require.ErrorIs(t, q.Notify(ctx, Notification{TaskID: "t2"}), ErrQueueFull)
}
