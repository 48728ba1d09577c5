// Package redisnotify publishes notifications to a Redis stream so external
// delivery workers can consume them.
package redisnotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowsmith/taskflow/notify"
)

const DefaultStream = "taskflow:notifications"

type Notifier struct {
	rdb    redis.UniversalClient
	stream string
}

var _ notify.Notifier = (*Notifier)(nil)

type Option func(*Notifier)

// WithStream overrides the stream notifications are appended to.
func WithStream(stream string) Option {
	return func(n *Notifier) {
		n.stream = stream
	}
}

func New(client redis.UniversalClient, opts ...Option) *Notifier {
	n := &Notifier{
		rdb:    client,
		stream: DefaultStream,
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Notify appends the notification to the stream. Consumers read the full
// notification from the payload field; type and task_id are duplicated as
// plain fields for filtering.
func (n *Notifier) Notify(ctx context.Context, notification notify.Notification) error {
	payload, err := json.Marshal(&notification)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	if err := n.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"type":    notification.Type,
			"task_id": notification.TaskID,
			"payload": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("appending notification to stream %s: %w", n.stream, err)
	}

	return nil
}
