// Package notify carries task event notifications out of the engine. The
// engine treats delivery as fire-and-forget: implementations accept a
// notification and own everything past that point.
package notify

import "context"

// Notification is a single message to a set of users about a task.
type Notification struct {
	Recipients []string       `json:"recipients"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Notifier interface {
	// Notify accepts the notification for delivery. An error means the
	// notification was not accepted; it does not report delivery failures.
	Notify(ctx context.Context, n Notification) error
}

// Discard drops every notification.
type Discard struct{}

var _ Notifier = Discard{}

func (Discard) Notify(ctx context.Context, n Notification) error {
	return nil
}
