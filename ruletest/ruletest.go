// Package ruletest provides a harness for exercising workflow rules against
// synthetic task events in tests: an in-memory store, a mock clock and a
// recording notifier wired to a rule engine.
package ruletest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/flowsmith/taskflow/backend/memory"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/notify"
	"github.com/flowsmith/taskflow/rules"
)

// Harness bundles the collaborators a rule test needs. Construct it with
// New, seed state with GivenTask/GivenUser, then Fire events and assert on
// the results, the store and the recorded notifications.
type Harness struct {
	t *testing.T

	Store  *memory.Store
	Clock  *clock.Mock
	Engine *rules.Engine

	notifier *recorder
}

type options struct {
	rules           []*rules.Rule
	withoutDefaults bool
	now             time.Time
}

type Option func(*options)

// WithRules registers extra rules on top of the default set.
func WithRules(ruleSet ...*rules.Rule) Option {
	return func(o *options) {
		o.rules = append(o.rules, ruleSet...)
	}
}

// WithoutDefaultRules starts the harness with an empty rule set.
func WithoutDefaultRules() Option {
	return func(o *options) {
		o.withoutDefaults = true
	}
}

// WithNow pins the harness clock. Defaults to 2024-03-04 12:00 UTC.
func WithNow(now time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func New(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	options := &options{
		now: time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(options)
	}

	store := memory.NewStore()
	mc := clock.NewMock()
	mc.Set(options.now)

	notifier := &recorder{}

	engine := rules.NewEngine(store,
		rules.WithClock(mc),
		rules.WithNotifier(notifier),
		rules.WithRandSeed(1))

	ruleSet := options.rules
	if !options.withoutDefaults {
		ruleSet = append(rules.DefaultRules(), ruleSet...)
	}

	for _, rule := range ruleSet {
		require.NoError(t, engine.Register(rule))
	}

	return &Harness{
		t:        t,
		Store:    store,
		Clock:    mc,
		Engine:   engine,
		notifier: notifier,
	}
}

// GivenTask seeds a task into the store.
func (h *Harness) GivenTask(task *core.Task) {
	h.t.Helper()
	require.NoError(h.t, h.Store.SaveTask(context.Background(), task))
}

// GivenUser seeds a user into the store.
func (h *Harness) GivenUser(user *core.User) {
	h.t.Helper()
	require.NoError(h.t, h.Store.SaveUser(context.Background(), user))
}

// Fire runs the rule engine for one event against the task's current
// persisted state.
func (h *Harness) Fire(taskID string, event core.TriggerEvent) map[string]bool {
	h.t.Helper()

	task := h.Task(taskID)

	return h.Engine.Execute(context.Background(), core.NewRuleContext(task, event, nil, nil, nil))
}

// Task reloads a task from the store.
func (h *Harness) Task(id string) *core.Task {
	h.t.Helper()

	task, err := h.Store.GetTask(context.Background(), id)
	require.NoError(h.t, err)

	return task
}

// Notifications returns the recorded notifications, optionally filtered by
// type.
func (h *Harness) Notifications(types ...string) []notify.Notification {
	return h.notifier.recorded(types...)
}

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recorder) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, n)

	return nil
}

func (r *recorder) recorded(types ...string) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(types) == 0 {
		return append([]notify.Notification{}, r.sent...)
	}

	var result []notify.Notification
	for _, n := range r.sent {
		for _, t := range types {
			if n.Type == t {
				result = append(result, n)
				break
			}
		}
	}

	return result
}
