package rules

import (
	"context"

	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/notify"
)

// Action is one effect of a matched rule. Actions mutate the transaction's
// scratch state; nothing is persisted or delivered until every action of the
// rule has succeeded.
type Action interface {
	Execute(ctx context.Context, txn *Txn) error
}

// Txn is the unit of work one matched rule executes in. It holds a scratch
// copy of the event's task, any further tasks staged for the same commit,
// and the notifications buffered for delivery after the commit. A failed
// action discards the whole transaction.
type Txn struct {
	env *Env
	rc  *core.RuleContext

	task   *core.Task
	staged []*core.Task

	notifications []notify.Notification
}

func newTxn(env *Env, rc *core.RuleContext, task *core.Task) *Txn {
	return &Txn{
		env:  env,
		rc:   rc,
		task: task.Clone(),
	}
}

// Task returns the scratch copy of the event's task. Actions mutate it in
// place.
func (txn *Txn) Task() *core.Task {
	return txn.task
}

// Context returns the rule context the rule matched against.
func (txn *Txn) Context() *core.RuleContext {
	return txn.rc
}

// Env returns the engine collaborators.
func (txn *Txn) Env() *Env {
	return txn.env
}

// Stage adds another task to the transaction's commit set, replacing an
// earlier staged copy with the same id.
func (txn *Txn) Stage(task *core.Task) {
	for i, staged := range txn.staged {
		if staged.ID == task.ID {
			txn.staged[i] = task
			return
		}
	}

	txn.staged = append(txn.staged, task)
}

// Staged returns the staged task with the given id, if any.
func (txn *Txn) Staged(id string) (*core.Task, bool) {
	for _, staged := range txn.staged {
		if staged.ID == id {
			return staged, true
		}
	}

	return nil, false
}

// Notify buffers a notification for delivery once the transaction commits.
func (txn *Txn) Notify(n notify.Notification) {
	txn.notifications = append(txn.notifications, n)
}

// tasks returns every task the transaction will write.
func (txn *Txn) tasks() []*core.Task {
	return append([]*core.Task{txn.task}, txn.staged...)
}
