package execution

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/flowsmith/taskflow/audit"
	"github.com/flowsmith/taskflow/log"
)

// Manager owns workflow executions and drives them through their lifecycle.
// Every state change appends a matching audit entry first; if the append
// fails the change is not applied.
type Manager struct {
	mu         sync.Mutex
	executions map[string]*Execution
	workflows  map[string]*Workflow

	auditLog audit.Log
	clock    clock.Clock
	logger   *slog.Logger
}

type ManagerOption func(*Manager)

func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

func NewManager(auditLog audit.Log, opts ...ManagerOption) *Manager {
	m := &Manager{
		executions: map[string]*Execution{},
		workflows:  map[string]*Workflow{},
		auditLog:   auditLog,
		clock:      clock.New(),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Begin validates the workflow and creates a pending execution for the task.
// A task can have at most one active execution; a second Begin fails with
// ErrActiveExecutionExists. The workflow is registered by reference and must
// not be mutated afterwards. A workflow without an id is assigned one.
func (m *Manager) Begin(ctx context.Context, wf *Workflow, taskID string) (*Execution, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.executions {
		if e.TaskID == taskID && e.Status.Active() {
			return nil, ErrActiveExecutionExists
		}
	}

	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}

	m.workflows[wf.ID] = wf

	e := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		TaskID:     taskID,
		Status:     StatusPending,
		Context:    map[string]any{},
		CreatedAt:  m.clock.Now().UTC(),
	}

	m.executions[e.ID] = e

	m.logger.DebugContext(ctx, "workflow execution created",
		log.ExecutionIDKey, e.ID,
		log.WorkflowIDKey, wf.ID,
		log.TaskIDKey, taskID)

	return e.Clone(), nil
}

// Start moves a pending execution to running, entering the workflow's
// initial state unless a current state was already set.
func (m *Manager) Start(ctx context.Context, executionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, wf, err := m.lookup(executionID)
	if err != nil {
		return err
	}

	if e.Status != StatusPending {
		return &Error{ExecutionID: e.ID, Status: e.Status, Op: "start"}
	}

	updated := e.Clone()
	updated.Status = StatusRunning

	now := m.clock.Now().UTC()
	updated.StartedAt = &now
	updated.StartedBy = userID

	if updated.CurrentState == "" {
		initial, ok := wf.InitialState()
		if !ok {
			return fmt.Errorf("workflow %s has no initial state", wf.Name)
		}

		updated.CurrentState = initial.Name
	}

	err = m.auditLog.Append(ctx, audit.Entry{
		ExecutionID: e.ID,
		EventType:   audit.EventStateEntered,
		ToState:     updated.CurrentState,
		UserID:      userID,
		Context:     updated.Context,
	})
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	m.executions[e.ID] = updated

	m.logger.DebugContext(ctx, "workflow execution started",
		log.ExecutionIDKey, e.ID,
		log.ToStateKey, updated.CurrentState)

	return nil
}

// TransitionTo moves an active execution to the named state. The workflow's
// CanTransition decides whether the move is allowed; a denied move returns
// an *Error and changes nothing. Entering a final state completes the
// execution in the same call.
func (m *Manager) TransitionTo(ctx context.Context, executionID, stateName string, actor *Actor, transitionCtx map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, wf, err := m.lookup(executionID)
	if err != nil {
		return err
	}

	if !e.Status.Active() {
		return &Error{ExecutionID: e.ID, Status: e.Status, Op: "transition"}
	}

	target, ok := wf.State(stateName)
	if !ok {
		return &Error{
			ExecutionID: e.ID,
			Status:      e.Status,
			Op:          "transition",
			Reason:      fmt.Sprintf("workflow %s has no state %q", wf.Name, stateName),
		}
	}

	if !wf.CanTransition(e.CurrentState, target.Name, actor, transitionCtx) {
		return &Error{
			ExecutionID: e.ID,
			Status:      e.Status,
			Op:          "transition",
			Reason:      fmt.Sprintf("transition from %q to %q not allowed", e.CurrentState, target.Name),
		}
	}

	updated := e.Clone()
	updated.CurrentState = target.Name

	if len(transitionCtx) > 0 {
		if updated.Context == nil {
			updated.Context = map[string]any{}
		}

		maps.Copy(updated.Context, transitionCtx)
	}

	if target.Final {
		updated.Status = StatusCompleted

		now := m.clock.Now().UTC()
		updated.CompletedAt = &now
	}

	var userID string
	if actor != nil {
		userID = actor.ID
	}

	err = m.auditLog.Append(ctx, audit.Entry{
		ExecutionID: e.ID,
		EventType:   audit.EventStateTransition,
		FromState:   e.CurrentState,
		ToState:     target.Name,
		UserID:      userID,
		Context:     transitionCtx,
	})
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	m.executions[e.ID] = updated

	m.logger.DebugContext(ctx, "workflow state transition",
		log.ExecutionIDKey, e.ID,
		log.FromStateKey, e.CurrentState,
		log.ToStateKey, target.Name)

	return nil
}

// Pause suspends a running execution.
func (m *Manager) Pause(ctx context.Context, executionID, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _, err := m.lookup(executionID)
	if err != nil {
		return err
	}

	if e.Status != StatusRunning {
		return &Error{ExecutionID: e.ID, Status: e.Status, Op: "pause"}
	}

	updated := e.Clone()
	updated.Status = StatusPaused

	return m.commit(ctx, updated, audit.Entry{
		ExecutionID: e.ID,
		EventType:   audit.EventExecutionPaused,
		FromState:   e.CurrentState,
		ToState:     e.CurrentState,
		UserID:      userID,
		Context:     map[string]any{"reason": reason},
	})
}

// Resume continues a paused execution.
func (m *Manager) Resume(ctx context.Context, executionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _, err := m.lookup(executionID)
	if err != nil {
		return err
	}

	if e.Status != StatusPaused {
		return &Error{ExecutionID: e.ID, Status: e.Status, Op: "resume"}
	}

	updated := e.Clone()
	updated.Status = StatusRunning

	return m.commit(ctx, updated, audit.Entry{
		ExecutionID: e.ID,
		EventType:   audit.EventExecutionResumed,
		FromState:   e.CurrentState,
		ToState:     e.CurrentState,
		UserID:      userID,
	})
}

// Cancel ends any active execution without completing it.
func (m *Manager) Cancel(ctx context.Context, executionID, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _, err := m.lookup(executionID)
	if err != nil {
		return err
	}

	if !e.Status.Active() {
		return &Error{ExecutionID: e.ID, Status: e.Status, Op: "cancel"}
	}

	updated := e.Clone()
	updated.Status = StatusCancelled

	now := m.clock.Now().UTC()
	updated.CompletedAt = &now

	return m.commit(ctx, updated, audit.Entry{
		ExecutionID: e.ID,
		EventType:   audit.EventExecutionCancelled,
		FromState:   e.CurrentState,
		ToState:     e.CurrentState,
		UserID:      userID,
		Context:     map[string]any{"reason": reason},
	})
}

// Fail ends any active execution, recording the error message.
func (m *Manager) Fail(ctx context.Context, executionID, userID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _, err := m.lookup(executionID)
	if err != nil {
		return err
	}

	if !e.Status.Active() {
		return &Error{ExecutionID: e.ID, Status: e.Status, Op: "fail"}
	}

	updated := e.Clone()
	updated.Status = StatusFailed
	updated.ErrorMessage = message

	now := m.clock.Now().UTC()
	updated.CompletedAt = &now

	return m.commit(ctx, updated, audit.Entry{
		ExecutionID: e.ID,
		EventType:   audit.EventExecutionFailed,
		FromState:   e.CurrentState,
		ToState:     e.CurrentState,
		UserID:      userID,
		Context:     map[string]any{"error": message},
	})
}

// Execution returns a copy of the execution with the given id.
func (m *Manager) Execution(id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}

	return e.Clone(), nil
}

// ActiveForTask returns the task's active execution, if any.
func (m *Manager) ActiveForTask(taskID string) (*Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.executions {
		if e.TaskID == taskID && e.Status.Active() {
			return e.Clone(), true
		}
	}

	return nil, false
}

// lookup returns the execution and its workflow. Callers hold the lock.
func (m *Manager) lookup(executionID string) (*Execution, *Workflow, error) {
	e, ok := m.executions[executionID]
	if !ok {
		return nil, nil, ErrExecutionNotFound
	}

	wf, ok := m.workflows[e.WorkflowID]
	if !ok {
		return nil, nil, fmt.Errorf("workflow %s of execution %s is not registered", e.WorkflowID, e.ID)
	}

	return e, wf, nil
}

// commit appends the audit entry and applies the updated execution. Callers
// hold the lock.
func (m *Manager) commit(ctx context.Context, updated *Execution, entry audit.Entry) error {
	if err := m.auditLog.Append(ctx, entry); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	m.executions[updated.ID] = updated

	m.logger.DebugContext(ctx, "workflow execution updated",
		log.ExecutionIDKey, updated.ID,
		"event", string(entry.EventType))

	return nil
}
