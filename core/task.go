package core

import (
	"slices"
	"time"
)

// Task is a single unit of work. The engine reads and mutates tasks through a
// backend.TaskStore; instances held by the engine are snapshots, not live
// records.
type Task struct {
	// ID is a unique identifier for this task
	ID string `json:"id,omitempty"`

	Title string `json:"title,omitempty"`

	Status   Status   `json:"status,omitempty"`
	Priority Priority `json:"priority,omitempty"`

	// DueDate is optional; tasks without one never count as overdue.
	DueDate *time.Time `json:"due_date,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`

	EstimatedHours float64 `json:"estimated_hours,omitempty"`
	ActualHours    float64 `json:"actual_hours,omitempty"`

	// Assignees holds user ids in assignment order, without duplicates.
	Assignees []string `json:"assignees,omitempty"`

	// ParentID links this task into a dependency tree. The tree must stay
	// acyclic; stores and the graph analyzer validate this on write.
	ParentID *string `json:"parent_id,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Metadata is an open key/value map used for escalation history,
	// stakeholder level, scheduler flags and similar annotations.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatorID string `json:"creator_id,omitempty"`

	CompletionPercent float64 `json:"completion_percent,omitempty"`

	// Version is an optimistic concurrency token maintained by stores.
	Version int64 `json:"version,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	c := *t

	if t.DueDate != nil {
		due := *t.DueDate
		c.DueDate = &due
	}

	if t.ParentID != nil {
		parent := *t.ParentID
		c.ParentID = &parent
	}

	c.Assignees = slices.Clone(t.Assignees)
	c.Tags = slices.Clone(t.Tags)
	c.Metadata = cloneMap(t.Metadata)

	return &c
}

// IsOverdue reports whether the task has a due date in the past and is not in
// a terminal status.
func (t *Task) IsOverdue(now time.Time) bool {
	if t.DueDate == nil || t.Status.Terminal() {
		return false
	}

	return t.DueDate.Before(now)
}

// Assigned reports whether the task has any assignees.
func (t *Task) Assigned() bool {
	return len(t.Assignees) > 0
}

// AddAssignee appends the given user id, keeping the assignee list free of
// duplicates. It reports whether the list changed.
func (t *Task) AddAssignee(userID string) bool {
	if slices.Contains(t.Assignees, userID) {
		return false
	}

	t.Assignees = append(t.Assignees, userID)

	return true
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// MetaString reads a string value from the task metadata.
func (t *Task) MetaString(key string) (string, bool) {
	if t.Metadata == nil {
		return "", false
	}

	v, ok := t.Metadata[key]
	if !ok {
		return "", false
	}

	s, ok := v.(string)

	return s, ok
}

// SetMeta sets a metadata value, allocating the map on first use.
func (t *Task) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}

	t.Metadata[key] = value
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	c := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			c[k] = cloneMap(vv)
		case []any:
			c[k] = slices.Clone(vv)
		default:
			c[k] = v
		}
	}

	return c
}
