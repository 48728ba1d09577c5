package ruletest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/rules"
)

func TestHarness_DefaultRules(t *testing.T) {
	h := New(t)

	h.GivenUser(&core.User{ID: "u1", IsActive: true, Role: "developer"})
	h.GivenTask(&core.Task{
		ID:        "t1",
		Title:     "incident",
		Status:    core.StatusTodo,
		Priority:  core.PriorityHigh,
		CreatorID: "u1",
		CreatedAt: h.Clock.Now(),
	})

	results := h.Fire("t1", core.TriggerTaskCreated)
	require.True(t, results["auto_assign_high_priority"])

	require.Equal(t, []string{"u1"}, h.Task("t1").Assignees)
	require.Len(t, h.Notifications("task_assigned"), 1)
}

func TestHarness_CustomRuleOnly(t *testing.T) {
	h := New(t,
		WithoutDefaultRules(),
		WithRules(&rules.Rule{
			Name:          "tag_created",
			Type:          rules.TypeNotification,
			TriggerEvents: []core.TriggerEvent{core.TriggerTaskCreated},
			Enabled:       true,
			Condition:     &rules.UnassignedCondition{},
			Actions:       []rules.Action{&rules.TagAction{Op: rules.TagAdd, Tags: []string{"triage"}}},
		}))

	h.GivenTask(&core.Task{
		ID:        "t1",
		Title:     "inbox",
		Status:    core.StatusTodo,
		Priority:  core.PriorityLow,
		CreatorID: "u1",
		CreatedAt: h.Clock.Now(),
	})

	results := h.Fire("t1", core.TriggerTaskCreated)
	require.Equal(t, map[string]bool{"tag_created": true}, results)
	require.Contains(t, h.Task("t1").Tags, "triage")
}

func TestHarness_WithNow(t *testing.T) {
	now := time.Date(2025, time.January, 2, 9, 0, 0, 0, time.UTC)
	h := New(t, WithNow(now))

	require.Equal(t, now, h.Clock.Now())
}
