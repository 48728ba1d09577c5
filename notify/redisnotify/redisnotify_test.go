package redisnotify

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowsmith/taskflow/notify"
)

func Test_Notify(t *testing.T) {
	// These tests rely on redis being running on localhost:6379. Skip this test if `-short` is set.
	if testing.Short() {
		t.Skip()
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
		DB:    1,
	})

	ctx := context.Background()

	stream := "taskflow:test:notifications"
	require.NoError(t, client.Del(ctx, stream).Err())

	n := New(client, WithStream(stream))

	err := n.Notify(ctx, notify.Notification{
		Recipients: []string{"u1", "u2"},
		Type:       "task_assigned",
		TaskID:     "t1",
		Payload:    map[string]any{"assigned_by": "rule"},
	})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "task_assigned", entries[0].Values["type"])
	require.Equal(t, "t1", entries[0].Values["task_id"])
	require.Contains(t, entries[0].Values["payload"], `"recipients":["u1","u2"]`)
}
