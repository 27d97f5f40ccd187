package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

func envelope(t *testing.T, msgType types.MessageType, payload any) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	return env
}

func receive(t *testing.T, ch <-chan *types.Envelope) *types.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "channel closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestMemoryBus_SendAndHook(t *testing.T) {
	b := NewMemoryBus(0)
	defer b.Close()
	ctx := context.Background()

	env := envelope(t, types.MessageTaskAssign, types.Assignment{TaskID: "t1"})
	require.NoError(t, b.Send(ctx, "node-1", env))
	assert.Len(t, b.Sent("node-1"), 1)
	assert.Len(t, b.SentOfType(types.MessageTaskAssign), 1)

	boom := errors.New("link down")
	b.SetSendHook(func(member string, env *types.Envelope) error {
		if member == "node-2" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, b.Send(ctx, "node-2", env), boom)
	assert.Empty(t, b.Sent("node-2"))
	require.NoError(t, b.Send(ctx, "node-1", env))
	assert.Len(t, b.Sent("node-1"), 2)
}

func TestMemoryBus_InboundAndWatch(t *testing.T) {
	b := NewMemoryBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := b.Subscribe(ctx)
	require.NoError(t, err)
	_, err = b.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrSubscribed)

	require.NoError(t, b.Publish(ctx, envelope(t, types.MessageNodeHeartbeat, types.Heartbeat{NodeID: "n1"})))
	got := receive(t, in)
	assert.Equal(t, types.MessageNodeHeartbeat, got.Type)

	watch, stop, err := b.Watch(ctx, WorkflowGroup("wf-1"))
	require.NoError(t, err)
	require.NoError(t, b.Broadcast(ctx, WorkflowGroup("wf-1"), envelope(t, types.MessageWorkflowStarted, nil)))
	require.NoError(t, b.Broadcast(ctx, WorkflowGroup("wf-2"), envelope(t, types.MessageWorkflowStarted, nil)))
	assert.Equal(t, types.MessageWorkflowStarted, receive(t, watch).Type)
	assert.Len(t, b.Broadcasts("workflow:wf-1"), 1)
	stop()
	stop()
	_, ok := <-watch
	assert.False(t, ok)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(ctx, envelope(t, types.MessageNodeHeartbeat, nil)), ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, "n1", envelope(t, types.MessageTaskAssign, nil)), ErrClosed)
	_, ok = <-in
	assert.False(t, ok)
}

func newRedisTestBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := NewRedisBus(client, "test", nil)
	t.Cleanup(func() { b.Close() })
	return b, client
}

func TestRedisBus_SendRequiresListener(t *testing.T) {
	b, client := newRedisTestBus(t)
	ctx := context.Background()
	env := envelope(t, types.MessageTaskAssign, types.Assignment{TaskID: "t1", WorkflowID: "wf"})

	assert.ErrorIs(t, b.Send(ctx, "node-1", env), ErrNoReceiver)

	ps := client.Subscribe(ctx, "test:bus:member:node-1")
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Send(ctx, "node-1", env))
	msg, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"task_id":"t1"`)
}

func TestRedisBus_InboundRoundTrip(t *testing.T) {
	b, _ := newRedisTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := b.Subscribe(ctx)
	require.NoError(t, err)

	report := types.TaskReport{TaskID: "t1", WorkflowID: "wf", NodeID: "n1", Result: "ok"}
	require.NoError(t, b.Publish(ctx, envelope(t, types.MessageTaskCompleted, report)))

	got := receive(t, in)
	assert.Equal(t, types.MessageTaskCompleted, got.Type)
	var decoded types.TaskReport
	require.NoError(t, got.Decode(&decoded))
	assert.Equal(t, "t1", decoded.TaskID)
	assert.Equal(t, "ok", decoded.Result)

	cancel()
	for range in {
	}
}

func TestRedisBus_Watch(t *testing.T) {
	b, _ := newRedisTestBus(t)
	ctx := context.Background()

	watch, stop, err := b.Watch(ctx, WorkflowGroup("wf-1"))
	require.NoError(t, err)
	defer stop()

	require.NoError(t, b.Broadcast(ctx, WorkflowGroup("wf-1"),
		envelope(t, types.MessageWorkflowProgress, types.WorkflowEvent{WorkflowID: "wf-1"})))
	got := receive(t, watch)
	assert.Equal(t, types.MessageWorkflowProgress, got.Type)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Broadcast(ctx, "g", envelope(t, types.MessageWorkflowProgress, nil)), ErrClosed)
}
