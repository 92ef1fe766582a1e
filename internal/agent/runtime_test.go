package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
)

func newTestRuntime(t *testing.T, b *bus.Bus, name string, executor Executor) *Runtime {
	t.Helper()
	profile := Profile{
		ID:   identity.AgentID{Namespace: "test", ID: name},
		Name: name,
		Type: TypeCoder,
		Capabilities: map[string]float64{
			"programming": 0.9,
		},
	}
	rt := NewRuntime(profile, b, executor, Config{HeartbeatInterval: time.Hour})
	require.NoError(t, rt.Start())
	t.Cleanup(rt.Stop)
	return rt
}

func TestCapabilityQuery(t *testing.T) {
	b := bus.New(bus.Config{})
	rt := newTestRuntime(t, b, "a1", nil)

	asker := identity.AgentID{Namespace: "test", ID: "asker"}
	_, err := b.Register(asker)
	require.NoError(t, err)

	req := bus.NewMessage(asker, []identity.AgentID{rt.ID()}, bus.MessageTypeRequest, bus.PriorityNormal, bus.TopicCapabilityQuery, nil)
	resp, err := b.SendAndWaitForResponse(context.Background(), req, 2*time.Second)
	require.NoError(t, err)

	caps, ok := resp.Content.Body["capabilities"].(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 0.9, caps["programming"])
}

func TestStateQueryReportsWorkload(t *testing.T) {
	b := bus.New(bus.Config{})
	rt := newTestRuntime(t, b, "a1", nil)
	rt.SetWorkload(42)

	asker := identity.AgentID{Namespace: "test", ID: "asker"}
	b.Register(asker)

	req := bus.NewMessage(asker, []identity.AgentID{rt.ID()}, bus.MessageTypeRequest, bus.PriorityNormal, bus.TopicStateQuery, nil)
	resp, err := b.SendAndWaitForResponse(context.Background(), req, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, string(StateIdle), resp.Content.Body["state"])
	assert.Equal(t, 42.0, resp.Content.Body["workload"])
}

func TestTaskAssignmentExecutesAndResponds(t *testing.T) {
	b := bus.New(bus.Config{})
	executed := make(chan string, 2)
	exec := ExecutorFunc(func(ctx context.Context, task AssignedTask, progress func(float64)) (*ExecutionResult, error) {
		executed <- task.ID
		progress(100)
		return &ExecutionResult{Success: true, Output: map[string]interface{}{"echo": task.Description}}, nil
	})
	rt := newTestRuntime(t, b, "worker", exec)

	sender := identity.AgentID{Namespace: "test", ID: "coord"}
	b.Register(sender)

	body := map[string]interface{}{
		"goal_id":  "goal-1",
		"strategy": "flat",
		"tasks": []map[string]interface{}{
			{"id": "t1", "description": "build api", "type": "coder"},
			{"id": "t2", "description": "write docs", "type": "documenter"},
		},
	}
	cmd := bus.NewMessage(sender, []identity.AgentID{rt.ID()}, bus.MessageTypeCommand, bus.PriorityHigh, bus.TopicTaskAssignment, body)
	resp, err := b.SendAndWaitForResponse(context.Background(), cmd, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, true, resp.Content.Body["success"])
	assert.Equal(t, "goal-1", resp.Content.Body["goal_id"])
	assert.Equal(t, "t1", <-executed)
	assert.Equal(t, "t2", <-executed)

	metrics := rt.Profile()
	_ = metrics
	rt.mu.RLock()
	completed := rt.metrics.TasksCompleted
	rt.mu.RUnlock()
	assert.Equal(t, int64(2), completed)
}

func TestTaskAssignmentFailureReported(t *testing.T) {
	b := bus.New(bus.Config{})
	exec := ExecutorFunc(func(ctx context.Context, task AssignedTask, progress func(float64)) (*ExecutionResult, error) {
		return nil, errors.New("boom")
	})
	rt := newTestRuntime(t, b, "worker", exec)

	sender := identity.AgentID{Namespace: "test", ID: "coord"}
	b.Register(sender)

	body := map[string]interface{}{
		"goal_id": "goal-1",
		"tasks":   []map[string]interface{}{{"id": "t1", "description": "explode"}},
	}
	cmd := bus.NewMessage(sender, []identity.AgentID{rt.ID()}, bus.MessageTypeCommand, bus.PriorityHigh, bus.TopicTaskAssignment, body)
	resp, err := b.SendAndWaitForResponse(context.Background(), cmd, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, false, resp.Content.Body["success"])
	assert.Equal(t, StateError, rt.State())
}

func TestUnknownRequestGetsRefusal(t *testing.T) {
	b := bus.New(bus.Config{})
	rt := newTestRuntime(t, b, "a1", nil)

	asker := identity.AgentID{Namespace: "test", ID: "asker"}
	b.Register(asker)

	req := bus.NewMessage(asker, []identity.AgentID{rt.ID()}, bus.MessageTypeRequest, bus.PriorityNormal, "no:such:topic", nil)
	resp, err := b.SendAndWaitForResponse(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, resp.Content.Body["error"], "unsupported topic")
}
