package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/HiveCortex/internal/agent"
	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
	"github.com/aosanya/HiveCortex/internal/store"
)

// wfHarness wires an engine over in-memory backends
type wfHarness struct {
	store  *store.Store
	bus    *bus.Bus
	engine *Engine
}

func newWFHarness(t *testing.T, config Config) *wfHarness {
	t.Helper()
	h := &wfHarness{
		store: store.New(store.NewMemoryRepository(), store.Config{FlushInterval: time.Hour}),
		bus:   bus.New(bus.Config{}),
	}
	h.engine = New(h.store, h.bus, config)
	t.Cleanup(func() {
		h.engine.Shutdown(context.Background())
		h.store.Shutdown(context.Background())
	})
	return h
}

// startWorker runs an agent that executes workflow task nodes
func (h *wfHarness) startWorker(t *testing.T, name string, delay time.Duration, output map[string]interface{}) identity.AgentID {
	t.Helper()
	id := identity.AgentID{Namespace: "svc", ID: name}
	exec := agent.ExecutorFunc(func(ctx context.Context, task agent.AssignedTask, progress func(float64)) (*agent.ExecutionResult, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &agent.ExecutionResult{Success: true, Output: output}, nil
	})
	rt := agent.NewRuntime(agent.Profile{ID: id, Name: name, Type: agent.TypeSpecialist}, h.bus, exec, agent.Config{HeartbeatInterval: time.Hour})
	require.NoError(t, rt.Start())
	t.Cleanup(rt.Stop)
	return id
}

// await polls until the instance reaches the wanted status
func (h *wfHarness) await(t *testing.T, instanceID string, want store.InstanceStatus, within time.Duration) *store.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		inst, err := h.engine.GetWorkflowStatus(context.Background(), instanceID)
		require.NoError(t, err)
		if inst.Status == want {
			return inst
		}
		time.Sleep(10 * time.Millisecond)
	}
	inst, _ := h.engine.GetWorkflowStatus(context.Background(), instanceID)
	t.Fatalf("instance %s stuck in %s, want %s", instanceID, inst.Status, want)
	return nil
}

func node(id string, typ store.NodeType) store.Node {
	return store.Node{ID: id, Type: typ}
}

func edge(from, to string) store.Edge {
	return store.Edge{From: from, To: to}
}

func TestValidateDefinition(t *testing.T) {
	tests := []struct {
		name    string
		defn    store.WorkflowDefinition
		wantErr string
	}{
		{
			name: "valid linear",
			defn: store.WorkflowDefinition{
				Name:  "ok",
				Nodes: []store.Node{node("s", store.NodeTypeStart), node("e", store.NodeTypeEnd)},
				Edges: []store.Edge{edge("s", "e")},
			},
		},
		{
			name: "duplicate ids",
			defn: store.WorkflowDefinition{
				Name:  "dup",
				Nodes: []store.Node{node("s", store.NodeTypeStart), node("s", store.NodeTypeEnd)},
			},
			wantErr: "duplicate node id",
		},
		{
			name: "no start",
			defn: store.WorkflowDefinition{
				Name:  "nostart",
				Nodes: []store.Node{node("e", store.NodeTypeEnd)},
			},
			wantErr: "no start node",
		},
		{
			name: "two starts",
			defn: store.WorkflowDefinition{
				Name:  "twostarts",
				Nodes: []store.Node{node("s1", store.NodeTypeStart), node("s2", store.NodeTypeStart), node("e", store.NodeTypeEnd)},
			},
			wantErr: "multiple start nodes",
		},
		{
			name: "unreachable node",
			defn: store.WorkflowDefinition{
				Name: "island",
				Nodes: []store.Node{
					node("s", store.NodeTypeStart), node("e", store.NodeTypeEnd),
					node("island", store.NodeTypeEnd),
				},
				Edges: []store.Edge{edge("s", "e")},
			},
			wantErr: "unreachable",
		},
		{
			name: "cycle outside loop",
			defn: store.WorkflowDefinition{
				Name: "cycle",
				Nodes: []store.Node{
					node("s", store.NodeTypeStart),
					{ID: "a", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "h"}},
					{ID: "b", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "h"}},
					node("e", store.NodeTypeEnd),
				},
				Edges: []store.Edge{edge("s", "a"), edge("a", "b"), edge("b", "a"), edge("b", "e")},
			},
			wantErr: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDefinition(&tt.defn)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLinearWorkflowWithTransform(t *testing.T) {
	h := newWFHarness(t, Config{})
	h.engine.RegisterTransform("double", func(env *ConditionEnv) (interface{}, error) {
		n, _ := env.Resolve("inputs.n")
		f, _ := toFloat(n)
		return f * 2, nil
	})

	defn := &store.WorkflowDefinition{
		Name: "linear",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "double", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "double"}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "double"), edge("double", "end")},
	}

	id, err := h.engine.StartWorkflow(context.Background(), defn, map[string]interface{}{"n": 21}, "")
	require.NoError(t, err)

	inst := h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)
	assert.Equal(t, 42.0, inst.Context.NodeOutputs["double"])
	assert.Equal(t, 42.0, inst.Context.Outputs["double"])
}

func TestDecisionFirstMatchWins(t *testing.T) {
	h := newWFHarness(t, Config{})
	h.engine.RegisterTransform("mark", func(env *ConditionEnv) (interface{}, error) { return "high", nil })
	h.engine.RegisterTransform("markLow", func(env *ConditionEnv) (interface{}, error) { return "low", nil })

	defn := &store.WorkflowDefinition{
		Name: "decide",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			node("decide", store.NodeTypeDecision),
			{ID: "high", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "mark"}},
			{ID: "low", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "markLow"}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{
			edge("start", "decide"),
			{From: "decide", To: "high", Condition: &store.Condition{
				Kind: store.ConditionComparison, Left: "inputs.score", Op: ">", Right: 50,
			}},
			{From: "decide", To: "low", Default: true},
			edge("high", "end"),
			edge("low", "end"),
		},
	}

	id, err := h.engine.StartWorkflow(context.Background(), defn, map[string]interface{}{"score": 80}, "")
	require.NoError(t, err)
	inst := h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)
	assert.Equal(t, "high", inst.Context.NodeOutputs["high"])
	assert.NotContains(t, inst.Context.NodeOutputs, "low")

	id2, err := h.engine.StartWorkflow(context.Background(), defn, map[string]interface{}{"score": 10}, "")
	require.NoError(t, err)
	inst2 := h.await(t, id2, store.InstanceStatusCompleted, 5*time.Second)
	assert.Equal(t, "low", inst2.Context.NodeOutputs["low"])
}

func TestParallelBranchesJoinAndAggregate(t *testing.T) {
	h := newWFHarness(t, Config{})
	h.engine.RegisterTransform("left", func(env *ConditionEnv) (interface{}, error) { return 10.0, nil })
	h.engine.RegisterTransform("right", func(env *ConditionEnv) (interface{}, error) { return 32.0, nil })

	defn := &store.WorkflowDefinition{
		Name: "fanout",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			node("fork", store.NodeTypeParallel),
			{ID: "left", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "left"}},
			{ID: "right", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "right"}},
			{ID: "sum", Type: store.NodeTypeAggregate, Aggregate: &store.AggregateSpec{
				Inputs: []string{"left", "right"}, Mode: store.AggregateSum,
			}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{
			edge("start", "fork"),
			edge("fork", "left"),
			edge("fork", "right"),
			edge("left", "sum"),
			edge("right", "sum"),
			edge("sum", "end"),
		},
	}

	id, err := h.engine.StartWorkflow(context.Background(), defn, nil, "")
	require.NoError(t, err)
	inst := h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)

	// Branch outputs are keyed by branch head on the parallel node.
	fork, ok := inst.Context.NodeOutputs["fork"].(map[string]interface{})
	require.True(t, ok, "fork output should be a branch map, got %T", inst.Context.NodeOutputs["fork"])
	assert.Equal(t, 10.0, fork["left"])
	assert.Equal(t, 32.0, fork["right"])
	assert.Equal(t, 42.0, inst.Context.NodeOutputs["sum"])
}

func TestLoopRunsUntilConditionFalse(t *testing.T) {
	h := newWFHarness(t, Config{})
	h.engine.RegisterTransform("increment", func(env *ConditionEnv) (interface{}, error) {
		count, _ := env.Resolve("variables.count")
		f, _ := toFloat(count)
		env.Context.Variables["count"] = f + 1
		return f + 1, nil
	})

	defn := &store.WorkflowDefinition{
		Name:      "looper",
		Variables: map[string]interface{}{"count": 0},
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "guard", Type: store.NodeTypeLoop, Loop: &store.LoopSpec{
				Condition: store.Condition{Kind: store.ConditionComparison, Left: "variables.count", Op: "<", Right: 3},
				Body:      "increment",
			}},
			{ID: "increment", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "increment"}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{
			edge("start", "guard"),
			edge("guard", "increment"),
			edge("increment", "guard"),
			edge("guard", "end"),
		},
	}

	id, err := h.engine.StartWorkflow(context.Background(), defn, nil, "")
	require.NoError(t, err)
	inst := h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)

	assert.Equal(t, 3, inst.LoopCounters["guard"])
	assert.EqualValues(t, 3, inst.Context.Variables["count"])
}

func TestLoopIterationCap(t *testing.T) {
	h := newWFHarness(t, Config{})
	h.engine.RegisterTransform("noop", func(env *ConditionEnv) (interface{}, error) { return nil, nil })

	defn := &store.WorkflowDefinition{
		Name: "forever",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "guard", Type: store.NodeTypeLoop, Loop: &store.LoopSpec{
				Condition:     store.Condition{Kind: store.ConditionExpression, Expression: "1 == 1"},
				Body:          "noop",
				MaxIterations: 5,
			}},
			{ID: "noop", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "noop"}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{
			edge("start", "guard"),
			edge("guard", "noop"),
			edge("noop", "guard"),
			edge("guard", "end"),
		},
	}

	id, err := h.engine.StartWorkflow(context.Background(), defn, nil, "")
	require.NoError(t, err)
	inst := h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)
	assert.Equal(t, 5, inst.LoopCounters["guard"])
}

func TestTaskNodeInvokesAgent(t *testing.T) {
	h := newWFHarness(t, Config{})
	worker := h.startWorker(t, "worker", 0, map[string]interface{}{"result": "done"})

	defn := &store.WorkflowDefinition{
		Name: "withtask",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "call", Type: store.NodeTypeTask, Task: &store.TaskSpec{
				Target:      worker.Key(),
				Description: "do the thing",
			}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "call"), edge("call", "end")},
	}

	id, err := h.engine.StartWorkflow(context.Background(), defn, nil, "")
	require.NoError(t, err)
	inst := h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)

	out, ok := inst.Context.NodeOutputs["call"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "done", out["result"])
}

func TestTaskNodeTimeoutFailsInstance(t *testing.T) {
	h := newWFHarness(t, Config{DefaultTaskTimeout: 100 * time.Millisecond})
	// The target has a mailbox but no consumer: the COMMAND is delivered and
	// no RESPONSE ever comes back.
	_, err := h.bus.Register(identity.AgentID{Namespace: "svc", ID: "ghost"})
	require.NoError(t, err)
	defn := &store.WorkflowDefinition{
		Name: "orphan",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "call", Type: store.NodeTypeTask, Task: &store.TaskSpec{
				Target:      "svc:ghost",
				Description: "shout into the void",
			}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "call"), edge("call", "end")},
	}

	id, err := h.engine.StartWorkflow(context.Background(), defn, nil, "")
	require.NoError(t, err)
	inst := h.await(t, id, store.InstanceStatusFailed, 5*time.Second)
	assert.NotEmpty(t, inst.Error)
	assert.Contains(t, inst.Error, "timed out")
}

func TestHumanTaskWaitsForCompletion(t *testing.T) {
	h := newWFHarness(t, Config{})
	ctx := context.Background()

	defn := &store.WorkflowDefinition{
		Name: "approval",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "approve", Type: store.NodeTypeHumanTask, HumanTask: &store.HumanTaskSpec{
				Assignee: "ops",
				Prompt:   "approve the deploy?",
			}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "approve"), edge("approve", "end")},
	}

	id, err := h.engine.StartWorkflow(ctx, defn, nil, "")
	require.NoError(t, err)

	inst := h.await(t, id, store.InstanceStatusWaiting, 5*time.Second)
	require.Len(t, inst.HumanTasks, 1)
	taskID := inst.HumanTasks[0]

	task, err := h.store.GetHumanTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, store.HumanTaskPending, task.Status)
	assert.Equal(t, "ops", task.Assignee)
	assert.Nil(t, task.Deadline)

	require.NoError(t, h.engine.CompleteHumanTask(ctx, id, taskID, map[string]interface{}{"approved": true}))

	final := h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)
	out, ok := final.Context.NodeOutputs["approve"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, out["approved"])
}

func TestEventNodeWaitsForDelivery(t *testing.T) {
	h := newWFHarness(t, Config{})

	defn := &store.WorkflowDefinition{
		Name: "eventual",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "wait", Type: store.NodeTypeEvent, Event: &store.EventSpec{EventType: "order.shipped"}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "wait"), edge("wait", "end")},
	}

	id, err := h.engine.StartWorkflow(context.Background(), defn, nil, "")
	require.NoError(t, err)
	h.await(t, id, store.InstanceStatusWaiting, 5*time.Second)

	delivered := h.engine.DeliverEvent("order.shipped", map[string]interface{}{"tracking": "XYZ"})
	assert.Equal(t, 1, delivered)

	inst := h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)
	out, ok := inst.Context.NodeOutputs["wait"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "XYZ", out["tracking"])
}

func TestSubworkflowOutputs(t *testing.T) {
	h := newWFHarness(t, Config{})
	ctx := context.Background()
	h.engine.RegisterTransform("echoInput", func(env *ConditionEnv) (interface{}, error) {
		v, _ := env.Resolve("inputs.value")
		return v, nil
	})

	child := &store.WorkflowDefinition{
		ID:   "wf-child",
		Name: "child",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "echo", Type: store.NodeTypeTransform, Transform: &store.TransformSpec{Handler: "echoInput"}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "echo"), edge("echo", "end")},
	}
	require.NoError(t, h.engine.SaveDefinition(ctx, child))

	parent := &store.WorkflowDefinition{
		Name: "parent",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "sub", Type: store.NodeTypeSubworkflow, Subworkflow: &store.SubworkflowSpec{
				WorkflowID: "wf-child",
				Inputs:     map[string]string{"value": "inputs.seed"},
			}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "sub"), edge("sub", "end")},
	}

	id, err := h.engine.StartWorkflow(ctx, parent, map[string]interface{}{"seed": "hello"}, "")
	require.NoError(t, err)
	inst := h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)

	sub, ok := inst.Context.NodeOutputs["sub"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", sub["echo"])
}

func TestPauseAndResumeAcrossTask(t *testing.T) {
	h := newWFHarness(t, Config{EnableSnapshots: true, SnapshotInterval: time.Hour})
	ctx := context.Background()

	// A slow worker so the pause lands while the task is in flight.
	worker := h.startWorker(t, "slow", 300*time.Millisecond, map[string]interface{}{"answer": 42.0})

	defn := &store.WorkflowDefinition{
		Name: "pausable",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "T", Type: store.NodeTypeTask, Task: &store.TaskSpec{
				Target:      worker.Key(),
				Description: "slow work",
				TimeoutMs:   5000,
			}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "T"), edge("T", "end")},
	}

	id, err := h.engine.StartWorkflow(ctx, defn, nil, "")
	require.NoError(t, err)

	// Wait for the task node to be entered, then pause mid-flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		inst, err := h.engine.GetWorkflowStatus(ctx, id)
		require.NoError(t, err)
		if inst.CurrentNode == "T" {
			break
		}
		require.True(t, time.Now().Before(deadline), "task node never entered")
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, h.engine.PauseWorkflow(ctx, id))

	inst, err := h.engine.GetWorkflowStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.InstanceStatusPaused, inst.Status)

	snap, err := h.store.LatestSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.InstanceID)

	// Resume: the task re-executes and the instance completes.
	require.NoError(t, h.engine.ResumeWorkflow(ctx, id))
	final := h.await(t, id, store.InstanceStatusCompleted, 10*time.Second)

	out, ok := final.Context.NodeOutputs["T"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 42.0, out["answer"])
}

func TestResumeWithoutSnapshotFails(t *testing.T) {
	h := newWFHarness(t, Config{})
	ctx := context.Background()

	inst := &store.WorkflowInstance{
		ID:           "inst-orphan",
		DefinitionID: "wf-x",
		Status:       store.InstanceStatusPaused,
		StartedAt:    store.TimeUTC(time.Now()),
	}
	require.NoError(t, h.store.SaveInstance(ctx, inst))

	err := h.engine.ResumeWorkflow(ctx, "inst-orphan")
	assert.ErrorIs(t, err, ErrNoSnapshotForResume)
}

func TestCancelWorkflow(t *testing.T) {
	h := newWFHarness(t, Config{})
	ctx := context.Background()

	defn := &store.WorkflowDefinition{
		Name: "cancellable",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "nap", Type: store.NodeTypeTimer, Timer: &store.TimerSpec{DelayMs: 60000}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "nap"), edge("nap", "end")},
	}

	id, err := h.engine.StartWorkflow(ctx, defn, nil, "")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.engine.CancelWorkflow(ctx, id, "operator request"))
	inst, err := h.engine.GetWorkflowStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.InstanceStatusCancelled, inst.Status)
	require.NotNil(t, inst.CompletedAt)

	events, err := h.store.GetEvents(ctx, id, nil)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.Type == store.EventInstanceCancelled {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTimerNodeDelays(t *testing.T) {
	h := newWFHarness(t, Config{})

	defn := &store.WorkflowDefinition{
		Name: "timed",
		Nodes: []store.Node{
			node("start", store.NodeTypeStart),
			{ID: "nap", Type: store.NodeTypeTimer, Timer: &store.TimerSpec{DelayMs: 100}},
			node("end", store.NodeTypeEnd),
		},
		Edges: []store.Edge{edge("start", "nap"), edge("nap", "end")},
	}

	start := time.Now()
	id, err := h.engine.StartWorkflow(context.Background(), defn, nil, "")
	require.NoError(t, err)
	h.await(t, id, store.InstanceStatusCompleted, 5*time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestParseDefinitionSchema(t *testing.T) {
	good := []byte(`{
		"name": "ok",
		"nodes": [
			{"id": "s", "type": "start"},
			{"id": "e", "type": "end"}
		],
		"edges": [{"from": "s", "to": "e"}]
	}`)
	defn, err := ParseDefinition(good)
	require.NoError(t, err)
	assert.Equal(t, "ok", defn.Name)

	bad := []byte(`{"name": "bad", "nodes": [{"id": "s", "type": "teleport"}], "edges": []}`)
	_, err = ParseDefinition(bad)
	assert.Error(t, err)
}
