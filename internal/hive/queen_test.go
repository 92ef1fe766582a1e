package hive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/HiveCortex/internal/agent"
	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
	"github.com/aosanya/HiveCortex/internal/store"
	"github.com/aosanya/HiveCortex/internal/team"
)

// hiveHarness wires a full scheduler stack over in-memory backends
type hiveHarness struct {
	bus      *bus.Bus
	registry *agent.Registry
	coord    *team.Coordinator
	queen    *Queen
	store    *store.Store
	teamID   string
}

// failSet makes the named tasks fail a set number of times
type failSet struct {
	mu       sync.Mutex
	failures map[string]int
}

// shouldFail consumes one failure budget for the task, if any remains
func (f *failSet) shouldFail(taskID string) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.failures[taskID]; ok && n > 0 {
		f.failures[taskID] = n - 1
		return true
	}
	return false
}

func newHiveHarness(t *testing.T, cfg Config, fails *failSet) *hiveHarness {
	t.Helper()
	h := &hiveHarness{
		bus:      bus.New(bus.Config{}),
		registry: agent.NewRegistry(),
		store:    store.New(store.NewMemoryRepository(), store.Config{FlushInterval: time.Hour}),
	}
	t.Cleanup(func() { h.store.Shutdown(context.Background()) })

	h.coord = team.NewCoordinator(h.bus, h.registry, team.NewMemoryRepository(), h.store)
	h.queen = NewQueen(cfg, h.bus, h.registry, h.coord, h.store)
	require.NoError(t, h.queen.Start())
	t.Cleanup(h.queen.Shutdown)

	// A full-coverage team: architect, coder, tester, analyst, documenter.
	specs := []struct {
		name string
		typ  agent.Type
		caps []string
	}{
		{"arch", agent.TypeArchitect, []string{"system_design", "architecture"}},
		{"coder", agent.TypeCoder, []string{"programming", "backend_development"}},
		{"tester", agent.TypeTester, []string{"testing", "quality_assurance"}},
		{"analyst", agent.TypeAnalyst, []string{"analysis", "data_processing"}},
		{"writer", agent.TypeDocumenter, []string{"documentation", "research"}},
	}
	var leader identity.AgentID
	for i, spec := range specs {
		id := identity.AgentID{Namespace: "swarm", ID: spec.name}
		caps := make(map[string]float64, len(spec.caps))
		for _, c := range spec.caps {
			caps[c] = 0.9
		}
		exec := agent.ExecutorFunc(func(ctx context.Context, task agent.AssignedTask, progress func(float64)) (*agent.ExecutionResult, error) {
			if fails.shouldFail(task.ID) {
				return nil, errors.New("injected failure")
			}
			progress(100)
			return &agent.ExecutionResult{Success: true, Output: map[string]interface{}{"done": task.ID}}, nil
		})
		rt := agent.NewRuntime(agent.Profile{ID: id, Name: spec.name, Type: spec.typ, Capabilities: caps}, h.bus, exec, agent.Config{HeartbeatInterval: time.Hour})
		require.NoError(t, rt.Start())
		require.NoError(t, h.registry.Add(rt))
		t.Cleanup(rt.Stop)
		if i == 0 {
			leader = id
		}
	}

	ctx := context.Background()
	tm, err := h.coord.CreateTeam(ctx, "swarm", leader, nil, team.FormationDynamic)
	require.NoError(t, err)
	for _, spec := range specs[1:] {
		require.NoError(t, h.coord.AddMember(ctx, tm.ID, identity.AgentID{Namespace: "swarm", ID: spec.name}))
	}
	h.teamID = tm.ID
	return h
}

// awaitStatus polls until the objective reaches the wanted status
func (h *hiveHarness) awaitStatus(t *testing.T, objectiveID string, want ObjectiveStatus, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		status, err := h.queen.ObjectiveStatusOf(objectiveID)
		require.NoError(t, err)
		if status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	status, _ := h.queen.ObjectiveStatusOf(objectiveID)
	t.Fatalf("objective %s stuck in %s, want %s", objectiveID, status, want)
}

func TestSubmitObjectiveRunsToCompletion(t *testing.T) {
	h := newHiveHarness(t, Config{HealthTick: 50 * time.Millisecond, RetryBackoff: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	id, err := h.queen.SubmitObjective(ctx, &Objective{
		Description: "implement the billing api",
		Strategy:    StrategyDevelopment,
	})
	require.NoError(t, err)

	h.awaitStatus(t, id, ObjectiveStatusCompleted, 10*time.Second)

	// Every task of the plan completed, and P3 holds: one assigned event
	// and one completed event per completed task.
	tasks, err := h.queen.GetTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	for _, task := range tasks {
		assert.Equal(t, team.TaskStatusCompleted, task.Status)

		events, err := h.store.GetEvents(ctx, task.ID, nil)
		require.NoError(t, err)
		var assigned, completed []*store.Event
		for _, e := range events {
			switch e.Type {
			case store.EventTaskAssigned:
				assigned = append(assigned, e)
			case store.EventTaskCompleted:
				completed = append(completed, e)
			}
		}
		require.Len(t, assigned, 1, "task %s", task.ID)
		require.Len(t, completed, 1, "task %s", task.ID)
		assert.True(t, assigned[0].Timestamp.Before(completed[0].Timestamp) ||
			assigned[0].Timestamp.Equal(completed[0].Timestamp))
	}

	stats := h.queen.GetStats()
	assert.Equal(t, int64(1), stats.ObjectivesSubmitted)
	assert.Equal(t, int64(1), stats.ObjectivesCompleted)
	assert.GreaterOrEqual(t, stats.TasksDispatched, int64(4))
}

func TestFailedTaskIsRetriedThenSucceeds(t *testing.T) {
	// Task ids are deterministic: obj-retry-step-0 is the first plan step.
	// It fails once; its retry succeeds and the objective completes.
	fails := &failSet{failures: map[string]int{"obj-retry-step-0": 1}}
	h := newHiveHarness(t, Config{HealthTick: 30 * time.Millisecond, RetryBackoff: 10 * time.Millisecond, MaxRetries: 3}, fails)
	ctx := context.Background()

	id, err := h.queen.SubmitObjective(ctx, &Objective{
		ID:          "obj-retry",
		Description: "implement the billing api",
		Strategy:    StrategyDevelopment,
	})
	require.NoError(t, err)

	h.awaitStatus(t, id, ObjectiveStatusCompleted, 10*time.Second)

	stats := h.queen.GetStats()
	assert.GreaterOrEqual(t, stats.TasksRetried, int64(1))

	// The retry is a new task referencing the original.
	retry, err := h.coord.GetTask(ctx, "obj-retry-step-0-retry-1")
	require.NoError(t, err)
	assert.Equal(t, "obj-retry-step-0", retry.RetryOf)
	assert.Equal(t, team.TaskStatusCompleted, retry.Status)
}

func TestRetryCapCascadesFailure(t *testing.T) {
	fails := &failSet{failures: map[string]int{
		"obj-fail-step-0":         100,
		"obj-fail-step-0-retry-1": 100,
		"obj-fail-step-0-retry-2": 100,
		"obj-fail-step-0-retry-3": 100,
	}}
	h := newHiveHarness(t, Config{HealthTick: 20 * time.Millisecond, RetryBackoff: 5 * time.Millisecond, MaxRetries: 3}, fails)
	ctx := context.Background()

	id, err := h.queen.SubmitObjective(ctx, &Objective{
		ID:          "obj-fail",
		Description: "implement the billing api",
		Strategy:    StrategyDevelopment,
	})
	require.NoError(t, err)

	h.awaitStatus(t, id, ObjectiveStatusFailed, 10*time.Second)

	// Dependents cascaded to failed with the cause chain in metadata.
	tasks, err := h.queen.GetTasks(ctx, id)
	require.NoError(t, err)
	cascaded := 0
	for _, task := range tasks {
		if task.Status == team.TaskStatusFailed && task.Metadata["failure_cause"] != "" {
			cascaded++
		}
	}
	assert.GreaterOrEqual(t, cascaded, 2)
}

func TestConsensusAchievedAppliesDecision(t *testing.T) {
	h := newHiveHarness(t, Config{
		HealthTick:       30 * time.Millisecond,
		ConsensusTimeout: 5 * time.Second,
	}, nil)
	ctx := context.Background()

	// Default voters approve: 5/5 >= 0.66.
	id, err := h.queen.SubmitObjective(ctx, &Objective{
		Description:      "implement the billing api",
		Strategy:         StrategyDevelopment,
		TeamID:           h.teamID,
		RequireConsensus: true,
	})
	require.NoError(t, err)

	h.awaitStatus(t, id, ObjectiveStatusCompleted, 10*time.Second)

	events, err := h.store.GetEvents(ctx, id, nil)
	require.NoError(t, err)
	achieved := false
	for _, e := range events {
		if e.Type == store.EventConsensusAchieved {
			achieved = true
		}
	}
	assert.True(t, achieved, "consensus.achieved event should be recorded")
}

func TestConsensusRejectedBlocksDecision(t *testing.T) {
	h := newHiveHarness(t, Config{
		HealthTick:       30 * time.Millisecond,
		ConsensusTimeout: 5 * time.Second,
	}, nil)
	ctx := context.Background()

	// Three of five vote no: 2/5 < 0.66, and the outcome is settled once the
	// second rejection lands (at most 3/5 = 0.6 approvals remain possible).
	rejected := 0
	for _, rt := range h.registry.List() {
		if rejected < 3 {
			rt.SetVoter(func(topic string, proposal map[string]interface{}) (bool, string) {
				return false, "too risky"
			})
			rejected++
		}
	}

	id, err := h.queen.SubmitObjective(ctx, &Objective{
		Description:      "implement the billing api",
		Strategy:         StrategyDevelopment,
		TeamID:           h.teamID,
		RequireConsensus: true,
	})
	require.NoError(t, err)

	status, err := h.queen.ObjectiveStatusOf(id)
	require.NoError(t, err)
	assert.Equal(t, ObjectiveStatusPending, status)

	// The decision was not applied: no tasks were dispatched.
	tasks, err := h.queen.GetTasks(ctx, id)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.NotEqual(t, team.TaskStatusAssigned, task.Status)
		assert.NotEqual(t, team.TaskStatusCompleted, task.Status)
	}

	events, err := h.store.GetEvents(ctx, id, nil)
	require.NoError(t, err)
	sawRejected := false
	for _, e := range events {
		if e.Type == store.EventConsensusRejected {
			sawRejected = true
		}
	}
	assert.True(t, sawRejected, "consensus.rejected event should be recorded")
}

func TestCancelObjectiveStopsWork(t *testing.T) {
	// The health tick is an hour, so no scheduler sweep runs during the test.
	h := newHiveHarness(t, Config{HealthTick: time.Hour}, nil)
	ctx := context.Background()

	id, err := h.queen.SubmitObjective(ctx, &Objective{
		Description: "implement the billing api",
		Strategy:    StrategyDevelopment,
	})
	require.NoError(t, err)

	require.NoError(t, h.queen.CancelObjective(ctx, id))
	status, err := h.queen.ObjectiveStatusOf(id)
	require.NoError(t, err)
	assert.Equal(t, ObjectiveStatusCancelled, status)
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	h := newHiveHarness(t, Config{}, nil)
	h.queen.Shutdown()

	_, err := h.queen.SubmitObjective(context.Background(), &Objective{Description: "x"})
	assert.ErrorIs(t, err, ErrQueenStopped)
}
