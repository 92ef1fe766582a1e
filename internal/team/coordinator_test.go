package team

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/HiveCortex/internal/agent"
	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
)

// testHarness wires a bus, registry, and coordinator with capturing agents
type testHarness struct {
	bus      *bus.Bus
	registry *agent.Registry
	coord    *Coordinator
	repo     *MemoryRepository
	executed chan executedTask
	runtimes map[string]*agent.Runtime
}

type executedTask struct {
	agentKey string
	taskID   string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		bus:      bus.New(bus.Config{}),
		registry: agent.NewRegistry(),
		repo:     NewMemoryRepository(),
		executed: make(chan executedTask, 64),
		runtimes: make(map[string]*agent.Runtime),
	}
	h.coord = NewCoordinator(h.bus, h.registry, h.repo, nil)
	return h
}

// addAgent starts a capturing agent and returns its id
func (h *testHarness) addAgent(t *testing.T, name string, agentType agent.Type, caps map[string]float64) identity.AgentID {
	t.Helper()
	id := identity.AgentID{Namespace: "test", ID: name}
	profile := agent.Profile{ID: id, Name: name, Type: agentType, Capabilities: caps}
	exec := agent.ExecutorFunc(func(ctx context.Context, task agent.AssignedTask, progress func(float64)) (*agent.ExecutionResult, error) {
		h.executed <- executedTask{agentKey: id.Key(), taskID: task.ID}
		return &agent.ExecutionResult{Success: true}, nil
	})
	rt := agent.NewRuntime(profile, h.bus, exec, agent.Config{HeartbeatInterval: time.Hour})
	require.NoError(t, rt.Start())
	require.NoError(t, h.registry.Add(rt))
	h.runtimes[id.Key()] = rt
	t.Cleanup(rt.Stop)
	return id
}

func TestCreateTeamLeaderAutoJoins(t *testing.T) {
	h := newHarness(t)
	leader := h.addAgent(t, "a1", agent.TypeCoordinator, nil)

	team, err := h.coord.CreateTeam(context.Background(), "alpha", leader, nil, "")
	require.NoError(t, err)

	assert.Equal(t, StatusForming, team.Status)
	assert.Equal(t, FormationDynamic, team.Formation)
	require.Len(t, team.Members, 1)
	assert.Equal(t, leader, team.Members[0])
	assert.True(t, team.HasMember(leader))
}

func TestAddMemberEnforcesOneTeamPerAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leader1 := h.addAgent(t, "a1", agent.TypeCoordinator, nil)
	leader2 := h.addAgent(t, "a2", agent.TypeCoordinator, nil)
	worker := h.addAgent(t, "a3", agent.TypeCoder, nil)

	t1, err := h.coord.CreateTeam(ctx, "alpha", leader1, nil, "")
	require.NoError(t, err)
	t2, err := h.coord.CreateTeam(ctx, "beta", leader2, nil, "")
	require.NoError(t, err)

	require.NoError(t, h.coord.AddMember(ctx, t1.ID, worker))
	err = h.coord.AddMember(ctx, t2.ID, worker)
	assert.ErrorIs(t, err, ErrAgentInTeam)
}

func TestRemoveLeaderPromotesNext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leader := h.addAgent(t, "a1", agent.TypeCoordinator, nil)
	worker := h.addAgent(t, "a2", agent.TypeCoder, nil)

	team, err := h.coord.CreateTeam(ctx, "alpha", leader, nil, "")
	require.NoError(t, err)
	require.NoError(t, h.coord.AddMember(ctx, team.ID, worker))

	require.NoError(t, h.coord.RemoveMember(ctx, team.ID, leader))
	got, err := h.coord.GetTeam(team.ID)
	require.NoError(t, err)
	assert.Equal(t, worker, got.Leader)
}

func TestRemoveLastMemberDisbands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leader := h.addAgent(t, "a1", agent.TypeCoordinator, nil)

	team, err := h.coord.CreateTeam(ctx, "alpha", leader, nil, "")
	require.NoError(t, err)

	require.NoError(t, h.coord.RemoveMember(ctx, team.ID, leader))

	// P4: zero members <=> disbanded; the record is gone.
	_, err = h.coord.GetTeam(team.ID)
	assert.ErrorIs(t, err, ErrTeamNotFound)
	_, ok := h.coord.GetAgentTeam(leader.Key())
	assert.False(t, ok)
}

func TestDisbandCascadesReverseIndex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leader := h.addAgent(t, "a1", agent.TypeCoordinator, nil)
	w1 := h.addAgent(t, "a2", agent.TypeCoder, nil)
	w2 := h.addAgent(t, "a3", agent.TypeTester, nil)

	team, err := h.coord.CreateTeam(ctx, "alpha", leader, nil, "")
	require.NoError(t, err)
	require.NoError(t, h.coord.AddMember(ctx, team.ID, w1))
	require.NoError(t, h.coord.AddMember(ctx, team.ID, w2))

	require.NoError(t, h.coord.DisbandTeam(ctx, team.ID))

	for _, member := range []identity.AgentID{leader, w1, w2} {
		_, ok := h.coord.GetAgentTeam(member.Key())
		assert.False(t, ok, "reverse index should be evicted for %s", member.Key())
	}
	assert.Empty(t, h.coord.ListTeams())
	teams, err := h.repo.ListTeams(ctx)
	require.NoError(t, err)
	assert.Empty(t, teams)
}

func TestAssignGoalDispatchesAllTasksOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leader := h.addAgent(t, "a1", agent.TypeCoordinator, map[string]float64{"backend_development": 0.7})
	h.addAgent(t, "a2", agent.TypeCoder, map[string]float64{"programming": 0.9, "backend_development": 0.9})
	h.addAgent(t, "a3", agent.TypeDocumenter, map[string]float64{"documentation": 0.8})

	team, err := h.coord.CreateTeam(ctx, "alpha", leader, nil, "")
	require.NoError(t, err)
	require.NoError(t, h.coord.AddMember(ctx, team.ID, identity.AgentID{Namespace: "test", ID: "a2"}))
	require.NoError(t, h.coord.AddMember(ctx, team.ID, identity.AgentID{Namespace: "test", ID: "a3"}))

	goal := &Goal{ID: "goal-1", Description: "build the backend api and document it"}
	require.NoError(t, h.coord.AssignGoal(ctx, team.ID, goal))

	got, err := h.coord.GetTeam(team.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, got.Status)

	tasks, err := h.coord.Tasks(ctx, TaskFilter{GoalID: "goal-1"})
	require.NoError(t, err)
	require.NotEmpty(t, tasks)

	// Every decomposed task is executed exactly once across the team.
	seen := make(map[string]int)
	for range tasks {
		select {
		case e := <-h.executed:
			seen[e.taskID]++
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for task execution")
		}
	}
	for _, task := range tasks {
		assert.Equal(t, 1, seen[task.ID], "task %s should execute exactly once", task.ID)
	}
}

func TestTeamOfOneGetsEveryTask(t *testing.T) {
	for _, formation := range []Formation{FormationHierarchical, FormationFlat, FormationMatrix, FormationDynamic} {
		t.Run(string(formation), func(t *testing.T) {
			solo := &MemberInfo{
				Profile: agent.Profile{
					ID:           identity.AgentID{Namespace: "t", ID: "solo"},
					Type:         agent.TypeCoder,
					Capabilities: map[string]float64{"programming": 0.9},
				},
			}
			ctx := &StrategyContext{
				Team: &Team{
					Leader:    solo.Profile.ID,
					Members:   []identity.AgentID{solo.Profile.ID},
					Formation: formation,
				},
				Members: []*MemberInfo{solo},
			}
			tasks := []*Task{
				{ID: "t1", Description: "a", RequiredCapabilities: []string{"programming"}},
				{ID: "t2", Description: "b"},
			}

			plan := StrategyFor(formation).Assign(ctx, tasks)
			require.Len(t, plan, 1)
			assert.Len(t, plan["t:solo"], 2)
		})
	}
}

func TestReassignTaskNotifiesOldAssignee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leader := h.addAgent(t, "a1", agent.TypeCoordinator, nil)
	a2 := h.addAgent(t, "a2", agent.TypeCoder, map[string]float64{"programming": 0.9})

	team, err := h.coord.CreateTeam(ctx, "alpha", leader, nil, "")
	require.NoError(t, err)
	require.NoError(t, h.coord.AddMember(ctx, team.ID, a2))

	task := &Task{
		ID:             "task-1",
		TeamID:         team.ID,
		Description:    "stalled work",
		Status:         TaskStatusInProgress,
		AssignedAgents: []identity.AgentID{leader},
	}
	require.NoError(t, h.coord.PutTask(ctx, task))

	require.NoError(t, h.coord.ReassignTask(ctx, "task-1", a2, identity.AgentID{}))

	got, err := h.coord.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusAssigned, got.Status)
	require.Len(t, got.AssignedAgents, 1)
	assert.Equal(t, a2, got.AssignedAgents[0])

	// The old assignee received the task:cancel COMMAND.
	assert.Equal(t, int64(1), h.bus.Metrics().PerRecipientCounts[leader.Key()])

	// The new assignee eventually executes the reassigned task.
	select {
	case e := <-h.executed:
		assert.Equal(t, a2.Key(), e.agentKey)
		assert.Equal(t, "task-1", e.taskID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reassigned execution")
	}
}

func TestTerminalTaskImmutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := &Task{ID: "task-1", Description: "done", Status: TaskStatusCompleted}
	require.NoError(t, h.coord.PutTask(ctx, task))

	assert.ErrorIs(t, h.coord.FailTask(ctx, "task-1", "late failure"), ErrTerminalTask)
	assert.ErrorIs(t, h.coord.UpdateTaskProgress(ctx, "task-1", 50), ErrTerminalTask)
	assert.ErrorIs(t, h.coord.ReassignTask(ctx, "task-1", identity.AgentID{Namespace: "t", ID: "x"}, identity.AgentID{}), ErrTerminalTask)
}

func TestStrategySelection(t *testing.T) {
	members := func(n int, caps map[string]float64) []*MemberInfo {
		var out []*MemberInfo
		for i := 0; i < n; i++ {
			out = append(out, &MemberInfo{
				Profile: agent.Profile{
					ID:           identity.AgentID{Namespace: "t", ID: string(rune('a' + i))},
					Capabilities: caps,
				},
				RegistrationIndex: i,
			})
		}
		return out
	}

	t.Run("large team complex goal favors hierarchical", func(t *testing.T) {
		ctx := &StrategyContext{
			Team: &Team{Formation: FormationDynamic},
			Goal: &Goal{Description: "analyze design implement optimize integrate the entire distributed platform with many moving parts and several teams involved"},
			Members: members(7, map[string]float64{"programming": 0.5}),
		}
		assert.Equal(t, FormationHierarchical, SelectStrategy(ctx).Formation())
	})

	t.Run("small team simple goal favors flat", func(t *testing.T) {
		ctx := &StrategyContext{
			Team:    &Team{Formation: FormationDynamic},
			Goal:    &Goal{Description: "fix typo"},
			Members: members(3, map[string]float64{"programming": 0.5}),
		}
		assert.Equal(t, FormationFlat, SelectStrategy(ctx).Formation())
	})

	t.Run("many capabilities favor matrix", func(t *testing.T) {
		ctx := &StrategyContext{
			Team: &Team{Formation: FormationDynamic},
			Goal: &Goal{Description: "analyze design implement optimize integrate coordinate the full distributed platform rollout across every region with dedicated subsystem owners"},
			Members: []*MemberInfo{
				{Profile: agent.Profile{ID: identity.AgentID{Namespace: "t", ID: "a"}, Capabilities: map[string]float64{"programming": 1, "testing": 1}}},
				{Profile: agent.Profile{ID: identity.AgentID{Namespace: "t", ID: "b"}, Capabilities: map[string]float64{"research": 1, "documentation": 1}}},
			},
		}
		assert.Equal(t, FormationMatrix, SelectStrategy(ctx).Formation())
	})

	t.Run("no members falls back to dynamic", func(t *testing.T) {
		ctx := &StrategyContext{Team: &Team{Formation: FormationDynamic}}
		assert.Equal(t, FormationDynamic, SelectStrategy(ctx).Formation())
	})
}

func TestCapabilityMatchTieBreak(t *testing.T) {
	task := &Task{Description: "x", RequiredCapabilities: []string{"programming"}}
	m1 := &MemberInfo{
		Profile:           agent.Profile{ID: identity.AgentID{Namespace: "t", ID: "a"}, Capabilities: map[string]float64{"programming": 0.9}},
		CompletedTasks:    10,
		RegistrationIndex: 0,
	}
	m2 := &MemberInfo{
		Profile:           agent.Profile{ID: identity.AgentID{Namespace: "t", ID: "b"}, Capabilities: map[string]float64{"programming": 0.9}},
		CompletedTasks:    2,
		RegistrationIndex: 1,
	}

	// Equal scores: the member with fewer completed tasks wins.
	best := pickBestMember([]*MemberInfo{m1, m2}, task)
	assert.Equal(t, "t:b", best.Profile.ID.Key())
}
