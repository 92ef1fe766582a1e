package team

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/agent"
	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
	"github.com/aosanya/HiveCortex/internal/store"
)

// reformationGain is the score margin a new formation must win by
const reformationGain = 0.1

// Coordinator groups agents into teams, picks a coordination strategy per
// (team, goal), decomposes goals into per-agent task bundles, dispatches
// work over the bus, and re-forms teams when metrics suggest gain.
//
// The coordinator holds transient views only; the repository owns the
// durable team and task records. The reverse index agentKey -> teamID is
// the sole cross-reference structure and enforces one team per agent.
type Coordinator struct {
	bus      *bus.Bus
	registry *agent.Registry
	repo     Repository
	events   *store.Store // optional; assignment transitions are recorded here

	id identity.AgentID

	mu         sync.RWMutex
	teams      map[string]*Team
	agentIndex map[string]string
}

// NewCoordinator creates a team coordinator
func NewCoordinator(b *bus.Bus, registry *agent.Registry, repo Repository, events *store.Store) *Coordinator {
	return &Coordinator{
		bus:        b,
		registry:   registry,
		repo:       repo,
		events:     events,
		id:         identity.AgentID{Namespace: "system", ID: "team-coordinator"},
		teams:      make(map[string]*Team),
		agentIndex: make(map[string]string),
	}
}

// LoadTeams rebuilds the transient caches from the durable records
func (c *Coordinator) LoadTeams(ctx context.Context) error {
	teams, err := c.repo.ListTeams(ctx)
	if err != nil {
		return fmt.Errorf("failed to load teams: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.teams = make(map[string]*Team, len(teams))
	c.agentIndex = make(map[string]string)
	for _, t := range teams {
		if t.Status == StatusDisbanded {
			continue
		}
		c.teams[t.ID] = t
		for _, m := range t.Members {
			c.agentIndex[m.Key()] = t.ID
		}
	}
	log.WithField("teams", len(c.teams)).Info("Teams loaded from repository")
	return nil
}

// CreateTeam creates a team with the leader as its first member
func (c *Coordinator) CreateTeam(ctx context.Context, name string, leader identity.AgentID, goals []*Goal, formation Formation) (*Team, error) {
	if formation == "" {
		formation = FormationDynamic
	}

	c.mu.Lock()
	if teamID, taken := c.agentIndex[leader.Key()]; taken {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already in team %s", ErrAgentInTeam, leader.Key(), teamID)
	}

	t := &Team{
		ID:        identity.NewTeamID(),
		Name:      name,
		Leader:    leader,
		Members:   []identity.AgentID{leader},
		Goals:     goals,
		Formation: formation,
		Status:    StatusForming,
		CreatedAt: time.Now().UTC(),
	}
	c.teams[t.ID] = t
	c.agentIndex[leader.Key()] = t.ID
	c.mu.Unlock()

	if err := c.repo.PutTeam(ctx, t); err != nil {
		c.mu.Lock()
		delete(c.teams, t.ID)
		delete(c.agentIndex, leader.Key())
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to persist team: %w", err)
	}

	log.WithFields(log.Fields{
		"team_id":   t.ID,
		"name":      name,
		"leader":    leader.Key(),
		"formation": formation,
	}).Info("Team created")
	return t, nil
}

// AddMember adds an agent to a team. Fails if the agent already belongs to
// any team (the reverse index enforces one team per agent).
func (c *Coordinator) AddMember(ctx context.Context, teamID string, agentID identity.AgentID) error {
	c.mu.Lock()
	t, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return ErrTeamNotFound
	}
	if t.Status == StatusDisbanded {
		c.mu.Unlock()
		return ErrTeamDisbanded
	}
	if existing, taken := c.agentIndex[agentID.Key()]; taken {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s already in team %s", ErrAgentInTeam, agentID.Key(), existing)
	}
	t.Members = append(t.Members, agentID)
	c.agentIndex[agentID.Key()] = teamID
	if t.Status == StatusForming {
		t.Status = StatusActive
	}
	snapshot := *t
	c.mu.Unlock()

	if err := c.repo.PutTeam(ctx, &snapshot); err != nil {
		return fmt.Errorf("failed to persist team: %w", err)
	}

	log.WithFields(log.Fields{
		"team_id": teamID,
		"agent":   agentID.Key(),
	}).Info("Member added to team")
	return nil
}

// RemoveMember removes an agent from a team. Removing the leader promotes
// the first remaining member; removing the last member disbands the team.
func (c *Coordinator) RemoveMember(ctx context.Context, teamID string, agentID identity.AgentID) error {
	c.mu.Lock()
	t, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return ErrTeamNotFound
	}

	idx := -1
	for i, m := range t.Members {
		if m == agentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return ErrNotMember
	}
	t.Members = append(t.Members[:idx], t.Members[idx+1:]...)
	delete(c.agentIndex, agentID.Key())

	if len(t.Members) == 0 {
		c.mu.Unlock()
		return c.DisbandTeam(ctx, teamID)
	}
	if t.Leader == agentID {
		t.Leader = t.Members[0]
		log.WithFields(log.Fields{
			"team_id": teamID,
			"leader":  t.Leader.Key(),
		}).Info("Leader promoted")
	}
	snapshot := *t
	c.mu.Unlock()

	if err := c.repo.PutTeam(ctx, &snapshot); err != nil {
		return fmt.Errorf("failed to persist team: %w", err)
	}
	return nil
}

// AssignGoal appends a goal to a team and triggers coordinated execution
func (c *Coordinator) AssignGoal(ctx context.Context, teamID string, goal *Goal) error {
	if goal.ID == "" {
		goal.ID = identity.NewGoalID()
	}
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	t, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return ErrTeamNotFound
	}
	if t.Status == StatusDisbanded {
		c.mu.Unlock()
		return ErrTeamDisbanded
	}
	t.Goals = append(t.Goals, goal)
	if t.Status == StatusActive || t.Status == StatusForming {
		t.Status = StatusExecuting
	}
	snapshot := *t
	c.mu.Unlock()

	if err := c.repo.PutTeam(ctx, &snapshot); err != nil {
		return fmt.Errorf("failed to persist team: %w", err)
	}

	return c.coordinateExecution(ctx, &snapshot, goal)
}

// memberInfos builds the transient member views for a team, excluding
// offline and unresponsive agents
func (c *Coordinator) memberInfos(t *Team) []*MemberInfo {
	var members []*MemberInfo
	for _, id := range t.Members {
		key := id.Key()
		rt := c.registry.Get(key)
		if rt == nil {
			continue
		}
		profile := rt.Profile()
		if profile.State == agent.StateOffline || profile.State == agent.StateUnresponsive {
			continue
		}
		members = append(members, &MemberInfo{
			Profile:           profile,
			CompletedTasks:    c.registry.CompletedTasks(key),
			RegistrationIndex: c.registry.RegistrationIndex(key),
		})
	}
	return members
}

// coordinateExecution selects a strategy, decomposes the goal, matches
// tasks to members, and dispatches one COMMAND per (agent, bundle)
func (c *Coordinator) coordinateExecution(ctx context.Context, t *Team, goal *Goal) error {
	members := c.memberInfos(t)
	if len(members) == 0 {
		return ErrNoMembers
	}

	sctx := &StrategyContext{Team: t, Goal: goal, Members: members}
	strategy := SelectStrategy(sctx)

	tasks := Decompose(goal)
	for _, task := range tasks {
		task.TeamID = t.ID
		task.Status = TaskStatusPending
		if err := c.repo.PutTask(ctx, task); err != nil {
			return fmt.Errorf("failed to persist task %s: %w", task.ID, err)
		}
	}

	plan := strategy.Assign(sctx, tasks)

	log.WithFields(log.Fields{
		"team_id":  t.ID,
		"goal_id":  goal.ID,
		"strategy": strategy.Formation(),
		"tasks":    len(tasks),
		"agents":   len(plan),
	}).Info("Goal decomposed and planned")

	for agentKey, bundle := range plan {
		if err := c.dispatch(ctx, t, goal, strategy.Formation(), agentKey, bundle); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"team_id": t.ID,
				"agent":   agentKey,
			}).Error("Failed to dispatch task bundle")
		}
	}
	return nil
}

// dispatch assigns a bundle to one agent and sends the COMMAND. The
// assignment transition is recorded as a single event per task.
func (c *Coordinator) dispatch(ctx context.Context, t *Team, goal *Goal, formation Formation, agentKey string, bundle []*Task) error {
	agentID, err := identity.ParseAgentKey(agentKey)
	if err != nil {
		return err
	}

	assigned := make([]agent.AssignedTask, 0, len(bundle))
	for _, task := range bundle {
		task.Status = TaskStatusAssigned
		task.AssignedAgents = []identity.AgentID{agentID}
		task.UpdatedAt = time.Now().UTC()
		if err := c.repo.PutTask(ctx, task); err != nil {
			return fmt.Errorf("failed to persist assignment: %w", err)
		}
		c.recordTaskEvent(ctx, task.ID, store.EventTaskAssigned, map[string]interface{}{
			"agent":   agentKey,
			"goal_id": goal.ID,
			"team_id": t.ID,
		})
		assigned = append(assigned, agent.AssignedTask{
			ID:          task.ID,
			Description: task.Description,
			Type:        task.Type,
			Timeout:     task.Timeout,
		})
	}

	body := bus.BodyOf(agent.Assignment{
		GoalID:   goal.ID,
		Strategy: string(formation),
		Tasks:    assigned,
	})
	msg := bus.NewMessage(c.id, []identity.AgentID{agentID}, bus.MessageTypeCommand, bus.PriorityHigh, bus.TopicTaskAssignment, body)
	msg.RequiresResponse = true
	return c.bus.Send(msg)
}

// recordTaskEvent appends a task transition to the event log when a store
// is attached
func (c *Coordinator) recordTaskEvent(ctx context.Context, taskID, eventType string, payload map[string]interface{}) {
	if c.events == nil {
		return
	}
	err := c.events.RecordEvent(ctx, &store.Event{
		InstanceID: taskID,
		Type:       eventType,
		Payload:    payload,
	})
	if err != nil {
		log.WithError(err).WithField("task_id", taskID).Warn("Failed to record task event")
	}
}

// DisbandTeam notifies members, withdraws outstanding assignments, evicts
// the reverse-index entries, and removes the team record
func (c *Coordinator) DisbandTeam(ctx context.Context, teamID string) error {
	c.mu.Lock()
	t, ok := c.teams[teamID]
	if !ok {
		c.mu.Unlock()
		return ErrTeamNotFound
	}
	members := append([]identity.AgentID(nil), t.Members...)
	t.Members = nil
	t.Status = StatusDisbanded
	for _, m := range members {
		delete(c.agentIndex, m.Key())
	}
	delete(c.teams, teamID)
	c.mu.Unlock()

	// Withdraw outstanding assignments before the notify so agents stop work.
	tasks, err := c.repo.ListTasks(ctx, TaskFilter{
		TeamID: teamID,
		Status: []TaskStatus{TaskStatusAssigned, TaskStatusInProgress},
	})
	if err == nil {
		for _, task := range tasks {
			for _, assignee := range task.AssignedAgents {
				cancel := bus.NewMessage(c.id, []identity.AgentID{assignee}, bus.MessageTypeCommand, bus.PriorityUrgent, bus.TopicTaskCancel, map[string]interface{}{
					"task_id": task.ID,
					"reason":  "team disbanded",
				})
				if err := c.bus.Send(cancel); err != nil {
					log.WithError(err).WithField("task_id", task.ID).Debug("Cancel notification failed")
				}
			}
			task.Status = TaskStatusCancelled
			task.UpdatedAt = time.Now().UTC()
			if err := c.repo.PutTask(ctx, task); err != nil {
				log.WithError(err).WithField("task_id", task.ID).Warn("Failed to persist cancelled task")
			}
		}
	}

	for _, m := range members {
		inform := bus.NewMessage(c.id, []identity.AgentID{m}, bus.MessageTypeInform, bus.PriorityNormal, "team:disband", map[string]interface{}{
			"team_id": teamID,
		})
		if err := c.bus.Send(inform); err != nil {
			log.WithError(err).WithField("agent", m.Key()).Debug("Disband notification failed")
		}
	}

	if err := c.repo.DeleteTeam(ctx, teamID); err != nil {
		return fmt.Errorf("failed to delete team record: %w", err)
	}

	log.WithFields(log.Fields{
		"team_id": teamID,
		"members": len(members),
	}).Info("Team disbanded")
	return nil
}

// GetTeam returns a copy of the team, or ErrTeamNotFound
func (c *Coordinator) GetTeam(teamID string) (*Team, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.teams[teamID]
	if !ok {
		return nil, ErrTeamNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

// GetAgentTeam resolves an agent key to its team via the reverse index
func (c *Coordinator) GetAgentTeam(agentKey string) (*Team, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	teamID, ok := c.agentIndex[agentKey]
	if !ok {
		return nil, false
	}
	t, ok := c.teams[teamID]
	if !ok {
		return nil, false
	}
	snapshot := *t
	return &snapshot, true
}

// ListTeams returns copies of all live teams
func (c *Coordinator) ListTeams() []*Team {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Team, 0, len(c.teams))
	for _, t := range c.teams {
		snapshot := *t
		out = append(out, &snapshot)
	}
	return out
}

// FindCapableTeams returns teams whose combined member capabilities cover
// every required capability
func (c *Coordinator) FindCapableTeams(required []string) []*Team {
	var out []*Team
	for _, t := range c.ListTeams() {
		covered := make(map[string]bool)
		for _, m := range c.memberInfos(t) {
			for name := range m.Profile.Capabilities {
				covered[name] = true
			}
		}
		ok := true
		for _, req := range required {
			if !covered[req] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}

// TeamMetricsFor gathers the reformation signals for a team
func (c *Coordinator) TeamMetricsFor(ctx context.Context, t *Team) TeamMetrics {
	busMetrics := c.bus.Metrics()

	tasks, err := c.repo.ListTasks(ctx, TaskFilter{TeamID: t.ID})
	completed, failed := 0, 0
	if err == nil {
		for _, task := range tasks {
			switch task.Status {
			case TaskStatusCompleted:
				completed++
			case TaskStatusFailed:
				failed++
			}
		}
	}
	completionRate, errorRate := 0.0, 0.0
	if len(tasks) > 0 {
		completionRate = float64(completed) / float64(len(tasks))
		errorRate = float64(failed) / float64(len(tasks))
	}

	// Workload balance: 1 - stddev/50, clamped to [0,1].
	var workloads []float64
	for _, m := range c.memberInfos(t) {
		workloads = append(workloads, m.Profile.Workload)
	}
	balance := 1.0
	if len(workloads) > 1 {
		mean := 0.0
		for _, w := range workloads {
			mean += w
		}
		mean /= float64(len(workloads))
		variance := 0.0
		for _, w := range workloads {
			variance += (w - mean) * (w - mean)
		}
		variance /= float64(len(workloads))
		balance = 1 - math.Sqrt(variance)/50
		if balance < 0 {
			balance = 0
		}
	}

	collaboration := 1 - busMetrics.FailureRate
	if collaboration < 0 {
		collaboration = 0
	}

	return TeamMetrics{
		CompletionRate:     completionRate,
		AvgResponseTime:    busMetrics.AverageResponseTime,
		ErrorRate:          errorRate,
		WorkloadBalance:    balance,
		CollaborationScore: collaboration,
	}
}

// OptimizeTeamFormation re-scores every strategy against the team's current
// context and applies the best one when it beats the current formation by
// more than the reformation gain. Members are informed of the new
// communication pattern via a structure:<formation> INFORM.
func (c *Coordinator) OptimizeTeamFormation(ctx context.Context, teamID string) error {
	c.mu.RLock()
	t, ok := c.teams[teamID]
	if !ok {
		c.mu.RUnlock()
		return ErrTeamNotFound
	}
	snapshot := *t
	c.mu.RUnlock()

	metrics := c.TeamMetricsFor(ctx, &snapshot)
	var goal *Goal
	if len(snapshot.Goals) > 0 {
		goal = snapshot.Goals[len(snapshot.Goals)-1]
	}
	sctx := &StrategyContext{
		Team:    &snapshot,
		Goal:    goal,
		Members: c.memberInfos(&snapshot),
		Environment: map[string]float64{
			"completion_rate":     metrics.CompletionRate,
			"error_rate":          metrics.ErrorRate,
			"workload_balance":    metrics.WorkloadBalance,
			"collaboration_score": metrics.CollaborationScore,
		},
	}

	currentScore := StrategyFor(snapshot.Formation).Evaluate(sctx)
	var best Strategy
	bestScore := -1.0
	for _, s := range Strategies() {
		if score := s.Evaluate(sctx); score > bestScore {
			best, bestScore = s, score
		}
	}

	if best == nil || best.Formation() == snapshot.Formation || bestScore-currentScore <= reformationGain {
		log.WithFields(log.Fields{
			"team_id":   teamID,
			"formation": snapshot.Formation,
		}).Debug("Formation unchanged")
		return nil
	}

	c.mu.Lock()
	if live, ok := c.teams[teamID]; ok {
		live.Formation = best.Formation()
		snapshot = *live
	}
	c.mu.Unlock()

	body := map[string]interface{}{
		"team_id":   teamID,
		"formation": string(best.Formation()),
		"leader":    snapshot.Leader.Key(),
		"score":     bestScore,
	}
	for _, m := range snapshot.Members {
		inform := bus.NewMessage(c.id, []identity.AgentID{m}, bus.MessageTypeInform, bus.PriorityNormal, "structure:"+string(best.Formation()), body)
		if err := c.bus.Send(inform); err != nil {
			log.WithError(err).WithField("agent", m.Key()).Debug("Structure notification failed")
		}
	}

	if err := c.repo.PutTeam(ctx, &snapshot); err != nil {
		return fmt.Errorf("failed to persist reformation: %w", err)
	}

	log.WithFields(log.Fields{
		"team_id":   teamID,
		"formation": best.Formation(),
		"gain":      bestScore - currentScore,
	}).Info("Team formation optimized")
	return nil
}

// --- Task transitions (driven by the scheduler from bus traffic) ---

// UpdateTaskProgress records a progress update for an in-flight task
func (c *Coordinator) UpdateTaskProgress(ctx context.Context, taskID string, progress float64) error {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return ErrTerminalTask
	}
	if task.Status == TaskStatusAssigned {
		task.Status = TaskStatusInProgress
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	task.Progress = progress
	task.LastProgressAt = time.Now().UTC()
	task.UpdatedAt = task.LastProgressAt
	return c.repo.PutTask(ctx, task)
}

// CompleteTask marks a task completed; terminal states never revert
func (c *Coordinator) CompleteTask(ctx context.Context, taskID string) error {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return ErrTerminalTask
	}
	task.Status = TaskStatusCompleted
	task.Progress = 100
	task.UpdatedAt = time.Now().UTC()
	if err := c.repo.PutTask(ctx, task); err != nil {
		return err
	}
	c.recordTaskEvent(ctx, task.ID, store.EventTaskCompleted, map[string]interface{}{
		"goal_id": task.GoalID,
	})
	return nil
}

// FailTask marks a task failed with a cause; terminal states never revert
func (c *Coordinator) FailTask(ctx context.Context, taskID, cause string) error {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return ErrTerminalTask
	}
	task.Status = TaskStatusFailed
	task.UpdatedAt = time.Now().UTC()
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	}
	task.Metadata["failure_cause"] = cause
	if err := c.repo.PutTask(ctx, task); err != nil {
		return err
	}
	c.recordTaskEvent(ctx, task.ID, store.EventTaskFailed, map[string]interface{}{
		"cause": cause,
	})
	return nil
}

// ReassignTask moves a non-terminal task to a new agent. Both the old and
// new assignees are recorded in a single reassignment event, and the old
// assignee receives a task:cancel COMMAND. The new assignee's RESPONSE is
// addressed to replyTo (the coordinator itself when zero).
func (c *Coordinator) ReassignTask(ctx context.Context, taskID string, to, replyTo identity.AgentID) error {
	if replyTo.IsZero() {
		replyTo = c.id
	}
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return ErrTerminalTask
	}

	old := append([]identity.AgentID(nil), task.AssignedAgents...)
	task.AssignedAgents = []identity.AgentID{to}
	task.Status = TaskStatusAssigned
	task.Progress = 0
	task.UpdatedAt = time.Now().UTC()
	if err := c.repo.PutTask(ctx, task); err != nil {
		return err
	}

	oldKeys := make([]string, 0, len(old))
	for _, o := range old {
		oldKeys = append(oldKeys, o.Key())
		cancel := bus.NewMessage(c.id, []identity.AgentID{o}, bus.MessageTypeCommand, bus.PriorityUrgent, bus.TopicTaskCancel, map[string]interface{}{
			"task_id": task.ID,
			"reason":  "reassigned",
		})
		if err := c.bus.Send(cancel); err != nil {
			log.WithError(err).WithField("agent", o.Key()).Debug("Cancel notification failed")
		}
	}
	c.recordTaskEvent(ctx, task.ID, store.EventTaskReassigned, map[string]interface{}{
		"from": oldKeys,
		"to":   to.Key(),
	})

	body := bus.BodyOf(agent.Assignment{
		GoalID:   task.GoalID,
		Strategy: "reassignment",
		Tasks: []agent.AssignedTask{{
			ID:          task.ID,
			Description: task.Description,
			Type:        task.Type,
			Timeout:     task.Timeout,
		}},
	})
	msg := bus.NewMessage(replyTo, []identity.AgentID{to}, bus.MessageTypeCommand, bus.PriorityHigh, bus.TopicTaskAssignment, body)
	msg.RequiresResponse = true
	return c.bus.Send(msg)
}

// Tasks exposes the task repository for read access
func (c *Coordinator) Tasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	return c.repo.ListTasks(ctx, filter)
}

// GetTask returns one task record
func (c *Coordinator) GetTask(ctx context.Context, taskID string) (*Task, error) {
	return c.repo.GetTask(ctx, taskID)
}

// PutTask persists a task record (used by the scheduler for retries)
func (c *Coordinator) PutTask(ctx context.Context, task *Task) error {
	return c.repo.PutTask(ctx, task)
}
