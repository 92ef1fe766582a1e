package hive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/agent"
	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
	"github.com/aosanya/HiveCortex/internal/store"
	"github.com/aosanya/HiveCortex/internal/team"
)

// objectiveState is the Queen's in-memory tracking of one objective. It is
// reconstructible from the task repository and event log.
type objectiveState struct {
	objective *Objective
	teamID    string
	graph     *TaskGraph
	status    ObjectiveStatus

	// aliases maps graph task id -> current task id (retries create new ids)
	aliases map[string]string

	// byTask maps current task id -> graph task id
	byTask map[string]string

	dispatched map[string]bool // graph ids with an in-flight dispatch
	completed  map[string]bool // graph ids completed
	failed     map[string]bool // graph ids permanently failed
	retries    map[string]int  // graph id -> retry count
	retryAt    map[string]time.Time
}

// Queen is the hive scheduler: it decomposes objectives into task graphs,
// assigns work through the team coordinator, tracks progress from bus
// traffic, and applies stall, failure, and consensus policies.
type Queen struct {
	config   Config
	bus      *bus.Bus
	registry *agent.Registry
	coord    *team.Coordinator
	events   *store.Store // optional event sink

	decomposer *Decomposer
	scorer     *Scorer

	id identity.AgentID

	mu         sync.RWMutex
	objectives map[string]*objectiveState
	proposals  map[string]*ConsensusProposal
	stats      Stats
	running    bool
	draining   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueen creates a hive scheduler
func NewQueen(config Config, b *bus.Bus, registry *agent.Registry, coord *team.Coordinator, events *store.Store) *Queen {
	config.Defaults()
	return &Queen{
		config:     config,
		bus:        b,
		registry:   registry,
		coord:      coord,
		events:     events,
		decomposer: NewDecomposer(config.DecompositionCacheSize, config.DecompositionCacheTTL),
		scorer:     NewScorer(),
		id:         identity.AgentID{Namespace: "hive", ID: "queen"},
		objectives: make(map[string]*objectiveState),
		proposals:  make(map[string]*ConsensusProposal),
	}
}

// Start registers the Queen's mailbox and launches the control loops:
// the inbox consumer, the health/progress tick, and the analysis tick.
func (q *Queen) Start() error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	mb, err := q.bus.Register(q.id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.running = true
	q.mu.Unlock()

	q.wg.Add(3)
	go q.inboxLoop(mb)
	go q.healthLoop()
	go q.analysisLoop()

	log.WithFields(log.Fields{
		"health_tick":   q.config.HealthTick,
		"analysis_tick": q.config.AnalysisTick,
	}).Info("Queen scheduler started")
	return nil
}

// Shutdown drains the scheduler: loops stop, the mailbox is released, and
// no new work is accepted
func (q *Queen) Shutdown() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.draining = true
	q.mu.Unlock()

	q.cancel()
	q.bus.Deregister(q.id)
	q.wg.Wait()
	log.Info("Queen scheduler stopped")
}

// recordEvent appends to the event log when a store is attached
func (q *Queen) recordEvent(ctx context.Context, scope, eventType string, payload map[string]interface{}) {
	if q.events == nil {
		return
	}
	err := q.events.RecordEvent(ctx, &store.Event{
		InstanceID: scope,
		Type:       eventType,
		Payload:    payload,
	})
	if err != nil {
		log.WithError(err).WithField("scope", scope).Warn("Failed to record scheduler event")
	}
}

// SubmitObjective decomposes an objective, selects a team, and dispatches
// the first dependency-free batch. With RequireConsensus set, the computed
// plan is put to a team vote first and only applied when achieved.
func (q *Queen) SubmitObjective(ctx context.Context, obj *Objective) (string, error) {
	q.mu.RLock()
	running, draining := q.running, q.draining
	q.mu.RUnlock()
	if !running || draining {
		return "", ErrQueenStopped
	}
	if len(q.registry.List()) > q.config.MaxAgents {
		return "", ErrTooManyAgents
	}

	if obj.ID == "" {
		obj.ID = identity.NewGoalID()
	}
	if obj.Strategy == "" {
		obj.Strategy = StrategyAuto
	}

	tasks := q.decomposer.Decompose(obj)
	graph, err := NewTaskGraph(tasks)
	if err != nil {
		return "", fmt.Errorf("invalid task graph: %w", err)
	}

	teamID, members, err := q.selectTeam(obj, tasks)
	if err != nil {
		return "", err
	}

	if obj.RequireConsensus {
		outcome, err := q.runPlanConsensus(ctx, obj, tasks, members)
		if err != nil {
			return "", err
		}
		if outcome != ProposalAchieved {
			// Decision not applied; the objective stays pending for retry.
			if obj.Metadata == nil {
				obj.Metadata = make(map[string]string)
			}
			obj.Metadata["consensus"] = string(outcome)
			q.mu.Lock()
			q.stats.ObjectivesSubmitted++
			q.objectives[obj.ID] = &objectiveState{
				objective: obj,
				teamID:    teamID,
				graph:     graph,
				status:    ObjectiveStatusPending,
				aliases:   make(map[string]string),
				byTask:    make(map[string]string),
			}
			q.mu.Unlock()
			return obj.ID, nil
		}
	}

	state := &objectiveState{
		objective:  obj,
		teamID:     teamID,
		graph:      graph,
		status:     ObjectiveStatusExecuting,
		aliases:    make(map[string]string),
		byTask:     make(map[string]string),
		dispatched: make(map[string]bool),
		completed:  make(map[string]bool),
		failed:     make(map[string]bool),
		retries:    make(map[string]int),
		retryAt:    make(map[string]time.Time),
	}
	for _, task := range tasks {
		task.TeamID = teamID
		task.Status = team.TaskStatusPending
		if err := q.coord.PutTask(ctx, task); err != nil {
			return "", fmt.Errorf("failed to persist task %s: %w", task.ID, err)
		}
		state.aliases[task.ID] = task.ID
		state.byTask[task.ID] = task.ID
	}

	q.mu.Lock()
	q.stats.ObjectivesSubmitted++
	q.objectives[obj.ID] = state
	q.mu.Unlock()

	batches := graph.Batches()
	log.WithFields(log.Fields{
		"objective": obj.ID,
		"team_id":   teamID,
		"tasks":     len(tasks),
		"batches":   len(batches),
	}).Info("Objective submitted")

	q.dispatchReady(ctx, state)
	return obj.ID, nil
}

// selectTeam resolves the executing team: the pinned one, or the first
// team whose members cover the union of required capabilities
func (q *Queen) selectTeam(obj *Objective, tasks []*team.Task) (string, []identity.AgentID, error) {
	if obj.TeamID != "" {
		t, err := q.coord.GetTeam(obj.TeamID)
		if err != nil {
			return "", nil, err
		}
		return t.ID, t.Members, nil
	}

	required := make(map[string]bool)
	for _, task := range tasks {
		for _, c := range task.RequiredCapabilities {
			required[c] = true
		}
	}
	union := make([]string, 0, len(required))
	for c := range required {
		union = append(union, c)
	}

	capable := q.coord.FindCapableTeams(union)
	if len(capable) == 0 {
		// Fall back to any live team when no single team covers the union.
		capable = q.coord.ListTeams()
	}
	if len(capable) == 0 {
		return "", nil, ErrNoTeamAvailable
	}
	best := capable[0]
	for _, t := range capable[1:] {
		if t.ID < best.ID {
			best = t
		}
	}
	return best.ID, best.Members, nil
}

// runPlanConsensus puts the computed plan to a team vote and waits for the
// outcome
func (q *Queen) runPlanConsensus(ctx context.Context, obj *Objective, tasks []*team.Task, members []identity.AgentID) (ProposalStatus, error) {
	taskSummaries := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		taskSummaries = append(taskSummaries, map[string]interface{}{
			"id":          t.ID,
			"description": t.Description,
			"type":        t.Type,
		})
	}
	p, err := q.OpenProposal(ctx, obj.ID, map[string]interface{}{
		"objective": obj.Description,
		"strategy":  string(obj.Strategy),
		"tasks":     taskSummaries,
	}, members, q.config.ConsensusThreshold, q.config.ConsensusTimeout)
	if err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithDeadline(ctx, p.Deadline.Add(time.Second))
	defer cancel()
	status, err := q.AwaitProposal(waitCtx, p.ID)
	if err != nil && status == ProposalPending {
		q.expireProposals(ctx, time.Now().UTC())
		status = ProposalExpired
	}
	return status, nil
}

// dispatchReady dispatches every task whose dependencies are satisfied and
// which has no in-flight dispatch
func (q *Queen) dispatchReady(ctx context.Context, state *objectiveState) {
	q.mu.Lock()
	if state.status != ObjectiveStatusExecuting {
		q.mu.Unlock()
		return
	}
	ready := state.graph.Ready(state.completed)
	var toDispatch []string
	now := time.Now().UTC()
	for _, graphID := range ready {
		if state.dispatched[graphID] || state.failed[graphID] {
			continue
		}
		if at, ok := state.retryAt[graphID]; ok && now.Before(at) {
			continue
		}
		state.dispatched[graphID] = true
		toDispatch = append(toDispatch, graphID)
	}
	teamID := state.teamID
	q.mu.Unlock()

	for _, graphID := range toDispatch {
		if err := q.dispatchOne(ctx, state, teamID, graphID); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"objective": state.objective.ID,
				"task":      graphID,
			}).Error("Dispatch failed")
			q.mu.Lock()
			state.dispatched[graphID] = false
			q.mu.Unlock()
		}
	}
}

// dispatchOne scores the team's members for one task and dispatches to the
// best candidate
func (q *Queen) dispatchOne(ctx context.Context, state *objectiveState, teamID, graphID string) error {
	q.mu.RLock()
	taskID := state.aliases[graphID]
	q.mu.RUnlock()

	task, err := q.coord.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	profiles := q.teamProfiles(teamID)
	best := q.scorer.Best(profiles, task, nil)
	if best == nil {
		return fmt.Errorf("no available agent for task %s", taskID)
	}

	if err := q.coord.DispatchTask(ctx, taskID, best.ID.Key(), q.id); err != nil {
		return err
	}
	q.mu.Lock()
	q.stats.TasksDispatched++
	q.mu.Unlock()
	return nil
}

// teamProfiles returns the profiles of a team's members
func (q *Queen) teamProfiles(teamID string) []agent.Profile {
	t, err := q.coord.GetTeam(teamID)
	if err != nil {
		return nil
	}
	var out []agent.Profile
	for _, m := range t.Members {
		if rt := q.registry.Get(m.Key()); rt != nil {
			out = append(out, rt.Profile())
		}
	}
	return out
}

// --- Bus consumption ---

// inboxLoop drains the Queen's mailbox
func (q *Queen) inboxLoop(mb *bus.Mailbox) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-mb.Signal():
			for {
				msg := mb.Dequeue()
				if msg == nil {
					break
				}
				q.handleMessage(msg)
			}
		}
	}
}

// handleMessage routes one inbound message
func (q *Queen) handleMessage(msg *bus.Message) {
	ctx := q.ctx
	switch {
	case msg.Type == bus.MessageTypeResponse && strings.HasPrefix(msg.Content.Topic, bus.TopicConsensusPrefix):
		proposalID := strings.TrimPrefix(msg.Content.Topic, bus.TopicConsensusPrefix)
		approve, _ := msg.Content.Body["approve"].(bool)
		reason, _ := msg.Content.Body["reason"].(string)
		q.RecordVote(ctx, proposalID, msg.From.Key(), approve, reason)

	case msg.Type == bus.MessageTypeNegotiate && strings.HasPrefix(msg.Content.Topic, bus.TopicConsensusPrefix):
		proposalID := strings.TrimPrefix(msg.Content.Topic, bus.TopicConsensusPrefix)
		approve, _ := msg.Content.Body["approve"].(bool)
		reason, _ := msg.Content.Body["reason"].(string)
		q.RecordVote(ctx, proposalID, msg.From.Key(), approve, reason)

	case msg.Type == bus.MessageTypeResponse && msg.Content.Topic == bus.TopicTaskAssignment:
		q.handleAssignmentResult(ctx, msg)

	default:
		// Heartbeats and progress INFORMs feed the registry and the
		// coordinator; the Queen reads their effects from the records.
	}
}

// handleAssignmentResult folds task outcomes into objective state and the
// scorer's history
func (q *Queen) handleAssignmentResult(ctx context.Context, msg *bus.Message) {
	agentKey := msg.From.Key()
	results := extractResults(msg.Content.Body)
	for _, result := range results {
		taskID, _ := result["task_id"].(string)
		if taskID == "" {
			continue
		}
		success, _ := result["success"].(bool)
		q.scorer.RecordOutcome(agentKey, success)

		state, graphID := q.lookupTask(taskID)
		if state == nil {
			continue
		}
		if success {
			q.completeTask(ctx, state, graphID, taskID)
		} else {
			cause, _ := result["error"].(string)
			q.failTask(ctx, state, graphID, cause)
		}
	}
}

// extractResults normalizes the results list from a response body
func extractResults(body map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	switch typed := body["results"].(type) {
	case []map[string]interface{}:
		out = typed
	case []interface{}:
		for _, raw := range typed {
			if m, ok := raw.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

// lookupTask resolves a task id to its objective state and graph id
func (q *Queen) lookupTask(taskID string) (*objectiveState, string) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, state := range q.objectives {
		if graphID, ok := state.byTask[taskID]; ok {
			return state, graphID
		}
	}
	return nil, ""
}

// completeTask persists the completion, marks the graph node done, and
// advances the objective
func (q *Queen) completeTask(ctx context.Context, state *objectiveState, graphID, taskID string) {
	if err := q.coord.CompleteTask(ctx, taskID); err != nil && err != team.ErrTerminalTask {
		log.WithError(err).WithField("task_id", taskID).Warn("Failed to persist task completion")
	}

	q.mu.Lock()
	if state.completed[graphID] {
		q.mu.Unlock()
		return
	}
	state.completed[graphID] = true
	delete(state.retryAt, graphID)
	allDone := len(state.completed) == state.graph.Size()
	if allDone {
		state.status = ObjectiveStatusCompleted
		q.stats.ObjectivesCompleted++
	}
	objID := state.objective.ID
	q.mu.Unlock()

	if allDone {
		log.WithField("objective", objID).Info("Objective completed")
		return
	}
	q.dispatchReady(ctx, state)
}

// failTask applies the retry policy: retry with exponential back-off up to
// the cap, then permanent failure with a cascade over dependents
func (q *Queen) failTask(ctx context.Context, state *objectiveState, graphID, cause string) {
	q.mu.Lock()
	if state.completed[graphID] || state.failed[graphID] {
		q.mu.Unlock()
		return
	}
	state.retries[graphID]++
	attempt := state.retries[graphID]
	oldTaskID := state.aliases[graphID]
	objID := state.objective.ID
	q.mu.Unlock()

	if attempt <= q.config.MaxRetries {
		backoff := q.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
		q.scheduleRetry(ctx, state, graphID, oldTaskID, cause, attempt, backoff)
		return
	}

	// Retry cap exhausted: the task fails permanently and every dependent
	// transitions to failed with the cause chain in metadata.
	q.mu.Lock()
	state.failed[graphID] = true
	cascade := state.graph.TransitiveDependents(graphID)
	for _, dep := range cascade {
		state.failed[dep] = true
	}
	state.status = ObjectiveStatusFailed
	q.stats.ObjectivesFailed++
	aliases := make(map[string]string, len(cascade))
	for _, dep := range cascade {
		aliases[dep] = state.aliases[dep]
	}
	q.mu.Unlock()

	if err := q.coord.FailTask(ctx, oldTaskID, cause); err != nil && err != team.ErrTerminalTask {
		log.WithError(err).WithField("task_id", oldTaskID).Warn("Failed to persist permanent failure")
	}
	depCause := fmt.Sprintf("dependency %s failed: %s", graphID, cause)
	for _, depTaskID := range aliases {
		if err := q.coord.FailTask(ctx, depTaskID, depCause); err != nil && err != team.ErrTerminalTask {
			log.WithError(err).WithField("task_id", depTaskID).Debug("Cascade failure persist failed")
		}
	}

	log.WithFields(log.Fields{
		"objective": objID,
		"task":      graphID,
		"cascaded":  len(cascade),
		"cause":     cause,
	}).Error("Task failed permanently")
}

// scheduleRetry creates the retry task (a new id referencing the original)
// and schedules its dispatch after the back-off
func (q *Queen) scheduleRetry(ctx context.Context, state *objectiveState, graphID, oldTaskID, cause string, attempt int, backoff time.Duration) {
	if err := q.coord.FailTask(ctx, oldTaskID, cause); err != nil && err != team.ErrTerminalTask {
		log.WithError(err).WithField("task_id", oldTaskID).Warn("Failed to persist task failure")
	}

	old, err := q.coord.GetTask(ctx, oldTaskID)
	if err != nil {
		log.WithError(err).WithField("task_id", oldTaskID).Error("Cannot load task for retry")
		return
	}

	retry := *old
	retry.ID = fmt.Sprintf("%s-retry-%d", graphID, attempt)
	retry.Status = team.TaskStatusCreated
	retry.AssignedAgents = nil
	retry.Progress = 0
	retry.Retries = attempt
	retry.RetryOf = oldTaskID
	retry.UpdatedAt = time.Now().UTC()
	if retry.Metadata == nil {
		retry.Metadata = make(map[string]string)
	}
	retry.Metadata["retry_cause"] = cause
	if err := q.coord.PutTask(ctx, &retry); err != nil {
		log.WithError(err).WithField("task_id", retry.ID).Error("Failed to persist retry task")
		return
	}

	q.mu.Lock()
	delete(state.byTask, oldTaskID)
	state.aliases[graphID] = retry.ID
	state.byTask[retry.ID] = graphID
	state.dispatched[graphID] = false
	state.retryAt[graphID] = time.Now().UTC().Add(backoff)
	q.stats.TasksRetried++
	q.mu.Unlock()

	log.WithFields(log.Fields{
		"task":    graphID,
		"retry":   retry.ID,
		"attempt": attempt,
		"backoff": backoff,
	}).Warn("Task scheduled for retry")
}

// --- Control loops ---

// healthLoop runs the 5s health and progress tick
func (q *Queen) healthLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.config.HealthTick)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.healthTick(q.ctx)
		}
	}
}

// healthTick applies stall detection, unresponsive-agent recovery, retry
// dispatch, and proposal expiry
func (q *Queen) healthTick(ctx context.Context) {
	now := time.Now().UTC()
	q.expireProposals(ctx, now)

	// Unresponsive agents lose their in-flight tasks.
	for _, key := range q.registry.MarkUnresponsive(3 * q.config.HeartbeatInterval) {
		q.reassignAgentTasks(ctx, key)
	}

	q.mu.RLock()
	states := make([]*objectiveState, 0, len(q.objectives))
	for _, s := range q.objectives {
		if s.status == ObjectiveStatusExecuting {
			states = append(states, s)
		}
	}
	q.mu.RUnlock()

	for _, state := range states {
		q.detectStalls(ctx, state, now)
		// Due retries and newly unblocked work dispatch on the same tick.
		q.dispatchReady(ctx, state)
	}
}

// detectStalls reassigns tasks without progress updates past the threshold
func (q *Queen) detectStalls(ctx context.Context, state *objectiveState, now time.Time) {
	q.mu.RLock()
	inflight := make(map[string]string)
	for graphID, dispatched := range state.dispatched {
		if dispatched && !state.completed[graphID] && !state.failed[graphID] {
			inflight[graphID] = state.aliases[graphID]
		}
	}
	teamID := state.teamID
	q.mu.RUnlock()

	for graphID, taskID := range inflight {
		task, err := q.coord.GetTask(ctx, taskID)
		if err != nil {
			continue
		}
		if task.Status != team.TaskStatusAssigned && task.Status != team.TaskStatusInProgress {
			continue
		}
		last := task.UpdatedAt
		if task.LastProgressAt.After(last) {
			last = task.LastProgressAt
		}
		if now.Sub(last) <= q.config.StallThreshold {
			continue
		}

		exclude := make(map[string]bool)
		for _, a := range task.AssignedAgents {
			exclude[a.Key()] = true
		}
		best := q.scorer.Best(q.teamProfiles(teamID), task, exclude)
		if best == nil {
			log.WithField("task_id", taskID).Warn("Stalled task has no alternate agent")
			continue
		}
		if err := q.coord.ReassignTask(ctx, taskID, best.ID, q.id); err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("Stall reassignment failed")
			continue
		}
		q.mu.Lock()
		q.stats.TasksReassigned++
		q.mu.Unlock()
		log.WithFields(log.Fields{
			"task":  graphID,
			"to":    best.ID.Key(),
			"since": now.Sub(last),
		}).Warn("Stalled task reassigned")
	}
}

// reassignAgentTasks moves every in-flight task off an offline agent
func (q *Queen) reassignAgentTasks(ctx context.Context, agentKey string) {
	tasks, err := q.coord.Tasks(ctx, team.TaskFilter{
		Status: []team.TaskStatus{team.TaskStatusAssigned, team.TaskStatusInProgress},
	})
	if err != nil {
		return
	}
	for _, task := range tasks {
		held := false
		for _, a := range task.AssignedAgents {
			if a.Key() == agentKey {
				held = true
				break
			}
		}
		if !held {
			continue
		}
		exclude := map[string]bool{agentKey: true}
		best := q.scorer.Best(q.teamProfiles(task.TeamID), task, exclude)
		if best == nil {
			continue
		}
		if err := q.coord.ReassignTask(ctx, task.ID, best.ID, q.id); err != nil {
			log.WithError(err).WithField("task_id", task.ID).Warn("Offline-agent reassignment failed")
			continue
		}
		q.mu.Lock()
		q.stats.TasksReassigned++
		q.mu.Unlock()
	}
}

// analysisLoop runs the 60s pattern analysis and reoptimization tick
func (q *Queen) analysisLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.config.AnalysisTick)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			for _, t := range q.coord.ListTeams() {
				if err := q.coord.OptimizeTeamFormation(q.ctx, t.ID); err != nil {
					log.WithError(err).WithField("team_id", t.ID).Debug("Reoptimization skipped")
				}
			}
		}
	}
}

// --- Public API ---

// CancelObjective cancels an objective and withdraws its in-flight tasks
func (q *Queen) CancelObjective(ctx context.Context, objectiveID string) error {
	q.mu.Lock()
	state, ok := q.objectives[objectiveID]
	if !ok {
		q.mu.Unlock()
		return ErrObjectiveNotFound
	}
	state.status = ObjectiveStatusCancelled
	taskIDs := make([]string, 0, len(state.aliases))
	for _, taskID := range state.aliases {
		taskIDs = append(taskIDs, taskID)
	}
	q.mu.Unlock()

	for _, taskID := range taskIDs {
		task, err := q.coord.GetTask(ctx, taskID)
		if err != nil || task.Status.IsTerminal() {
			continue
		}
		for _, assignee := range task.AssignedAgents {
			cancel := bus.NewMessage(q.id, []identity.AgentID{assignee}, bus.MessageTypeCommand, bus.PriorityUrgent, bus.TopicTaskCancel, map[string]interface{}{
				"task_id": taskID,
				"reason":  "objective cancelled",
			})
			if err := q.bus.Send(cancel); err != nil {
				log.WithError(err).WithField("task_id", taskID).Debug("Cancel notification failed")
			}
		}
		task.Status = team.TaskStatusCancelled
		task.UpdatedAt = time.Now().UTC()
		if err := q.coord.PutTask(ctx, task); err != nil {
			log.WithError(err).WithField("task_id", taskID).Warn("Failed to persist cancellation")
		}
	}
	log.WithField("objective", objectiveID).Info("Objective cancelled")
	return nil
}

// RetryObjective re-decomposes and resubmits a failed or consensus-blocked
// objective, invalidating the cached decomposition first
func (q *Queen) RetryObjective(ctx context.Context, objectiveID string) (string, error) {
	q.mu.Lock()
	state, ok := q.objectives[objectiveID]
	if !ok {
		q.mu.Unlock()
		return "", ErrObjectiveNotFound
	}
	obj := *state.objective
	delete(q.objectives, objectiveID)
	q.mu.Unlock()

	q.decomposer.Invalidate(obj.Description, obj.Strategy)
	obj.ID = ""
	obj.RequireConsensus = false
	return q.SubmitObjective(ctx, &obj)
}

// ObjectiveStatusOf returns the status of a submitted objective
func (q *Queen) ObjectiveStatusOf(objectiveID string) (ObjectiveStatus, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	state, ok := q.objectives[objectiveID]
	if !ok {
		return "", ErrObjectiveNotFound
	}
	return state.status, nil
}

// GetStats returns a snapshot of the scheduler statistics
func (q *Queen) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	stats := q.stats
	active := 0
	for _, s := range q.objectives {
		if s.status == ObjectiveStatusExecuting {
			active++
		}
	}
	stats.ActiveObjectives = active
	return stats
}

// GetAgents returns the profiles of every registered agent
func (q *Queen) GetAgents() []agent.Profile {
	return q.registry.Profiles()
}

// GetTasks returns the tasks tracked for an objective
func (q *Queen) GetTasks(ctx context.Context, objectiveID string) ([]*team.Task, error) {
	q.mu.RLock()
	_, ok := q.objectives[objectiveID]
	q.mu.RUnlock()
	if !ok {
		return nil, ErrObjectiveNotFound
	}
	return q.coord.Tasks(ctx, team.TaskFilter{GoalID: objectiveID})
}

// GetStatus summarizes the scheduler for operators
func (q *Queen) GetStatus() map[string]interface{} {
	stats := q.GetStats()
	q.mu.RLock()
	running := q.running
	draining := q.draining
	objectives := len(q.objectives)
	q.mu.RUnlock()
	return map[string]interface{}{
		"running":           running,
		"draining":          draining,
		"objectives":        objectives,
		"active_objectives": stats.ActiveObjectives,
		"tasks_dispatched":  stats.TasksDispatched,
		"agents":            len(q.registry.List()),
	}
}
