package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
)

// DefaultHeartbeatInterval is how often agents emit heartbeat INFORMs
const DefaultHeartbeatInterval = 10 * time.Second

// Executor performs the actual work behind a task assignment. Implementations
// are opaque to the runtime (LLM callers, tool runners, analysts).
type Executor interface {
	// Execute runs one assigned task; progress may be reported via the callback
	Execute(ctx context.Context, task AssignedTask, progress func(pct float64)) (*ExecutionResult, error)
}

// Voter decides consensus votes for an agent. The default voter approves
// every proposal; operators install domain-aware voters per agent.
type Voter func(topic string, proposal map[string]interface{}) (approve bool, reason string)

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, task AssignedTask, progress func(pct float64)) (*ExecutionResult, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, task AssignedTask, progress func(pct float64)) (*ExecutionResult, error) {
	return f(ctx, task, progress)
}

// Config holds per-agent runtime configuration
type Config struct {
	// HeartbeatInterval defines heartbeat emission frequency
	HeartbeatInterval time.Duration
}

// Runtime is an independent unit of execution bound to one bus mailbox.
// It processes one message at a time, answers the reserved topics, executes
// task assignments through its Executor, and emits heartbeats.
type Runtime struct {
	profile  Profile
	config   Config
	bus      *bus.Bus
	mailbox  *bus.Mailbox
	executor Executor
	voter    Voter

	mu      sync.RWMutex
	metrics PerformanceMetrics

	// cancels the task currently in flight, keyed by task id
	inflightMu     sync.Mutex
	inflightTaskID string
	inflightCancel context.CancelFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRuntime creates an agent runtime around a profile and an executor
func NewRuntime(profile Profile, b *bus.Bus, executor Executor, config Config) *Runtime {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if profile.Capabilities == nil {
		profile.Capabilities = make(map[string]float64)
	}
	profile.State = StateIdle
	return &Runtime{
		profile:  profile,
		config:   config,
		bus:      b,
		executor: executor,
	}
}

// SetVoter installs the consensus voter for this agent
func (r *Runtime) SetVoter(v Voter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voter = v
}

// Profile returns a copy of the agent's current profile
func (r *Runtime) Profile() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.profile
	p.Capabilities = make(map[string]float64, len(r.profile.Capabilities))
	for k, v := range r.profile.Capabilities {
		p.Capabilities[k] = v
	}
	return p
}

// ID returns the agent's bus address
func (r *Runtime) ID() identity.AgentID {
	return r.profile.ID
}

// State returns the current lifecycle state
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profile.State
}

// setState updates the lifecycle state
func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.profile.State = s
	r.mu.Unlock()
}

// Workload returns the agent-reported load scalar in [0,100]
func (r *Runtime) Workload() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profile.Workload
}

// SetWorkload updates the reported workload, clamped to [0,100]
func (r *Runtime) SetWorkload(w float64) {
	if w < 0 {
		w = 0
	}
	if w > 100 {
		w = 100
	}
	r.mu.Lock()
	r.profile.Workload = w
	r.mu.Unlock()
}

// Start registers the agent with the bus and launches the consumer and
// heartbeat loops
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	mb, err := r.bus.Register(r.profile.ID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.mailbox = mb
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
	r.profile.State = StateIdle
	r.profile.RegisteredAt = time.Now().UTC()
	r.mu.Unlock()

	r.wg.Add(2)
	go r.consumeLoop()
	go r.heartbeatLoop()

	log.WithFields(log.Fields{
		"agent": r.profile.ID.Key(),
		"type":  r.profile.Type,
	}).Info("Agent started")
	return nil
}

// Stop cancels the loops and deregisters from the bus
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.bus.Deregister(r.profile.ID)
	r.wg.Wait()
	r.setState(StateOffline)

	log.WithField("agent", r.profile.ID.Key()).Info("Agent stopped")
}

// consumeLoop drains the mailbox one message at a time
func (r *Runtime) consumeLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.mailbox.Signal():
			for {
				msg := r.mailbox.Dequeue()
				if msg == nil {
					break
				}
				r.handle(msg)
				select {
				case <-r.ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// heartbeatLoop emits LOW-priority heartbeat INFORMs
func (r *Runtime) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			r.profile.LastHeartbeat = time.Now().UTC()
			state := r.profile.State
			workload := r.profile.Workload
			r.mu.Unlock()

			body := map[string]interface{}{
				"state":    string(state),
				"workload": workload,
			}
			if err := r.bus.Broadcast(r.profile.ID, bus.MessageTypeInform, bus.TopicHeartbeat, body, bus.PriorityLow); err != nil {
				log.WithError(err).WithField("agent", r.profile.ID.Key()).Debug("Heartbeat broadcast failed")
			}
		}
	}
}

// handle routes one message by topic
func (r *Runtime) handle(msg *bus.Message) {
	r.mu.Lock()
	r.metrics.MessagesProcessed++
	r.mu.Unlock()

	switch msg.Content.Topic {
	case bus.TopicCapabilityQuery:
		r.respond(msg, map[string]interface{}{"capabilities": r.Profile().Capabilities})
	case bus.TopicStateQuery:
		r.respond(msg, map[string]interface{}{
			"state":    string(r.State()),
			"workload": r.Workload(),
		})
	case bus.TopicPerformanceMetrics:
		r.mu.RLock()
		m := r.metrics
		r.mu.RUnlock()
		r.respond(msg, map[string]interface{}{
			"messages_processed": m.MessagesProcessed,
			"tasks_completed":    m.TasksCompleted,
			"tasks_failed":       m.TasksFailed,
			"avg_task_duration":  m.AvgTaskDuration.String(),
		})
	case bus.TopicTaskAssignment:
		r.handleAssignment(msg)
	case bus.TopicTaskCancel:
		r.handleCancel(msg)
	case bus.TopicHeartbeat:
		// Peer heartbeats are observational; nothing to do.
	default:
		if strings.HasPrefix(msg.Content.Topic, bus.TopicConsensusPrefix) {
			r.handleConsensus(msg)
			return
		}
		// Unknown INFORMs are ignored; REQUESTs get an explicit refusal so
		// the sender does not wait out its timeout.
		if msg.RequiresResponse {
			r.respond(msg, map[string]interface{}{
				"error": "unsupported topic: " + msg.Content.Topic,
			})
		}
	}
}

// handleConsensus votes on a proposal via the installed voter; without one
// the agent approves
func (r *Runtime) handleConsensus(msg *bus.Message) {
	r.mu.RLock()
	voter := r.voter
	r.mu.RUnlock()

	approve, reason := true, "no objection"
	if voter != nil {
		approve, reason = voter(msg.Content.Topic, msg.Content.Body)
	}
	r.respond(msg, map[string]interface{}{
		"approve": approve,
		"reason":  reason,
	})
}

// respond sends a RESPONSE correlated to msg when one is expected
func (r *Runtime) respond(msg *bus.Message, body map[string]interface{}) {
	if !msg.RequiresResponse && msg.Type != bus.MessageTypeRequest {
		return
	}
	resp := bus.NewResponse(msg, r.profile.ID, body)
	if err := r.bus.Send(resp); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"agent": r.profile.ID.Key(),
			"topic": msg.Content.Topic,
		}).Warn("Failed to send response")
	}
}

// handleAssignment executes a task bundle and reports the outcome
func (r *Runtime) handleAssignment(msg *bus.Message) {
	var assignment Assignment
	if err := decodeBody(msg.Content.Body, &assignment); err != nil {
		log.WithError(err).WithField("agent", r.profile.ID.Key()).Error("Malformed task assignment")
		r.respond(msg, map[string]interface{}{"success": false, "error": "malformed assignment"})
		return
	}
	if r.executor == nil {
		r.respond(msg, map[string]interface{}{"success": false, "error": ErrNoExecutor.Error()})
		return
	}

	r.setState(StateBusy)

	results := make([]map[string]interface{}, 0, len(assignment.Tasks))
	allOK := true
	for _, task := range assignment.Tasks {
		res := r.executeTask(task)
		if !res.Success {
			allOK = false
		}
		results = append(results, map[string]interface{}{
			"task_id":  res.TaskID,
			"success":  res.Success,
			"output":   res.Output,
			"error":    res.Error,
			"duration": res.Duration.String(),
		})
	}

	// A failed task leaves the agent in the error state until its next
	// successful assignment.
	if allOK {
		r.setState(StateIdle)
	} else {
		r.setState(StateError)
	}

	r.respond(msg, map[string]interface{}{
		"goal_id": assignment.GoalID,
		"success": allOK,
		"results": results,
	})
}

// executeTask runs one task with progress INFORMs and cancellation support
func (r *Runtime) executeTask(task AssignedTask) *ExecutionResult {
	ctx := r.ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r.inflightMu.Lock()
	r.inflightTaskID = task.ID
	r.inflightCancel = cancel
	r.inflightMu.Unlock()
	defer func() {
		r.inflightMu.Lock()
		r.inflightTaskID = ""
		r.inflightCancel = nil
		r.inflightMu.Unlock()
	}()

	progress := func(pct float64) {
		body := map[string]interface{}{
			"task_id":  task.ID,
			"progress": pct,
		}
		_ = r.bus.Broadcast(r.profile.ID, bus.MessageTypeInform, bus.TopicTaskProgress, body, bus.PriorityNormal)
	}

	start := time.Now()
	result, err := r.executor.Execute(ctx, task, progress)
	elapsed := time.Since(start)

	if err != nil {
		r.recordTaskResult(false, elapsed)
		r.setState(StateError)
		log.WithError(err).WithFields(log.Fields{
			"agent": r.profile.ID.Key(),
			"task":  task.ID,
		}).Warn("Task execution failed")
		return &ExecutionResult{TaskID: task.ID, Success: false, Error: err.Error(), Duration: elapsed}
	}
	if result == nil {
		result = &ExecutionResult{TaskID: task.ID, Success: true}
	}
	result.TaskID = task.ID
	result.Duration = elapsed
	r.recordTaskResult(result.Success, elapsed)
	return result
}

// handleCancel aborts the in-flight task named by the message, if any
func (r *Runtime) handleCancel(msg *bus.Message) {
	taskID, _ := msg.Content.Body["task_id"].(string)

	r.inflightMu.Lock()
	cancel := r.inflightCancel
	inflight := r.inflightTaskID
	r.inflightMu.Unlock()

	if cancel != nil && (taskID == "" || taskID == inflight) {
		cancel()
		log.WithFields(log.Fields{
			"agent": r.profile.ID.Key(),
			"task":  inflight,
		}).Info("Cancelled in-flight task")
	}
	r.respond(msg, map[string]interface{}{"cancelled": inflight != "" && (taskID == "" || taskID == inflight)})
}

// recordTaskResult folds one execution into the rolling counters
func (r *Runtime) recordTaskResult(success bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.metrics.TasksCompleted++
	} else {
		r.metrics.TasksFailed++
	}
	total := r.metrics.TasksCompleted + r.metrics.TasksFailed
	if total == 1 {
		r.metrics.AvgTaskDuration = d
	} else {
		r.metrics.AvgTaskDuration = time.Duration((int64(r.metrics.AvgTaskDuration)*(total-1) + int64(d)) / total)
	}
	r.metrics.LastTaskAt = time.Now().UTC()
}

// decodeBody round-trips a message body through JSON into a typed struct
func decodeBody(body map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
