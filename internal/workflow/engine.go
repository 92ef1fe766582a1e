package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
	"github.com/aosanya/HiveCortex/internal/store"
)

const (
	// DefaultSnapshotInterval is the periodic checkpoint period
	DefaultSnapshotInterval = 60 * time.Second

	// DefaultTaskTimeout bounds a task node's wait for its RESPONSE
	DefaultTaskTimeout = 30 * time.Second

	// DefaultMaxLoopIterations bounds loop nodes without an explicit cap
	DefaultMaxLoopIterations = 100
)

// TransformFunc is a registered pure function over the instance context
type TransformFunc func(env *ConditionEnv) (interface{}, error)

// CustomFunc is a registered black-box node handler
type CustomFunc func(ctx context.Context, env *ConditionEnv, config map[string]interface{}) (interface{}, error)

// Config configures the workflow engine
type Config struct {
	// EnableSnapshots turns on periodic checkpointing of running instances
	EnableSnapshots bool

	// SnapshotInterval is the checkpoint period
	SnapshotInterval time.Duration

	// DefaultTaskTimeout bounds task node waits without an explicit timeout
	DefaultTaskTimeout time.Duration

	// MaxLoopIterations bounds loop nodes without an explicit cap
	MaxLoopIterations int
}

// Engine executes workflow definitions as state machines: one interpreter
// per instance, each processing one transition at a time, suspendable at
// checkpoints and resumable deterministically from snapshot plus event
// replay.
type Engine struct {
	store  *store.Store
	bus    *bus.Bus
	config Config
	id     identity.AgentID

	mu           sync.RWMutex
	interpreters map[string]*interpreter
	transforms   map[string]TransformFunc
	conditions   map[string]ConditionFunc
	customs      map[string]CustomFunc
	eventWaiters map[string][]chan map[string]interface{}
	closed       bool
}

// New creates a workflow engine
func New(st *store.Store, b *bus.Bus, config Config) *Engine {
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = DefaultSnapshotInterval
	}
	if config.DefaultTaskTimeout <= 0 {
		config.DefaultTaskTimeout = DefaultTaskTimeout
	}
	if config.MaxLoopIterations <= 0 {
		config.MaxLoopIterations = DefaultMaxLoopIterations
	}
	return &Engine{
		store:        st,
		bus:          b,
		config:       config,
		id:           identity.AgentID{Namespace: "system", ID: "workflow-engine"},
		interpreters: make(map[string]*interpreter),
		transforms:   make(map[string]TransformFunc),
		conditions:   make(map[string]ConditionFunc),
		customs:      make(map[string]CustomFunc),
		eventWaiters: make(map[string][]chan map[string]interface{}),
	}
}

// RegisterTransform installs a named transform handler
func (e *Engine) RegisterTransform(name string, fn TransformFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transforms[name] = fn
}

// RegisterCondition installs a named condition handler
func (e *Engine) RegisterCondition(name string, fn ConditionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conditions[name] = fn
}

// RegisterCustom installs a named custom-node handler
func (e *Engine) RegisterCustom(name string, fn CustomFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.customs[name] = fn
}

// conditionHandlers snapshots the condition registry for evaluation
func (e *Engine) conditionHandlers() map[string]ConditionFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]ConditionFunc, len(e.conditions))
	for k, v := range e.conditions {
		out[k] = v
	}
	return out
}

// SaveDefinition validates and persists a workflow definition
func (e *Engine) SaveDefinition(ctx context.Context, defn *store.WorkflowDefinition) error {
	if err := ValidateDefinition(defn); err != nil {
		return err
	}
	return e.store.SaveWorkflow(ctx, defn)
}

// StartWorkflow validates the definition, creates an instance, and starts
// its interpreter. Returns the new instance id.
func (e *Engine) StartWorkflow(ctx context.Context, defn *store.WorkflowDefinition, inputs map[string]interface{}, parentID string) (string, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "", ErrEngineClosed
	}

	if err := ValidateDefinition(defn); err != nil {
		return "", err
	}
	if defn.ID == "" {
		defn.ID = identity.NewWorkflowID()
	}
	if err := e.store.SaveWorkflow(ctx, defn); err != nil {
		return "", fmt.Errorf("failed to persist definition: %w", err)
	}

	now := store.TimeUTC(time.Now())
	inst := &store.WorkflowInstance{
		ID:           identity.NewInstanceID(),
		DefinitionID: defn.ID,
		Status:       store.InstanceStatusRunning,
		Context:      store.NewInstanceContext(inputs, defn.Variables),
		LoopCounters: make(map[string]int),
		ParentID:     parentID,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("failed to persist instance: %w", err)
	}
	e.recordEvent(ctx, inst.ID, store.EventInstanceCreated, "", map[string]interface{}{
		"definition_id": defn.ID,
		"parent_id":     parentID,
	})

	itp := newInterpreter(e, defn, inst)
	e.mu.Lock()
	e.interpreters[inst.ID] = itp
	e.mu.Unlock()
	itp.start("")

	log.WithFields(log.Fields{
		"instance_id":   inst.ID,
		"definition_id": defn.ID,
	}).Info("Workflow started")
	return inst.ID, nil
}

// StartWorkflowByID starts an instance of a stored definition
func (e *Engine) StartWorkflowByID(ctx context.Context, definitionID string, inputs map[string]interface{}, parentID string) (string, error) {
	defn, err := e.store.GetWorkflow(ctx, definitionID)
	if err != nil {
		return "", err
	}
	return e.StartWorkflow(ctx, defn, inputs, parentID)
}

// PauseWorkflow stops a running interpreter, takes a synchronous snapshot,
// and marks the instance paused
func (e *Engine) PauseWorkflow(ctx context.Context, instanceID string) error {
	e.mu.RLock()
	itp, ok := e.interpreters[instanceID]
	e.mu.RUnlock()
	if !ok {
		return ErrInstanceNotFound
	}
	return itp.pause(ctx)
}

// ResumeWorkflow restores a paused instance from its latest snapshot,
// replays events recorded after the snapshot, and restarts the interpreter
func (e *Engine) ResumeWorkflow(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != store.InstanceStatusPaused {
		return ErrNotPaused
	}

	snap, err := e.store.LatestSnapshot(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("%w: instance %s", ErrNoSnapshotForResume, instanceID)
	}
	restored, err := store.ReifySnapshot(snap)
	if err != nil {
		return err
	}

	// Catch up on anything that happened around the suspend.
	events, err := e.store.GetEvents(ctx, instanceID, &snap.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to load events for resume: %w", err)
	}
	for _, ev := range events {
		store.ApplyEvent(restored, ev)
	}

	defn, err := e.store.GetWorkflow(ctx, restored.DefinitionID)
	if err != nil {
		return fmt.Errorf("failed to load definition: %w", err)
	}

	restored.Status = store.InstanceStatusRunning
	if err := e.store.SaveInstance(ctx, restored); err != nil {
		return err
	}
	e.recordEvent(ctx, instanceID, store.EventInstanceResumed, restored.CurrentNode, nil)

	itp := newInterpreter(e, defn, restored)
	e.mu.Lock()
	e.interpreters[instanceID] = itp
	e.mu.Unlock()
	itp.start(restored.CurrentNode)

	log.WithFields(log.Fields{
		"instance_id": instanceID,
		"node":        restored.CurrentNode,
	}).Info("Workflow resumed")
	return nil
}

// CancelWorkflow stops the interpreter and marks the instance cancelled
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, reason string) error {
	e.mu.RLock()
	itp, ok := e.interpreters[instanceID]
	e.mu.RUnlock()
	if ok {
		return itp.cancelWith(ctx, reason)
	}

	// No live interpreter (e.g. paused): finalize the record directly.
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return ErrTerminalInstance
	}
	now := store.TimeUTC(time.Now())
	inst.Status = store.InstanceStatusCancelled
	inst.CompletedAt = &now
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	e.recordEvent(ctx, instanceID, store.EventInstanceCancelled, "", map[string]interface{}{"reason": reason})
	return nil
}

// CompleteHumanTask records the human response and resumes the waiting
// interpreter, if one is live
func (e *Engine) CompleteHumanTask(ctx context.Context, instanceID, taskID string, response map[string]interface{}) error {
	task, err := e.store.GetHumanTask(ctx, taskID)
	if err != nil {
		return ErrHumanTaskNotFound
	}
	if task.InstanceID != instanceID {
		return fmt.Errorf("human task %s does not belong to instance %s", taskID, instanceID)
	}
	if task.Status != store.HumanTaskPending {
		return fmt.Errorf("human task %s is %s", taskID, task.Status)
	}

	now := store.TimeUTC(time.Now())
	task.Status = store.HumanTaskCompleted
	task.Response = response
	task.CompletedAt = &now
	if err := e.store.UpdateHumanTask(ctx, task); err != nil {
		return err
	}
	e.recordEvent(ctx, instanceID, store.EventHumanTaskDone, task.NodeID, map[string]interface{}{
		"human_task_id": taskID,
	})

	e.mu.RLock()
	itp, ok := e.interpreters[instanceID]
	e.mu.RUnlock()
	if ok {
		itp.deliverHumanResponse(taskID, response)
	}
	return nil
}

// DeliverEvent wakes every event node currently waiting for the given type
func (e *Engine) DeliverEvent(eventType string, payload map[string]interface{}) int {
	e.mu.Lock()
	waiters := e.eventWaiters[eventType]
	delete(e.eventWaiters, eventType)
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- payload
	}
	return len(waiters)
}

// awaitEvent registers a waiter channel for an event type
func (e *Engine) awaitEvent(eventType string) chan map[string]interface{} {
	ch := make(chan map[string]interface{}, 1)
	e.mu.Lock()
	e.eventWaiters[eventType] = append(e.eventWaiters[eventType], ch)
	e.mu.Unlock()
	return ch
}

// dropEventWaiter removes a waiter that gave up (cancel or pause)
func (e *Engine) dropEventWaiter(eventType string, ch chan map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	waiters := e.eventWaiters[eventType]
	for i, w := range waiters {
		if w == ch {
			e.eventWaiters[eventType] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// GetWorkflowStatus returns the current instance record
func (e *Engine) GetWorkflowStatus(ctx context.Context, instanceID string) (*store.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err == store.ErrNotFound {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

// Await blocks until the instance's interpreter finishes or ctx expires.
// Instances without a live interpreter return immediately.
func (e *Engine) Await(ctx context.Context, instanceID string) error {
	e.mu.RLock()
	itp, ok := e.interpreters[instanceID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-itp.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every live interpreter
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closed = true
	itps := make([]*interpreter, 0, len(e.interpreters))
	for _, itp := range e.interpreters {
		itps = append(itps, itp)
	}
	e.mu.Unlock()

	for _, itp := range itps {
		itp.stop()
	}
	log.Info("Workflow engine shut down")
}

// recordEvent appends a workflow event to the store
func (e *Engine) recordEvent(ctx context.Context, instanceID, eventType, nodeID string, payload map[string]interface{}) {
	err := e.store.RecordEvent(ctx, &store.Event{
		InstanceID: instanceID,
		Type:       eventType,
		NodeID:     nodeID,
		Payload:    payload,
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"instance_id": instanceID,
			"event":       eventType,
		}).Warn("Failed to record workflow event")
	}
}
