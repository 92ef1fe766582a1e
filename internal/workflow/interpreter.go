package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aosanya/HiveCortex/internal/agent"
	"github.com/aosanya/HiveCortex/internal/bus"
	"github.com/aosanya/HiveCortex/internal/identity"
	"github.com/aosanya/HiveCortex/internal/store"
)

// interpreter drives one workflow instance through its state machine,
// processing one transition at a time. All instance mutations go through
// the mutex so the snapshot ticker sees consistent state.
type interpreter struct {
	engine *Engine
	defn   *store.WorkflowDefinition

	mu   sync.Mutex
	inst *store.WorkflowInstance

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// human task wait state: the pending task id and its response channel
	humanTaskID string
	humanCh     chan map[string]interface{}

	pausing bool
}

// newInterpreter creates an interpreter over an instance
func newInterpreter(e *Engine, defn *store.WorkflowDefinition, inst *store.WorkflowInstance) *interpreter {
	ctx, cancel := context.WithCancel(context.Background())
	return &interpreter{
		engine: e,
		defn:   defn,
		inst:   inst,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// start launches the run loop, beginning at the given node (the start node
// when empty)
func (itp *interpreter) start(fromNode string) {
	go itp.run(fromNode)
	if itp.engine.config.EnableSnapshots {
		go itp.snapshotLoop()
	}
}

// stop cancels the run loop and waits for it to finish
func (itp *interpreter) stop() {
	itp.cancel()
	<-itp.done
}

// startNodeID returns the definition's single start node
func (itp *interpreter) startNodeID() string {
	for _, n := range itp.defn.Nodes {
		if n.Type == store.NodeTypeStart {
			return n.ID
		}
	}
	return ""
}

// run is the interpreter main loop: execute the current node, follow the
// transition, repeat until a terminal node, an error, or cancellation
func (itp *interpreter) run(fromNode string) {
	defer func() {
		close(itp.done)
		// Finished interpreters leave the registry; paused and cancelled
		// instances are removed by their own transitions.
		itp.mu.Lock()
		terminal := itp.inst.Status.IsTerminal()
		id := itp.inst.ID
		itp.mu.Unlock()
		if terminal {
			itp.engine.mu.Lock()
			if itp.engine.interpreters[id] == itp {
				delete(itp.engine.interpreters, id)
			}
			itp.engine.mu.Unlock()
		}
	}()

	cur := fromNode
	if cur == "" {
		cur = itp.startNodeID()
	}

	for cur != "" {
		next, err := itp.executeNode(itp.ctx, cur, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Pause or cancel owns the final status.
				return
			}
			itp.fail(err)
			return
		}
		cur = next
	}
}

// fail finalizes the instance as failed with the cause
func (itp *interpreter) fail(cause error) {
	ctx := context.Background()
	now := store.TimeUTC(time.Now())

	itp.mu.Lock()
	itp.inst.Status = store.InstanceStatusFailed
	itp.inst.Error = cause.Error()
	itp.inst.CompletedAt = &now
	node := itp.inst.CurrentNode
	snapshot := *itp.inst
	itp.mu.Unlock()

	if err := itp.engine.store.SaveInstance(ctx, &snapshot); err != nil {
		log.WithError(err).WithField("instance_id", snapshot.ID).Error("Failed to persist failure")
	}
	itp.engine.recordEvent(ctx, snapshot.ID, store.EventInstanceFailed, node, map[string]interface{}{
		"error": cause.Error(),
	})
	log.WithError(cause).WithFields(log.Fields{
		"instance_id": snapshot.ID,
		"node":        node,
	}).Warn("Workflow failed")
}

// env builds the condition environment over the current context
func (itp *interpreter) env(event map[string]interface{}) *ConditionEnv {
	itp.mu.Lock()
	defer itp.mu.Unlock()
	ctxCopy := itp.inst.Context
	return &ConditionEnv{Context: &ctxCopy, Event: event}
}

// persist saves the instance record
func (itp *interpreter) persist(ctx context.Context) error {
	itp.mu.Lock()
	snapshot := *itp.inst
	itp.mu.Unlock()
	return itp.engine.store.SaveInstance(ctx, &snapshot)
}

// executeNode runs one node and returns the next node id ("" at end).
// With recordCurrent set, the node becomes the instance's current node;
// branch walks inside parallel sections leave it untouched.
func (itp *interpreter) executeNode(ctx context.Context, nodeID string, recordCurrent bool) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	node := itp.defn.Node(nodeID)
	if node == nil {
		return "", fmt.Errorf("unknown node %q", nodeID)
	}

	if recordCurrent {
		itp.mu.Lock()
		itp.inst.CurrentNode = nodeID
		itp.mu.Unlock()
		if err := itp.persist(ctx); err != nil {
			return "", err
		}
	}
	itp.engine.recordEvent(ctx, itp.inst.ID, store.EventNodeEntered, nodeID, nil)

	var output interface{}
	var next string
	var err error

	switch node.Type {
	case store.NodeTypeStart:
		next, err = itp.singleNext(nodeID)

	case store.NodeTypeEnd:
		err = itp.complete(ctx, nodeID)
		return "", err

	case store.NodeTypeTask:
		output, err = itp.execTask(ctx, node)
		if err == nil {
			next, err = itp.singleNext(nodeID)
		}

	case store.NodeTypeDecision:
		next, err = itp.execDecision(nodeID)

	case store.NodeTypeParallel:
		output, next, err = itp.execParallel(ctx, nodeID)

	case store.NodeTypeLoop:
		output, next, err = itp.execLoop(ctx, node)

	case store.NodeTypeHumanTask:
		output, err = itp.execHumanTask(ctx, node)
		if err == nil {
			next, err = itp.singleNext(nodeID)
		}

	case store.NodeTypeTimer:
		select {
		case <-time.After(time.Duration(node.Timer.DelayMs) * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		next, err = itp.singleNext(nodeID)

	case store.NodeTypeEvent:
		output, err = itp.execEvent(ctx, node)
		if err == nil {
			next, err = itp.singleNext(nodeID)
		}

	case store.NodeTypeSubworkflow:
		output, err = itp.execSubworkflow(ctx, node)
		if err == nil {
			next, err = itp.singleNext(nodeID)
		}

	case store.NodeTypeTransform:
		itp.engine.mu.RLock()
		fn, ok := itp.engine.transforms[node.Transform.Handler]
		itp.engine.mu.RUnlock()
		if !ok {
			err = fmt.Errorf("%w: transform %q", ErrUnknownHandler, node.Transform.Handler)
			break
		}
		output, err = fn(itp.env(nil))
		if err == nil {
			next, err = itp.singleNext(nodeID)
		}

	case store.NodeTypeAggregate:
		output, err = itp.execAggregate(node)
		if err == nil {
			next, err = itp.singleNext(nodeID)
		}

	case store.NodeTypeCustom:
		itp.engine.mu.RLock()
		fn, ok := itp.engine.customs[node.Custom.Handler]
		itp.engine.mu.RUnlock()
		if !ok {
			err = fmt.Errorf("%w: custom %q", ErrUnknownHandler, node.Custom.Handler)
			break
		}
		output, err = fn(ctx, itp.env(nil), node.Custom.Config)
		if err == nil {
			next, err = itp.singleNext(nodeID)
		}

	default:
		err = fmt.Errorf("unsupported node type %q", node.Type)
	}

	if err != nil {
		return "", err
	}

	itp.mu.Lock()
	if output != nil {
		itp.inst.Context.NodeOutputs[nodeID] = output
	}
	iteration, isLoop := itp.inst.LoopCounters[nodeID]
	itp.mu.Unlock()

	payload := map[string]interface{}{"output": output}
	if isLoop {
		payload["loop_iteration"] = iteration
	}
	itp.engine.recordEvent(ctx, itp.inst.ID, store.EventNodeCompleted, nodeID, payload)
	if recordCurrent {
		if err := itp.persist(ctx); err != nil {
			return "", err
		}
	}
	return next, nil
}

// complete finalizes the instance as completed, recording outputs
func (itp *interpreter) complete(ctx context.Context, endNode string) error {
	now := store.TimeUTC(time.Now())

	itp.mu.Lock()
	outputs := make(map[string]interface{}, len(itp.inst.Context.NodeOutputs))
	for k, v := range itp.inst.Context.NodeOutputs {
		outputs[k] = v
	}
	itp.inst.Context.Outputs = outputs
	itp.inst.Status = store.InstanceStatusCompleted
	itp.inst.CompletedAt = &now
	snapshot := *itp.inst
	itp.mu.Unlock()

	if err := itp.engine.store.SaveInstance(ctx, &snapshot); err != nil {
		return err
	}
	itp.engine.recordEvent(ctx, snapshot.ID, store.EventInstanceCompleted, endNode, map[string]interface{}{
		"outputs": outputs,
	})
	log.WithField("instance_id", snapshot.ID).Info("Workflow completed")
	return nil
}

// singleNext follows the node's single unconditional outgoing edge
func (itp *interpreter) singleNext(nodeID string) (string, error) {
	edges := itp.defn.OutgoingEdges(nodeID)
	switch len(edges) {
	case 0:
		return "", fmt.Errorf("node %q has no outgoing edge", nodeID)
	case 1:
		return edges[0].To, nil
	default:
		return "", fmt.Errorf("node %q has %d outgoing edges; only decision and parallel nodes may branch", nodeID, len(edges))
	}
}

// execTask invokes the external service over the bus and waits for its
// correlated RESPONSE; the output is stored keyed by node id
func (itp *interpreter) execTask(ctx context.Context, node *store.Node) (interface{}, error) {
	target, err := identity.ParseAgentKey(node.Task.Target)
	if err != nil {
		return nil, fmt.Errorf("task node %q: %w", node.ID, err)
	}
	timeout := itp.engine.config.DefaultTaskTimeout
	if node.Task.TimeoutMs > 0 {
		timeout = time.Duration(node.Task.TimeoutMs) * time.Millisecond
	}

	body := bus.BodyOf(agent.Assignment{
		GoalID:   itp.inst.ID,
		Strategy: "workflow",
		Tasks: []agent.AssignedTask{{
			ID:          itp.inst.ID + ":" + node.ID,
			Description: node.Task.Description,
			Payload:     node.Task.Payload,
		}},
	})
	msg := bus.NewMessage(itp.engine.id, []identity.AgentID{target}, bus.MessageTypeCommand, bus.PriorityHigh, bus.TopicTaskAssignment, body)

	resp, err := itp.engine.bus.SendAndWaitForResponse(ctx, msg, timeout)
	if err != nil {
		return nil, fmt.Errorf("task node %q: %w", node.ID, err)
	}

	if results := extractTaskResults(resp.Content.Body); len(results) > 0 {
		if ok, _ := results[0]["success"].(bool); !ok {
			cause, _ := results[0]["error"].(string)
			return nil, fmt.Errorf("task node %q failed: %s", node.ID, cause)
		}
		if out, ok := results[0]["output"]; ok && out != nil {
			return out, nil
		}
	}
	return resp.Content.Body, nil
}

// extractTaskResults normalizes the results list of a task response
func extractTaskResults(body map[string]interface{}) []map[string]interface{} {
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

// execDecision evaluates outgoing edge conditions in declared order; the
// first match wins and the default edge is the last resort
func (itp *interpreter) execDecision(nodeID string) (string, error) {
	edges := itp.defn.OutgoingEdges(nodeID)
	if len(edges) == 0 {
		return "", fmt.Errorf("decision node %q has no outgoing edges", nodeID)
	}
	env := itp.env(nil)
	handlers := itp.engine.conditionHandlers()

	var defaultEdge *store.Edge
	for i := range edges {
		e := &edges[i]
		if e.Default {
			defaultEdge = e
			continue
		}
		ok, err := EvaluateCondition(e.Condition, env, handlers)
		if err != nil {
			return "", fmt.Errorf("decision node %q: %w", nodeID, err)
		}
		if ok {
			return e.To, nil
		}
	}
	if defaultEdge != nil {
		return defaultEdge.To, nil
	}
	return "", fmt.Errorf("decision node %q matched no edge and has no default", nodeID)
}

// execParallel runs every outgoing branch concurrently, aggregates branch
// outputs keyed by branch head, and proceeds to the join node
func (itp *interpreter) execParallel(ctx context.Context, nodeID string) (interface{}, string, error) {
	edges := itp.defn.OutgoingEdges(nodeID)
	if len(edges) < 2 {
		return nil, "", fmt.Errorf("parallel node %q needs at least two branches", nodeID)
	}
	heads := make([]string, 0, len(edges))
	for _, e := range edges {
		heads = append(heads, e.To)
	}

	join, err := itp.findJoin(heads)
	if err != nil {
		return nil, "", fmt.Errorf("parallel node %q: %w", nodeID, err)
	}

	outputs := make(map[string]interface{}, len(heads))
	var outputsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, head := range heads {
		head := head
		g.Go(func() error {
			out, err := itp.runBranch(gctx, head, join)
			if err != nil {
				return err
			}
			outputsMu.Lock()
			outputs[head] = out
			outputsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}
	return outputs, join, nil
}

// runBranch executes a branch from head until the join node, returning the
// last node's output
func (itp *interpreter) runBranch(ctx context.Context, head, join string) (interface{}, error) {
	cur := head
	var last interface{}
	for cur != "" && cur != join {
		next, err := itp.executeNode(ctx, cur, false)
		if err != nil {
			return nil, err
		}
		itp.mu.Lock()
		last = itp.inst.Context.NodeOutputs[cur]
		itp.mu.Unlock()
		cur = next
	}
	return last, nil
}

// findJoin locates the first node reachable from every branch head
func (itp *interpreter) findJoin(heads []string) (string, error) {
	reach := make([]map[string]int, len(heads)) // node -> BFS depth
	for i, head := range heads {
		reach[i] = itp.bfsDepths(head)
	}

	type candidate struct {
		id    string
		depth int
	}
	var candidates []candidate
	for id, depth := range reach[0] {
		total := depth
		common := true
		for _, r := range reach[1:] {
			d, ok := r[id]
			if !ok {
				common = false
				break
			}
			total += d
		}
		if common {
			candidates = append(candidates, candidate{id: id, depth: total})
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("branches never converge")
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].depth == candidates[j].depth {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].depth < candidates[j].depth
	})
	return candidates[0].id, nil
}

// bfsDepths walks edges breadth-first, recording each node's depth
func (itp *interpreter) bfsDepths(from string) map[string]int {
	depths := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range itp.defn.OutgoingEdges(cur) {
			if _, seen := depths[e.To]; !seen {
				depths[e.To] = depths[cur] + 1
				queue = append(queue, e.To)
			}
		}
	}
	return depths
}

// execLoop evaluates the guard on each entry, runs the body while the
// condition holds, and exits on false or when the iteration cap is hit
func (itp *interpreter) execLoop(ctx context.Context, node *store.Node) (interface{}, string, error) {
	max := node.Loop.MaxIterations
	if max <= 0 {
		max = itp.engine.config.MaxLoopIterations
	}
	handlers := itp.engine.conditionHandlers()

	for {
		itp.mu.Lock()
		iteration := itp.inst.LoopCounters[node.ID]
		itp.mu.Unlock()

		if iteration >= max {
			log.WithFields(log.Fields{
				"instance_id": itp.inst.ID,
				"node":        node.ID,
				"iterations":  iteration,
			}).Warn("Loop iteration cap reached")
			break
		}
		ok, err := EvaluateCondition(&node.Loop.Condition, itp.env(nil), handlers)
		if err != nil {
			return nil, "", fmt.Errorf("loop node %q: %w", node.ID, err)
		}
		if !ok {
			break
		}

		// Body runs until control returns to the guard.
		cur := node.Loop.Body
		for cur != "" && cur != node.ID {
			next, err := itp.executeNode(ctx, cur, false)
			if err != nil {
				return nil, "", err
			}
			cur = next
		}

		itp.mu.Lock()
		itp.inst.LoopCounters[node.ID]++
		iteration = itp.inst.LoopCounters[node.ID]
		itp.mu.Unlock()
		if err := itp.persist(ctx); err != nil {
			return nil, "", err
		}
	}

	itp.mu.Lock()
	iterations := itp.inst.LoopCounters[node.ID]
	itp.mu.Unlock()

	// The exit edge is the outgoing edge that does not enter the body.
	for _, e := range itp.defn.OutgoingEdges(node.ID) {
		if e.To != node.Loop.Body {
			return map[string]interface{}{"iterations": iterations}, e.To, nil
		}
	}
	return nil, "", fmt.Errorf("loop node %q has no exit edge", node.ID)
}

// execHumanTask creates (or re-attaches to) the human task record and
// blocks until the response arrives
func (itp *interpreter) execHumanTask(ctx context.Context, node *store.Node) (interface{}, error) {
	// After a resume the record may already exist, or even be completed.
	existing, err := itp.engine.store.ListHumanTasks(ctx, itp.inst.ID)
	if err != nil {
		return nil, err
	}
	var task *store.HumanTask
	for _, t := range existing {
		if t.NodeID == node.ID {
			if t.Status == store.HumanTaskCompleted {
				return t.Response, nil
			}
			if t.Status == store.HumanTaskPending {
				task = t
			}
			break
		}
	}

	if task == nil {
		now := store.TimeUTC(time.Now())
		task = &store.HumanTask{
			ID:         identity.NewHumanTaskID(),
			InstanceID: itp.inst.ID,
			NodeID:     node.ID,
			Assignee:   node.HumanTask.Assignee,
			Prompt:     node.HumanTask.Prompt,
			Status:     store.HumanTaskPending,
			CreatedAt:  now,
		}
		if node.HumanTask.DeadlineMs > 0 {
			deadline := now.Add(time.Duration(node.HumanTask.DeadlineMs) * time.Millisecond)
			task.Deadline = &deadline
		}
		if err := itp.engine.store.SaveHumanTask(ctx, task); err != nil {
			return nil, err
		}
		itp.engine.recordEvent(ctx, itp.inst.ID, store.EventHumanTaskCreated, node.ID, map[string]interface{}{
			"human_task_id": task.ID,
		})
	}

	ch := make(chan map[string]interface{}, 1)
	itp.mu.Lock()
	itp.inst.Status = store.InstanceStatusWaiting
	found := false
	for _, id := range itp.inst.HumanTasks {
		if id == task.ID {
			found = true
			break
		}
	}
	if !found {
		itp.inst.HumanTasks = append(itp.inst.HumanTasks, task.ID)
	}
	itp.humanTaskID = task.ID
	itp.humanCh = ch
	itp.mu.Unlock()
	if err := itp.persist(ctx); err != nil {
		return nil, err
	}

	defer func() {
		itp.mu.Lock()
		itp.humanTaskID = ""
		itp.humanCh = nil
		if itp.inst.Status == store.InstanceStatusWaiting {
			itp.inst.Status = store.InstanceStatusRunning
		}
		itp.mu.Unlock()
	}()

	var deadlineCh <-chan time.Time
	if task.Deadline != nil {
		timer := time.NewTimer(time.Until(*task.Deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	select {
	case response := <-ch:
		return response, nil
	case <-deadlineCh:
		now := store.TimeUTC(time.Now())
		task.Status = store.HumanTaskExpired
		task.CompletedAt = &now
		if err := itp.engine.store.UpdateHumanTask(ctx, task); err != nil {
			log.WithError(err).WithField("human_task_id", task.ID).Warn("Failed to persist expiry")
		}
		return nil, fmt.Errorf("human task %s deadline elapsed", task.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliverHumanResponse resumes a waiting humanTask node
func (itp *interpreter) deliverHumanResponse(taskID string, response map[string]interface{}) {
	itp.mu.Lock()
	ch := itp.humanCh
	match := itp.humanTaskID == taskID
	itp.mu.Unlock()
	if ch != nil && match {
		ch <- response
	}
}

// execEvent waits for an external event of the configured type
func (itp *interpreter) execEvent(ctx context.Context, node *store.Node) (interface{}, error) {
	ch := itp.engine.awaitEvent(node.Event.EventType)

	itp.mu.Lock()
	itp.inst.Status = store.InstanceStatusWaiting
	itp.mu.Unlock()
	if err := itp.persist(ctx); err != nil {
		return nil, err
	}
	defer func() {
		itp.mu.Lock()
		if itp.inst.Status == store.InstanceStatusWaiting {
			itp.inst.Status = store.InstanceStatusRunning
		}
		itp.mu.Unlock()
	}()

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		itp.engine.dropEventWaiter(node.Event.EventType, ch)
		return nil, ctx.Err()
	}
}

// execSubworkflow runs the referenced workflow to completion; its outputs
// become this node's output
func (itp *interpreter) execSubworkflow(ctx context.Context, node *store.Node) (interface{}, error) {
	subDefn, err := itp.engine.store.GetWorkflow(ctx, node.Subworkflow.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("subworkflow node %q: %w", node.ID, err)
	}

	inputs := make(map[string]interface{}, len(node.Subworkflow.Inputs))
	env := itp.env(nil)
	for name, path := range node.Subworkflow.Inputs {
		if v, ok := env.Resolve(path); ok {
			inputs[name] = v
		}
	}

	subID, err := itp.engine.StartWorkflow(ctx, subDefn, inputs, itp.inst.ID)
	if err != nil {
		return nil, err
	}
	if err := itp.engine.Await(ctx, subID); err != nil {
		return nil, err
	}

	sub, err := itp.engine.store.GetInstance(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != store.InstanceStatusCompleted {
		return nil, fmt.Errorf("subworkflow %s ended %s: %s", subID, sub.Status, sub.Error)
	}
	return sub.Context.Outputs, nil
}

// execAggregate combines declared input node outputs by mode
func (itp *interpreter) execAggregate(node *store.Node) (interface{}, error) {
	itp.mu.Lock()
	values := make([]interface{}, 0, len(node.Aggregate.Inputs))
	for _, input := range node.Aggregate.Inputs {
		values = append(values, itp.inst.Context.NodeOutputs[input])
	}
	itp.mu.Unlock()

	switch node.Aggregate.Mode {
	case store.AggregateMerge:
		merged := make(map[string]interface{})
		for i, v := range values {
			if m, ok := v.(map[string]interface{}); ok {
				for k, mv := range m {
					merged[k] = mv
				}
			} else if v != nil {
				merged[node.Aggregate.Inputs[i]] = v
			}
		}
		return merged, nil

	case store.AggregateConcat:
		var concat []interface{}
		for _, v := range values {
			if list, ok := v.([]interface{}); ok {
				concat = append(concat, list...)
			} else if v != nil {
				concat = append(concat, v)
			}
		}
		return concat, nil

	case store.AggregateSum, store.AggregateAverage:
		sum, count := 0.0, 0
		for _, v := range values {
			if f, ok := toFloat(v); ok {
				sum += f
				count++
			}
		}
		if node.Aggregate.Mode == store.AggregateSum {
			return sum, nil
		}
		if count == 0 {
			return 0.0, nil
		}
		return sum / float64(count), nil

	default:
		return nil, fmt.Errorf("aggregate node %q has unknown mode %q", node.ID, node.Aggregate.Mode)
	}
}

// --- Pause / cancel / snapshots ---

// pause stops the interpreter, takes a synchronous snapshot, and marks the
// instance paused
func (itp *interpreter) pause(ctx context.Context) error {
	itp.mu.Lock()
	if itp.inst.Status.IsTerminal() {
		itp.mu.Unlock()
		return ErrTerminalInstance
	}
	if itp.inst.Status != store.InstanceStatusRunning && itp.inst.Status != store.InstanceStatusWaiting {
		itp.mu.Unlock()
		return ErrNotRunning
	}
	itp.pausing = true
	itp.mu.Unlock()

	itp.cancel()
	<-itp.done

	itp.mu.Lock()
	itp.inst.Status = store.InstanceStatusPaused
	snapshot := *itp.inst
	itp.mu.Unlock()

	if err := itp.engine.store.SaveInstance(ctx, &snapshot); err != nil {
		return err
	}
	if _, err := itp.engine.store.SaveSnapshot(ctx, &snapshot, map[string]string{"reason": "pause"}); err != nil {
		return err
	}
	itp.engine.recordEvent(ctx, snapshot.ID, store.EventInstancePaused, snapshot.CurrentNode, nil)

	itp.engine.mu.Lock()
	delete(itp.engine.interpreters, snapshot.ID)
	itp.engine.mu.Unlock()

	log.WithFields(log.Fields{
		"instance_id": snapshot.ID,
		"node":        snapshot.CurrentNode,
	}).Info("Workflow paused")
	return nil
}

// cancelWith stops the interpreter and marks the instance cancelled
func (itp *interpreter) cancelWith(ctx context.Context, reason string) error {
	itp.mu.Lock()
	if itp.inst.Status.IsTerminal() {
		itp.mu.Unlock()
		return ErrTerminalInstance
	}
	itp.mu.Unlock()

	itp.cancel()
	<-itp.done

	now := store.TimeUTC(time.Now())
	itp.mu.Lock()
	itp.inst.Status = store.InstanceStatusCancelled
	itp.inst.CompletedAt = &now
	snapshot := *itp.inst
	itp.mu.Unlock()

	if err := itp.engine.store.SaveInstance(ctx, &snapshot); err != nil {
		return err
	}
	itp.engine.recordEvent(ctx, snapshot.ID, store.EventInstanceCancelled, snapshot.CurrentNode, map[string]interface{}{
		"reason": reason,
	})

	itp.engine.mu.Lock()
	delete(itp.engine.interpreters, snapshot.ID)
	itp.engine.mu.Unlock()

	log.WithFields(log.Fields{
		"instance_id": snapshot.ID,
		"reason":      reason,
	}).Info("Workflow cancelled")
	return nil
}

// snapshotLoop checkpoints the instance periodically while it is running
func (itp *interpreter) snapshotLoop() {
	ticker := time.NewTicker(itp.engine.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-itp.done:
			return
		case <-itp.ctx.Done():
			return
		case <-ticker.C:
			itp.mu.Lock()
			running := itp.inst.Status == store.InstanceStatusRunning
			snapshot := *itp.inst
			itp.mu.Unlock()
			if !running {
				continue
			}
			ctx := context.Background()
			if _, err := itp.engine.store.SaveSnapshot(ctx, &snapshot, map[string]string{"reason": "periodic"}); err != nil {
				log.WithError(err).WithField("instance_id", snapshot.ID).Warn("Periodic snapshot failed")
				continue
			}
			if _, err := itp.engine.store.CleanupSnapshots(ctx, snapshot.ID, store.DefaultKeepSnapshots); err != nil {
				log.WithError(err).WithField("instance_id", snapshot.ID).Debug("Snapshot cleanup failed")
			}
		}
	}
}
