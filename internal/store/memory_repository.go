package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository used for tests and for
// deployments that do not require durability across restarts.
type MemoryRepository struct {
	mu         sync.RWMutex
	workflows  map[string]*WorkflowDefinition
	instances  map[string]*WorkflowInstance
	snapshots  map[string][]*Snapshot // instanceID -> ordered by timestamp
	events     map[string][]*Event    // instanceID -> ordered by timestamp
	eventIDs   map[string]bool
	humanTasks map[string]*HumanTask
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workflows:  make(map[string]*WorkflowDefinition),
		instances:  make(map[string]*WorkflowInstance),
		snapshots:  make(map[string][]*Snapshot),
		events:     make(map[string][]*Event),
		eventIDs:   make(map[string]bool),
		humanTasks: make(map[string]*HumanTask),
	}
}

// clone deep-copies a record through JSON so callers never share memory
// with the repository
func clone[T any](v *T) *T {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return v
	}
	return out
}

// PutWorkflow stores a workflow definition
func (r *MemoryRepository) PutWorkflow(ctx context.Context, defn *WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[defn.ID] = clone(defn)
	return nil
}

// GetWorkflow retrieves a workflow definition by id
func (r *MemoryRepository) GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defn, ok := r.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(defn), nil
}

// ListWorkflows returns all workflow definitions
func (r *MemoryRepository) ListWorkflows(ctx context.Context) ([]*WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkflowDefinition, 0, len(r.workflows))
	for _, d := range r.workflows {
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteWorkflow removes a workflow definition
func (r *MemoryRepository) DeleteWorkflow(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, id)
	return nil
}

// PutInstance stores a workflow instance
func (r *MemoryRepository) PutInstance(ctx context.Context, inst *WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = clone(inst)
	return nil
}

// GetInstance retrieves an instance by id
func (r *MemoryRepository) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(inst), nil
}

// ListInstances returns all instances
func (r *MemoryRepository) ListInstances(ctx context.Context) ([]*WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkflowInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, clone(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteInstance removes an instance
func (r *MemoryRepository) DeleteInstance(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
	return nil
}

// PutSnapshot stores a snapshot, keeping per-instance timestamp order
func (r *MemoryRepository) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.snapshots[snap.InstanceID]
	replaced := false
	for i, s := range snaps {
		if s.ID == snap.ID {
			snaps[i] = clone(snap)
			replaced = true
			break
		}
	}
	if !replaced {
		snaps = append(snaps, clone(snap))
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Timestamp.Before(snaps[j].Timestamp) })
	r.snapshots[snap.InstanceID] = snaps
	return nil
}

// GetSnapshot returns the snapshot with the exact timestamp
func (r *MemoryRepository) GetSnapshot(ctx context.Context, instanceID string, at time.Time) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.snapshots[instanceID] {
		if s.Timestamp.Equal(at) {
			return clone(s), nil
		}
	}
	return nil, ErrNotFound
}

// LatestSnapshot returns the newest snapshot for an instance
func (r *MemoryRepository) LatestSnapshot(ctx context.Context, instanceID string) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := r.snapshots[instanceID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return clone(snaps[len(snaps)-1]), nil
}

// ListSnapshots returns snapshots for an instance ordered by timestamp
func (r *MemoryRepository) ListSnapshots(ctx context.Context, instanceID string) ([]*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := r.snapshots[instanceID]
	out := make([]*Snapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, clone(s))
	}
	return out, nil
}

// DeleteSnapshots removes snapshots before the given time (all if nil)
func (r *MemoryRepository) DeleteSnapshots(ctx context.Context, instanceID string, before *time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.snapshots[instanceID]
	kept := snaps[:0]
	removed := 0
	for _, s := range snaps {
		if before == nil || s.Timestamp.Before(*before) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	r.snapshots[instanceID] = kept
	return removed, nil
}

// AppendEvents appends events, deduplicating by event id
func (r *MemoryRepository) AppendEvents(ctx context.Context, events []*Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range events {
		if r.eventIDs[e.ID] {
			continue
		}
		r.eventIDs[e.ID] = true
		list := append(r.events[e.InstanceID], clone(e))
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Timestamp.Equal(list[j].Timestamp) {
				return list[i].ID < list[j].ID
			}
			return list[i].Timestamp.Before(list[j].Timestamp)
		})
		r.events[e.InstanceID] = list
	}
	return nil
}

// GetEvents returns events for an instance after the given time
func (r *MemoryRepository) GetEvents(ctx context.Context, instanceID string, after *time.Time) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Event
	for _, e := range r.events[instanceID] {
		if after != nil && !e.Timestamp.After(*after) {
			continue
		}
		out = append(out, clone(e))
	}
	return out, nil
}

// DeleteEvents removes events before the given time (all if nil)
func (r *MemoryRepository) DeleteEvents(ctx context.Context, instanceID string, before *time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.events[instanceID]
	kept := list[:0]
	removed := 0
	for _, e := range list {
		if before == nil || e.Timestamp.Before(*before) {
			delete(r.eventIDs, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.events[instanceID] = kept
	return removed, nil
}

// PutHumanTask stores a human task
func (r *MemoryRepository) PutHumanTask(ctx context.Context, task *HumanTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.humanTasks[task.ID] = clone(task)
	return nil
}

// GetHumanTask retrieves a human task by id
func (r *MemoryRepository) GetHumanTask(ctx context.Context, id string) (*HumanTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.humanTasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(task), nil
}

// ListHumanTasks returns human tasks, optionally filtered by instance
func (r *MemoryRepository) ListHumanTasks(ctx context.Context, instanceID string) ([]*HumanTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*HumanTask
	for _, t := range r.humanTasks {
		if instanceID != "" && t.InstanceID != instanceID {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close releases nothing for the in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}
