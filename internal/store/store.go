package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/identity"
)

const (
	// DefaultEventBufferSize is the bounded event ring capacity
	DefaultEventBufferSize = 100

	// DefaultFlushInterval is the periodic event flush period
	DefaultFlushInterval = 5 * time.Second

	// DefaultKeepSnapshots is how many newest snapshots cleanup retains
	DefaultKeepSnapshots = 10
)

// Config configures the state store service
type Config struct {
	// EventBufferSize bounds the in-memory event ring
	EventBufferSize int

	// FlushInterval is the periodic flush timer period
	FlushInterval time.Duration
}

// Store is the durable, queryable record of workflows, instances, snapshots,
// events, and human tasks. It owns the buffered event ring and event-sourced
// replay; all other components hold only transient views.
type Store struct {
	repo   Repository
	config Config

	bufMu  sync.Mutex
	buffer []*Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.RWMutex
}

// New creates a state store service over the given repository and starts
// the periodic flush loop
func New(repo Repository, config Config) *Store {
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = DefaultEventBufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		repo:   repo,
		config: config,
		buffer: make([]*Event, 0, config.EventBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// flushLoop flushes the event buffer on the configured period
func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				log.WithError(err).Warn("Periodic event flush failed")
			}
		}
	}
}

// --- Workflow definitions ---

// SaveWorkflow persists a workflow definition
func (s *Store) SaveWorkflow(ctx context.Context, defn *WorkflowDefinition) error {
	if defn.ID == "" {
		defn.ID = identity.NewWorkflowID()
	}
	now := TimeUTC(time.Now())
	if defn.CreatedAt.IsZero() {
		defn.CreatedAt = now
	}
	defn.UpdatedAt = now
	return s.repo.PutWorkflow(ctx, defn)
}

// GetWorkflow retrieves a workflow definition
func (s *Store) GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error) {
	return s.repo.GetWorkflow(ctx, id)
}

// ListWorkflows returns all workflow definitions
func (s *Store) ListWorkflows(ctx context.Context) ([]*WorkflowDefinition, error) {
	return s.repo.ListWorkflows(ctx)
}

// DeleteWorkflow removes a workflow definition
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return s.repo.DeleteWorkflow(ctx, id)
}

// --- Instances ---

// SaveInstance persists a workflow instance
func (s *Store) SaveInstance(ctx context.Context, inst *WorkflowInstance) error {
	inst.UpdatedAt = TimeUTC(time.Now())
	return s.repo.PutInstance(ctx, inst)
}

// UpdateInstance is an alias of SaveInstance; writes are idempotent on id
func (s *Store) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	return s.SaveInstance(ctx, inst)
}

// GetInstance retrieves an instance
func (s *Store) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	return s.repo.GetInstance(ctx, id)
}

// ListInstances returns all instances
func (s *Store) ListInstances(ctx context.Context) ([]*WorkflowInstance, error) {
	return s.repo.ListInstances(ctx)
}

// DeleteInstance removes an instance
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	return s.repo.DeleteInstance(ctx, id)
}

// --- Snapshots ---

// SaveSnapshot computes the canonical state blob and checksum for the
// instance and persists the snapshot
func (s *Store) SaveSnapshot(ctx context.Context, inst *WorkflowInstance, metadata map[string]string) (*Snapshot, error) {
	state, err := CanonicalMarshal(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize instance state: %w", err)
	}
	checksum, err := Checksum(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum instance state: %w", err)
	}

	snap := &Snapshot{
		ID:         identity.NewSnapshotID(),
		InstanceID: inst.ID,
		Timestamp:  TimeUTC(time.Now()),
		State:      state,
		Checksum:   checksum,
		Metadata:   metadata,
	}
	if err := s.repo.PutSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	log.WithFields(log.Fields{
		"instance_id": inst.ID,
		"snapshot_id": snap.ID,
		"checksum":    snap.Checksum[:12],
	}).Debug("Snapshot saved")
	return snap, nil
}

// GetSnapshot returns the snapshot at the given timestamp
func (s *Store) GetSnapshot(ctx context.Context, instanceID string, at time.Time) (*Snapshot, error) {
	return s.repo.GetSnapshot(ctx, instanceID, at)
}

// LatestSnapshot returns the newest snapshot for an instance
func (s *Store) LatestSnapshot(ctx context.Context, instanceID string) (*Snapshot, error) {
	return s.repo.LatestSnapshot(ctx, instanceID)
}

// ListSnapshots returns an instance's snapshots ordered by timestamp
func (s *Store) ListSnapshots(ctx context.Context, instanceID string) ([]*Snapshot, error) {
	return s.repo.ListSnapshots(ctx, instanceID)
}

// DeleteSnapshots removes snapshots before the given time (all if nil)
func (s *Store) DeleteSnapshots(ctx context.Context, instanceID string, before *time.Time) (int, error) {
	return s.repo.DeleteSnapshots(ctx, instanceID, before)
}

// CleanupSnapshots keeps the keepLast newest snapshots (by timestamp) and
// removes the rest
func (s *Store) CleanupSnapshots(ctx context.Context, instanceID string, keepLast int) (int, error) {
	if keepLast <= 0 {
		keepLast = DefaultKeepSnapshots
	}
	snaps, err := s.repo.ListSnapshots(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= keepLast {
		return 0, nil
	}
	cutoff := snaps[len(snaps)-keepLast].Timestamp
	return s.repo.DeleteSnapshots(ctx, instanceID, &cutoff)
}

// --- Events ---

// RecordEvent appends an event to the bounded in-memory ring. The ring is
// flushed when capacity is reached, on the periodic timer, and before any
// read. Recording the same event id twice stores exactly one event.
func (s *Store) RecordEvent(ctx context.Context, e *Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	if e.ID == "" {
		e.ID = identity.NewEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = TimeUTC(time.Now())
	}

	s.bufMu.Lock()
	for _, buffered := range s.buffer {
		if buffered.ID == e.ID {
			s.bufMu.Unlock()
			return nil
		}
	}
	s.buffer = append(s.buffer, e)
	full := len(s.buffer) >= s.config.EventBufferSize
	s.bufMu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes buffered events to the repository. On failure the events are
// prepended back to the ring and the error surfaced; no event is dropped.
func (s *Store) Flush(ctx context.Context) error {
	s.bufMu.Lock()
	if len(s.buffer) == 0 {
		s.bufMu.Unlock()
		return nil
	}
	batch := s.buffer
	s.buffer = make([]*Event, 0, s.config.EventBufferSize)
	s.bufMu.Unlock()

	if err := s.repo.AppendEvents(ctx, batch); err != nil {
		s.bufMu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.bufMu.Unlock()
		log.WithError(err).WithField("count", len(batch)).Error("Event flush failed, events requeued")
		return fmt.Errorf("failed to flush %d events: %w", len(batch), err)
	}
	return nil
}

// GetEvents flushes the buffer first (read-your-writes) and returns the
// instance's events after the given time in timestamp order
func (s *Store) GetEvents(ctx context.Context, instanceID string, after *time.Time) ([]*Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetEvents(ctx, instanceID, after)
}

// DeleteEvents removes events before the given time (all if nil)
func (s *Store) DeleteEvents(ctx context.Context, instanceID string, before *time.Time) (int, error) {
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}
	return s.repo.DeleteEvents(ctx, instanceID, before)
}

// --- Human tasks ---

// SaveHumanTask persists a human task
func (s *Store) SaveHumanTask(ctx context.Context, task *HumanTask) error {
	return s.repo.PutHumanTask(ctx, task)
}

// UpdateHumanTask is an alias of SaveHumanTask; writes are idempotent on id
func (s *Store) UpdateHumanTask(ctx context.Context, task *HumanTask) error {
	return s.repo.PutHumanTask(ctx, task)
}

// GetHumanTask retrieves a human task by id
func (s *Store) GetHumanTask(ctx context.Context, id string) (*HumanTask, error) {
	return s.repo.GetHumanTask(ctx, id)
}

// ListHumanTasks lists human tasks, optionally filtered by instance
func (s *Store) ListHumanTasks(ctx context.Context, instanceID string) ([]*HumanTask, error) {
	return s.repo.ListHumanTasks(ctx, instanceID)
}

// --- Lifecycle ---

// Shutdown flushes the event buffer and stops the flush loop
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if err := s.Flush(ctx); err != nil {
		return err
	}
	log.Info("State store shut down")
	return s.repo.Close()
}
