package store

import (
	"context"
	"time"
)

// Repository is the persistence backend behind the state store service.
// Implementations must make every write idempotent on the record's primary
// key. The Store service layers event buffering, replay, and snapshot
// policy on top.
type Repository interface {
	// Workflow definitions
	PutWorkflow(ctx context.Context, defn *WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Instances
	PutInstance(ctx context.Context, inst *WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context) ([]*WorkflowInstance, error)
	DeleteInstance(ctx context.Context, id string) error

	// Snapshots, ordered by timestamp per instance
	PutSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, instanceID string, at time.Time) (*Snapshot, error)
	LatestSnapshot(ctx context.Context, instanceID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, instanceID string) ([]*Snapshot, error)
	DeleteSnapshots(ctx context.Context, instanceID string, before *time.Time) (int, error)

	// Events, ordered by timestamp (ties broken by id) per instance.
	// AppendEvents must deduplicate by event id.
	AppendEvents(ctx context.Context, events []*Event) error
	GetEvents(ctx context.Context, instanceID string, after *time.Time) ([]*Event, error)
	DeleteEvents(ctx context.Context, instanceID string, before *time.Time) (int, error)

	// Human tasks
	PutHumanTask(ctx context.Context, task *HumanTask) error
	GetHumanTask(ctx context.Context, id string) (*HumanTask, error)
	ListHumanTasks(ctx context.Context, instanceID string) ([]*HumanTask, error)

	// Close releases backend resources
	Close() error
}
