package store

import (
	"context"
	"fmt"
	"time"

	"github.com/arangodb/go-driver"
	log "github.com/sirupsen/logrus"
)

const (
	workflowsCollection  = "workflows"
	instancesCollection  = "instances"
	snapshotsCollection  = "snapshots"
	eventsCollection     = "events"
	humanTasksCollection = "human_tasks"
)

// ArangoRepository implements Repository using ArangoDB
type ArangoRepository struct {
	db driver.Database
}

// arangoDoc wraps a record with the ArangoDB document key
type arangoDoc[T any] struct {
	Key string `json:"_key"`
	Doc *T     `json:"doc"`
}

// NewArangoRepository creates an ArangoDB-backed repository, ensuring the
// collections and indexes exist
func NewArangoRepository(db driver.Database) (*ArangoRepository, error) {
	repo := &ArangoRepository{db: db}
	if err := repo.ensureCollections(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure collections: %w", err)
	}
	return repo, nil
}

// ensureCollections creates collections and indexes if they don't exist
func (r *ArangoRepository) ensureCollections(ctx context.Context) error {
	for _, name := range []string{workflowsCollection, instancesCollection, snapshotsCollection, eventsCollection, humanTasksCollection} {
		exists, err := r.db.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check collection existence: %w", err)
		}
		if !exists {
			if _, err := r.db.CreateCollection(ctx, name, nil); err != nil {
				return fmt.Errorf("failed to create collection %s: %w", name, err)
			}
			log.WithField("collection", name).Info("Created collection")
		}
	}
	return r.ensureIndexes(ctx)
}

// ensureIndexes creates the instance-scoped, timestamp-ordered indexes used
// by snapshot and event queries
func (r *ArangoRepository) ensureIndexes(ctx context.Context) error {
	for _, name := range []string{snapshotsCollection, eventsCollection} {
		col, err := r.db.Collection(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to get collection %s: %w", name, err)
		}
		_, _, err = col.EnsurePersistentIndex(ctx, []string{"doc.instance_id", "doc.timestamp"}, &driver.EnsurePersistentIndexOptions{
			Name: "idx_" + name + "_instance_ts",
		})
		if err != nil {
			return fmt.Errorf("failed to create index on %s: %w", name, err)
		}
	}
	tasks, err := r.db.Collection(ctx, humanTasksCollection)
	if err != nil {
		return fmt.Errorf("failed to get collection %s: %w", humanTasksCollection, err)
	}
	_, _, err = tasks.EnsurePersistentIndex(ctx, []string{"doc.instance_id"}, &driver.EnsurePersistentIndexOptions{
		Name: "idx_human_tasks_instance",
	})
	if err != nil {
		return fmt.Errorf("failed to create human task index: %w", err)
	}
	return nil
}

// upsert writes a document idempotently on its key
func upsert[T any](ctx context.Context, db driver.Database, collection, key string, doc *T) error {
	col, err := db.Collection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}
	wrapped := arangoDoc[T]{Key: key, Doc: doc}

	exists, err := col.DocumentExists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check document existence: %w", err)
	}
	if exists {
		if _, err := col.ReplaceDocument(ctx, key, wrapped); err != nil {
			return fmt.Errorf("failed to replace document: %w", err)
		}
		return nil
	}
	if _, err := col.CreateDocument(ctx, wrapped); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// read loads a document by key
func read[T any](ctx context.Context, db driver.Database, collection, key string) (*T, error) {
	col, err := db.Collection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	var wrapped arangoDoc[T]
	if _, err := col.ReadDocument(ctx, key, &wrapped); err != nil {
		if driver.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return wrapped.Doc, nil
}

// remove deletes a document by key, tolerating absence
func remove(ctx context.Context, db driver.Database, collection, key string) error {
	col, err := db.Collection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}
	if _, err := col.RemoveDocument(ctx, key); err != nil && !driver.IsNotFound(err) {
		return fmt.Errorf("failed to remove document: %w", err)
	}
	return nil
}

// queryAll runs an AQL query and collects all documents
func queryAll[T any](ctx context.Context, db driver.Database, query string, bindVars map[string]interface{}) ([]*T, error) {
	cursor, err := db.Query(ctx, query, bindVars)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer cursor.Close()

	var out []*T
	for cursor.HasMore() {
		var wrapped arangoDoc[T]
		if _, err := cursor.ReadDocument(ctx, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to read query result: %w", err)
		}
		out = append(out, wrapped.Doc)
	}
	return out, nil
}

// PutWorkflow stores a workflow definition
func (r *ArangoRepository) PutWorkflow(ctx context.Context, defn *WorkflowDefinition) error {
	return upsert(ctx, r.db, workflowsCollection, defn.ID, defn)
}

// GetWorkflow retrieves a workflow definition by id
func (r *ArangoRepository) GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error) {
	return read[WorkflowDefinition](ctx, r.db, workflowsCollection, id)
}

// ListWorkflows returns all workflow definitions
func (r *ArangoRepository) ListWorkflows(ctx context.Context) ([]*WorkflowDefinition, error) {
	query := "FOR w IN " + workflowsCollection + " SORT w._key RETURN w"
	return queryAll[WorkflowDefinition](ctx, r.db, query, nil)
}

// DeleteWorkflow removes a workflow definition
func (r *ArangoRepository) DeleteWorkflow(ctx context.Context, id string) error {
	return remove(ctx, r.db, workflowsCollection, id)
}

// PutInstance stores a workflow instance
func (r *ArangoRepository) PutInstance(ctx context.Context, inst *WorkflowInstance) error {
	return upsert(ctx, r.db, instancesCollection, inst.ID, inst)
}

// GetInstance retrieves an instance by id
func (r *ArangoRepository) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	return read[WorkflowInstance](ctx, r.db, instancesCollection, id)
}

// ListInstances returns all instances
func (r *ArangoRepository) ListInstances(ctx context.Context) ([]*WorkflowInstance, error) {
	query := "FOR i IN " + instancesCollection + " SORT i._key RETURN i"
	return queryAll[WorkflowInstance](ctx, r.db, query, nil)
}

// DeleteInstance removes an instance
func (r *ArangoRepository) DeleteInstance(ctx context.Context, id string) error {
	return remove(ctx, r.db, instancesCollection, id)
}

// PutSnapshot stores a snapshot
func (r *ArangoRepository) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	return upsert(ctx, r.db, snapshotsCollection, snap.ID, snap)
}

// GetSnapshot returns the snapshot with the exact timestamp
func (r *ArangoRepository) GetSnapshot(ctx context.Context, instanceID string, at time.Time) (*Snapshot, error) {
	query := "FOR s IN " + snapshotsCollection + " FILTER s.doc.instance_id == @instance AND s.doc.timestamp == @at RETURN s"
	bindVars := map[string]interface{}{"instance": instanceID, "at": at.UTC().Format(time.RFC3339Nano)}
	snaps, err := queryAll[Snapshot](ctx, r.db, query, bindVars)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return snaps[0], nil
}

// LatestSnapshot returns the newest snapshot for an instance
func (r *ArangoRepository) LatestSnapshot(ctx context.Context, instanceID string) (*Snapshot, error) {
	query := "FOR s IN " + snapshotsCollection + " FILTER s.doc.instance_id == @instance SORT DATE_TIMESTAMP(s.doc.timestamp) DESC LIMIT 1 RETURN s"
	bindVars := map[string]interface{}{"instance": instanceID}
	snaps, err := queryAll[Snapshot](ctx, r.db, query, bindVars)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return snaps[0], nil
}

// ListSnapshots returns an instance's snapshots ordered by timestamp
func (r *ArangoRepository) ListSnapshots(ctx context.Context, instanceID string) ([]*Snapshot, error) {
	query := "FOR s IN " + snapshotsCollection + " FILTER s.doc.instance_id == @instance SORT DATE_TIMESTAMP(s.doc.timestamp) ASC RETURN s"
	bindVars := map[string]interface{}{"instance": instanceID}
	return queryAll[Snapshot](ctx, r.db, query, bindVars)
}

// DeleteSnapshots removes snapshots before the given time (all if nil)
func (r *ArangoRepository) DeleteSnapshots(ctx context.Context, instanceID string, before *time.Time) (int, error) {
	query := "FOR s IN " + snapshotsCollection + " FILTER s.doc.instance_id == @instance"
	bindVars := map[string]interface{}{"instance": instanceID}
	if before != nil {
		query += " FILTER DATE_TIMESTAMP(s.doc.timestamp) < DATE_TIMESTAMP(@before)"
		bindVars["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	query += " REMOVE s IN " + snapshotsCollection + " RETURN OLD"
	removed, err := queryAll[Snapshot](ctx, r.db, query, bindVars)
	if err != nil {
		return 0, err
	}
	return len(removed), nil
}

// AppendEvents stores events, deduplicating by event id
func (r *ArangoRepository) AppendEvents(ctx context.Context, events []*Event) error {
	col, err := r.db.Collection(ctx, eventsCollection)
	if err != nil {
		return fmt.Errorf("failed to get events collection: %w", err)
	}
	for _, e := range events {
		exists, err := col.DocumentExists(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("failed to check event existence: %w", err)
		}
		if exists {
			continue
		}
		if _, err := col.CreateDocument(ctx, arangoDoc[Event]{Key: e.ID, Doc: e}); err != nil {
			if driver.IsConflict(err) {
				continue
			}
			return fmt.Errorf("failed to append event %s: %w", e.ID, err)
		}
	}
	return nil
}

// GetEvents returns events for an instance after the given time, in
// timestamp order with ties broken by id
func (r *ArangoRepository) GetEvents(ctx context.Context, instanceID string, after *time.Time) ([]*Event, error) {
	query := "FOR e IN " + eventsCollection + " FILTER e.doc.instance_id == @instance"
	bindVars := map[string]interface{}{"instance": instanceID}
	if after != nil {
		query += " FILTER DATE_TIMESTAMP(e.doc.timestamp) > DATE_TIMESTAMP(@after)"
		bindVars["after"] = after.UTC().Format(time.RFC3339Nano)
	}
	query += " SORT DATE_TIMESTAMP(e.doc.timestamp) ASC, e._key ASC RETURN e"
	return queryAll[Event](ctx, r.db, query, bindVars)
}

// DeleteEvents removes events before the given time (all if nil)
func (r *ArangoRepository) DeleteEvents(ctx context.Context, instanceID string, before *time.Time) (int, error) {
	query := "FOR e IN " + eventsCollection + " FILTER e.doc.instance_id == @instance"
	bindVars := map[string]interface{}{"instance": instanceID}
	if before != nil {
		query += " FILTER DATE_TIMESTAMP(e.doc.timestamp) < DATE_TIMESTAMP(@before)"
		bindVars["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	query += " REMOVE e IN " + eventsCollection + " RETURN OLD"
	removed, err := queryAll[Event](ctx, r.db, query, bindVars)
	if err != nil {
		return 0, err
	}
	return len(removed), nil
}

// PutHumanTask stores a human task
func (r *ArangoRepository) PutHumanTask(ctx context.Context, task *HumanTask) error {
	return upsert(ctx, r.db, humanTasksCollection, task.ID, task)
}

// GetHumanTask retrieves a human task by id
func (r *ArangoRepository) GetHumanTask(ctx context.Context, id string) (*HumanTask, error) {
	return read[HumanTask](ctx, r.db, humanTasksCollection, id)
}

// ListHumanTasks returns human tasks, optionally filtered by instance
func (r *ArangoRepository) ListHumanTasks(ctx context.Context, instanceID string) ([]*HumanTask, error) {
	query := "FOR t IN " + humanTasksCollection
	bindVars := map[string]interface{}{}
	if instanceID != "" {
		query += " FILTER t.doc.instance_id == @instance"
		bindVars["instance"] = instanceID
	}
	query += " SORT t._key RETURN t"
	return queryAll[HumanTask](ctx, r.db, query, bindVars)
}

// Close releases nothing; the database client is owned by the caller
func (r *ArangoRepository) Close() error {
	return nil
}
