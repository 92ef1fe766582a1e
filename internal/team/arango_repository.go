package team

import (
	"context"
	"fmt"

	"github.com/arangodb/go-driver"
	log "github.com/sirupsen/logrus"
)

const (
	teamsCollection = "teams"
	tasksCollection = "tasks"
)

// ArangoRepository implements Repository using ArangoDB
type ArangoRepository struct {
	db driver.Database
}

// teamDoc wraps a team with the ArangoDB document key
type teamDoc struct {
	Key string `json:"_key"`
	Doc *Team  `json:"doc"`
}

// taskDoc wraps a task with the ArangoDB document key
type taskDoc struct {
	Key string `json:"_key"`
	Doc *Task  `json:"doc"`
}

// NewArangoRepository creates an ArangoDB-backed repository, ensuring the
// collections exist
func NewArangoRepository(db driver.Database) (*ArangoRepository, error) {
	r := &ArangoRepository{db: db}
	ctx := context.Background()
	for _, name := range []string{teamsCollection, tasksCollection} {
		exists, err := db.CollectionExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to check collection existence: %w", err)
		}
		if !exists {
			if _, err := db.CreateCollection(ctx, name, nil); err != nil {
				return nil, fmt.Errorf("failed to create collection %s: %w", name, err)
			}
			log.WithField("collection", name).Info("Created collection")
		}
	}

	tasks, err := db.Collection(ctx, tasksCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to get tasks collection: %w", err)
	}
	_, _, err = tasks.EnsurePersistentIndex(ctx, []string{"doc.goal_id"}, &driver.EnsurePersistentIndexOptions{
		Name: "idx_tasks_goal_id",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create goal_id index: %w", err)
	}
	_, _, err = tasks.EnsurePersistentIndex(ctx, []string{"doc.team_id"}, &driver.EnsurePersistentIndexOptions{
		Name: "idx_tasks_team_id",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create team_id index: %w", err)
	}

	return r, nil
}

// put writes a document idempotently on its key
func (r *ArangoRepository) put(ctx context.Context, collection, key string, doc interface{}) error {
	col, err := r.db.Collection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}
	exists, err := col.DocumentExists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check document existence: %w", err)
	}
	if exists {
		if _, err := col.ReplaceDocument(ctx, key, doc); err != nil {
			return fmt.Errorf("failed to replace document: %w", err)
		}
		return nil
	}
	if _, err := col.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// PutTeam stores a team record
func (r *ArangoRepository) PutTeam(ctx context.Context, t *Team) error {
	return r.put(ctx, teamsCollection, t.ID, teamDoc{Key: t.ID, Doc: t})
}

// GetTeam retrieves a team by id
func (r *ArangoRepository) GetTeam(ctx context.Context, id string) (*Team, error) {
	col, err := r.db.Collection(ctx, teamsCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	var doc teamDoc
	if _, err := col.ReadDocument(ctx, id, &doc); err != nil {
		if driver.IsNotFound(err) {
			return nil, ErrTeamNotFound
		}
		return nil, fmt.Errorf("failed to read team: %w", err)
	}
	return doc.Doc, nil
}

// ListTeams returns all team records
func (r *ArangoRepository) ListTeams(ctx context.Context) ([]*Team, error) {
	cursor, err := r.db.Query(ctx, "FOR t IN "+teamsCollection+" SORT t._key RETURN t", nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer cursor.Close()

	var out []*Team
	for cursor.HasMore() {
		var doc teamDoc
		if _, err := cursor.ReadDocument(ctx, &doc); err != nil {
			return nil, fmt.Errorf("failed to read query result: %w", err)
		}
		out = append(out, doc.Doc)
	}
	return out, nil
}

// DeleteTeam removes a team record, tolerating absence
func (r *ArangoRepository) DeleteTeam(ctx context.Context, id string) error {
	col, err := r.db.Collection(ctx, teamsCollection)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}
	if _, err := col.RemoveDocument(ctx, id); err != nil && !driver.IsNotFound(err) {
		return fmt.Errorf("failed to remove team: %w", err)
	}
	return nil
}

// PutTask stores a task record
func (r *ArangoRepository) PutTask(ctx context.Context, task *Task) error {
	return r.put(ctx, tasksCollection, task.ID, taskDoc{Key: task.ID, Doc: task})
}

// GetTask retrieves a task by id
func (r *ArangoRepository) GetTask(ctx context.Context, id string) (*Task, error) {
	col, err := r.db.Collection(ctx, tasksCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	var doc taskDoc
	if _, err := col.ReadDocument(ctx, id, &doc); err != nil {
		if driver.IsNotFound(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	return doc.Doc, nil
}

// ListTasks returns tasks matching the filter
func (r *ArangoRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := "FOR t IN " + tasksCollection
	bindVars := map[string]interface{}{}
	if filter.GoalID != "" {
		query += " FILTER t.doc.goal_id == @goal"
		bindVars["goal"] = filter.GoalID
	}
	if filter.TeamID != "" {
		query += " FILTER t.doc.team_id == @team"
		bindVars["team"] = filter.TeamID
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		query += " FILTER t.doc.status IN @statuses"
		bindVars["statuses"] = statuses
	}
	query += " SORT t._key RETURN t"

	cursor, err := r.db.Query(ctx, query, bindVars)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer cursor.Close()

	var out []*Task
	for cursor.HasMore() {
		var doc taskDoc
		if _, err := cursor.ReadDocument(ctx, &doc); err != nil {
			return nil, fmt.Errorf("failed to read query result: %w", err)
		}
		out = append(out, doc.Doc)
	}
	return out, nil
}
