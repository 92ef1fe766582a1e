package team

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Repository persists team and task records. Writes are idempotent on the
// record's primary key.
type Repository interface {
	// Teams
	PutTeam(ctx context.Context, t *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	ListTeams(ctx context.Context) ([]*Team, error)
	DeleteTeam(ctx context.Context, id string) error

	// Tasks
	PutTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
}

// TaskFilter narrows task listings
type TaskFilter struct {
	// GoalID filters by originating goal
	GoalID string

	// TeamID filters by executing team
	TeamID string

	// Status filters by task status (empty matches all)
	Status []TaskStatus
}

// matches reports whether a task passes the filter
func (f TaskFilter) matches(t *Task) bool {
	if f.GoalID != "" && t.GoalID != f.GoalID {
		return false
	}
	if f.TeamID != "" && t.TeamID != f.TeamID {
		return false
	}
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// MemoryRepository is an in-memory Repository for tests and non-durable
// deployments
type MemoryRepository struct {
	mu    sync.RWMutex
	teams map[string]*Team
	tasks map[string]*Task
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		teams: make(map[string]*Team),
		tasks: make(map[string]*Task),
	}
}

// cloneRecord deep-copies a record through JSON
func cloneRecord[T any](v *T) *T {
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

// PutTeam stores a team record
func (r *MemoryRepository) PutTeam(ctx context.Context, t *Team) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams[t.ID] = cloneRecord(t)
	return nil
}

// GetTeam retrieves a team by id
func (r *MemoryRepository) GetTeam(ctx context.Context, id string) (*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[id]
	if !ok {
		return nil, ErrTeamNotFound
	}
	return cloneRecord(t), nil
}

// ListTeams returns all team records
func (r *MemoryRepository) ListTeams(ctx context.Context) ([]*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Team, 0, len(r.teams))
	for _, t := range r.teams {
		out = append(out, cloneRecord(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteTeam removes a team record
func (r *MemoryRepository) DeleteTeam(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.teams, id)
	return nil
}

// PutTask stores a task record
func (r *MemoryRepository) PutTask(ctx context.Context, task *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = cloneRecord(task)
	return nil
}

// GetTask retrieves a task by id
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneRecord(t), nil
}

// ListTasks returns tasks matching the filter
func (r *MemoryRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for _, t := range r.tasks {
		if filter.matches(t) {
			out = append(out, cloneRecord(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
