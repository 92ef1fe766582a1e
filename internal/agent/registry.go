package agent

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/identity"
)

// Registry tracks every agent runtime hosted by the process. The team
// coordinator and scheduler consult it for profiles, workloads, and rolling
// counters; they never hold agent pointers across calls.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Runtime
	order  []string // registration order, for deterministic tie-breaks
}

// NewRegistry creates an empty agent registry
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Runtime)}
}

// Add registers a runtime; replacing an existing key is not permitted
func (r *Registry) Add(rt *Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rt.ID().Key()
	if _, exists := r.agents[key]; exists {
		return ErrAlreadyRunning
	}
	r.agents[key] = rt
	r.order = append(r.order, key)
	log.WithField("agent", key).Debug("Agent added to registry")
	return nil
}

// Remove drops a runtime from the registry
func (r *Registry) Remove(id identity.AgentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := id.Key()
	delete(r.agents, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the runtime for an agent key, or nil
func (r *Registry) Get(key string) *Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[key]
}

// List returns all runtimes in registration order
func (r *Registry) List() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Runtime, 0, len(r.agents))
	for _, key := range r.order {
		if rt, ok := r.agents[key]; ok {
			out = append(out, rt)
		}
	}
	return out
}

// Profiles returns a snapshot of every registered agent's profile in
// registration order
func (r *Registry) Profiles() []Profile {
	runtimes := r.List()
	out := make([]Profile, 0, len(runtimes))
	for _, rt := range runtimes {
		out = append(out, rt.Profile())
	}
	return out
}

// RegistrationIndex returns the position of an agent in registration order,
// or the number of agents if unknown (sorts unknowns last)
func (r *Registry) RegistrationIndex(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, k := range r.order {
		if k == key {
			return i
		}
	}
	return len(r.order)
}

// CompletedTasks returns the number of tasks an agent has completed
func (r *Registry) CompletedTasks(key string) int64 {
	rt := r.Get(key)
	if rt == nil {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.metrics.TasksCompleted
}

// MarkUnresponsive flags agents whose heartbeat is older than the bound.
// Returns the keys newly marked; the scheduler treats them as offline.
func (r *Registry) MarkUnresponsive(bound time.Duration) []string {
	var marked []string
	now := time.Now().UTC()
	for _, rt := range r.List() {
		rt.mu.Lock()
		last := rt.profile.LastHeartbeat
		state := rt.profile.State
		if last.IsZero() {
			last = rt.profile.RegisteredAt
		}
		if state != StateOffline && state != StateUnresponsive && now.Sub(last) > bound {
			rt.profile.State = StateUnresponsive
			marked = append(marked, rt.profile.ID.Key())
		}
		rt.mu.Unlock()
	}
	sort.Strings(marked)
	if len(marked) > 0 {
		log.WithField("agents", marked).Warn("Agents marked unresponsive")
	}
	return marked
}
