package hive

import (
	"strings"
	"sync"

	"github.com/aosanya/HiveCortex/internal/agent"
	"github.com/aosanya/HiveCortex/internal/team"
)

const (
	// defaultSuccessRate is assumed for agents with no history
	defaultSuccessRate = 0.8

	// successRateAlpha is the EWMA smoothing factor for outcome history
	successRateAlpha = 0.3
)

// scoring weights per candidate: capability match, historical success,
// inverse workload, and domain-affinity heuristic
const (
	weightCapability = 0.40
	weightHistory    = 0.30
	weightWorkload   = 0.20
	weightAffinity   = 0.10
)

// domainAffinities weights agent types toward description keywords
var domainAffinities = map[agent.Type][]string{
	agent.TypeCoder:      {"implement", "build", "code", "api", "service", "refactor"},
	agent.TypeResearcher: {"research", "survey", "explore", "investigate"},
	agent.TypeAnalyst:    {"analyze", "analysis", "data", "metrics", "report"},
	agent.TypeArchitect:  {"design", "architecture", "plan"},
	agent.TypeTester:     {"test", "verify", "validate", "quality"},
	agent.TypeReviewer:   {"review", "audit", "inspect"},
	agent.TypeOptimizer:  {"optimize", "performance", "tune"},
	agent.TypeDocumenter: {"document", "docs", "guide", "manual"},
	agent.TypeMonitor:    {"monitor", "observe", "watch", "alert"},
}

// Scorer ranks candidate agents for tasks, tracking per-agent success
// history as a bounded EWMA
type Scorer struct {
	mu      sync.RWMutex
	history map[string]float64 // agent key -> success rate EWMA
}

// NewScorer creates an empty scorer
func NewScorer() *Scorer {
	return &Scorer{history: make(map[string]float64)}
}

// RecordOutcome folds one task outcome into the agent's success EWMA
func (s *Scorer) RecordOutcome(agentKey string, success bool) {
	v := 0.0
	if success {
		v = 1.0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate, ok := s.history[agentKey]; ok {
		s.history[agentKey] = rate*(1-successRateAlpha) + v*successRateAlpha
	} else {
		s.history[agentKey] = defaultSuccessRate*(1-successRateAlpha) + v*successRateAlpha
	}
}

// SuccessRate returns the agent's success EWMA, defaulting for unknowns
func (s *Scorer) SuccessRate(agentKey string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate, ok := s.history[agentKey]; ok {
		return rate
	}
	return defaultSuccessRate
}

// Score ranks one candidate for a task:
// 40% capability match, 30% historical success rate, 20% (1 - workload),
// 10% domain keyword affinity for the agent type.
func (s *Scorer) Score(profile agent.Profile, task *team.Task) float64 {
	capScore := 0.5
	if len(task.RequiredCapabilities) > 0 {
		matched := 0
		for _, req := range task.RequiredCapabilities {
			if _, ok := profile.Capabilities[req]; ok {
				matched++
			}
		}
		capScore = float64(matched) / float64(len(task.RequiredCapabilities))
	}

	history := s.SuccessRate(profile.ID.Key())
	workload := 1 - profile.Workload/100

	affinity := 0.0
	if keywords, ok := domainAffinities[profile.Type]; ok {
		desc := strings.ToLower(task.Description)
		for _, kw := range keywords {
			if strings.Contains(desc, kw) {
				affinity = 1.0
				break
			}
		}
	}
	if task.Type != "" && string(profile.Type) == task.Type {
		affinity = 1.0
	}

	return weightCapability*capScore + weightHistory*history + weightWorkload*workload + weightAffinity*affinity
}

// Best returns the highest-scoring available profile for a task, or nil.
// Offline and unresponsive agents are never candidates.
func (s *Scorer) Best(profiles []agent.Profile, task *team.Task, exclude map[string]bool) *agent.Profile {
	var best *agent.Profile
	bestScore := -1.0
	for i := range profiles {
		p := profiles[i]
		key := p.ID.Key()
		if exclude[key] {
			continue
		}
		if p.State == agent.StateOffline || p.State == agent.StateUnresponsive {
			continue
		}
		if score := s.Score(p, task); score > bestScore {
			best, bestScore = &profiles[i], score
		}
	}
	return best
}
