package hive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/team"
)

// planStep is one step of a domain decomposition template
type planStep struct {
	name      string
	taskType  string
	dependsOn []int // indexes of earlier steps
}

// domainPlans are the ordered task templates per decomposition strategy
var domainPlans = map[DecompositionStrategy][]planStep{
	StrategyDevelopment: {
		{name: "design", taskType: "architect"},
		{name: "implement", taskType: "coder", dependsOn: []int{0}},
		{name: "test", taskType: "tester", dependsOn: []int{1}},
		{name: "document", taskType: "documenter", dependsOn: []int{1}},
	},
	StrategyAnalysis: {
		{name: "gather data", taskType: "researcher"},
		{name: "analyze", taskType: "analyst", dependsOn: []int{0}},
		{name: "report findings", taskType: "documenter", dependsOn: []int{1}},
	},
	StrategyResearch: {
		{name: "survey existing work", taskType: "researcher"},
		{name: "investigate", taskType: "researcher", dependsOn: []int{0}},
		{name: "synthesize conclusions", taskType: "analyst", dependsOn: []int{1}},
	},
}

// autoPatterns route auto-strategy objectives to a domain plan
var autoPatterns = []struct {
	pattern  *regexp.Regexp
	strategy DecompositionStrategy
}{
	{regexp.MustCompile(`(?i)\b(build|implement|develop|code|program|refactor|api|service)\b`), StrategyDevelopment},
	{regexp.MustCompile(`(?i)\b(analy[sz]e|investigate|metrics|report|data)\b`), StrategyAnalysis},
	{regexp.MustCompile(`(?i)\b(research|survey|explore|compare|study)\b`), StrategyResearch},
}

// Decomposer turns objectives into dependency-ordered task sets, caching
// results by hash(description || strategy) with a bounded TTL.
type Decomposer struct {
	cache *expirable.LRU[string, []*team.Task]
}

// NewDecomposer creates a decomposer with the given cache bounds
func NewDecomposer(cacheSize int, ttl time.Duration) *Decomposer {
	return &Decomposer{
		cache: expirable.NewLRU[string, []*team.Task](cacheSize, nil, ttl),
	}
}

// cacheKey hashes the decomposition inputs
func cacheKey(description string, strategy DecompositionStrategy) string {
	sum := sha256.Sum256([]byte(description + "\x00" + string(strategy)))
	return hex.EncodeToString(sum[:])
}

// Decompose produces the task set for an objective. Results are cached;
// Invalidate drops the entry on explicit retry.
func (d *Decomposer) Decompose(obj *Objective) []*team.Task {
	key := cacheKey(obj.Description, obj.Strategy)
	if cached, ok := d.cache.Get(key); ok {
		log.WithField("objective", obj.ID).Debug("Decomposition cache hit")
		return cloneTasks(cached, obj)
	}

	strategy := obj.Strategy
	if strategy == StrategyAuto || strategy == "" {
		strategy = detectStrategy(obj.Description)
	}

	plan, ok := domainPlans[strategy]
	if !ok {
		plan = canonicalPlan
	}

	tasks := make([]*team.Task, 0, len(plan))
	now := time.Now().UTC()
	for i, step := range plan {
		task := &team.Task{
			ID:                   fmt.Sprintf("%s-step-%d", obj.ID, i),
			GoalID:               obj.ID,
			Description:          fmt.Sprintf("%s: %s", step.name, obj.Description),
			Type:                 step.taskType,
			Priority:             obj.Priority,
			Status:               team.TaskStatusCreated,
			RequiredCapabilities: team.RequiredCapabilities(step.name + " " + obj.Description),
			Timeout:              obj.Timeout,
			Metadata:             map[string]string{"step": step.name, "strategy": string(strategy)},
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		for _, dep := range step.dependsOn {
			task.Dependencies = append(task.Dependencies, fmt.Sprintf("%s-step-%d", obj.ID, dep))
		}
		tasks = append(tasks, task)
	}

	d.cache.Add(key, tasks)
	return cloneTasks(tasks, obj)
}

// canonicalPlan is the 3-phase fallback: analysis -> implementation ->
// testing/documentation
var canonicalPlan = []planStep{
	{name: "analysis", taskType: "analyst"},
	{name: "implementation", taskType: "coder", dependsOn: []int{0}},
	{name: "testing and documentation", taskType: "tester", dependsOn: []int{1}},
}

// detectStrategy matches the description against the auto patterns; the
// canonical plan handles everything unmatched
func detectStrategy(description string) DecompositionStrategy {
	for _, p := range autoPatterns {
		if p.pattern.MatchString(description) {
			return p.strategy
		}
	}
	return StrategyAuto
}

// Invalidate drops the cached decomposition for an objective (explicit retry)
func (d *Decomposer) Invalidate(description string, strategy DecompositionStrategy) {
	d.cache.Remove(cacheKey(description, strategy))
}

// cloneTasks deep-copies cached tasks so callers can mutate them; ids are
// rewritten when the cached entry belongs to a different objective
func cloneTasks(tasks []*team.Task, obj *Objective) []*team.Task {
	out := make([]*team.Task, 0, len(tasks))
	for _, t := range tasks {
		cp := *t
		cp.ID = rewriteID(t.ID, obj.ID)
		cp.GoalID = obj.ID
		cp.Timeout = obj.Timeout
		cp.Priority = obj.Priority
		cp.Dependencies = make([]string, len(t.Dependencies))
		for i, dep := range t.Dependencies {
			cp.Dependencies[i] = rewriteID(dep, obj.ID)
		}
		cp.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
		out = append(out, &cp)
	}
	return out
}

// rewriteID swaps the objective prefix of a cached task id
func rewriteID(taskID, objectiveID string) string {
	idx := strings.LastIndex(taskID, "-step-")
	if idx < 0 {
		return taskID
	}
	return objectiveID + taskID[idx:]
}
