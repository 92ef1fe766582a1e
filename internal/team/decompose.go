package team

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aosanya/HiveCortex/internal/identity"
)

// complexityVerbs are the description terms that raise goal complexity
var complexityVerbs = []string{
	"analyze", "research", "design", "implement",
	"optimize", "integrate", "coordinate", "synthesize",
}

// phaseNames are the sequential phases complex goals split into
var phaseNames = []string{"research", "design", "implement", "test"}

// phaseTypes maps a phase to the agent type best suited to it
var phaseTypes = map[string]string{
	"research":  "researcher",
	"design":    "architect",
	"implement": "coder",
	"test":      "tester",
}

// concerns are the orthogonal axes simple goals split along
var concerns = []struct {
	name     string
	keywords []string
	taskType string
}{
	{"data", []string{"data", "database", "storage", "pipeline"}, "analyst"},
	{"ui", []string{"ui", "frontend", "interface", "design"}, "coder"},
	{"backend", []string{"backend", "api", "server", "service"}, "coder"},
	{"documentation", []string{"document", "docs", "guide", "manual"}, "documenter"},
}

// capabilityTable maps description keywords to required capability sets
var capabilityTable = []struct {
	keyword      string
	capabilities []string
}{
	{"code", []string{"programming"}},
	{"implement", []string{"programming"}},
	{"develop", []string{"programming"}},
	{"ui", []string{"ui_design", "frontend_development"}},
	{"frontend", []string{"ui_design", "frontend_development"}},
	{"backend", []string{"backend_development"}},
	{"api", []string{"backend_development"}},
	{"test", []string{"testing", "quality_assurance"}},
	{"research", []string{"research"}},
	{"analyze", []string{"analysis"}},
	{"analysis", []string{"analysis"}},
	{"design", []string{"system_design"}},
	{"architect", []string{"architecture"}},
	{"document", []string{"documentation"}},
	{"data", []string{"data_processing"}},
	{"optimize", []string{"optimization"}},
	{"deploy", []string{"deployment"}},
}

// GoalComplexity computes the normalized complexity of a goal in [0,1]:
// keyword hits plus 0.05 per constraint, 0.1 per sub-goal, and 0.05 per
// dependency. Pure function of the goal's description and metadata, so
// decomposition stays idempotent on the same input.
func GoalComplexity(g *Goal) float64 {
	desc := strings.ToLower(g.Description)
	score := 0.0
	for _, verb := range complexityVerbs {
		score += 0.15 * float64(strings.Count(desc, verb))
	}
	score += 0.05 * float64(len(g.Constraints))
	score += 0.1 * float64(len(g.SubGoals))
	score += 0.05 * float64(len(g.Dependencies))
	if score > 1 {
		score = 1
	}
	return score
}

// RawComplexity is the unnormalized complexity used by strategy thresholds
// (hierarchical favors raw complexity > 10, flat favors <= 5)
func RawComplexity(g *Goal) float64 {
	desc := strings.ToLower(g.Description)
	score := 0.0
	for _, verb := range complexityVerbs {
		score += 3 * float64(strings.Count(desc, verb))
	}
	score += float64(len(g.Constraints))
	score += 2 * float64(len(g.SubGoals))
	score += float64(len(g.Dependencies))
	score += float64(len(strings.Fields(desc))) / 10
	return score
}

// RequiredCapabilities extracts the capability set a description demands
// using the fixed keyword table. The result is sorted and de-duplicated.
func RequiredCapabilities(description string) []string {
	desc := strings.ToLower(description)
	seen := make(map[string]bool)
	for _, entry := range capabilityTable {
		if strings.Contains(desc, entry.keyword) {
			for _, c := range entry.capabilities {
				seen[c] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Decompose splits a goal into tasks. Goals above the complexity threshold
// split into sequential phases (research -> design -> implement -> test),
// each depending on the previous; simpler goals split into parallel tasks
// along orthogonal concerns. An empty or unmatched description yields a
// single task equal to the goal.
//
// Task ids are derived from the goal id and task position so the function
// is idempotent on the same input.
func Decompose(g *Goal) []*Task {
	if g.ID == "" {
		g.ID = identity.NewGoalID()
	}
	now := time.Now().UTC()
	desc := strings.ToLower(g.Description)

	if GoalComplexity(g) > 0.7 {
		// Phase split; if no phase verb appears the goal stays whole.
		matched := false
		for _, verb := range complexityVerbs {
			if strings.Contains(desc, verb) {
				matched = true
				break
			}
		}
		if matched {
			tasks := make([]*Task, 0, len(phaseNames))
			for i, phase := range phaseNames {
				task := &Task{
					ID:                   fmt.Sprintf("%s-phase-%d", g.ID, i),
					GoalID:               g.ID,
					Description:          fmt.Sprintf("%s: %s", phase, g.Description),
					Type:                 phaseTypes[phase],
					Priority:             g.Priority,
					Status:               TaskStatusCreated,
					RequiredCapabilities: RequiredCapabilities(phase + " " + g.Description),
					Metadata:             map[string]string{"phase": phase},
					CreatedAt:            now,
					UpdatedAt:            now,
				}
				if i > 0 {
					task.Dependencies = []string{fmt.Sprintf("%s-phase-%d", g.ID, i-1)}
				}
				tasks = append(tasks, task)
			}
			return tasks
		}
	}

	// Parallel split along orthogonal concerns.
	var tasks []*Task
	for _, concern := range concerns {
		hit := false
		for _, kw := range concern.keywords {
			if strings.Contains(desc, kw) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		tasks = append(tasks, &Task{
			ID:                   fmt.Sprintf("%s-%s", g.ID, concern.name),
			GoalID:               g.ID,
			Description:          fmt.Sprintf("%s (%s)", g.Description, concern.name),
			Type:                 concern.taskType,
			Priority:             g.Priority,
			Status:               TaskStatusCreated,
			RequiredCapabilities: RequiredCapabilities(concern.name + " " + g.Description),
			Metadata:             map[string]string{"concern": concern.name},
			CreatedAt:            now,
			UpdatedAt:            now,
		})
	}

	if len(tasks) == 0 {
		// Boundary: empty or unmatched description becomes a single task.
		tasks = append(tasks, &Task{
			ID:                   g.ID + "-task-0",
			GoalID:               g.ID,
			Description:          g.Description,
			Type:                 g.Type,
			Priority:             g.Priority,
			Status:               TaskStatusCreated,
			RequiredCapabilities: RequiredCapabilities(g.Description),
			CreatedAt:            now,
			UpdatedAt:            now,
		})
	}
	return tasks
}
