package team

import (
	"time"

	"github.com/aosanya/HiveCortex/internal/agent"
	"github.com/aosanya/HiveCortex/internal/identity"
)

// Formation is the coordination pattern over a team
type Formation string

const (
	// FormationHierarchical routes complex work through the leader
	FormationHierarchical Formation = "hierarchical"
	// FormationFlat assigns peers directly by capability score
	FormationFlat Formation = "flat"
	// FormationMatrix splits multi-capability goals per capability
	FormationMatrix Formation = "matrix"
	// FormationDynamic dispatches to the least-loaded capable agent
	FormationDynamic Formation = "dynamic"
)

// Status represents the team lifecycle state
type Status string

const (
	// StatusForming indicates the team is being assembled
	StatusForming Status = "forming"
	// StatusActive indicates the team is ready for goals
	StatusActive Status = "active"
	// StatusExecuting indicates the team is working on goals
	StatusExecuting Status = "executing"
	// StatusDisbanded indicates the team has been dissolved
	StatusDisbanded Status = "disbanded"
)

// Team groups agents under a leader for shared goals
type Team struct {
	// ID is the unique team identifier
	ID string `json:"id"`

	// Name is a human-readable team name
	Name string `json:"name"`

	// Leader is the coordinating member; always present in Members
	Leader identity.AgentID `json:"leader"`

	// Members is the ordered member list
	Members []identity.AgentID `json:"members"`

	// Goals are the goals assigned to the team
	Goals []*Goal `json:"goals,omitempty"`

	// Formation is the current coordination pattern
	Formation Formation `json:"formation"`

	// Status is the team lifecycle state
	Status Status `json:"status"`

	// CreatedAt is when the team was created
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether the agent is a member of the team
func (t *Team) HasMember(id identity.AgentID) bool {
	for _, m := range t.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Goal is a user-supplied work item that decomposes into tasks
type Goal struct {
	// ID is the unique goal identifier
	ID string `json:"id"`

	// Description is the work requested
	Description string `json:"description"`

	// Type tags the goal domain (development, analysis, research, ...)
	Type string `json:"type,omitempty"`

	// Priority orders goals relative to each other
	Priority int `json:"priority"`

	// Constraints restrict how the goal may be pursued
	Constraints []string `json:"constraints,omitempty"`

	// SubGoals decompose the goal further
	SubGoals []*Goal `json:"sub_goals,omitempty"`

	// Dependencies lists goal ids that must complete first
	Dependencies []string `json:"dependencies,omitempty"`

	// Deadline bounds completion; nil means no deadline
	Deadline *time.Time `json:"deadline,omitempty"`

	// Metadata carries free-form annotations
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the goal was created
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatus represents the state of a task in its lattice:
// created -> pending -> assigned -> in_progress -> {completed, failed, cancelled}
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a unit of work assigned to agents. Terminal states are immutable;
// re-execution creates a new task referencing the original via RetryOf.
type Task struct {
	// ID is the unique task identifier
	ID string `json:"id"`

	// GoalID links the task to the goal it decomposed from
	GoalID string `json:"goal_id,omitempty"`

	// TeamID links the task to the executing team, if any
	TeamID string `json:"team_id,omitempty"`

	// Description is the work to perform
	Description string `json:"description"`

	// Type tags the kind of work (mirrors agent types)
	Type string `json:"type,omitempty"`

	// Priority orders tasks relative to each other
	Priority int `json:"priority"`

	// Status is the current task state
	Status TaskStatus `json:"status"`

	// Dependencies lists task ids that must complete first
	Dependencies []string `json:"dependencies,omitempty"`

	// RequiredCapabilities lists capabilities needed to execute
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// AssignedAgents is the current assignment set; at most one active set
	// exists for a non-terminal task
	AssignedAgents []identity.AgentID `json:"assigned_agents,omitempty"`

	// Deadline bounds completion; nil means no deadline
	Deadline *time.Time `json:"deadline,omitempty"`

	// Timeout bounds a single execution attempt
	Timeout time.Duration `json:"timeout,omitempty"`

	// Progress is the completion percentage in [0,100]
	Progress float64 `json:"progress"`

	// Retries counts re-execution attempts so far
	Retries int `json:"retries"`

	// RetryOf references the task this one retries, if any
	RetryOf string `json:"retry_of,omitempty"`

	// Metadata carries free-form annotations (cause chains, notes)
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the task was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task last changed
	UpdatedAt time.Time `json:"updated_at"`

	// LastProgressAt is when the last progress update arrived
	LastProgressAt time.Time `json:"last_progress_at,omitempty"`
}

// MemberInfo is the coordinator's transient view of a team member
type MemberInfo struct {
	// Profile is the agent's current profile snapshot
	Profile agent.Profile

	// CompletedTasks is the agent's completion count (tie-breaker)
	CompletedTasks int64

	// RegistrationIndex orders agents by registration (final tie-breaker)
	RegistrationIndex int
}

// StrategyContext is the input to strategy evaluation and assignment
type StrategyContext struct {
	// Team is the team under consideration
	Team *Team

	// Goal is the goal being coordinated (nil for pure evaluation)
	Goal *Goal

	// Members are the member views, in team member order
	Members []*MemberInfo

	// Environment carries evaluation inputs (metrics, load factors)
	Environment map[string]float64
}

// UniqueCapabilities returns the number of distinct capabilities across
// the team's members
func (c *StrategyContext) UniqueCapabilities() int {
	seen := make(map[string]bool)
	for _, m := range c.Members {
		for name := range m.Profile.Capabilities {
			seen[name] = true
		}
	}
	return len(seen)
}

// Strategy is a scorable coordination policy. Evaluate returns a score in
// [0,1]; the coordinator picks the highest-scoring strategy and uses its
// Assign plan to distribute tasks over members.
type Strategy interface {
	// Formation returns the formation this strategy implements
	Formation() Formation

	// Evaluate scores the strategy for the given context
	Evaluate(ctx *StrategyContext) float64

	// Assign distributes tasks over members, returning agent key -> tasks
	Assign(ctx *StrategyContext, tasks []*Task) map[string][]*Task
}

// TeamMetrics aggregates the signals reformation decisions use
type TeamMetrics struct {
	// CompletionRate is completed / total tasks in [0,1]
	CompletionRate float64 `json:"completion_rate"`

	// AvgResponseTime is the bus EWMA for request/response pairs
	AvgResponseTime time.Duration `json:"avg_response_time"`

	// ErrorRate is failed / total tasks in [0,1]
	ErrorRate float64 `json:"error_rate"`

	// WorkloadBalance is 1 - stddev(workloads)/50, clamped to [0,1]
	WorkloadBalance float64 `json:"workload_balance"`

	// CollaborationScore reflects bus traffic health in [0,1]
	CollaborationScore float64 `json:"collaboration_score"`
}
