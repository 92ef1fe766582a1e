package agent

import (
	"time"

	"github.com/aosanya/HiveCortex/internal/identity"
)

// Type tags the role an agent plays in the swarm
type Type string

const (
	TypeCoordinator Type = "coordinator"
	TypeResearcher  Type = "researcher"
	TypeCoder       Type = "coder"
	TypeAnalyst     Type = "analyst"
	TypeArchitect   Type = "architect"
	TypeTester      Type = "tester"
	TypeReviewer    Type = "reviewer"
	TypeOptimizer   Type = "optimizer"
	TypeDocumenter  Type = "documenter"
	TypeMonitor     Type = "monitor"
	TypeSpecialist  Type = "specialist"
)

// State represents the lifecycle state of an agent
type State string

const (
	// StateIdle indicates the agent is registered and waiting for work
	StateIdle State = "idle"
	// StateActive indicates the agent is processing non-task messages
	StateActive State = "active"
	// StateBusy indicates the agent is executing an assigned task
	StateBusy State = "busy"
	// StateError indicates the agent's last execution failed
	StateError State = "error"
	// StateOffline indicates the agent has stopped or been deregistered
	StateOffline State = "offline"
	// StateUnresponsive indicates heartbeats have been missed past the bound
	StateUnresponsive State = "unresponsive"
)

// Capability pairs a skill name with a proficiency level
type Capability struct {
	// Name identifies the skill (e.g. "programming", "testing")
	Name string `json:"name"`

	// Proficiency in [0,1]
	Proficiency float64 `json:"proficiency"`
}

// Profile describes an agent to the rest of the runtime
type Profile struct {
	// ID is the agent's bus address
	ID identity.AgentID `json:"id"`

	// Name is a human-readable agent name
	Name string `json:"name"`

	// Type tags the agent role
	Type Type `json:"type"`

	// Capabilities maps capability name to proficiency in [0,1]
	Capabilities map[string]float64 `json:"capabilities"`

	// State is the current lifecycle state
	State State `json:"state"`

	// Workload is the agent-reported load scalar in [0,100]
	Workload float64 `json:"workload"`

	// RegisteredAt is when the agent joined the runtime
	RegisteredAt time.Time `json:"registered_at"`

	// LastHeartbeat is the timestamp of the last heartbeat INFORM
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HasCapability reports whether the profile lists the named capability
func (p *Profile) HasCapability(name string) bool {
	_, ok := p.Capabilities[name]
	return ok
}

// PerformanceMetrics holds the rolling counters an agent reports on the
// performance:metrics reserved topic
type PerformanceMetrics struct {
	// MessagesProcessed counts messages consumed from the mailbox
	MessagesProcessed int64 `json:"messages_processed"`

	// TasksCompleted counts successfully executed tasks
	TasksCompleted int64 `json:"tasks_completed"`

	// TasksFailed counts failed task executions
	TasksFailed int64 `json:"tasks_failed"`

	// AvgTaskDuration is the mean execution time across completed and failed tasks
	AvgTaskDuration time.Duration `json:"avg_task_duration"`

	// LastTaskAt is when the last task finished
	LastTaskAt time.Time `json:"last_task_at"`
}

// Assignment is the payload carried by a task:assignment COMMAND
type Assignment struct {
	// GoalID links the bundle back to the goal it decomposed from
	GoalID string `json:"goal_id"`

	// Strategy names the coordination strategy that produced the bundle
	Strategy string `json:"strategy"`

	// Tasks lists the task descriptors to execute in order
	Tasks []AssignedTask `json:"tasks"`
}

// AssignedTask is a single task descriptor inside an Assignment
type AssignedTask struct {
	// ID is the task identifier
	ID string `json:"id"`

	// Description is the work to perform
	Description string `json:"description"`

	// Type tags the kind of work (mirrors agent types)
	Type string `json:"type"`

	// Payload carries task-specific data
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Timeout bounds execution; zero means no bound
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ExecutionResult is what an Executor returns for one assigned task
type ExecutionResult struct {
	// TaskID identifies the executed task
	TaskID string `json:"task_id"`

	// Success indicates whether execution completed
	Success bool `json:"success"`

	// Output carries task outputs
	Output map[string]interface{} `json:"output,omitempty"`

	// Error describes the failure when Success is false
	Error string `json:"error,omitempty"`

	// Duration is the execution time
	Duration time.Duration `json:"duration"`
}
