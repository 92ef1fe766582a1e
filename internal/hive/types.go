package hive

import (
	"time"

	"github.com/aosanya/HiveCortex/internal/identity"
)

// DecompositionStrategy tags how an objective is decomposed into tasks
type DecompositionStrategy string

const (
	// StrategyDevelopment yields design -> implement -> test -> document
	StrategyDevelopment DecompositionStrategy = "development"
	// StrategyAnalysis yields gather -> analyze -> report
	StrategyAnalysis DecompositionStrategy = "analysis"
	// StrategyResearch yields survey -> investigate -> synthesize
	StrategyResearch DecompositionStrategy = "research"
	// StrategyAuto matches the description against the auto patterns and
	// uses the plan of the matched domain strategy; the canonical 3-phase
	// plan is emitted only when no pattern matches
	StrategyAuto DecompositionStrategy = "auto"
)

// Objective is a user-supplied work item the Queen turns into a task graph
type Objective struct {
	// ID is the unique objective identifier
	ID string `json:"id"`

	// Description is the outcome requested
	Description string `json:"description"`

	// Strategy selects the decomposition approach
	Strategy DecompositionStrategy `json:"strategy"`

	// Priority orders objectives relative to each other
	Priority int `json:"priority"`

	// TeamID pins execution to a team; empty lets the Queen pick one
	TeamID string `json:"team_id,omitempty"`

	// RequireConsensus gates strategy application behind a team vote
	RequireConsensus bool `json:"require_consensus,omitempty"`

	// Timeout bounds each task attempt
	Timeout time.Duration `json:"timeout,omitempty"`

	// Metadata carries free-form annotations
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ObjectiveStatus tracks one submitted objective
type ObjectiveStatus string

const (
	ObjectiveStatusPending   ObjectiveStatus = "pending"
	ObjectiveStatusExecuting ObjectiveStatus = "executing"
	ObjectiveStatusCompleted ObjectiveStatus = "completed"
	ObjectiveStatusFailed    ObjectiveStatus = "failed"
	ObjectiveStatusCancelled ObjectiveStatus = "cancelled"
)

// Config configures the Queen scheduler
type Config struct {
	// HealthTick is the health + progress control loop period
	HealthTick time.Duration

	// AnalysisTick is the pattern analysis / reoptimization loop period
	AnalysisTick time.Duration

	// StallThreshold marks a task stalled after this much silence
	StallThreshold time.Duration

	// HeartbeatInterval is the expected agent heartbeat period; agents
	// silent for 3x this are treated as offline
	HeartbeatInterval time.Duration

	// MaxRetries is the per-task retry cap
	MaxRetries int

	// RetryBackoff is the base delay before a retry; doubles per attempt
	RetryBackoff time.Duration

	// ConsensusThreshold is the default approval ratio for proposals
	ConsensusThreshold float64

	// ConsensusTimeout is the default proposal deadline
	ConsensusTimeout time.Duration

	// DecompositionCacheTTL bounds cached decompositions
	DecompositionCacheTTL time.Duration

	// DecompositionCacheSize bounds the cache entry count
	DecompositionCacheSize int

	// MaxAgents caps registry size enforced at submission time
	MaxAgents int
}

// Defaults fills unset config fields
func (c *Config) Defaults() {
	if c.HealthTick <= 0 {
		c.HealthTick = 5 * time.Second
	}
	if c.AnalysisTick <= 0 {
		c.AnalysisTick = 60 * time.Second
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 10 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.ConsensusThreshold <= 0 {
		c.ConsensusThreshold = 0.66
	}
	if c.ConsensusTimeout <= 0 {
		c.ConsensusTimeout = 30 * time.Second
	}
	if c.DecompositionCacheTTL <= 0 {
		c.DecompositionCacheTTL = 30 * time.Minute
	}
	if c.DecompositionCacheSize <= 0 {
		c.DecompositionCacheSize = 256
	}
	if c.MaxAgents <= 0 {
		c.MaxAgents = 1000
	}
}

// Stats is the Queen's point-in-time statistics snapshot
type Stats struct {
	// ObjectivesSubmitted counts all submissions
	ObjectivesSubmitted int64 `json:"objectives_submitted"`

	// ObjectivesCompleted counts objectives whose graphs fully completed
	ObjectivesCompleted int64 `json:"objectives_completed"`

	// ObjectivesFailed counts objectives with permanently failed tasks
	ObjectivesFailed int64 `json:"objectives_failed"`

	// TasksDispatched counts task dispatches (including retries)
	TasksDispatched int64 `json:"tasks_dispatched"`

	// TasksReassigned counts stall/failure reassignments
	TasksReassigned int64 `json:"tasks_reassigned"`

	// TasksRetried counts retry tasks created
	TasksRetried int64 `json:"tasks_retried"`

	// ConsensusRounds counts proposals driven
	ConsensusRounds int64 `json:"consensus_rounds"`

	// ActiveObjectives is the number of objectives still executing
	ActiveObjectives int `json:"active_objectives"`
}

// VoteValue is a single agent's consensus vote
type VoteValue struct {
	// Approve is the vote direction
	Approve bool `json:"approve"`

	// Reason explains the vote
	Reason string `json:"reason,omitempty"`

	// VotedAt is when the vote arrived
	VotedAt time.Time `json:"voted_at"`
}

// ProposalStatus enumerates consensus proposal states
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAchieved ProposalStatus = "achieved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// ConsensusProposal is an intra-team vote with a required threshold and a
// deadline
type ConsensusProposal struct {
	// ID is the unique proposal identifier
	ID string `json:"id"`

	// Scope names what the proposal decides (e.g. "strategy:goal-1")
	Scope string `json:"scope"`

	// Proposal is the decision body put to the vote
	Proposal map[string]interface{} `json:"proposal"`

	// Threshold is the required approval ratio in (0,1]
	Threshold float64 `json:"threshold"`

	// Voters are the agents asked to vote
	Voters []identity.AgentID `json:"voters"`

	// Votes maps agent key to the recorded vote
	Votes map[string]VoteValue `json:"votes"`

	// Deadline is when the proposal expires
	Deadline time.Time `json:"deadline"`

	// Status is the current proposal state
	Status ProposalStatus `json:"status"`

	// CreatedAt is when the proposal was opened
	CreatedAt time.Time `json:"created_at"`
}
