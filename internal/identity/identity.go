package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AgentID uniquely identifies an agent within a runtime process.
// The string form "namespace:id" is the bus address of the agent.
type AgentID struct {
	// Namespace groups agents (e.g. "hive", "team-alpha")
	Namespace string `json:"namespace"`

	// ID is the agent identifier within the namespace
	ID string `json:"id"`
}

// NewAgentID creates an AgentID with a generated identifier
func NewAgentID(namespace string) AgentID {
	return AgentID{Namespace: namespace, ID: uuid.New().String()}
}

// Key returns the canonical string key "namespace:id"
func (a AgentID) Key() string {
	return a.Namespace + ":" + a.ID
}

// IsZero reports whether the AgentID is unset
func (a AgentID) IsZero() bool {
	return a.Namespace == "" && a.ID == ""
}

// String implements fmt.Stringer
func (a AgentID) String() string {
	return a.Key()
}

// ParseAgentKey parses a "namespace:id" key back into an AgentID
func ParseAgentKey(key string) (AgentID, error) {
	idx := strings.Index(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return AgentID{}, fmt.Errorf("invalid agent key: %q", key)
	}
	return AgentID{Namespace: key[:idx], ID: key[idx+1:]}, nil
}

// NewMessageID generates a unique message identifier
func NewMessageID() string {
	return "msg-" + uuid.New().String()
}

// NewTaskID generates a unique task identifier
func NewTaskID() string {
	return "task-" + uuid.New().String()
}

// NewGoalID generates a unique goal identifier
func NewGoalID() string {
	return "goal-" + uuid.New().String()
}

// NewTeamID generates a unique team identifier
func NewTeamID() string {
	return "team-" + uuid.New().String()
}

// NewWorkflowID generates a unique workflow definition identifier
func NewWorkflowID() string {
	return "wf-" + uuid.New().String()
}

// NewInstanceID generates a unique workflow instance identifier
func NewInstanceID() string {
	return "inst-" + uuid.New().String()
}

// NewSnapshotID generates a unique snapshot identifier
func NewSnapshotID() string {
	return "snap-" + uuid.New().String()
}

// NewEventID generates a unique event identifier
func NewEventID() string {
	return "evt-" + uuid.New().String()
}

// NewHumanTaskID generates a unique human task identifier
func NewHumanTaskID() string {
	return "htask-" + uuid.New().String()
}

// NewProposalID generates a unique consensus proposal identifier
func NewProposalID() string {
	return "prop-" + uuid.New().String()
}
