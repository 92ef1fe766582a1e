package bus

import (
	"encoding/json"
	"time"

	"github.com/aosanya/HiveCortex/internal/identity"
)

// MessageType defines the type of message exchanged between agents
type MessageType string

const (
	// MessageTypeCommand represents an instruction the recipient must execute
	MessageTypeCommand MessageType = "COMMAND"
	// MessageTypeRequest represents a query expecting a RESPONSE
	MessageTypeRequest MessageType = "REQUEST"
	// MessageTypeInform represents a one-way informational message
	MessageTypeInform MessageType = "INFORM"
	// MessageTypeNegotiate represents a negotiation round (e.g. consensus voting)
	MessageTypeNegotiate MessageType = "NEGOTIATE"
	// MessageTypeConsensus represents a consensus proposal broadcast
	MessageTypeConsensus MessageType = "CONSENSUS"
	// MessageTypeResponse represents a reply correlated to an earlier message
	MessageTypeResponse MessageType = "RESPONSE"
)

// Priority determines mailbox ordering; higher values are delivered first
type Priority int

const (
	// PriorityLow is delivered after all other traffic
	PriorityLow Priority = iota
	// PriorityNormal is the default priority
	PriorityNormal
	// PriorityHigh preempts normal traffic
	PriorityHigh
	// PriorityUrgent preempts everything
	PriorityUrgent
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Reserved topics every agent must respond to
const (
	// TopicCapabilityQuery asks an agent for its current capability set
	TopicCapabilityQuery = "capability:query"
	// TopicStateQuery asks an agent for its lifecycle state and workload
	TopicStateQuery = "state:query"
	// TopicPerformanceMetrics asks an agent for its rolling counters
	TopicPerformanceMetrics = "performance:metrics"
	// TopicHeartbeat carries periodic liveness signals
	TopicHeartbeat = "heartbeat"
	// TopicTaskAssignment carries task bundles to execute
	TopicTaskAssignment = "task:assignment"
	// TopicTaskCancel withdraws a previously assigned task
	TopicTaskCancel = "task:cancel"
	// TopicTaskProgress carries progress updates for an in-flight task
	TopicTaskProgress = "task:progress"
	// TopicConsensusPrefix prefixes per-proposal consensus topics
	TopicConsensusPrefix = "consensus:"
)

// Content is the typed payload of a message
type Content struct {
	// Topic routes the message to a handler on the recipient
	Topic string `json:"topic"`

	// Body contains topic-specific data
	Body map[string]interface{} `json:"body"`
}

// Message is the envelope delivered between agents.
// A nil To slice means broadcast to every registered agent except the sender.
type Message struct {
	// ID is the unique message identifier
	ID string `json:"id"`

	// From is the sending agent
	From identity.AgentID `json:"from"`

	// To lists recipient agents; nil means broadcast
	To []identity.AgentID `json:"to"`

	// Type categorizes the message
	Type MessageType `json:"type"`

	// Priority determines delivery order
	Priority Priority `json:"priority"`

	// Timestamp is when the message was created. Mailboxes do not order by
	// it: within a priority band delivery follows enqueue order.
	Timestamp time.Time `json:"timestamp"`

	// Content carries the topic and body
	Content Content `json:"content"`

	// RequiresResponse indicates the sender expects a correlated RESPONSE
	RequiresResponse bool `json:"requiresResponse,omitempty"`

	// CorrelationID links a RESPONSE to the message it answers
	CorrelationID string `json:"correlationId,omitempty"`

	// SelfLoop permits delivery to the sender itself (INFORM only)
	SelfLoop bool `json:"selfLoop,omitempty"`
}

// IsBroadcast reports whether the message targets every registered agent
func (m *Message) IsBroadcast() bool {
	return m.To == nil
}

// NewMessage creates a message with a generated ID and current timestamp
func NewMessage(from identity.AgentID, to []identity.AgentID, msgType MessageType, priority Priority, topic string, body map[string]interface{}) *Message {
	return &Message{
		ID:        identity.NewMessageID(),
		From:      from,
		To:        to,
		Type:      msgType,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
		Content:   Content{Topic: topic, Body: body},
	}
}

// NewResponse creates a RESPONSE correlated to the given message
func NewResponse(to *Message, from identity.AgentID, body map[string]interface{}) *Message {
	resp := NewMessage(from, []identity.AgentID{to.From}, MessageTypeResponse, to.Priority, to.Content.Topic, body)
	resp.CorrelationID = to.ID
	return resp
}

// BodyOf converts a typed value into a message body via its JSON form
func BodyOf(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return map[string]interface{}{}
	}
	return body
}

// Metrics is a point-in-time snapshot of bus coordination metrics
type Metrics struct {
	// MessageCount is the total number of messages accepted by the bus
	MessageCount int64 `json:"message_count"`

	// ActiveAgents is the number of registered mailboxes
	ActiveAgents int `json:"active_agents"`

	// AverageResponseTime is an EWMA over resolved request/response pairs
	AverageResponseTime time.Duration `json:"average_response_time"`

	// QueueSizes maps agent keys to current mailbox depth
	QueueSizes map[string]int `json:"queue_sizes"`

	// FailureRate is failed deliveries over total sends
	FailureRate float64 `json:"failure_rate"`

	// PerRecipientCounts maps agent keys to messages delivered to them
	PerRecipientCounts map[string]int64 `json:"per_recipient_counts"`

	// DroppedMessages counts low-priority messages shed under backpressure
	DroppedMessages int64 `json:"dropped_messages"`

	// TimedOutRequests counts sendAndWaitForResponse calls that expired
	TimedOutRequests int64 `json:"timed_out_requests"`
}
