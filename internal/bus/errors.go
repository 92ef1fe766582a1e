package bus

import "errors"

var (
	// ErrAgentNotRegistered is returned when sending to an unknown agent
	ErrAgentNotRegistered = errors.New("agent not registered with bus")

	// ErrAgentAlreadyRegistered is returned on duplicate registration
	ErrAgentAlreadyRegistered = errors.New("agent already registered with bus")

	// ErrMailboxOverflow is returned when a mailbox is at its hard limit
	ErrMailboxOverflow = errors.New("mailbox hard limit reached")

	// ErrMailboxClosed is returned when enqueueing to a closed mailbox
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrResponseTimeout is returned when no RESPONSE arrives within the bound
	ErrResponseTimeout = errors.New("timed out waiting for response")

	// ErrSelfDelivery is returned when a message targets its sender without
	// being an INFORM with the self-loop flag set
	ErrSelfDelivery = errors.New("message may not target its own sender")

	// ErrBusClosed is returned after the bus has shut down
	ErrBusClosed = errors.New("message bus is closed")
)
