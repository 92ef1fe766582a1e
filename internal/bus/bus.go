package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/HiveCortex/internal/identity"
)

const (
	// DefaultSoftLimit is the mailbox depth past which LOW traffic is shed
	DefaultSoftLimit = 10000

	// DefaultHardLimit is the mailbox depth at which enqueues are rejected
	DefaultHardLimit = 100000

	// responseTimeAlpha is the EWMA smoothing factor for response times
	responseTimeAlpha = 0.2
)

// Config configures a message bus
type Config struct {
	// SoftLimit is the per-mailbox soft depth limit
	SoftLimit int

	// HardLimit is the per-mailbox hard depth limit
	HardLimit int
}

// pendingResponse tracks an outstanding sendAndWaitForResponse call
type pendingResponse struct {
	ch     chan *Message
	sentAt time.Time
}

// Bus routes typed, priority-aware messages between registered agents.
// Delivery is in-process: each registered agent owns a mailbox the bus
// enqueues into and the agent's consumer loop drains.
type Bus struct {
	config Config

	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	order     []string // registration order, for deterministic broadcast

	pendingMu sync.Mutex
	pending   map[string]*pendingResponse

	seq          atomic.Uint64
	messageCount atomic.Int64
	failedSends  atomic.Int64
	timeouts     atomic.Int64
	recipientsMu sync.Mutex
	perRecipient map[string]int64

	respTimeMu   sync.Mutex
	avgRespTime  time.Duration
	respObserved bool

	collectors *collectors
	closed     atomic.Bool
}

// New creates a message bus with the given configuration
func New(config Config) *Bus {
	if config.SoftLimit <= 0 {
		config.SoftLimit = DefaultSoftLimit
	}
	if config.HardLimit <= 0 {
		config.HardLimit = DefaultHardLimit
	}
	return &Bus{
		config:       config,
		mailboxes:    make(map[string]*Mailbox),
		pending:      make(map[string]*pendingResponse),
		perRecipient: make(map[string]int64),
	}
}

// Register binds an agent to a new mailbox and returns it
func (b *Bus) Register(id identity.AgentID) (*Mailbox, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := id.Key()
	if _, exists := b.mailboxes[key]; exists {
		return nil, ErrAgentAlreadyRegistered
	}

	mb := NewMailbox(b.config.SoftLimit, b.config.HardLimit)
	b.mailboxes[key] = mb
	b.order = append(b.order, key)

	if b.collectors != nil {
		b.collectors.activeAgents.Inc()
	}

	log.WithField("agent", key).Debug("Agent registered with bus")
	return mb, nil
}

// Deregister removes an agent's mailbox; undelivered messages are discarded
func (b *Bus) Deregister(id identity.AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := id.Key()
	mb, exists := b.mailboxes[key]
	if !exists {
		return
	}
	mb.Close()
	delete(b.mailboxes, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}

	if b.collectors != nil {
		b.collectors.activeAgents.Dec()
	}

	log.WithField("agent", key).Debug("Agent deregistered from bus")
}

// Mailbox returns the mailbox for an agent, or nil if not registered
func (b *Bus) Mailbox(id identity.AgentID) *Mailbox {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mailboxes[id.Key()]
}

// Send delivers a message to its recipients. A nil To slice broadcasts to
// every registered agent except the sender. Copies enqueued for a recipient
// set share the message ID; each copy has its own envelope and its own
// top-level body map, while nested values inside the body are shared.
func (b *Bus) Send(msg *Message) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if msg.ID == "" {
		msg.ID = identity.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	// A RESPONSE first tries to resolve a pending request.
	if msg.Type == MessageTypeResponse && msg.CorrelationID != "" {
		if b.resolvePending(msg) {
			b.messageCount.Add(1)
			return nil
		}
	}

	if msg.IsBroadcast() {
		return b.broadcastAll(msg)
	}

	for _, to := range msg.To {
		if to == msg.From && !(msg.Type == MessageTypeInform && msg.SelfLoop) {
			b.failedSends.Add(1)
			return ErrSelfDelivery
		}
	}

	var firstErr error
	delivered := 0
	for _, to := range msg.To {
		if err := b.enqueue(to.Key(), msg); err != nil {
			b.failedSends.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	if delivered > 0 {
		b.messageCount.Add(1)
	}
	return firstErr
}

// Broadcast is a convenience wrapper sending an untargeted message
func (b *Bus) Broadcast(from identity.AgentID, msgType MessageType, topic string, body map[string]interface{}, priority Priority) error {
	return b.Send(NewMessage(from, nil, msgType, priority, topic, body))
}

// broadcastAll enqueues one copy per registered mailbox except the sender
func (b *Bus) broadcastAll(msg *Message) error {
	b.mu.RLock()
	keys := make([]string, len(b.order))
	copy(keys, b.order)
	b.mu.RUnlock()

	fromKey := msg.From.Key()
	delivered := 0
	for _, key := range keys {
		if key == fromKey {
			continue
		}
		if err := b.enqueue(key, msg); err != nil {
			b.failedSends.Add(1)
			log.WithError(err).WithFields(log.Fields{
				"recipient": key,
				"topic":     msg.Content.Topic,
			}).Warn("Broadcast delivery failed")
			continue
		}
		delivered++
	}
	if delivered > 0 {
		b.messageCount.Add(1)
	}
	return nil
}

// enqueue places a copy of the message into the named mailbox
func (b *Bus) enqueue(key string, msg *Message) error {
	b.mu.RLock()
	mb, exists := b.mailboxes[key]
	b.mu.RUnlock()
	if !exists {
		return ErrAgentNotRegistered
	}

	cp := *msg
	if msg.Content.Body != nil {
		cp.Content.Body = make(map[string]interface{}, len(msg.Content.Body))
		for k, v := range msg.Content.Body {
			cp.Content.Body[k] = v
		}
	}
	shed, err := mb.Enqueue(&cp, b.seq.Add(1))
	if err != nil {
		return err
	}
	if shed > 0 {
		log.WithFields(log.Fields{
			"recipient": key,
			"depth":     mb.Size(),
		}).Warn("Mailbox soft limit exceeded, shed low-priority message")
		if b.collectors != nil {
			b.collectors.dropped.Add(float64(shed))
		}
	}

	b.recipientsMu.Lock()
	b.perRecipient[key]++
	b.recipientsMu.Unlock()

	if b.collectors != nil {
		b.collectors.sent.WithLabelValues(string(msg.Type), msg.Priority.String()).Inc()
	}
	return nil
}

// SendAndWaitForResponse sends a message with RequiresResponse set and blocks
// until a RESPONSE with a matching correlation ID arrives, the timeout
// elapses, or ctx is cancelled. A RESPONSE that arrives after its waiter has
// given up finds no pending entry: it is logged with a warning and delivered
// to the recipient's mailbox like any other message, not discarded.
func (b *Bus) SendAndWaitForResponse(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if msg.ID == "" {
		msg.ID = identity.NewMessageID()
	}
	msg.RequiresResponse = true

	pending := &pendingResponse{ch: make(chan *Message, 1), sentAt: time.Now()}
	b.pendingMu.Lock()
	b.pending[msg.ID] = pending
	b.pendingMu.Unlock()

	if err := b.Send(msg); err != nil {
		b.removePending(msg.ID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pending.ch:
		return resp, nil
	case <-timer.C:
		b.removePending(msg.ID)
		b.timeouts.Add(1)
		if b.collectors != nil {
			b.collectors.timeouts.Inc()
		}
		log.WithFields(log.Fields{
			"message_id": msg.ID,
			"topic":      msg.Content.Topic,
			"timeout":    timeout,
		}).Warn("Request timed out waiting for response")
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		b.removePending(msg.ID)
		return nil, ctx.Err()
	}
}

// resolvePending matches a RESPONSE to a waiting request; returns true if a
// waiter consumed it, false if the caller should deliver it normally
func (b *Bus) resolvePending(resp *Message) bool {
	b.pendingMu.Lock()
	pending, exists := b.pending[resp.CorrelationID]
	if exists {
		delete(b.pending, resp.CorrelationID)
	}
	b.pendingMu.Unlock()

	if !exists {
		log.WithFields(log.Fields{
			"correlation_id": resp.CorrelationID,
			"from":           resp.From.Key(),
		}).Warn("Response has no pending request; delivering to mailbox")
		return false
	}

	b.observeResponseTime(time.Since(pending.sentAt))
	pending.ch <- resp
	return true
}

func (b *Bus) removePending(id string) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// observeResponseTime folds a sample into the EWMA
func (b *Bus) observeResponseTime(d time.Duration) {
	b.respTimeMu.Lock()
	defer b.respTimeMu.Unlock()
	if !b.respObserved {
		b.avgRespTime = d
		b.respObserved = true
	} else {
		b.avgRespTime = time.Duration(float64(b.avgRespTime)*(1-responseTimeAlpha) + float64(d)*responseTimeAlpha)
	}
	if b.collectors != nil {
		b.collectors.avgResponse.Set(b.avgRespTime.Seconds())
	}
}

// Metrics returns a snapshot of the bus coordination metrics
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	queueSizes := make(map[string]int, len(b.mailboxes))
	var dropped int64
	for key, mb := range b.mailboxes {
		queueSizes[key] = mb.Size()
		dropped += mb.Dropped()
	}
	active := len(b.mailboxes)
	b.mu.RUnlock()

	b.recipientsMu.Lock()
	perRecipient := make(map[string]int64, len(b.perRecipient))
	for k, v := range b.perRecipient {
		perRecipient[k] = v
	}
	b.recipientsMu.Unlock()

	b.respTimeMu.Lock()
	avg := b.avgRespTime
	b.respTimeMu.Unlock()

	total := b.messageCount.Load()
	failed := b.failedSends.Load()
	failureRate := 0.0
	if total+failed > 0 {
		failureRate = float64(failed) / float64(total+failed)
	}

	return Metrics{
		MessageCount:        total,
		ActiveAgents:        active,
		AverageResponseTime: avg,
		QueueSizes:          queueSizes,
		FailureRate:         failureRate,
		PerRecipientCounts:  perRecipient,
		DroppedMessages:     dropped,
		TimedOutRequests:    b.timeouts.Load(),
	}
}

// Close shuts the bus down; all mailboxes are closed. Pending waiters are
// not woken: they return on their own timeout or context cancellation
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	for _, mb := range b.mailboxes {
		mb.Close()
	}
	b.mu.Unlock()
	log.Info("Message bus closed")
}
