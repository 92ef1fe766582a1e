package bus

import (
	"sort"
	"sync"
)

// queued wraps a message with the sequence number assigned at enqueue time.
// Within a priority band messages are delivered in sequence order, which
// preserves per-sender send order.
type queued struct {
	msg *Message
	seq uint64
}

// Mailbox is an ordered, priority-respecting queue owned by the bus for a
// single registered agent. Enqueue never blocks; consumers wait on Signal.
type Mailbox struct {
	mu sync.Mutex

	// one slice per priority band, PriorityUrgent..PriorityLow
	bands [4][]queued

	// notify is a capacity-1 wakeup channel for the consumer loop
	notify chan struct{}

	// softLimit triggers low-priority shedding when exceeded
	softLimit int

	// hardLimit rejects enqueues when reached
	hardLimit int

	size    int
	dropped int64
	closed  bool
}

// NewMailbox creates a mailbox with the given limits
func NewMailbox(softLimit, hardLimit int) *Mailbox {
	if softLimit <= 0 {
		softLimit = DefaultSoftLimit
	}
	if hardLimit <= 0 {
		hardLimit = DefaultHardLimit
	}
	return &Mailbox{
		notify:    make(chan struct{}, 1),
		softLimit: softLimit,
		hardLimit: hardLimit,
	}
}

// Signal returns the channel pulsed whenever a message becomes available
func (mb *Mailbox) Signal() <-chan struct{} {
	return mb.notify
}

// Size returns the current queue depth
func (mb *Mailbox) Size() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.size
}

// Dropped returns the number of messages shed under backpressure
func (mb *Mailbox) Dropped() int64 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.dropped
}

// Enqueue inserts a message according to its priority. At the soft limit the
// oldest LOW-priority message is shed to make room; at the hard limit the
// enqueue is rejected with ErrMailboxOverflow.
func (mb *Mailbox) Enqueue(msg *Message, seq uint64) (shed int, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return 0, ErrMailboxClosed
	}
	if mb.size >= mb.hardLimit {
		return 0, ErrMailboxOverflow
	}

	if mb.size >= mb.softLimit {
		// Shed oldest LOW-priority traffic first; an incoming LOW message
		// still enqueues so ordering within the band stays intact.
		low := mb.bands[PriorityLow]
		if len(low) > 0 {
			mb.bands[PriorityLow] = low[1:]
			mb.size--
			mb.dropped++
			shed = 1
		}
	}

	band := msg.Priority
	if band < PriorityLow || band > PriorityUrgent {
		band = PriorityNormal
	}
	mb.bands[band] = append(mb.bands[band], queued{msg: msg, seq: seq})
	mb.size++

	select {
	case mb.notify <- struct{}{}:
	default:
	}

	return shed, nil
}

// Dequeue removes and returns the highest-priority message, or nil if the
// mailbox is empty. Within a band, lower sequence numbers (earlier sends)
// are returned first; equal timestamps are already ordered by enqueue seq.
func (mb *Mailbox) Dequeue() *Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for p := PriorityUrgent; p >= PriorityLow; p-- {
		band := mb.bands[p]
		if len(band) == 0 {
			continue
		}
		q := band[0]
		mb.bands[p] = band[1:]
		mb.size--
		if mb.size > 0 {
			select {
			case mb.notify <- struct{}{}:
			default:
			}
		}
		return q.msg
	}
	return nil
}

// Drain removes and returns every queued message in delivery order
func (mb *Mailbox) Drain() []*Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	out := make([]*Message, 0, mb.size)
	for p := PriorityUrgent; p >= PriorityLow; p-- {
		band := mb.bands[p]
		sort.SliceStable(band, func(i, j int) bool { return band[i].seq < band[j].seq })
		for _, q := range band {
			out = append(out, q.msg)
		}
		mb.bands[p] = nil
	}
	mb.size = 0
	return out
}

// Close marks the mailbox closed; subsequent enqueues fail
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
}
