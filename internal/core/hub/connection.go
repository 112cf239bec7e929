package hub

import (
	"sync"
	"sync/atomic"

	"github.com/kinsync/kinsync/internal/observability/log"
)

// State is the lifecycle state of a connection. Disconnected is terminal and
// is reached exactly once; it triggers the cleanup cascade.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Sender delivers one event to the remote participant. Implementations are
// called from a single writer goroutine per connection, in order.
type Sender interface {
	Send(ev Event) error
}

// Connection is one live transport session registered with the hub. The hub
// owns the per-connection outbound queue; a slow receiver drops events rather
// than blocking the broadcaster (broadcasts are best-effort, state is always
// recoverable by re-querying).
type Connection struct {
	id            string
	participantID string

	sender Sender
	send   chan Event
	done   chan struct{}
	once   sync.Once

	state   atomic.Int32
	dropped atomic.Int64

	logger log.Log
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// ParticipantID returns the authenticated participant owning this connection.
func (c *Connection) ParticipantID() string { return c.participantID }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Dropped returns how many outbound events were discarded because the send
// queue was full.
func (c *Connection) Dropped() int64 { return c.dropped.Load() }

// enqueue places an event on the outbound queue without blocking.
func (c *Connection) enqueue(ev Event) {
	if c.State() == StateDisconnected {
		return
	}
	select {
	case c.send <- ev:
	default:
		c.dropped.Add(1)
		c.logger.Warn("send queue full, dropping event",
			log.String("connection_id", c.id),
			log.String("event_type", ev.Type))
	}
}

// writePump forwards queued events to the sender, preserving order.
func (c *Connection) writePump() {
	for {
		select {
		case ev := <-c.send:
			if err := c.sender.Send(ev); err != nil {
				c.logger.Warn("send failed",
					log.String("connection_id", c.id),
					log.String("event_type", ev.Type),
					log.Error(err))
			}
		case <-c.done:
			return
		}
	}
}

// close stops the writer. Idempotent.
func (c *Connection) close() {
	c.once.Do(func() {
		c.state.Store(int32(StateDisconnected))
		close(c.done)
	})
}
