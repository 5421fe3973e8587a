package session

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
)

// Stream is a framed, bidirectional message transport. ReadFrame is called
// from a single goroutine; WriteFrame calls are serialized by Connection.
// ReadFrame returns io.EOF when the peer closes gracefully and an error
// wrapping ErrProtocol for malformed frames.
type Stream interface {
	ReadFrame() (Kind, []byte, error)
	WriteFrame(kind Kind, payload []byte) error
	Close() error
}

// State is the lifecycle state of a Connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one physical duplex message stream. It is owned by at most one
// Session for its whole life.
type Connection struct {
	id     ConnectionID
	stream Stream

	state     atomic.Int32
	owner     atomic.Pointer[SessionID]
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps stream. The connection starts Open and takes exclusive
// ownership of the stream.
//
// Parameters:
//   - id: Accept-order identifier, used to resolve reconnect races
//   - stream: The framed transport
//
// Returns:
//   - An open Connection
func NewConnection(id ConnectionID, stream Stream) *Connection {
	return &Connection{
		id:     id,
		stream: stream,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() ConnectionID { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Owner returns the session this connection is bound to, or "" if unbound.
func (c *Connection) Owner() SessionID {
	if owner := c.owner.Load(); owner != nil {
		return *owner
	}
	return ""
}

// claim binds the connection to owner. Only the first claim succeeds.
func (c *Connection) claim(owner SessionID) bool {
	return c.owner.CompareAndSwap(nil, &owner)
}

// release undoes a claim made by owner so the connection can be bound to a
// replacement session.
func (c *Connection) release(owner SessionID) {
	if current := c.owner.Load(); current != nil && *current == owner {
		c.owner.CompareAndSwap(current, nil)
	}
}

// Send writes one message to the peer. Writes are serialized and bounded by
// the stream's write deadline. A failed write closes the connection.
//
// Parameters:
//   - msg: The message to deliver
//
// Returns:
//   - ErrConnClosed if the connection is not open
//   - An error wrapping ErrTransport if the write failed
func (c *Connection) Send(msg Message) error {
	if c.State() != StateOpen {
		return fmt.Errorf("connection %d: %w", c.id, ErrConnClosed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateOpen {
		return fmt.Errorf("connection %d: %w", c.id, ErrConnClosed)
	}

	if err := c.stream.WriteFrame(msg.kind, msg.payload); err != nil {
		_ = c.Close()
		return fmt.Errorf("connection %d: %w: %w", c.id, ErrTransport, err)
	}

	return nil
}

// Receive returns the sequence of inbound messages, each attributed to the
// owning session. The sequence ends cleanly on graceful or local close. A
// malformed frame yields one error wrapping ErrProtocol and an I/O failure one
// error wrapping ErrTransport; either ends the sequence. The connection is
// closed when the sequence ends. Receive must have a single consumer.
func (c *Connection) Receive() iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		defer func() { _ = c.Close() }()

		for {
			kind, payload, err := c.stream.ReadFrame()
			if err != nil {
				if c.State() != StateOpen || errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, ErrProtocol) {
					yield(Message{}, fmt.Errorf("connection %d: %w", c.id, err))
					return
				}
				yield(Message{}, fmt.Errorf("connection %d: %w: %w", c.id, ErrTransport, err))
				return
			}

			msg := Message{kind: kind, payload: payload, origin: c.Owner()}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// markClosing makes Send and Receive treat c as closed ahead of a Close
// made outside a session lock.
func (c *Connection) markClosing() {
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
}

// Close closes the underlying stream. It is idempotent and safe to call from
// any goroutine.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		c.closeErr = c.stream.Close()
		c.state.Store(int32(StateClosed))
	})
	return c.closeErr
}
