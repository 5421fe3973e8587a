package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/eapache/queue"
)

// Policy decides what Enqueue does when a mailbox is full.
type Policy int

const (
	// RejectNew refuses the new message and leaves the mailbox unchanged.
	RejectNew Policy = iota
	// DropOldest evicts the head of the mailbox to make room.
	DropOldest
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case RejectNew:
		return "reject_new"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "reject_new":
		return RejectNew, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return RejectNew, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// DefaultCapacity is the mailbox size used when none is configured.
const DefaultCapacity = 256

// Options configures a Session.
type Options struct {
	Capacity int
	Policy   Policy
	Logger   logger.Logger
}

type envelope struct {
	seq uint64
	msg Message
}

// Session is a logical participant. It owns at most one active Connection
// and a bounded FIFO mailbox that its outbound loop drains into that
// connection. Messages queued while no connection is attached are delivered
// in order after the next Attach.
type Session struct {
	id       SessionID
	capacity int
	policy   Policy
	log      logger.Logger

	mu        sync.Mutex
	conn      *Connection
	mailbox   *queue.Queue
	seq       uint64
	destroyed bool
	started   bool

	lastActivity atomic.Int64
	wake         chan struct{}
	done         chan struct{}
	stopped      chan struct{}
}

func newSession(id SessionID, opts Options) *Session {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}

	s := &Session{
		id:       id,
		capacity: opts.Capacity,
		policy:   opts.Policy,
		log:      opts.Logger.With(logger.Field{Key: "session_id", Value: string(id)}),
		mailbox:  queue.New(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.Touch()
	return s
}

// start launches the outbound loop. Only the session that won registry
// insertion is started.
func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.destroyed {
		return
	}
	s.started = true
	go s.run()
}

// ID returns the session identifier.
func (s *Session) ID() SessionID { return s.id }

// Touch records activity now.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound message,
// successful send or attach.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IsExpired reports whether the session has been idle for longer than
// timeout at now.
func (s *Session) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity()) > timeout
}

// Attached reports whether a connection is currently bound.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connection returns the attached connection, or nil.
func (s *Session) Connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Pending returns the number of queued, undelivered messages.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailbox.Length()
}

// Attach binds conn to the session, closing any previously attached
// connection. When two connections race, the one accepted later wins: a conn
// older than the current one is closed and rejected.
//
// Parameters:
//   - conn: A connection not yet bound to any session
//
// Returns:
//   - ErrConnectionClaimed if conn belongs to another session
//   - ErrSuperseded if a newer connection is already attached
//   - ErrSessionClosed if the session was destroyed
func (s *Session) Attach(conn *Connection) error {
	if !conn.claim(s.id) {
		return fmt.Errorf("attach connection %d to %s: %w", conn.ID(), s.id, ErrConnectionClaimed)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		conn.release(s.id)
		return fmt.Errorf("attach connection %d to %s: %w", conn.ID(), s.id, ErrSessionClosed)
	}
	if s.conn != nil && conn.ID() < s.conn.ID() {
		current := s.conn.ID()
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("attach connection %d to %s (current %d): %w", conn.ID(), s.id, current, ErrSuperseded)
	}
	old := s.conn
	s.conn = conn
	if old != nil {
		old.markClosing()
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
		s.log.Debug("connection replaced",
			logger.Field{Key: "old_conn_id", Value: uint64(old.ID())},
			logger.Field{Key: "conn_id", Value: uint64(conn.ID())})
	}

	s.Touch()
	s.signal()
	return nil
}

// Detach clears the connection slot if conn is still the attached one.
func (s *Session) Detach(conn *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || conn == nil {
		return false
	}
	s.conn = nil
	return true
}

// Enqueue appends msg to the mailbox for delivery by the outbound loop.
//
// Parameters:
//   - msg: The message to deliver to this session's peer
//
// Returns:
//   - ErrBackpressure if the mailbox is full under RejectNew
//   - ErrSessionClosed if the session was destroyed
func (s *Session) Enqueue(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return fmt.Errorf("enqueue to %s: %w", s.id, ErrSessionClosed)
	}

	if s.mailbox.Length() >= s.capacity {
		if s.policy != DropOldest {
			return fmt.Errorf("enqueue to %s: %w", s.id, ErrBackpressure)
		}
		s.mailbox.Remove()
	}

	s.seq++
	s.mailbox.Add(envelope{seq: s.seq, msg: msg})
	s.signal()
	return nil
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drains the mailbox head-first. The head is removed only after a
// successful send, so a failed send leaves it for the next connection.
func (s *Session) run() {
	defer close(s.stopped)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, next, ok := s.head()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		if err := conn.Send(next.msg); err != nil {
			s.log.Debug("send failed, waiting for reconnect",
				logger.Field{Key: "conn_id", Value: uint64(conn.ID())},
				logger.Field{Key: "error", Value: err.Error()})
			s.Detach(conn)
			continue
		}

		s.Touch()
		s.ack(next.seq)
	}
}

func (s *Session) head() (*Connection, envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.conn == nil || s.mailbox.Length() == 0 {
		return nil, envelope{}, false
	}
	return s.conn, s.mailbox.Peek().(envelope), true
}

// ack removes the head if it is still the message that was sent. Under
// DropOldest the head may already have been evicted.
func (s *Session) ack(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mailbox.Length() > 0 && s.mailbox.Peek().(envelope).seq == seq {
		s.mailbox.Remove()
	}
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// remove destroys the session if no connection is attached.
func (s *Session) remove() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("remove %s: %w", s.id, ErrNotFound)
	}
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("remove %s: %w", s.id, ErrStillActive)
	}
	s.destroyLocked()
	s.mu.Unlock()

	s.waitStopped()
	return nil
}

// expire destroys the session if it is detached and idle beyond timeout.
func (s *Session) expire(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	if s.destroyed || s.conn != nil || !s.IsExpired(now, timeout) {
		s.mu.Unlock()
		return false
	}
	s.destroyLocked()
	s.mu.Unlock()

	s.waitStopped()
	return true
}

// destroy closes the attached connection and stops the session
// unconditionally.
func (s *Session) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	conn := s.destroyLocked()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.waitStopped()
}

// destroyLocked returns the detached connection, already refusing sends. The
// caller closes it once s.mu is released.
func (s *Session) destroyLocked() *Connection {
	s.destroyed = true
	conn := s.conn
	if conn != nil {
		conn.markClosing()
		s.conn = nil
	}
	for s.mailbox.Length() > 0 {
		s.mailbox.Remove()
	}
	close(s.done)
	return conn
}

func (s *Session) waitStopped() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.stopped
	}
}
