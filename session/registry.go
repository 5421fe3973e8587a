package session

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/metrics"
	"github.com/cyberinferno/go-sessionhub/safemap"
)

// RegistryOptions configures a Registry and the sessions it creates.
type RegistryOptions struct {
	Capacity int
	Policy   Policy
	Logger   logger.Logger
	Recorder metrics.Recorder
}

// BroadcastReport lists the outcome of a Broadcast per session.
type BroadcastReport struct {
	Delivered []SessionID
	Failed    map[SessionID]error
}

// Registry maps SessionIDs to Sessions. Insertion is single-winner per key
// and there is no global lock.
type Registry struct {
	sessions *safemap.SafeMap[SessionID, *Session]
	opts     Options
	log      logger.Logger
	recorder metrics.Recorder
	closed   atomic.Bool
}

// NewRegistry creates an empty registry.
//
// Parameters:
//   - opts: Mailbox settings applied to every session, plus logger and
//     metrics sinks (both optional)
//
// Returns:
//   - A ready Registry
func NewRegistry(opts RegistryOptions) *Registry {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.NewNop()
	}

	return &Registry{
		sessions: safemap.NewSafeMap[SessionID, *Session](),
		opts: Options{
			Capacity: opts.Capacity,
			Policy:   opts.Policy,
			Logger:   log,
		},
		log:      log.With(logger.Field{Key: "component", Value: "registry"}),
		recorder: recorder,
	}
}

// GetOrCreate returns the session for id, creating it if absent. Among any
// number of concurrent callers for the same absent id exactly one observes
// created == true; the others receive that same session.
//
// Parameters:
//   - id: The session identifier
//
// Returns:
//   - The session now registered under id
//   - true if this call created it
//   - ErrRegistryClosed after Close
func (r *Registry) GetOrCreate(id SessionID) (*Session, bool, error) {
	for {
		if r.closed.Load() {
			return nil, false, fmt.Errorf("create %s: %w", id, ErrRegistryClosed)
		}

		if existing, ok := r.sessions.Load(id); ok {
			if !existing.isDestroyed() {
				return existing, false, nil
			}
			r.sessions.CompareAndDelete(id, existing)
			continue
		}

		candidate := newSession(id, r.opts)
		if _, loaded := r.sessions.LoadOrStore(id, candidate); loaded {
			continue
		}

		candidate.start()
		if r.closed.Load() {
			candidate.destroy()
			r.sessions.CompareAndDelete(id, candidate)
			return nil, false, fmt.Errorf("create %s: %w", id, ErrRegistryClosed)
		}

		r.recorder.SessionCreated()
		r.log.Debug("session created", logger.Field{Key: "session_id", Value: string(id)})
		return candidate, true, nil
	}
}

// Attach binds conn to the session for id, creating the session if needed.
// A session destroyed between lookup and attach is replaced transparently.
func (r *Registry) Attach(id SessionID, conn *Connection) (*Session, error) {
	for {
		s, _, err := r.GetOrCreate(id)
		if err != nil {
			return nil, err
		}

		err = s.Attach(conn)
		if errors.Is(err, ErrSessionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Get returns the live session for id.
func (r *Registry) Get(id SessionID) (*Session, bool) {
	s, ok := r.sessions.Load(id)
	if !ok || s.isDestroyed() {
		return nil, false
	}
	return s, true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// Range calls fn for every registered session until fn returns false.
func (r *Registry) Range(fn func(s *Session) bool) {
	r.sessions.Range(func(_ SessionID, s *Session) bool {
		return fn(s)
	})
}

// Remove destroys the session for id. It refuses while a connection is
// attached and is idempotent: removing an absent or already removed id
// returns ErrNotFound without side effects.
func (r *Registry) Remove(id SessionID) error {
	s, ok := r.sessions.Load(id)
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}

	err := s.remove()
	if err == nil || errors.Is(err, ErrNotFound) {
		r.sessions.CompareAndDelete(id, s)
	}
	if err == nil {
		r.log.Debug("session removed", logger.Field{Key: "session_id", Value: string(id)})
	}
	return err
}

// Send enqueues msg on the session for id.
//
// Returns:
//   - ErrNotFound if no live session exists
//   - ErrBackpressure if the target mailbox is full
func (r *Registry) Send(id SessionID, msg Message) error {
	s, ok := r.sessions.Load(id)
	if !ok {
		return fmt.Errorf("send to %s: %w", id, ErrNotFound)
	}

	if err := s.Enqueue(msg); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return fmt.Errorf("send to %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

// Broadcast enqueues msg on every session whose id satisfies match. A nil
// match selects every session. Failures on one session do not affect the
// others.
func (r *Registry) Broadcast(msg Message, match func(SessionID) bool) BroadcastReport {
	report := BroadcastReport{Failed: make(map[SessionID]error)}

	r.sessions.Range(func(id SessionID, s *Session) bool {
		if match != nil && !match(id) {
			return true
		}
		if err := s.Enqueue(msg); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return true
			}
			report.Failed[id] = err
			return true
		}
		report.Delivered = append(report.Delivered, id)
		return true
	})

	return report
}

// Expire destroys every session that is detached and idle for longer than
// timeout at now. Each decision is made under the session's own lock, so a
// session that reattaches concurrently is never expired.
//
// Returns:
//   - The ids of the sessions that were destroyed
func (r *Registry) Expire(now time.Time, timeout time.Duration) []SessionID {
	var expired []SessionID

	r.sessions.Range(func(id SessionID, s *Session) bool {
		if s.expire(now, timeout) {
			r.sessions.CompareAndDelete(id, s)
			r.recorder.SessionExpired()
			expired = append(expired, id)
		}
		return true
	})

	if len(expired) > 0 {
		r.log.Info("sessions expired", logger.Field{Key: "count", Value: len(expired)})
	}
	return expired
}

// Close destroys every session, closing their connections and stopping
// their outbound loops. Further creation fails with ErrRegistryClosed.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	count := 0
	r.sessions.Range(func(id SessionID, s *Session) bool {
		s.destroy()
		r.sessions.CompareAndDelete(id, s)
		count++
		return true
	})

	r.log.Info("registry closed", logger.Field{Key: "sessions", Value: count})
}
