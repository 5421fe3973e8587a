package session

import "errors"

var (
	// ErrTransport reports an I/O failure on a connection. The connection is
	// closed afterwards; the owning session survives.
	ErrTransport = errors.New("transport error")

	// ErrProtocol reports a malformed frame. Terminal for the connection.
	ErrProtocol = errors.New("protocol error")

	// ErrConnClosed is returned when sending on a connection that is not open.
	ErrConnClosed = errors.New("connection closed")

	// ErrBackpressure is returned by Enqueue when the mailbox is full and the
	// policy is RejectNew.
	ErrBackpressure = errors.New("mailbox full")

	ErrStillActive       = errors.New("session still has an attached connection")
	ErrNotFound          = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrSuperseded        = errors.New("connection superseded by a newer one")
	ErrConnectionClaimed = errors.New("connection already bound to a session")
	ErrRegistryClosed    = errors.New("registry closed")
)
