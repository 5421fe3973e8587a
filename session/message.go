package session

// SessionID identifies a logical participant. It is opaque, supplied by the
// authenticator and stable across reconnects.
type SessionID string

// ConnectionID identifies one physical connection. IDs increase with accept
// order and are never reused within a process.
type ConnectionID uint64

// Kind is the frame type of a Message.
type Kind int

const (
	KindText Kind = iota
	KindBinary
	KindControl
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Message is an immutable unit of communication. The zero value is an empty
// text message with no origin.
type Message struct {
	kind    Kind
	payload []byte
	origin  SessionID
}

// NewMessage builds a Message from a copy of payload.
func NewMessage(kind Kind, payload []byte) Message {
	return Message{
		kind:    kind,
		payload: append([]byte(nil), payload...),
	}
}

// NewText builds a text Message.
func NewText(text string) Message {
	return Message{kind: KindText, payload: []byte(text)}
}

// WithOrigin returns a copy of m attributed to origin.
func (m Message) WithOrigin(origin SessionID) Message {
	m.origin = origin
	return m
}

// Kind returns the frame type.
func (m Message) Kind() Kind { return m.kind }

// Origin returns the sending session, or "" for server-originated messages.
func (m Message) Origin() SessionID { return m.origin }

// Payload returns a copy of the message body.
func (m Message) Payload() []byte { return append([]byte(nil), m.payload...) }

// Text returns the body as a string.
func (m Message) Text() string { return string(m.payload) }

// Len returns the body length in bytes.
func (m Message) Len() int { return len(m.payload) }
