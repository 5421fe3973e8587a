// Package transport adapts gorilla/websocket connections to session.Stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const closeGracePeriod = time.Second

// Options tunes a Stream.
type Options struct {
	WriteTimeout     time.Duration // per frame; 0 means no deadline
	PingInterval     time.Duration // 0 disables keepalive
	MaxMessageSize   int64         // 0 means unlimited
	HandshakeTimeout time.Duration
}

func (o Options) pongWait() time.Duration {
	return o.PingInterval * 2
}

// Stream is a session.Stream over a WebSocket connection. Text frames whose
// JSON "type" starts with "control." are reported as session.KindControl.
type Stream struct {
	conn      *websocket.Conn
	opts      Options
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream wraps conn and, when PingInterval is set, starts sending pings
// and expects a pong within two intervals.
func NewStream(conn *websocket.Conn, opts Options) *Stream {
	s := &Stream{
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.pongWait()))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.pongWait()))
		})
		go s.keepalive()
	}

	return s
}

// RemoteAddr returns the peer address.
func (s *Stream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// ReadFrame implements session.Stream.
func (s *Stream) ReadFrame() (session.Kind, []byte, error) {
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		return 0, nil, classifyReadError(err)
	}

	if mt == websocket.BinaryMessage {
		return session.KindBinary, data, nil
	}
	if IsControl(data) {
		return session.KindControl, data, nil
	}
	return session.KindText, data, nil
}

// WriteFrame implements session.Stream. Control messages travel as text.
func (s *Stream) WriteFrame(kind session.Kind, payload []byte) error {
	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return err
		}
	}

	mt := websocket.TextMessage
	if kind == session.KindBinary {
		mt = websocket.BinaryMessage
	}
	return s.conn.WriteMessage(mt, payload)
}

// Close sends a normal closure frame and closes the socket.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) keepalive() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.PingInterval)
			if s.opts.WriteTimeout > 0 {
				deadline = time.Now().Add(s.opts.WriteTimeout)
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

// IsControl reports whether a text payload is a control message.
func IsControl(data []byte) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	t := gjson.GetBytes(data, "type")
	return t.Type == gjson.String && strings.HasPrefix(t.Str, "control.")
}

func classifyReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: %w", session.ErrProtocol, err)
	}
	if websocket.IsCloseError(err, websocket.CloseProtocolError, websocket.CloseUnsupportedData,
		websocket.CloseInvalidFramePayloadData, websocket.CloseMessageTooBig) {
		return fmt.Errorf("%w: %w", session.ErrProtocol, err)
	}
	return err
}

// Upgrader upgrades HTTP requests to Streams.
type Upgrader struct {
	upgrader websocket.Upgrader
	opts     Options
}

// NewUpgrader creates an Upgrader that accepts any origin. Authentication is
// expected to happen before Upgrade is called.
func NewUpgrader(opts Options) *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		opts: opts,
	}
}

// Upgrade completes the WebSocket handshake. On failure an HTTP error has
// already been written to w.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, header http.Header) (*Stream, error) {
	conn, err := u.upgrader.Upgrade(w, r, header)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewStream(conn, u.opts), nil
}

// Dial connects to a WebSocket server.
//
// Parameters:
//   - ctx: Bounds the handshake
//   - url: ws:// or wss:// endpoint
//   - header: Extra request headers, e.g. Authorization
//   - opts: Stream options for the resulting connection
//
// Returns:
//   - The connected Stream
//   - The handshake response, which is useful on failure
//   - An error if the handshake failed
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Stream, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewStream(conn, opts), resp, nil
}
