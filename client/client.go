// Package client provides an event-driven WebSocket client for the session
// hub that notifies callers of connection state changes, received messages
// and errors via registered handlers. It supports optional auto-reconnect;
// because sessions outlive connections, messages queued for the client while
// it was away are delivered after it reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/cyberinferno/go-sessionhub/transport"
)

var (
	ErrClientClosed     = errors.New("client is closed")
	ErrAlreadyConnected = errors.New("already connected or connecting")
	ErrNotConnected     = errors.New("not connected")
)

// ConnectionState represents the current state of the client connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Handshake completed
	Reconnecting                        // Waiting to retry after a lost connection
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	URL       string          // The endpoint
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the state change was due to an error
}

// MessageEvent is emitted for every message received from the hub.
type MessageEvent struct {
	Kind      session.Kind
	Data      []byte
	Timestamp time.Time
}

// ErrorEvent is emitted when a read, write or dial error occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called from its own goroutine on state changes.
type ConnectionStateHandler func(event ConnectionStateEvent)

// MessageHandler is called on the read goroutine, in arrival order. It must
// not block for long.
type MessageHandler func(event MessageEvent)

// ErrorHandler is called from its own goroutine on errors.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for the client.
type Config struct {
	// URL is the ws:// or wss:// endpoint, including the upgrade path.
	URL string
	// Header is sent with every handshake, e.g. Authorization or X-Session-Id.
	Header http.Header
	// AutoReconnect enables automatic reconnection when the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ConnectionTimeout bounds each handshake.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with default values for the given URL.
//
// Parameters:
//   - url: The endpoint to connect to
//
// Returns:
//   - A Config with defaults: AutoReconnect false, ReconnectInterval 5s,
//     WriteTimeout 10s, ConnectionTimeout 10s
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Client is a WebSocket client driven by events. Register handlers, then
// call Connect. It is safe for concurrent use.
type Client struct {
	config Config
	stream *transport.Stream
	state  ConnectionState

	onConnectionState ConnectionStateHandler
	onMessage         MessageHandler
	onError           ErrorHandler

	mu               sync.RWMutex
	writeMu          sync.Mutex
	stopChan         chan struct{}
	reconnectChan    chan struct{}
	wg               sync.WaitGroup
	closed           bool
	reconnectStarted bool
}

// New creates a client in Disconnected state.
func New(config Config) *Client {
	return &Client{
		config:        config,
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for connection state changes,
// replacing any previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnMessage registers the handler for received messages, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnError registers the handler for errors, replacing any previous one.
// Pass nil to clear it.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect performs the handshake. With AutoReconnect, a lost connection is
// retried every ReconnectInterval until Close.
//
// Parameters:
//   - ctx: Bounds this handshake only
//
// Returns:
//   - ErrClientClosed, ErrAlreadyConnected (also while a reconnect is
//     pending), or the dial error
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == Connected || c.state == Connecting || c.state == Reconnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	if c.config.AutoReconnect && !c.reconnectStarted {
		c.reconnectStarted = true
		c.wg.Add(1)
		go c.reconnectHandler()
	}
	c.mu.Unlock()

	return c.connect(ctx)
}

// Disconnect closes the current connection without reconnecting. Connect
// may be called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	state := c.state
	c.mu.Unlock()

	if stream == nil || state == Closed {
		return nil
	}

	err := stream.Close()
	c.setState(Disconnected, nil)
	return err
}

// Close shuts down the client and waits for its goroutines. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)
	return nil
}

// Send writes one message.
//
// Parameters:
//   - kind: Frame type; control messages travel as text
//   - data: Payload; not modified
//
// Returns:
//   - ErrNotConnected, or the write error (which also triggers a reconnect
//     when enabled)
func (c *Client) Send(kind session.Kind, data []byte) error {
	c.mu.RLock()
	stream := c.stream
	state := c.state
	c.mu.RUnlock()

	if state != Connected || stream == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	err := stream.WriteFrame(kind, data)
	c.writeMu.Unlock()

	if err != nil {
		c.emitError(err)
		_ = stream.Close()
	}
	return err
}

// SendText is Send with a text frame.
func (c *Client) SendText(text string) error {
	return c.Send(session.KindText, []byte(text))
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.GetState() == Connected
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(Connecting, nil)

	if c.config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectionTimeout)
		defer cancel()
	}

	stream, _, err := transport.Dial(ctx, c.config.URL, c.config.Header, transport.Options{
		WriteTimeout:     c.config.WriteTimeout,
		HandshakeTimeout: c.config.ConnectionTimeout,
	})
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = stream.Close()
		return ErrClientClosed
	}
	if c.stream != nil {
		// another dial won
		c.mu.Unlock()
		_ = stream.Close()
		return ErrAlreadyConnected
	}
	c.stream = stream
	c.state = Connected
	c.wg.Add(1)
	c.mu.Unlock()

	c.emitConnectionState(Connected, nil)
	go c.readLoop(stream)
	return nil
}

func (c *Client) readLoop(stream *transport.Stream) {
	defer c.wg.Done()

	for {
		kind, data, err := stream.ReadFrame()
		if err != nil {
			c.mu.Lock()
			current := c.stream == stream
			if current {
				c.stream = nil
			}
			closed := c.closed
			c.mu.Unlock()

			_ = stream.Close()
			if closed || !current {
				return
			}

			if !errors.Is(err, io.EOF) {
				c.emitError(fmt.Errorf("read: %w", err))
			}
			c.setState(Disconnected, err)
			c.triggerReconnect()
			return
		}

		c.mu.RLock()
		handler := c.onMessage
		c.mu.RUnlock()
		if handler != nil {
			handler(MessageEvent{Kind: kind, Data: data, Timestamp: time.Now()})
		}
	}
}

func (c *Client) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
		}

		for {
			c.setState(Reconnecting, nil)

			select {
			case <-c.stopChan:
				return
			case <-time.After(c.config.ReconnectInterval):
			}

			if c.isClosed() {
				return
			}
			err := c.connect(context.Background())
			if err == nil || errors.Is(err, ErrClientClosed) || errors.Is(err, ErrAlreadyConnected) {
				break
			}
		}
	}
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.emitConnectionState(state, err)
}

func (c *Client) emitConnectionState(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		event := ConnectionStateEvent{
			State:     state,
			URL:       c.config.URL,
			Timestamp: time.Now(),
			Error:     err,
		}

		go handler(event)
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		event := ErrorEvent{
			Error:     err,
			Timestamp: time.Now(),
		}

		go handler(event)
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
