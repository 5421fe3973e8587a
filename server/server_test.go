package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/cyberinferno/go-sessionhub/auth"
	"github.com/cyberinferno/go-sessionhub/config"
	"github.com/cyberinferno/go-sessionhub/metrics"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/cyberinferno/go-sessionhub/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.HandshakeTimeout = time.Second
	cfg.Server.WriteTimeout = time.Second
	cfg.Session.IdleTimeout = time.Minute
	cfg.Session.ReaperInterval = 10 * time.Millisecond
	cfg.Dispatcher.Echo = true
	return *cfg
}

func startServer(t *testing.T, cfg config.Config, deps Deps) *Server {
	t.Helper()
	s, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func wsURL(s *Server) string {
	return "ws://" + s.Addr() + s.cfg.Server.WSPath
}

func dial(t *testing.T, s *Server, header http.Header) (*transport.Stream, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, resp, err := transport.Dial(ctx, wsURL(s), header, transport.Options{WriteTimeout: time.Second})
	if err == nil {
		t.Cleanup(func() { _ = stream.Close() })
	}
	return stream, resp, err
}

func connect(t *testing.T, s *Server, id string) *transport.Stream {
	t.Helper()
	stream, _, err := dial(t, s, http.Header{auth.SessionHeader: {id}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		sess, ok := s.Registry.Get(session.SessionID(id))
		return ok && sess.Attached()
	}, waitFor, tick)
	return stream
}

type frame struct {
	kind session.Kind
	data string
	err  error
}

func read(t *testing.T, stream *transport.Stream) (session.Kind, string) {
	t.Helper()
	got := make(chan frame, 1)
	go func() {
		kind, data, err := stream.ReadFrame()
		got <- frame{kind: kind, data: string(data), err: err}
	}()

	select {
	case f := <-got:
		require.NoError(t, f.err)
		return f.kind, f.data
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return 0, ""
	}
}

func send(t *testing.T, stream *transport.Stream, kind session.Kind, payload string) {
	t.Helper()
	require.NoError(t, stream.WriteFrame(kind, []byte(payload)))
}

func waitDetached(t *testing.T, s *Server, id session.SessionID) *session.Session {
	t.Helper()
	var sess *session.Session
	require.Eventually(t, func() bool {
		var ok bool
		sess, ok = s.Registry.Get(id)
		return ok && !sess.Attached()
	}, waitFor, tick)
	return sess
}

func TestServer_PingPongIsolation(t *testing.T) {
	s := startServer(t, testConfig(), Deps{})
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	send(t, alice, session.KindControl, `{"type":"control.ping","id":1}`)
	kind, data := read(t, alice)
	assert.Equal(t, session.KindControl, kind)
	assert.JSONEq(t, `{"type":"control.pong","id":1}`, data)

	send(t, bob, session.KindText, "hello bob")
	_, data = read(t, bob)
	assert.Equal(t, "hello bob", data)

	// the next thing alice sees is her own echo, not bob's traffic
	send(t, alice, session.KindText, "marker")
	_, data = read(t, alice)
	assert.Equal(t, "marker", data)
}

func TestServer_EchoBinaryAsText(t *testing.T) {
	s := startServer(t, testConfig(), Deps{})
	alice := connect(t, s, "alice")

	send(t, alice, session.KindBinary, "\x00raw")
	kind, data := read(t, alice)
	assert.Equal(t, session.KindText, kind)
	assert.Equal(t, "raw", data)
}

func TestServer_Routing(t *testing.T) {
	s := startServer(t, testConfig(), Deps{})
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")
	carol := connect(t, s, "carol")

	direct := `{"to":"bob","say":"hi"}`
	send(t, alice, session.KindText, direct)
	_, data := read(t, bob)
	assert.Equal(t, direct, data)

	broadcast := `{"to":"*","say":"all"}`
	send(t, alice, session.KindText, broadcast)
	_, data = read(t, bob)
	assert.Equal(t, broadcast, data)
	_, data = read(t, carol)
	assert.Equal(t, broadcast, data)

	send(t, alice, session.KindText, "marker")
	_, data = read(t, alice)
	assert.Equal(t, "marker", data, "broadcast excludes the sender")
}

func TestServer_ReconnectReceivesQueuedMessages(t *testing.T) {
	s := startServer(t, testConfig(), Deps{})
	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")

	require.NoError(t, alice.Close())
	sess := waitDetached(t, s, "alice")

	send(t, bob, session.KindText, `{"to":"alice","n":1}`)
	send(t, bob, session.KindText, `{"to":"alice","n":2}`)
	require.Eventually(t, func() bool { return sess.Pending() == 2 }, waitFor, tick)

	again := connect(t, s, "alice")
	_, first := read(t, again)
	_, second := read(t, again)
	assert.JSONEq(t, `{"to":"alice","n":1}`, first)
	assert.JSONEq(t, `{"to":"alice","n":2}`, second)

	current, ok := s.Registry.Get("alice")
	require.True(t, ok)
	assert.Same(t, sess, current, "reconnect reuses the session")
}

func TestServer_ExpiryStartsFresh(t *testing.T) {
	cfg := testConfig()
	cfg.Session.IdleTimeout = 50 * time.Millisecond
	s := startServer(t, cfg, Deps{})

	alice := connect(t, s, "alice")
	bob := connect(t, s, "bob")
	require.NoError(t, alice.Close())
	stale := waitDetached(t, s, "alice")
	send(t, bob, session.KindText, `{"to":"alice","stale":true}`)

	require.Eventually(t, func() bool {
		_, ok := s.Registry.Get("alice")
		return !ok
	}, waitFor, tick)

	again := connect(t, s, "alice")
	fresh, ok := s.Registry.Get("alice")
	require.True(t, ok)
	assert.NotSame(t, stale, fresh)

	send(t, again, session.KindText, "marker")
	_, data := read(t, again)
	assert.Equal(t, "marker", data, "queued messages do not survive expiry")

	_, ok = s.Registry.Get("bob")
	assert.True(t, ok, "attached sessions never expire")
}

func TestServer_Authentication(t *testing.T) {
	jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{Secret: "0123456789abcdef0123456789abcdef", TTL: time.Hour})
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	m := metrics.New(cfg.Metrics)
	s := startServer(t, cfg, Deps{Authenticator: jwtAuth, Metrics: m})

	t.Run("missing token is rejected before any session exists", func(t *testing.T) {
		_, resp, err := dial(t, s, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, 0, s.Registry.Len())
	})

	t.Run("valid token binds to its subject", func(t *testing.T) {
		token, err := jwtAuth.IssueToken("dave")
		require.NoError(t, err)

		stream, _, err := dial(t, s, http.Header{"Authorization": {"Bearer " + token}})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			sess, ok := s.Registry.Get("dave")
			return ok && sess.Attached()
		}, waitFor, tick)

		send(t, stream, session.KindText, "hi")
		_, data := read(t, stream)
		assert.Equal(t, "hi", data)
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		resp, err := http.Get("http://" + s.Addr() + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)

		assert.Contains(t, string(body), `sessionhub_connections_rejected_total{reason="unauthenticated"} 1`)
		assert.Contains(t, string(body), "sessionhub_connections_accepted_total 1")
		assert.Contains(t, string(body), "sessionhub_sessions_created_total 1")
	})
}

func TestServer_HandshakeTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	stuck := auth.AuthenticatorFunc(func(context.Context, auth.HandshakeData) (session.SessionID, error) {
		<-block
		return "late", nil
	})

	cfg := testConfig()
	cfg.Server.HandshakeTimeout = 50 * time.Millisecond
	s := startServer(t, cfg, Deps{Authenticator: stuck})

	_, resp, err := dial(t, s, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Equal(t, 0, s.Registry.Len())
}

func TestServer_Health(t *testing.T) {
	s := startServer(t, testConfig(), Deps{})
	first := connect(t, s, "alice")
	require.NoError(t, first.Close())
	connect(t, s, "alice")
	require.Eventually(t, func() bool {
		return s.IdGenerator.Issued() == 2 && s.ActiveConnections() == 1
	}, waitFor, tick)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		Sessions    int    `json:"sessions"`
		Connections int64  `json:"connections"`
		Accepted    uint64 `json:"accepted"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
	assert.Equal(t, int64(1), body.Connections)
	assert.Equal(t, uint64(2), body.Accepted)
}

func TestServer_StartStop(t *testing.T) {
	s, err := New(testConfig(), Deps{})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "already running")

	alice := connect(t, s, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running.Load())
	assert.Equal(t, 0, s.Registry.Len())
	assert.Equal(t, int64(0), s.ActiveConnections())

	_, _, err = alice.ReadFrame()
	assert.Error(t, err)

	assert.NoError(t, s.Stop(ctx), "second stop is a no-op")
}

func TestNew_InvalidPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Backpressure = "block"
	_, err := New(cfg, Deps{})
	assert.Error(t, err)
}
