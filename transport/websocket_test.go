package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve upgrades every request and hands the server-side stream to fn.
func serve(t *testing.T, opts Options, fn func(*Stream)) string {
	t.Helper()
	up := NewUpgrader(opts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer stream.Close()
		fn(stream)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, _, err := Dial(ctx, url, nil, Options{WriteTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stream.Close() })
	return stream
}

func TestStream_RoundTrip(t *testing.T) {
	url := serve(t, Options{WriteTimeout: time.Second}, func(s *Stream) {
		for {
			kind, data, err := s.ReadFrame()
			if err != nil {
				return
			}
			if err := s.WriteFrame(kind, data); err != nil {
				return
			}
		}
	})
	client := dial(t, url)

	tests := []struct {
		name    string
		kind    session.Kind
		payload string
		want    session.Kind
	}{
		{"text", session.KindText, "hello", session.KindText},
		{"binary", session.KindBinary, "\x00\x01", session.KindBinary},
		{"control travels as text", session.KindControl, `{"type":"control.ping"}`, session.KindControl},
		{"json that is not control", session.KindText, `{"type":"chat"}`, session.KindText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, client.WriteFrame(tt.kind, []byte(tt.payload)))
			kind, data, err := client.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
			assert.Equal(t, tt.payload, string(data))
		})
	}
}

func TestStream_GracefulCloseIsEOF(t *testing.T) {
	url := serve(t, Options{}, func(s *Stream) {
		_ = s.Close()
	})
	client := dial(t, url)

	_, _, err := client.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_ReadLimitIsProtocolError(t *testing.T) {
	result := make(chan error, 1)
	url := serve(t, Options{MaxMessageSize: 8}, func(s *Stream) {
		_, _, err := s.ReadFrame()
		result <- err
	})
	client := dial(t, url)

	require.NoError(t, client.WriteFrame(session.KindText, []byte(strings.Repeat("x", 64))))
	select {
	case err := <-result:
		assert.ErrorIs(t, err, session.ErrProtocol)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe the oversized frame")
	}
}

func TestStream_Keepalive(t *testing.T) {
	pinged := make(chan struct{}, 1)
	url := serve(t, Options{PingInterval: 20 * time.Millisecond}, func(s *Stream) {
		s.conn.SetPongHandler(func(string) error {
			_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
			select {
			case pinged <- struct{}{}:
			default:
			}
			return nil
		})
		for {
			if _, _, err := s.ReadFrame(); err != nil {
				return
			}
		}
	})
	client := dial(t, url)

	// the client must be reading for its default ping handler to answer
	go func() {
		for {
			if _, _, err := client.ReadFrame(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestDial_Refused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, resp, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, Options{})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIsControl(t *testing.T) {
	assert.True(t, IsControl([]byte(`{"type":"control.ping"}`)))
	assert.False(t, IsControl([]byte(`{"type":"chat"}`)))
	assert.False(t, IsControl([]byte(`{"type":7}`)))
	assert.False(t, IsControl([]byte("control.ping")))
}
