// Package auth resolves the SessionID of a connecting client during the
// WebSocket handshake.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/cyberinferno/go-sessionhub/session"
)

// ErrUnauthenticated is wrapped by every rejection. No session is created
// for a rejected handshake.
var ErrUnauthenticated = errors.New("unauthenticated")

// HandshakeData is what an Authenticator may inspect.
type HandshakeData struct {
	Token      string
	RemoteAddr string
	Header     http.Header
	Query      url.Values
}

// Authenticator maps handshake data to a SessionID.
type Authenticator interface {
	// Authenticate returns the SessionID for a client or an error wrapping
	// ErrUnauthenticated. It must honour ctx cancellation.
	Authenticate(ctx context.Context, data HandshakeData) (session.SessionID, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, data HandshakeData) (session.SessionID, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, data HandshakeData) (session.SessionID, error) {
	return f(ctx, data)
}

// HandshakeFromRequest extracts the token from an "Authorization: Bearer"
// header or, failing that, the "token" query parameter.
func HandshakeFromRequest(r *http.Request) HandshakeData {
	query := r.URL.Query()
	token := ""
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		token = strings.TrimSpace(h[7:])
	}
	if token == "" {
		token = query.Get("token")
	}

	return HandshakeData{
		Token:      token,
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
		Query:      query,
	}
}
