package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/google/uuid"
)

// SessionHeader carries the SessionID in trusted mode.
const SessionHeader = "X-Session-Id"

const maxSessionIDLength = 128

// TrustedAuthenticator takes the SessionID from the X-Session-Id header or
// the "sid" query parameter, assigning a random one when neither is present.
// It is meant for deployments behind a gateway that has already
// authenticated the client, and for local development.
type TrustedAuthenticator struct{}

// NewTrustedAuthenticator returns a TrustedAuthenticator.
func NewTrustedAuthenticator() *TrustedAuthenticator {
	return &TrustedAuthenticator{}
}

// Authenticate implements Authenticator.
func (TrustedAuthenticator) Authenticate(ctx context.Context, data HandshakeData) (session.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := strings.TrimSpace(data.Header.Get(SessionHeader))
	if id == "" && data.Query != nil {
		id = strings.TrimSpace(data.Query.Get("sid"))
	}
	if id == "" {
		return session.SessionID(uuid.NewString()), nil
	}
	if len(id) > maxSessionIDLength {
		return "", fmt.Errorf("%w: session id longer than %d bytes", ErrUnauthenticated, maxSessionIDLength)
	}

	return session.SessionID(id), nil
}
