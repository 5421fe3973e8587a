package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/cyberinferno/go-sessionhub/cacher"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/golang-jwt/jwt/v5"
)

// CachingAuthenticator remembers successful token authentications for a
// TTL. Handshakes without a token bypass the cache. Failures are never
// cached, and a token carrying an exp claim is never cached past it.
//
// The cache is advisory: when it cannot be read or written the handshake is
// authenticated by inner directly.
type CachingAuthenticator struct {
	inner  Authenticator
	cache  cacher.Cacher[string]
	ttl    time.Duration
	log    logger.Logger
	parser *jwt.Parser
}

// NewCachingAuthenticator wraps inner with cache.
//
// Parameters:
//   - inner: The authenticator consulted on a miss
//   - cache: Where SessionIDs are stored, keyed by a hash of the token
//   - ttl: How long a result is trusted; 0 uses the cache default
//   - log: Receives cache failures; nil discards them
func NewCachingAuthenticator(inner Authenticator, cache cacher.Cacher[string], ttl time.Duration, log logger.Logger) *CachingAuthenticator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &CachingAuthenticator{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		log:    log.With(logger.Field{Key: "component", Value: "auth_cache"}),
		parser: jwt.NewParser(),
	}
}

// Authenticate implements Authenticator.
func (a *CachingAuthenticator) Authenticate(ctx context.Context, data HandshakeData) (session.SessionID, error) {
	if data.Token == "" {
		return a.inner.Authenticate(ctx, data)
	}

	ttl, ok := a.entryTTL(data.Token)
	if !ok {
		return a.inner.Authenticate(ctx, data)
	}

	// fetchRan is only set when this call led the fetch; followers of a
	// shared fetch see its result through err.
	var (
		fetchRan bool
		fetched  session.SessionID
		fetchErr error
	)
	id, err := a.cache.GetOrFetch(ctx, tokenKey(data.Token), ttl, func(ctx context.Context) (string, error) {
		fetchRan = true
		fetched, fetchErr = a.inner.Authenticate(ctx, data)
		return string(fetched), fetchErr
	})

	switch {
	case err == nil:
		return session.SessionID(id), nil
	case fetchRan && fetchErr != nil:
		return "", fetchErr
	case fetchRan:
		a.log.Warn("failed to cache authentication", logger.Field{Key: "error", Value: err.Error()})
		return fetched, nil
	case errors.Is(err, ErrUnauthenticated):
		return "", err
	default:
		a.log.Warn("auth cache unavailable", logger.Field{Key: "error", Value: err.Error()})
		return a.inner.Authenticate(ctx, data)
	}
}

// Revoke forgets the cached result for token so the next handshake is
// authenticated again.
func (a *CachingAuthenticator) Revoke(ctx context.Context, token string) error {
	return a.cache.Delete(ctx, tokenKey(token))
}

// entryTTL caps the cache TTL at the token's remaining lifetime. ok is false
// when the token has already expired and must not be cached at all. The
// claims are read unverified; an entry only exists once inner accepted the
// same token.
func (a *CachingAuthenticator) entryTTL(token string) (time.Duration, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := a.parser.ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return a.ttl, true
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return 0, false
	}
	if a.ttl <= 0 || remaining < a.ttl {
		return remaining, true
	}
	return a.ttl, true
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
