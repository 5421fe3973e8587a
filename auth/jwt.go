package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/go-sessionhub/session"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptySecretKey  = errors.New("secret key cannot be empty")
	ErrWeakSecretKey   = errors.New("secret key must be at least 32 characters")
	ErrInvalidDuration = errors.New("token ttl must be positive")
)

// JWTConfig configures a JWTAuthenticator.
type JWTConfig struct {
	Secret string
	Issuer string // checked when set
	TTL    time.Duration
}

// JWTAuthenticator accepts HS256 tokens whose subject is the SessionID.
type JWTAuthenticator struct {
	config JWTConfig
}

// NewJWTAuthenticator validates cfg and returns an authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if cfg.Secret == "" {
		return nil, ErrEmptySecretKey
	}
	if len(cfg.Secret) < 32 {
		return nil, ErrWeakSecretKey
	}
	if cfg.TTL <= 0 {
		return nil, ErrInvalidDuration
	}
	return &JWTAuthenticator{config: cfg}, nil
}

// IssueToken signs a token for id valid for the configured TTL.
func (a *JWTAuthenticator) IssueToken(id session.SessionID) (string, error) {
	if id == "" {
		return "", fmt.Errorf("issue token: empty session id")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(id),
		Issuer:    a.config.Issuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(a.config.TTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.Secret))
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, data HandshakeData) (session.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if data.Token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(data.Token, claims, func(token *jwt.Token) (any, error) {
		return []byte(a.config.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token has expired", ErrUnauthenticated)
		}
		return "", fmt.Errorf("%w: invalid token: %w", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	return session.SessionID(claims.Subject), nil
}
