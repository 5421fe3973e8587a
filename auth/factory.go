package auth

import (
	"fmt"

	"github.com/cyberinferno/go-sessionhub/cacher"
	"github.com/cyberinferno/go-sessionhub/config"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/redis/go-redis/v9"
)

// FromConfig builds the authenticator described by cfg, wrapped in a cache
// when one is configured. The returned cleanup releases cache connections
// and is never nil. log receives cache failures and may be nil.
func FromConfig(cfg config.AuthConfig, log logger.Logger) (Authenticator, func() error, error) {
	noop := func() error { return nil }

	var base Authenticator
	switch cfg.Mode {
	case "jwt":
		a, err := NewJWTAuthenticator(JWTConfig{Secret: cfg.Secret, Issuer: cfg.Issuer, TTL: cfg.TokenTTL})
		if err != nil {
			return nil, noop, fmt.Errorf("jwt authenticator: %w", err)
		}
		base = a
	case "trusted", "":
		// trusted handshakes carry no token, so there is nothing to cache
		return NewTrustedAuthenticator(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}

	switch cfg.Cache.Type {
	case "", "none":
		return base, noop, nil
	case "memory":
		c := cacher.NewMemoryCacher[string](cfg.Cache.TTL, 2*cfg.Cache.TTL)
		return NewCachingAuthenticator(base, c, cfg.Cache.TTL, log), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		c := cacher.NewRedisCacher[string](client, cfg.Cache.Redis.Prefix)
		return NewCachingAuthenticator(base, c, cfg.Cache.TTL, log), client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown auth cache type %q", cfg.Cache.Type)
	}
}
