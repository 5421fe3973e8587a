package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks field ranges and enumerations. All problems are reported
// together.
func (c *Config) Validate() error {
	var problems []string

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		problems = append(problems, fmt.Sprintf("server.ws_path %q must start with /", c.Server.WSPath))
	}
	if c.Server.HandshakeTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.PingInterval < 0 {
		problems = append(problems, "server timeouts must not be negative")
	}
	if c.Server.MaxMessageSize < 0 {
		problems = append(problems, "server.max_message_size must not be negative")
	}
	if c.Session.IdleTimeout <= 0 {
		problems = append(problems, "session.idle_timeout must be positive")
	}
	if c.Session.ReaperInterval <= 0 {
		problems = append(problems, "session.reaper_interval must be positive")
	}
	if c.Session.QueueCapacity <= 0 {
		problems = append(problems, "session.queue_capacity must be positive")
	}
	switch c.Session.Backpressure {
	case "reject_new", "drop_oldest":
	default:
		problems = append(problems, fmt.Sprintf("session.backpressure %q must be reject_new or drop_oldest", c.Session.Backpressure))
	}
	if c.Dispatcher.HandlerConcurrency <= 0 {
		problems = append(problems, "dispatcher.handler_concurrency must be positive")
	}

	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.Secret == "" {
			problems = append(problems, "auth.secret is required in jwt mode")
		}
	case "trusted":
	default:
		problems = append(problems, fmt.Sprintf("auth.mode %q must be jwt or trusted", c.Auth.Mode))
	}
	switch c.Auth.Cache.Type {
	case "none", "memory":
	case "redis":
		if c.Auth.Cache.Redis.Addr == "" {
			problems = append(problems, "auth.cache.redis.addr is required for the redis cache")
		}
	default:
		problems = append(problems, fmt.Sprintf("auth.cache.type %q must be none, memory or redis", c.Auth.Cache.Type))
	}

	if c.Logger.Output == "file" && c.Logger.FilePath == "" {
		problems = append(problems, "logger.file_path is required when output is file")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		problems = append(problems, fmt.Sprintf("metrics.path %q must start with /", c.Metrics.Path))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
