// Package config loads the session hub configuration from YAML with .env
// support and ${VAR:default} placeholder expansion.
package config

import (
	"time"

	"github.com/cyberinferno/go-sessionhub/logger"
)

type (
	// Config is the root configuration of a sessiond process.
	Config struct {
		Server     ServerConfig     `yaml:"server"`
		Session    SessionConfig    `yaml:"session"`
		Dispatcher DispatcherConfig `yaml:"dispatcher"`
		Auth       AuthConfig       `yaml:"auth"`
		Logger     LoggerConfig     `yaml:"logger"`
		Metrics    MetricsConfig    `yaml:"metrics"`
	}

	// ServerConfig controls the HTTP listener and per-connection transport.
	ServerConfig struct {
		Name             string        `yaml:"name"`
		Listen           string        `yaml:"listen"`            // host:port
		WSPath           string        `yaml:"ws_path"`           // upgrade route
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // auth + upgrade, hard limit
		WriteTimeout     time.Duration `yaml:"write_timeout"`     // per frame
		PingInterval     time.Duration `yaml:"ping_interval"`     // 0 disables keepalive
		MaxMessageSize   int64         `yaml:"max_message_size"`  // bytes
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	}

	// SessionConfig controls mailboxes and expiry.
	SessionConfig struct {
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		ReaperInterval time.Duration `yaml:"reaper_interval"`
		QueueCapacity  int           `yaml:"queue_capacity"`
		Backpressure   string        `yaml:"backpressure"` // reject_new, drop_oldest
	}

	// DispatcherConfig controls inbound message handling.
	DispatcherConfig struct {
		HandlerConcurrency int64 `yaml:"handler_concurrency"`
		Echo               bool  `yaml:"echo"` // register the echo handler
	}

	// AuthConfig selects how handshakes are authenticated.
	AuthConfig struct {
		Mode     string          `yaml:"mode"` // jwt, trusted
		Secret   string          `yaml:"secret"`
		Issuer   string          `yaml:"issuer"`
		TokenTTL time.Duration   `yaml:"token_ttl"`
		Cache    AuthCacheConfig `yaml:"cache"`
	}

	// AuthCacheConfig configures caching of successful authentications.
	AuthCacheConfig struct {
		Type  string        `yaml:"type"` // none, memory, redis
		TTL   time.Duration `yaml:"ttl"`
		Redis RedisConfig   `yaml:"redis"`
	}

	// RedisConfig is the connection information for a Redis-backed cache.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
	}

	// MetricsConfig configures the Prometheus endpoint.
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Path      string    `yaml:"path"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}
)

// Options maps the logger block onto logger.Options.
func (c LoggerConfig) Options(service string) logger.Options {
	return logger.Options{
		Service:    service,
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSizeMB:  c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAge,
		Compress:   c.Compress,
	}
}

// Default returns a configuration that runs a trusted-mode hub on :8080.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued field that has a sensible default.
func (c *Config) ApplyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "sessiond"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = 64 * 1024
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 5 * time.Minute
	}
	if c.Session.ReaperInterval == 0 {
		c.Session.ReaperInterval = 30 * time.Second
	}
	if c.Session.QueueCapacity == 0 {
		c.Session.QueueCapacity = 256
	}
	if c.Session.Backpressure == "" {
		c.Session.Backpressure = "reject_new"
	}

	if c.Dispatcher.HandlerConcurrency == 0 {
		c.Dispatcher.HandlerConcurrency = 64
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "trusted"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = time.Hour
	}
	if c.Auth.Cache.Type == "" {
		c.Auth.Cache.Type = "none"
	}
	if c.Auth.Cache.TTL == 0 {
		c.Auth.Cache.TTL = time.Minute
	}
	if c.Auth.Cache.Redis.Prefix == "" {
		c.Auth.Cache.Redis.Prefix = "sessionhub:auth:"
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "sessionhub"
	}
}
