// Package am loads herald configuration ("am" as in "I am configured like
// this") from TOML files and HERALD_* environment variables.
package am

import (
	"sort"
	"time"
)

// Config is the herald configuration
type Config struct {
	Database  DatabaseConfig            `mapstructure:"database" toml:"database"`
	Pulse     PulseConfig               `mapstructure:"pulse" toml:"pulse"`
	Redis     RedisConfig               `mapstructure:"redis" toml:"redis"`
	Server    ServerConfig              `mapstructure:"server" toml:"server"`
	Platforms map[string]PlatformConfig `mapstructure:"platforms" toml:"platforms"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// Dispatch engines
const (
	EnginePoll  = "poll"
	EngineQueue = "queue"
)

// Queue brokers
const (
	BrokerSQLite = "sqlite"
	BrokerRedis  = "redis"
)

// PulseConfig configures dispatch
type PulseConfig struct {
	Engine                 string `mapstructure:"engine" toml:"engine"`                                       // poll or queue
	Broker                 string `mapstructure:"broker" toml:"broker"`                                       // queue engine only: sqlite or redis
	Workers                int    `mapstructure:"workers" toml:"workers"`                                     // queue engine concurrency
	PollIntervalSeconds    int    `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"`         // poll engine cycle
	QueuePollIntervalMS    int    `mapstructure:"queue_poll_interval_ms" toml:"queue_poll_interval_ms"`       // idle worker sleep
	MaxRetries             int    `mapstructure:"max_retries" toml:"max_retries"`                             // retries after the first attempt
	PublishTimeoutSeconds  int    `mapstructure:"publish_timeout_seconds" toml:"publish_timeout_seconds"`     // per publish call
	ReclaimAfterSeconds    int    `mapstructure:"reclaim_after_seconds" toml:"reclaim_after_seconds"`         // processing posts older than this are reclaimed
	RetryBackoffSeconds    int    `mapstructure:"retry_backoff_seconds" toml:"retry_backoff_seconds"`         // first retry delay, doubled per retry
	MaxRetryBackoffSeconds int    `mapstructure:"max_retry_backoff_seconds" toml:"max_retry_backoff_seconds"` // retry delay cap
}

// RedisConfig configures the redis broker
type RedisConfig struct {
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"password,omitempty"`
	DB       int    `mapstructure:"db" toml:"db"`
	Prefix   string `mapstructure:"prefix" toml:"prefix"`
}

// ServerConfig configures the admin API
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"` // 0 disables the API
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// PlatformConfig holds credentials and limits for one platform
type PlatformConfig struct {
	AccessToken       string `mapstructure:"access_token" toml:"access_token,omitempty"`
	ClientID          string `mapstructure:"client_id" toml:"client_id,omitempty"`
	ClientSecret      string `mapstructure:"client_secret" toml:"client_secret,omitempty"`
	Handle            string `mapstructure:"handle" toml:"handle,omitempty"`
	Endpoint          string `mapstructure:"endpoint" toml:"endpoint,omitempty"`
	MaxPostsPerMinute int    `mapstructure:"max_posts_per_minute" toml:"max_posts_per_minute,omitempty"`
}

// HasCredentials reports whether any credential material is set
func (p PlatformConfig) HasCredentials() bool {
	return p.AccessToken != "" || p.ClientID != "" || p.ClientSecret != ""
}

// PlatformNames returns configured platform sections in name order
func (c *Config) PlatformNames() []string {
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PollInterval is the poll engine cycle
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pulse.PollIntervalSeconds) * time.Second
}

// QueuePollInterval is how long an idle queue worker sleeps
func (c *Config) QueuePollInterval() time.Duration {
	return time.Duration(c.Pulse.QueuePollIntervalMS) * time.Millisecond
}

// PublishTimeout bounds a single publish call
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Pulse.PublishTimeoutSeconds) * time.Second
}

// ReclaimAfter is how long a post may sit in processing before it is reclaimed
func (c *Config) ReclaimAfter() time.Duration {
	return time.Duration(c.Pulse.ReclaimAfterSeconds) * time.Second
}

// RetryBackoff is the first retry delay
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Pulse.RetryBackoffSeconds) * time.Second
}

// MaxRetryBackoff caps the retry delay
func (c *Config) MaxRetryBackoff() time.Duration {
	return time.Duration(c.Pulse.MaxRetryBackoffSeconds) * time.Second
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
