package am

import (
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/post"
)

// Validate checks that the configuration is usable. It does not require
// credentials; health reports a platform without them.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.NewInvalidArgumentError("database.path cannot be empty")
	}

	switch c.Pulse.Engine {
	case EnginePoll, EngineQueue:
	default:
		return errors.NewInvalidArgumentError("pulse.engine must be %q or %q, got %q", EnginePoll, EngineQueue, c.Pulse.Engine)
	}

	if c.Pulse.Engine == EngineQueue {
		switch c.Pulse.Broker {
		case BrokerSQLite:
		case BrokerRedis:
			if c.Redis.Addr == "" {
				return errors.WithHint(
					errors.NewInvalidArgumentError("redis.addr is required for the redis broker"),
					"set HERALD_REDIS_ADDR or [redis] addr in am.toml")
			}
		default:
			return errors.NewInvalidArgumentError("pulse.broker must be %q or %q, got %q", BrokerSQLite, BrokerRedis, c.Pulse.Broker)
		}
		if c.Pulse.Workers <= 0 {
			return errors.NewInvalidArgumentError("pulse.workers must be > 0 for the queue engine, got %d", c.Pulse.Workers)
		}
		if c.Pulse.QueuePollIntervalMS <= 0 {
			return errors.NewInvalidArgumentError("pulse.queue_poll_interval_ms must be > 0, got %d", c.Pulse.QueuePollIntervalMS)
		}
	}

	if c.Pulse.PollIntervalSeconds <= 0 {
		return errors.NewInvalidArgumentError("pulse.poll_interval_seconds must be > 0, got %d", c.Pulse.PollIntervalSeconds)
	}
	if c.Pulse.MaxRetries <= 0 {
		return errors.NewInvalidArgumentError("pulse.max_retries must be > 0, got %d", c.Pulse.MaxRetries)
	}
	if c.Pulse.PublishTimeoutSeconds <= 0 {
		return errors.NewInvalidArgumentError("pulse.publish_timeout_seconds must be > 0, got %d", c.Pulse.PublishTimeoutSeconds)
	}
	if c.Pulse.ReclaimAfterSeconds <= c.Pulse.PublishTimeoutSeconds {
		return errors.NewInvalidArgumentError("pulse.reclaim_after_seconds (%d) must exceed pulse.publish_timeout_seconds (%d)",
			c.Pulse.ReclaimAfterSeconds, c.Pulse.PublishTimeoutSeconds)
	}
	if c.Pulse.RetryBackoffSeconds <= 0 {
		return errors.NewInvalidArgumentError("pulse.retry_backoff_seconds must be > 0, got %d", c.Pulse.RetryBackoffSeconds)
	}
	if c.Pulse.MaxRetryBackoffSeconds < c.Pulse.RetryBackoffSeconds {
		return errors.NewInvalidArgumentError("pulse.max_retry_backoff_seconds (%d) must be >= pulse.retry_backoff_seconds (%d)",
			c.Pulse.MaxRetryBackoffSeconds, c.Pulse.RetryBackoffSeconds)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.NewInvalidArgumentError("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}

	for _, name := range c.PlatformNames() {
		if _, err := post.ParsePlatform(name); err != nil {
			return errors.WithHintf(err, "platform sections must be one of %v", post.AllPlatforms())
		}
		if c.Platforms[name].MaxPostsPerMinute < 0 {
			return errors.NewInvalidArgumentError("platforms.%s.max_posts_per_minute must be >= 0, got %d", name, c.Platforms[name].MaxPostsPerMinute)
		}
	}

	return nil
}
