package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "herald.db")

	v.SetDefault("pulse.engine", EnginePoll)
	v.SetDefault("pulse.broker", BrokerSQLite)
	v.SetDefault("pulse.workers", 5)
	v.SetDefault("pulse.poll_interval_seconds", 60)
	v.SetDefault("pulse.queue_poll_interval_ms", 1000)
	v.SetDefault("pulse.max_retries", 3)
	v.SetDefault("pulse.publish_timeout_seconds", 30)
	v.SetDefault("pulse.reclaim_after_seconds", 600)
	v.SetDefault("pulse.retry_backoff_seconds", 30)
	v.SetDefault("pulse.max_retry_backoff_seconds", 900) // 15 minutes

	v.SetDefault("redis.prefix", "herald")

	v.SetDefault("server.port", 0) // disabled
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
}

// sensitivePlatformKeys are bound to HERALD_<PLATFORM>_<KEY>
var sensitivePlatformKeys = []string{"access_token", "client_id", "client_secret", "handle"}

// knownPlatforms get env bindings even without a config file section
var knownPlatforms = []string{"linkedin", "x", "bluesky"}

// BindSensitiveEnvVars explicitly binds credentials to environment variables.
// AutomaticEnv alone cannot surface keys that no file or default declares.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "HERALD_DATABASE_PATH")
	v.BindEnv("redis.addr", "HERALD_REDIS_ADDR")
	v.BindEnv("redis.password", "HERALD_REDIS_PASSWORD")

	for _, platform := range knownPlatforms {
		for _, key := range sensitivePlatformKeys {
			v.BindEnv(
				fmt.Sprintf("platforms.%s.%s", platform, key),
				fmt.Sprintf("HERALD_%s_%s", envName(platform), envName(key)),
			)
		}
	}
}

// String returns a one-line summary without credentials
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Engine: %s, Broker: %s, Workers: %d}, Server: {Port: %d}, Platforms: %v}",
		c.Database.Path, c.Pulse.Engine, c.Pulse.Broker, c.Pulse.Workers, c.Server.Port, c.PlatformNames())
}
