package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/herald/errors"
)

// isolate points every config layer at a temp dir and clears cached state
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	Reset()
	t.Cleanup(Reset)

	oldSystem := systemConfigPath
	systemConfigPath = filepath.Join(dir, "etc", "config.toml")
	t.Cleanup(func() { systemConfigPath = oldSystem })

	t.Setenv("HOME", filepath.Join(dir, "home"))
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), DefaultDirPermissions))
	require.NoError(t, os.WriteFile(path, []byte(body), DefaultFilePermissions))
}

func defaults(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaults(t)

	assert.Equal(t, "herald.db", cfg.Database.Path)
	assert.Equal(t, EnginePoll, cfg.Pulse.Engine)
	assert.Equal(t, BrokerSQLite, cfg.Pulse.Broker)
	assert.Equal(t, 5, cfg.Pulse.Workers)
	assert.Equal(t, 60, cfg.Pulse.PollIntervalSeconds)
	assert.Equal(t, 3, cfg.Pulse.MaxRetries)
	assert.Equal(t, 600, cfg.Pulse.ReclaimAfterSeconds)
	assert.Equal(t, "herald", cfg.Redis.Prefix)
	assert.Zero(t, cfg.Server.Port)
	assert.Contains(t, cfg.Server.AllowedOrigins, "http://localhost")
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, "1m0s", cfg.PollInterval().String())
	assert.Equal(t, "15m0s", cfg.MaxRetryBackoff().String())
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)

	writeFile(t, systemConfigPath, `
[database]
path = "system.db"

[pulse]
max_retries = 7
workers = 2
`)
	writeFile(t, filepath.Join(dir, "home", ".herald", "am.toml"), `
[pulse]
max_retries = 5

[platforms.linkedin]
handle = "urn:li:person:abc"
`)
	writeFile(t, filepath.Join(dir, "am.toml"), `
[pulse]
engine = "queue"
`)
	t.Setenv("HERALD_PULSE_WORKERS", "9")
	t.Setenv("HERALD_LINKEDIN_ACCESS_TOKEN", "tok")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "system.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Pulse.MaxRetries, "user overrides system")
	assert.Equal(t, EngineQueue, cfg.Pulse.Engine, "project file applies")
	assert.Equal(t, 9, cfg.Pulse.Workers, "environment beats every file")
	assert.Equal(t, "tok", cfg.Platforms["linkedin"].AccessToken)
	assert.Equal(t, "urn:li:person:abc", cfg.Platforms["linkedin"].Handle)
	assert.True(t, cfg.Platforms["linkedin"].HasCredentials())

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again, "Load caches until Reset")
}

func TestLoadFindsProjectConfigInParent(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "am.toml"), "[server]\nport = 8787\n")

	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, DefaultDirPermissions))
	t.Chdir(nested)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8787, cfg.Server.Port)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	writeFile(t, path, `
[pulse]
engine = "queue"
broker = "redis"

[redis]
addr = "localhost:6379"

[platforms.twitter]
access_token = "x-token"
max_posts_per_minute = 10
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, BrokerRedis, cfg.Pulse.Broker)
	assert.Equal(t, "herald.db", cfg.Database.Path, "defaults still apply")
	assert.Equal(t, []string{"x"}, cfg.PlatformNames(), "twitter is normalized to x")
	assert.Equal(t, 10, cfg.Platforms["x"].MaxPostsPerMinute)
	assert.NoError(t, cfg.Validate())

	_, err = LoadFromFile(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown engine", func(c *Config) { c.Pulse.Engine = "cron" }, "pulse.engine"},
		{"unknown broker", func(c *Config) { c.Pulse.Engine = EngineQueue; c.Pulse.Broker = "kafka" }, "pulse.broker"},
		{"redis without addr", func(c *Config) { c.Pulse.Engine = EngineQueue; c.Pulse.Broker = BrokerRedis }, "redis.addr"},
		{"queue without workers", func(c *Config) { c.Pulse.Engine = EngineQueue; c.Pulse.Workers = 0 }, "pulse.workers"},
		{"zero poll interval", func(c *Config) { c.Pulse.PollIntervalSeconds = 0 }, "pulse.poll_interval_seconds"},
		{"zero retries", func(c *Config) { c.Pulse.MaxRetries = 0 }, "pulse.max_retries"},
		{"reclaim below timeout", func(c *Config) { c.Pulse.ReclaimAfterSeconds = 10 }, "pulse.reclaim_after_seconds"},
		{"backoff cap below base", func(c *Config) { c.Pulse.MaxRetryBackoffSeconds = 10 }, "pulse.max_retry_backoff_seconds"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"unknown platform", func(c *Config) { c.Platforms = map[string]PlatformConfig{"myspace": {}} }, "unknown platform"},
		{"negative throttle", func(c *Config) {
			c.Platforms = map[string]PlatformConfig{"x": {MaxPostsPerMinute: -1}}
		}, "max_posts_per_minute"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, errors.IsInvalidArgumentError(err))
		})
	}
}

func TestToTOMLMasksSecrets(t *testing.T) {
	cfg := defaults(t)
	cfg.Platforms = map[string]PlatformConfig{
		"bluesky": {AccessToken: "app-password", Handle: "herald.bsky.social"},
	}
	cfg.Redis.Password = "hunter2"

	out, err := ToTOML(cfg)
	require.NoError(t, err)
	assert.NotContains(t, out, "app-password")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "herald.bsky.social")
	assert.Equal(t, "app-password", cfg.Platforms["bluesky"].AccessToken, "the original is untouched")

	var decoded Config
	_, err = toml.Decode(out, &decoded)
	require.NoError(t, err)
	assert.Equal(t, cfg.Pulse, decoded.Pulse)
	assert.Equal(t, "********", decoded.Platforms["bluesky"].AccessToken)
}

func TestIntrospectReportsSources(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "am.toml"), `
[pulse]
max_retries = 4

[platforms.x]
access_token = "secret"
`)
	t.Setenv("HERALD_SERVER_PORT", "9000")

	settings, err := Introspect()
	require.NoError(t, err)

	byKey := make(map[string]SettingInfo, len(settings))
	for _, s := range settings {
		byKey[s.Key] = s
	}

	assert.Equal(t, SourceProject, byKey["pulse.max_retries"].Source)
	assert.Equal(t, SourceDefault, byKey["database.path"].Source)
	assert.Equal(t, SourceEnvironment, byKey["server.port"].Source)
	assert.Equal(t, "HERALD_SERVER_PORT", byKey["server.port"].SourcePath)
	assert.Equal(t, "********", byKey["platforms.x.access_token"].Value)
}
