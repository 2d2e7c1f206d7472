package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/herald/errors"
)

// EnvPrefix is the environment variable prefix
const EnvPrefix = "HERALD"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records which file set each key during the last load
	ConfigSources = map[string]SourceInfo{}

	// systemConfigPath is a variable so tests can point it elsewhere
	systemConfigPath = "/etc/herald/config.toml"
)

// Load reads the configuration once and caches it. Call Reset to reload.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	cfg, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// LoadWithViper unmarshals configuration from a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	normalize(&config)
	return &config, nil
}

// LoadFromFile loads defaults plus a single file, ignoring the environment
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

// initViper builds the layered instance. Caller holds mu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig walks up from the working directory looking for am.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// configLayers lists config files from lowest to highest precedence
func configLayers() []SourceInfo {
	layers := []SourceInfo{{Source: SourceSystem, Path: systemConfigPath}}
	if home, err := os.UserHomeDir(); err == nil {
		layers = append(layers, SourceInfo{Source: SourceUser, Path: filepath.Join(home, ".herald", "am.toml")})
	}
	if project := findProjectConfig(); project != "" {
		layers = append(layers, SourceInfo{Source: SourceProject, Path: project})
	}
	return layers
}

// mergeConfigFiles merges each existing file into the config layer, so
// environment variables still override them.
func mergeConfigFiles(v *viper.Viper) {
	for _, layer := range configLayers() {
		if _, err := os.Stat(layer.Path); err != nil {
			continue
		}
		file := viper.New()
		file.SetConfigFile(layer.Path)
		file.SetConfigType("toml")
		if err := file.ReadInConfig(); err != nil {
			continue
		}

		settings := file.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			continue
		}
		for _, key := range flattenKeys(settings, "") {
			ConfigSources[key] = layer
		}
		v.SetConfigFile(layer.Path)
	}
}

// normalize canonicalizes platform section names ("twitter" -> "x")
func normalize(c *Config) {
	if len(c.Platforms) == 0 {
		return
	}
	out := make(map[string]PlatformConfig, len(c.Platforms))
	for name, p := range c.Platforms {
		key := strings.ToLower(strings.TrimSpace(name))
		switch key {
		case "twitter":
			key = "x"
		case "bsky":
			key = "bluesky"
		}
		out[key] = p
	}
	c.Platforms = out
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.Database.Path, nil
}
