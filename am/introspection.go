package am

import (
	"bytes"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/teranos/herald/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/herald/config.toml
	SourceUser        ConfigSource = "user"        // ~/.herald/am.toml
	SourceProject     ConfigSource = "project"     // am.toml found walking up from the working directory
	SourceEnvironment ConfigSource = "environment" // HERALD_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string // file path or environment variable name
}

// SettingInfo is one effective setting and its origin
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// secretKeys are masked in introspection output
var secretKeys = []string{"access_token", "client_secret", "password"}

// Introspect lists every effective setting with the layer it came from.
// Secrets are masked.
func Introspect() ([]SettingInfo, error) {
	if _, err := Load(); err != nil {
		return nil, errors.Wrap(err, "failed to load config for introspection")
	}
	v := GetViper()

	mu.Lock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, s := range ConfigSources {
		sources[k] = s
	}
	mu.Unlock()

	settings := v.AllSettings()
	keys := flattenKeys(settings, "")
	out := make([]SettingInfo, 0, len(keys))
	for _, key := range keys {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if s, ok := sources[key]; ok {
			info = s
		}
		if env := EnvPrefix + "_" + envName(key); os.Getenv(env) != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: env}
		}

		value := v.Get(key)
		if isSecret(key) && value != "" && value != nil {
			value = "********"
		}
		out = append(out, SettingInfo{Key: key, Value: value, Source: info.Source, SourcePath: info.Path})
	}
	return out, nil
}

// ToTOML renders c as TOML with secrets masked, for "herald am show"
func ToTOML(c *Config) (string, error) {
	masked := *c
	if len(c.Platforms) > 0 {
		masked.Platforms = make(map[string]PlatformConfig, len(c.Platforms))
		for name, p := range c.Platforms {
			if p.AccessToken != "" {
				p.AccessToken = "********"
			}
			if p.ClientSecret != "" {
				p.ClientSecret = "********"
			}
			masked.Platforms[name] = p
		}
	}
	if masked.Redis.Password != "" {
		masked.Redis.Password = "********"
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(masked); err != nil {
		return "", errors.Wrap(err, "failed to encode config as TOML")
	}
	return buf.String(), nil
}

func isSecret(key string) bool {
	for _, s := range secretKeys {
		if strings.HasSuffix(key, "."+s) {
			return true
		}
	}
	return false
}

// flattenKeys returns dotted leaf keys in sorted order
func flattenKeys(settings map[string]interface{}, prefix string) []string {
	var keys []string
	for k, v := range settings {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			keys = append(keys, flattenKeys(nested, full)...)
			continue
		}
		keys = append(keys, full)
	}
	sort.Strings(keys)
	return keys
}
