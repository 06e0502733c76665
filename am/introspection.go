package am

import (
	"os"
	"sort"
	"strings"

	"github.com/teranos/groupcast/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/groupcast/am.toml
	SourceUser        ConfigSource = "user"        // ~/.groupcast/am.toml
	SourceProject     ConfigSource = "project"     // project am.toml
	SourceEnvironment ConfigSource = "environment" // GROUPCAST_* env vars
)

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key" yaml:"key"`
	Value      interface{}  `json:"value" yaml:"value"`
	Source     ConfigSource `json:"source" yaml:"source"`
	SourcePath string       `json:"source_path,omitempty" yaml:"source_path,omitempty"` // File path or env var name
}

// ConfigIntrospection provides metadata about the active configuration
type ConfigIntrospection struct {
	ConfigFiles []string      `json:"config_files" yaml:"config_files"`
	Settings    []SettingInfo `json:"settings" yaml:"settings"`
}

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string // File path or environment variable name
}

// GetConfigIntrospection returns every effective setting with the layer that set it.
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	if _, err := Load(); err != nil {
		return nil, errors.Wrap(err, "failed to load config for introspection")
	}
	v := GetViper()

	loadMu.Lock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, s := range ConfigSources {
		sources[k] = s
	}
	files := append([]string(nil), ConfigFiles...)
	loadMu.Unlock()

	keys := v.AllKeys()
	sort.Strings(keys)

	introspection := &ConfigIntrospection{ConfigFiles: files}
	for _, key := range keys {
		info, ok := sources[key]
		if !ok {
			info = SourceInfo{Source: SourceDefault, Path: "built-in default"}
		}
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, set := os.LookupEnv(envKey); set {
			info = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}
		introspection.Settings = append(introspection.Settings, SettingInfo{
			Key:        key,
			Value:      v.Get(key),
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
	return introspection, nil
}

// GetConfigSummary counts effective settings by source
func GetConfigSummary() map[string]int {
	summary := map[string]int{}
	introspection, err := GetConfigIntrospection()
	if err != nil {
		return summary
	}
	for _, setting := range introspection.Settings {
		summary[string(setting.Source)]++
	}
	return summary
}
