// Package config handles RIO agent configuration loading: the YAML
// bootstrap config read at process start, and the JSON Settings store
// that the Module Manager mutates at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the bootstrap config file search order.
// An explicit path (from -config flag) is checked first by FindConfig.
// Then: ./config.yaml, ~/.config/rioagent/config.yaml, /config/config.yaml,
// /etc/rioagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rioagent", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/rioagent/config.yaml")
	return paths
}

// searchPathsFunc is a seam for tests; production code always calls
// DefaultSearchPaths.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a bootstrap config file. If explicit is non-empty, it
// must exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Bootstrap holds process-level configuration that must be known before
// Settings can be loaded: where Settings lives, how to reach the broker,
// and whether the local admin endpoint is enabled. Everything the Module
// Manager owns at runtime (Features, device id) lives in Settings instead
// (see settings.go).
type Bootstrap struct {
	// SettingsPath is where the Settings JSON file lives.
	SettingsPath string `yaml:"settings_path"`
	// PluginDir is read and defaulted but not consulted by startup: every
	// compile-time-registered plugin (see internal/plugin) is discovered
	// regardless of its value.
	PluginDir string `yaml:"plugin_dir"`
	// RetryDir holds retryBuffer[-<ts>].txt backlog snapshot files.
	RetryDir string           `yaml:"retry_dir"`
	Broker   BrokerConfig     `yaml:"broker"`
	HTTP     HTTPIngestConfig `yaml:"http_ingest"`
	Admin    AdminConfig      `yaml:"admin"`
	LogLevel string           `yaml:"log_level"`
	// ComponentLevels overrides LogLevel for named components (the
	// spec.md §2 package mapping: knowledge, channel, command, feature,
	// rules, scheduler, alert, router, admin), e.g. {"router": "trace"}.
	ComponentLevels map[string]string `yaml:"component_levels"`
}

// BrokerConfig defines the pub/sub broker connection used by the channel
// stack's pub/sub channel.
type BrokerConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HTTPIngestConfig defines the fleet-management HTTP ingest endpoint.
type HTTPIngestConfig struct {
	URL   string `yaml:"url"`
	Proxy string `yaml:"proxy"`
}

// AdminConfig defines the local administrative socket.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // default ":4005"
	// DashboardWS enables the read-only websocket broadcast feed (§6 FULL).
	DashboardWS bool `yaml:"dashboard_ws"`
}

// LoadBootstrap reads the bootstrap config from a YAML file and fills in
// defaults for any unset field.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	b := &Bootstrap{}
	if err := yaml.Unmarshal([]byte(expanded), b); err != nil {
		return nil, fmt.Errorf("parse bootstrap config: %w", err)
	}

	b.applyDefaults()

	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap config validation: %w", err)
	}

	return b, nil
}

func (b *Bootstrap) applyDefaults() {
	if b.SettingsPath == "" {
		b.SettingsPath = "./settings.json"
	}
	if b.PluginDir == "" {
		b.PluginDir = "./plugins"
	}
	if b.RetryDir == "" {
		b.RetryDir = "./retry"
	}
	if b.Admin.Address == "" {
		b.Admin.Address = ":4005"
	}
}

// Validate checks that the bootstrap config is internally consistent.
func (b *Bootstrap) Validate() error {
	if b.LogLevel != "" {
		if _, err := ParseLogLevel(b.LogLevel); err != nil {
			return err
		}
	}
	if _, err := ParseComponentLevels(b.ComponentLevels); err != nil {
		return err
	}
	return nil
}

// DefaultBootstrap returns a bootstrap config suitable for local
// development: broker on localhost, admin endpoint enabled on :4005.
func DefaultBootstrap() *Bootstrap {
	b := &Bootstrap{
		Broker: BrokerConfig{URL: "tcp://localhost:1883"},
		Admin:  AdminConfig{Enabled: true},
	}
	b.applyDefaults()
	return b
}
