// Package config handles hvents configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from the CLI argument) is checked first.
// Then: ./config.yaml, ~/.config/hvents/config.yaml, /config/config.yaml,
// /etc/hvents/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hvents", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/hvents/config.yaml")
	return paths
}

// searchPathsFunc is DefaultSearchPaths by default; tests override it to
// avoid matching real config files on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Root holds the entire hvents configuration document. Unknown keys at
// this level are a load error (checked by Load against the root
// yaml.Node before unmarshalling into Root); unknown keys inside an
// individual event are ignored for forward compatibility and are
// handled by internal/registry, not here.
type Root struct {
	Events      map[string]yaml.Node `yaml:"events"`
	EventFiles  []string             `yaml:"event_files"`
	Groups      []GroupImport        `yaml:"groups"`
	StartWith   []string             `yaml:"start_with"`
	MQTT        map[string]MQTTPool  `yaml:"mqtt"`
	HTTP        map[string]HTTPPool  `yaml:"http"`
	Restore     string               `yaml:"restore"`
	Location    LocationConfig       `yaml:"location"`
	Devices     map[string]string    `yaml:"devices"`
	Dispatch    DispatchConfig       `yaml:"dispatch"`
	LogLevel    string               `yaml:"log_level"`

	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
}

// GroupImport names a file of events to import with every key prefixed
// "<prefix>_".
type GroupImport struct {
	Prefix string `yaml:"prefix"`
	File   string `yaml:"file"`
}

// MQTTPool configures one named MQTT broker connection.
type MQTTPool struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	ClientID string `yaml:"client_id"`
}

// HTTPPool configures one named HTTP listener bind address.
type HTTPPool struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LocationConfig provides the coordinates the time wheel uses to compute
// sunrise/sunset fires.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// DispatchConfig tunes the dispatch loop's ready channel.
type DispatchConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Load reads configuration from a YAML file, rejects unknown root keys,
// expands environment variables, applies defaults for any unset fields,
// and validates the result. After Load returns successfully, all fields
// are usable without additional nil/empty checks.
func Load(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach is
	// to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	if err := checkUnknownRootKeys([]byte(expanded)); err != nil {
		return nil, err
	}

	cfg := &Root{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// rootKeys lists every yaml tag Root understands. checkUnknownRootKeys
// rejects any top-level document key outside this set, per spec.md §6:
// "Unknown keys at the document root are an error."
var rootKeys = map[string]bool{
	"events": true, "event_files": true, "groups": true, "start_with": true,
	"mqtt": true, "http": true, "restore": true, "location": true,
	"devices": true, "dispatch": true, "log_level": true, "shutdown_grace_sec": true,
}

func checkUnknownRootKeys(data []byte) error {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	if len(node.Content) == 0 {
		return nil
	}
	doc := node.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		if !rootKeys[key] {
			return fmt.Errorf("unknown configuration key %q at document root", key)
		}
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Root) applyDefaults() {
	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = 4096
	}
	if c.ShutdownGraceSec == 0 {
		c.ShutdownGraceSec = 10
	}
	for name, pool := range c.MQTT {
		if pool.Port == 0 {
			pool.Port = 1883
		}
		if pool.ClientID == "" {
			pool.ClientID = "hvents-" + name
		}
		c.MQTT[name] = pool
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Root) Validate() error {
	for name, pool := range c.MQTT {
		if pool.Host == "" {
			return fmt.Errorf("mqtt.%s.host must be set", name)
		}
		if pool.Port < 1 || pool.Port > 65535 {
			return fmt.Errorf("mqtt.%s.port %d out of range (1-65535)", name, pool.Port)
		}
	}
	for name, pool := range c.HTTP {
		if pool.Port < 1 || pool.Port > 65535 {
			return fmt.Errorf("http.%s.port %d out of range (1-65535)", name, pool.Port)
		}
	}
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be positive")
	}
	if c.ShutdownGraceSec < 0 {
		return fmt.Errorf("shutdown_grace_sec must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}
