// Package config loads and persists linea configuration. Config lives
// in .linea/config.yaml under the workspace; missing files fall back to
// defaults and a handful of environment variables override the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all linea configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the lineage database and artifact exports.
type StorageConfig struct {
	// DatabasePath is the SQLite file holding sessions, nodes and
	// artifacts.
	DatabasePath string `yaml:"database_path"`

	// ArtifactDir is where pipeline exports are written.
	ArtifactDir string `yaml:"artifact_dir"`
}

// ExecutionConfig configures the node executor.
type ExecutionConfig struct {
	// Mode is the default session type: "script" executes nodes,
	// "static" only records the graph.
	Mode string `yaml:"mode"`

	// NodeTimeout bounds the evaluation of a single node.
	NodeTimeout string `yaml:"node_timeout"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "linea",
		Version: "0.1.0",

		Storage: StorageConfig{
			DatabasePath: filepath.Join(".linea", "linea.db"),
			ArtifactDir:  filepath.Join(".linea", "artifacts"),
		},

		Execution: ExecutionConfig{
			Mode:        "script",
			NodeTimeout: "10s",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file. Defaults are returned
// when the file does not exist; environment variables win over both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadWorkspace loads the config for a workspace directory.
func LoadWorkspace(workspace string) (*Config, error) {
	return Load(filepath.Join(workspace, ".linea", "config.yaml"))
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("LINEA_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if dir := os.Getenv("LINEA_ARTIFACT_DIR"); dir != "" {
		c.Storage.ArtifactDir = dir
	}
	if mode := os.Getenv("LINEA_MODE"); mode != "" {
		c.Execution.Mode = mode
	}
	if timeout := os.Getenv("LINEA_NODE_TIMEOUT"); timeout != "" {
		c.Execution.NodeTimeout = timeout
	}
	if os.Getenv("LINEA_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// NodeTimeout parses the configured per-node timeout, falling back to
// 10s on malformed values.
func (c *Config) NodeTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.NodeTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}
