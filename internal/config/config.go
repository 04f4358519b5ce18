// Package config loads project configuration from .abathur/config.yaml
// with ABATHUR_* environment overrides, and supports live reload of the
// watchable knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Well-known paths relative to the project root.
const (
	ProjectDir        = ".abathur"
	DefaultConfigFile = ProjectDir + "/config.yaml"
	DefaultDBFile     = ProjectDir + "/abathur.db"
)

// Config is the full project configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Swarm    SwarmConfig    `mapstructure:"swarm" yaml:"swarm"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// DatabaseConfig locates the task store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SwarmConfig tunes the orchestrator.
type SwarmConfig struct {
	MaxConcurrentAgents int           `mapstructure:"max_concurrent_agents" yaml:"max_concurrent_agents"`
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	TaskLimit           int           `mapstructure:"task_limit" yaml:"task_limit"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// ExecutorConfig selects the LLM backend.
type ExecutorConfig struct {
	Model  string `mapstructure:"model" yaml:"model"`
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// MarshalYAML renders the durations in their flag syntax instead of raw
// nanoseconds.
func (s SwarmConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"max_concurrent_agents": s.MaxConcurrentAgents,
		"poll_interval":         s.PollInterval.String(),
		"task_limit":            s.TaskLimit,
		"drain_timeout":         s.DrainTimeout.String(),
	}, nil
}

// LoggingConfig controls the daemon logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: DefaultDBFile},
		Swarm: SwarmConfig{
			MaxConcurrentAgents: 3,
			PollInterval:        2 * time.Second,
			TaskLimit:           -1,
			DrainTimeout:        30 * time.Second,
		},
		Executor: ExecutorConfig{Model: "claude-sonnet-4-5"},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Validate returns a list of config issues, empty when the config is
// usable.
func (c *Config) Validate() []string {
	var issues []string
	if c.Database.Path == "" {
		issues = append(issues, "database.path: must not be empty")
	}
	if c.Swarm.MaxConcurrentAgents < 1 {
		issues = append(issues, fmt.Sprintf("swarm.max_concurrent_agents: %d is invalid (minimum 1)", c.Swarm.MaxConcurrentAgents))
	}
	if c.Swarm.PollInterval <= 0 {
		issues = append(issues, "swarm.poll_interval: must be positive")
	}
	if c.Swarm.TaskLimit < -1 {
		issues = append(issues, fmt.Sprintf("swarm.task_limit: %d is invalid (-1 for unlimited, 0 or more for a cap)", c.Swarm.TaskLimit))
	}
	validLevels := map[string]bool{"": true, "trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		issues = append(issues, fmt.Sprintf("logging.level: %q is invalid (valid values: trace, debug, info, warn, error)", c.Logging.Level))
	}
	return issues
}

// Render returns the effective configuration as YAML, with the API key
// masked.
func (c *Config) Render() (string, error) {
	masked := *c
	if masked.Executor.APIKey != "" {
		masked.Executor.APIKey = "********"
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}

// Manager owns a viper instance so the config file can be watched for
// changes after the initial load.
type Manager struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration from path (or the default location when path
// is empty). A missing file is not an error; defaults and environment
// overrides still apply.
func Load(path string) (*Manager, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(DefaultConfigFile)
	}

	def := Default()
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("swarm.max_concurrent_agents", def.Swarm.MaxConcurrentAgents)
	v.SetDefault("swarm.poll_interval", def.Swarm.PollInterval)
	v.SetDefault("swarm.task_limit", def.Swarm.TaskLimit)
	v.SetDefault("swarm.drain_timeout", def.Swarm.DrainTimeout)
	v.SetDefault("executor.model", def.Executor.Model)
	v.SetDefault("executor.api_key", "")
	v.SetDefault("logging.level", def.Logging.Level)

	v.SetEnvPrefix("ABATHUR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return &Manager{v: v, cfg: cfg}, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Config returns the current configuration snapshot.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Watch re-reads the file on change and invokes onChange with the new
// snapshot. Reload failures keep the previous config.
func (m *Manager) Watch(onChange func(*Config)) {
	m.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := unmarshal(m.v)
		if err != nil || len(cfg.Validate()) > 0 {
			return
		}
		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
}

// starterConfig is written by `abathur init`.
const starterConfig = `# Abathur project configuration.
database:
  path: .abathur/abathur.db

swarm:
  max_concurrent_agents: 3
  poll_interval: 2s
  # -1 runs until stopped; 0 or more caps executions per run.
  task_limit: -1
  drain_timeout: 30s

executor:
  model: claude-sonnet-4-5
  # api_key is usually provided via ANTHROPIC_API_KEY instead.

logging:
  level: info
`

// WriteStarter creates the starter config file, refusing to overwrite.
func WriteStarter(path string) error {
	if path == "" {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, []byte(starterConfig), 0o644)
}
