// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sevir/capataz/pkg/models"
)

// Config holds the application configuration.
type Config struct {
	Agent       AgentConfig       `json:"agent" yaml:"agent"`
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Completion  CompletionConfig  `json:"completion" yaml:"completion"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// AgentConfig describes how the agent CLI is located and launched.
type AgentConfig struct {
	Executable      string          `json:"executable" yaml:"executable"`
	SearchPaths     []string        `json:"search_paths,omitempty" yaml:"search_paths,omitempty"`
	ExtraArgs       string          `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	ServeArgs       string          `json:"serve_args,omitempty" yaml:"serve_args,omitempty"` // server transport only
	DefaultProvider string          `json:"default_provider,omitempty" yaml:"default_provider,omitempty"`
	DefaultModel    string          `json:"default_model,omitempty" yaml:"default_model,omitempty"`
	LogDir          string          `json:"log_dir" yaml:"log_dir"`
	StopGracePeriod models.Duration `json:"stop_grace_period" yaml:"stop_grace_period"`
	WaitingDelay    models.Duration `json:"waiting_delay" yaml:"waiting_delay"`
	Transport       string          `json:"transport" yaml:"transport"` // pty or server
	PersonaDir      string          `json:"persona_dir,omitempty" yaml:"persona_dir,omitempty"`
}

// SchedulerConfig holds task scheduler limits.
type SchedulerConfig struct {
	MaxConcurrentTasks int `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	MaxQueueSize       int `json:"max_queue_size" yaml:"max_queue_size"`
}

// CompletionConfig bounds automatic continuations.
type CompletionConfig struct {
	MaxContinuationAttempts int `json:"max_continuation_attempts" yaml:"max_continuation_attempts"`
	MaxPartialDowngrades    int `json:"max_partial_downgrades" yaml:"max_partial_downgrades"`
}

// DiagnosticsConfig points at the agent's own log directory.
type DiagnosticsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	LogDir  string `json:"log_dir" yaml:"log_dir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level         string `json:"level" yaml:"level"`
	Format        string `json:"format" yaml:"format"`
	Path          string `json:"path" yaml:"path"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
}

// Dir returns the capataz home directory.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".capataz")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	capatazDir := Dir()

	return &Config{
		Agent: AgentConfig{
			Executable: "opencode",
			SearchPaths: []string{
				filepath.Join(home, ".opencode", "bin"),
				filepath.Join(home, ".local", "bin"),
				"/usr/local/bin",
			},
			LogDir:          filepath.Join(capatazDir, "tasks"),
			StopGracePeriod: models.Duration(5 * time.Second),
			WaitingDelay:    models.Duration(500 * time.Millisecond),
			Transport:       "pty",
			PersonaDir:      filepath.Join(capatazDir, "personas"),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 3,
			MaxQueueSize:       50,
		},
		Completion: CompletionConfig{
			MaxContinuationAttempts: 10,
			MaxPartialDowngrades:    2,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: true,
			LogDir:  filepath.Join(home, ".local", "share", "opencode", "log"),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			Path:          filepath.Join(capatazDir, "logs"),
			RetentionDays: 7,
		},
	}
}

// DefaultPath returns the first existing config file under ~/.capataz,
// preferring YAML, or "" when none exists.
func DefaultPath() string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(Dir(), name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultPath()
		if path == "" {
			return cfg, nil
		}
	}
	baseDir := filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// Directories resolve relative to the config file; the executable and its
	// search paths only get ~ expansion so bare names still go through PATH.
	cfg.Agent.LogDir = resolvePath(cfg.Agent.LogDir, baseDir)
	cfg.Agent.PersonaDir = resolvePath(cfg.Agent.PersonaDir, baseDir)
	cfg.Diagnostics.LogDir = resolvePath(cfg.Diagnostics.LogDir, baseDir)
	cfg.Logging.Path = resolvePath(cfg.Logging.Path, baseDir)
	cfg.Agent.Executable = expandHome(cfg.Agent.Executable)
	for i, p := range cfg.Agent.SearchPaths {
		cfg.Agent.SearchPaths[i] = expandHome(p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_tasks must be positive, got %d", c.Scheduler.MaxConcurrentTasks)
	}
	if c.Scheduler.MaxQueueSize < 0 {
		return fmt.Errorf("scheduler.max_queue_size must not be negative, got %d", c.Scheduler.MaxQueueSize)
	}
	if c.Completion.MaxContinuationAttempts < 0 {
		return fmt.Errorf("completion.max_continuation_attempts must not be negative, got %d", c.Completion.MaxContinuationAttempts)
	}
	if c.Completion.MaxPartialDowngrades < 0 {
		return fmt.Errorf("completion.max_partial_downgrades must not be negative, got %d", c.Completion.MaxPartialDowngrades)
	}
	if c.Agent.Executable == "" {
		return fmt.Errorf("agent.executable is required")
	}
	switch c.Agent.Transport {
	case "", "pty", "server":
	default:
		return fmt.Errorf("agent.transport must be pty or server, got %q", c.Agent.Transport)
	}
	return nil
}

// Save saves configuration to a file, YAML or JSON depending on the extension.
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
