package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for Glassbox.
// It is loaded from ~/.glassbox/config.yaml and can be overridden by
// environment variables with the GLASSBOX_ prefix.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Traces   TracesConfig   `mapstructure:"traces" yaml:"traces"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Tools    ToolsConfig    `mapstructure:"tools" yaml:"tools"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file"`
	// Console mirrors logs to stderr in human-readable form
	Console bool `mapstructure:"console" yaml:"console"`
}

// TracesConfig controls where finalized session traces are persisted.
type TracesConfig struct {
	// Backend selects the trace store: "file" or "sqlite"
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Dir is the directory for the file backend, one JSON file per session
	Dir string `mapstructure:"dir" yaml:"dir"`
	// DBPath is the SQLite database path for the sqlite backend
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// PipelineConfig tunes the stage orchestrator.
type PipelineConfig struct {
	// StageTimeoutSec bounds each agent stage (0 = no per-stage timeout)
	StageTimeoutSec int `mapstructure:"stage_timeout_sec" yaml:"stage_timeout_sec"`
	// StreamBuffer is the progress event channel capacity for streaming runs
	StreamBuffer int `mapstructure:"stream_buffer" yaml:"stream_buffer"`
}

// ToolsConfig tunes the built-in tools.
type ToolsConfig struct {
	// SummarizerMaxWords caps extractive summaries
	SummarizerMaxWords int `mapstructure:"summarizer_max_words" yaml:"summarizer_max_words"`
	// ReminderDefaultDelay is the fallback reminder time when none is given
	// (relative form, e.g. "in 1 hour")
	ReminderDefaultDelay string `mapstructure:"reminder_default_delay" yaml:"reminder_default_delay"`
}

// AnalysisConfig tunes the offline trace analyzer.
type AnalysisConfig struct {
	// EvidenceTools are the tool names that count as evidence retrieval
	EvidenceTools []string `mapstructure:"evidence_tools" yaml:"evidence_tools"`
	// SlowStepFactor marks a step type slow when its average latency exceeds
	// the overall average by this factor
	SlowStepFactor float64 `mapstructure:"slow_step_factor" yaml:"slow_step_factor"`
	// UnreliableMinCalls is the minimum sample size before a tool can be
	// flagged unreliable
	UnreliableMinCalls int `mapstructure:"unreliable_min_calls" yaml:"unreliable_min_calls"`
	// UnreliableThreshold is the success rate below which a tool is flagged
	UnreliableThreshold float64 `mapstructure:"unreliable_threshold" yaml:"unreliable_threshold"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".glassbox")

	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			File:    filepath.Join(dataDir, "logs", "glassbox.log"),
			Console: false,
		},
		Traces: TracesConfig{
			Backend: "file",
			Dir:     filepath.Join(dataDir, "traces"),
			DBPath:  filepath.Join(dataDir, "traces.db"),
		},
		Pipeline: PipelineConfig{
			StageTimeoutSec: 30,
			StreamBuffer:    16,
		},
		Tools: ToolsConfig{
			SummarizerMaxWords:   100,
			ReminderDefaultDelay: "in 1 hour",
		},
		Analysis: AnalysisConfig{
			EvidenceTools:       []string{"drug_info"},
			SlowStepFactor:      1.5,
			UnreliableMinCalls:  3,
			UnreliableThreshold: 0.8,
		},
	}
}

// Load reads configuration from the default location (~/.glassbox/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".glassbox", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: GLASSBOX_TRACES_BACKEND=sqlite
	v.SetEnvPrefix("GLASSBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Traces.Dir = expandPath(cfg.Traces.Dir)
	cfg.Traces.DBPath = expandPath(cfg.Traces.DBPath)

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in missing values so a sparse config file still yields
// a usable configuration.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Traces.Backend == "" {
		c.Traces.Backend = defaults.Traces.Backend
	}
	if c.Traces.Dir == "" {
		c.Traces.Dir = defaults.Traces.Dir
	}
	if c.Traces.DBPath == "" {
		c.Traces.DBPath = defaults.Traces.DBPath
	}
	if c.Pipeline.StreamBuffer == 0 {
		c.Pipeline.StreamBuffer = defaults.Pipeline.StreamBuffer
	}
	if c.Tools.SummarizerMaxWords == 0 {
		c.Tools.SummarizerMaxWords = defaults.Tools.SummarizerMaxWords
	}
	if c.Tools.ReminderDefaultDelay == "" {
		c.Tools.ReminderDefaultDelay = defaults.Tools.ReminderDefaultDelay
	}
	if len(c.Analysis.EvidenceTools) == 0 {
		c.Analysis.EvidenceTools = defaults.Analysis.EvidenceTools
	}
	if c.Analysis.SlowStepFactor == 0 {
		c.Analysis.SlowStepFactor = defaults.Analysis.SlowStepFactor
	}
	if c.Analysis.UnreliableMinCalls == 0 {
		c.Analysis.UnreliableMinCalls = defaults.Analysis.UnreliableMinCalls
	}
	if c.Analysis.UnreliableThreshold == 0 {
		c.Analysis.UnreliableThreshold = defaults.Analysis.UnreliableThreshold
	}
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".glassbox", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// GetDataDir returns the Glassbox data directory path (~/.glassbox).
func (c *Config) GetDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".glassbox")
}

// EnsureDirectories creates all directories the application writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.GetDataDir(),
		filepath.Dir(c.Logging.File),
		c.Traces.Dir,
		filepath.Dir(c.Traces.DBPath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Traces.Backend != "file" && c.Traces.Backend != "sqlite" {
		return fmt.Errorf("invalid traces backend '%s', must be 'file' or 'sqlite'", c.Traces.Backend)
	}

	if c.Pipeline.StageTimeoutSec < 0 {
		return fmt.Errorf("stage_timeout_sec cannot be negative")
	}

	if c.Analysis.UnreliableThreshold < 0 || c.Analysis.UnreliableThreshold > 1 {
		return fmt.Errorf("unreliable_threshold must be between 0 and 1")
	}

	if c.Analysis.SlowStepFactor < 1 {
		return fmt.Errorf("slow_step_factor must be at least 1")
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
