// Package config handles configuration loading and management for loom.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for loom.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Decision  DecisionConfig  `mapstructure:"decision"`
	Session   SessionConfig   `mapstructure:"session"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Runner    RunnerConfig    `mapstructure:"runner"`
}

// AnthropicConfig holds Anthropic API settings for the supervising LLM
// and the API-backed agent adapter.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// UseAWSBedrock routes calls through AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig holds the backoff policy for transient task failures.
type RetryConfig struct {
	// BaseDelaySeconds is the first retry delay.
	BaseDelaySeconds int `mapstructure:"base_delay_seconds"`
	// Factor is the exponential growth factor per attempt.
	Factor float64 `mapstructure:"factor"`
	// Jitter is the randomization fraction applied to each delay
	// (0.2 means +-20%).
	Jitter float64 `mapstructure:"jitter"`
	// MaxAttempts bounds how many attempts a task gets by default.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// BaseDelay returns the base delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds) * time.Second
}

// ExecutionConfig holds execution-loop settings.
type ExecutionConfig struct {
	MaxTurns MaxTurnsConfig `mapstructure:"max_turns"`
}

// MaxTurnsConfig holds the adaptive turn-cap policy.
type MaxTurnsConfig struct {
	// ByWorkItemType overrides the cap per work-item type
	// (epic, story, task, subtask).
	ByWorkItemType map[string]int `mapstructure:"by_work_item_type"`
	// ByTaskType overrides the cap per fine-grained task type.
	ByTaskType map[string]int `mapstructure:"by_task_type"`
	// Default is the fallback cap when nothing else matches.
	Default int `mapstructure:"default"`
	// Min and Max clamp every computed cap.
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
	// RetryMultiplier scales the cap on retry after exhaustion.
	RetryMultiplier float64 `mapstructure:"retry_multiplier"`
	// AutoRetry enables automatic retry after turn exhaustion.
	AutoRetry bool `mapstructure:"auto_retry"`
}

// DecisionConfig holds decision-engine thresholds.
type DecisionConfig struct {
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
}

// ThresholdsConfig holds the confidence and quality gates.
type ThresholdsConfig struct {
	HighConfidence   float64 `mapstructure:"high_confidence"`
	MediumConfidence float64 `mapstructure:"medium_confidence"`
	QualityGate      float64 `mapstructure:"quality_gate"`
}

// SessionConfig holds session and context-window settings.
type SessionConfig struct {
	ContextWindow       ContextWindowConfig `mapstructure:"context_window"`
	OptimizationProfile string              `mapstructure:"optimization_profile"`
}

// ContextWindowConfig holds the window limit and zone thresholds.
type ContextWindowConfig struct {
	// Limit is the token budget, or "auto" to discover it from the
	// agent capability and model map.
	Limit string `mapstructure:"limit"`
	// Zones holds the utilization thresholds; must be strictly
	// ordered yellow < orange < red < emergency.
	Zones ZonesConfig `mapstructure:"zones"`
	// AutoRefresh enables mandatory refresh in orange/red zones.
	AutoRefresh bool `mapstructure:"auto_refresh"`
}

// ZonesConfig holds the utilization-zone boundaries.
type ZonesConfig struct {
	Yellow    float64 `mapstructure:"yellow"`
	Orange    float64 `mapstructure:"orange"`
	Red       float64 `mapstructure:"red"`
	Emergency float64 `mapstructure:"emergency"`
}

// TimeoutsConfig holds operation timeouts in seconds.
type TimeoutsConfig struct {
	AgentSeconds int `mapstructure:"agent_seconds"`
	LLMSeconds   int `mapstructure:"llm_seconds"`
	StoreSeconds int `mapstructure:"store_seconds"`
}

// Agent returns the agent dispatch timeout as a duration.
func (t TimeoutsConfig) Agent() time.Duration {
	return time.Duration(t.AgentSeconds) * time.Second
}

// LLM returns the supervising-LLM timeout as a duration.
func (t TimeoutsConfig) LLM() time.Duration {
	return time.Duration(t.LLMSeconds) * time.Second
}

// Store returns the store-operation timeout as a duration.
func (t TimeoutsConfig) Store() time.Duration {
	return time.Duration(t.StoreSeconds) * time.Second
}

// RunnerConfig holds run-loop settings.
type RunnerConfig struct {
	// MaxParallel bounds concurrent task executions.
	MaxParallel int `mapstructure:"max_parallel"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.loom.yaml in current directory or parent)
// 3. User config (~/.config/loom/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants the schema cannot express.
func (c *Config) Validate() error {
	z := c.Session.ContextWindow.Zones
	if !(z.Yellow < z.Orange && z.Orange < z.Red && z.Red < z.Emergency) {
		return fmt.Errorf("context window zones must be strictly ordered: yellow=%.2f orange=%.2f red=%.2f emergency=%.2f",
			z.Yellow, z.Orange, z.Red, z.Emergency)
	}
	if c.Execution.MaxTurns.Min > c.Execution.MaxTurns.Max {
		return fmt.Errorf("max_turns.min %d exceeds max_turns.max %d",
			c.Execution.MaxTurns.Min, c.Execution.MaxTurns.Max)
	}
	if c.Scheduler.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Scheduler.Retry.MaxAttempts)
	}
	return nil
}

// setDefaults configures default values for every recognized key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("anthropic.use_aws_bedrock", false)

	v.SetDefault("scheduler.retry.base_delay_seconds", 60)
	v.SetDefault("scheduler.retry.factor", 2.0)
	v.SetDefault("scheduler.retry.jitter", 0.2)
	v.SetDefault("scheduler.retry.max_attempts", 3)

	v.SetDefault("execution.max_turns.by_work_item_type", map[string]int{
		"epic":    100,
		"story":   50,
		"task":    30,
		"subtask": 20,
	})
	v.SetDefault("execution.max_turns.by_task_type", map[string]int{
		"validation":      5,
		"code_generation": 12,
		"refactoring":     15,
		"debugging":       20,
		"error_analysis":  8,
		"planning":        5,
		"documentation":   3,
		"testing":         8,
	})
	v.SetDefault("execution.max_turns.default", 50)
	v.SetDefault("execution.max_turns.min", 3)
	v.SetDefault("execution.max_turns.max", 150)
	v.SetDefault("execution.max_turns.retry_multiplier", 3.0)
	v.SetDefault("execution.max_turns.auto_retry", true)

	v.SetDefault("decision.thresholds.high_confidence", 0.85)
	v.SetDefault("decision.thresholds.medium_confidence", 0.65)
	v.SetDefault("decision.thresholds.quality_gate", 0.80)

	v.SetDefault("session.context_window.limit", "auto")
	v.SetDefault("session.context_window.zones.yellow", 0.50)
	v.SetDefault("session.context_window.zones.orange", 0.70)
	v.SetDefault("session.context_window.zones.red", 0.85)
	v.SetDefault("session.context_window.zones.emergency", 0.95)
	v.SetDefault("session.context_window.auto_refresh", true)
	v.SetDefault("session.optimization_profile", "auto")

	v.SetDefault("timeouts.agent_seconds", 7200)
	v.SetDefault("timeouts.llm_seconds", 120)
	v.SetDefault("timeouts.store_seconds", 30)

	v.SetDefault("runner.max_parallel", 3)
}

// getUserConfigDir returns the XDG config directory for loom.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "loom")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loom")
	}
	return filepath.Join(home, ".config", "loom")
}

// findProjectConfig searches for .loom.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".loom.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with built-in default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Unmarshal of pure defaults matches the schema by construction.
	_ = v.Unmarshal(cfg)
	return cfg
}
