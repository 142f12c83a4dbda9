// Package config loads and validates the orchestrator process
// configuration: YAML on disk, no environment overlay beyond what the
// operator sets in the file (the facade that embeds this module owns env
// plumbing).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root process configuration for the workflow core.
type Config struct {
	Namespace      string `yaml:"namespace"`
	MetricsAddress string `yaml:"metrics_address"`
	HealthAddress  string `yaml:"health_address"`
	LogLevel       string `yaml:"log_level"`
	MaxConcurrency int    `yaml:"max_concurrency"`

	Executor       ExecutorConfig       `yaml:"executor"`
	ParallelLimits ParallelLimitsConfig `yaml:"parallel_limits"`
	Validation     ValidationConfig     `yaml:"validation"`
	Repository     RepositoryConfig     `yaml:"repository"`
	RetryCounter   RetryCounterConfig   `yaml:"retry_counter"`
	Notification   NotificationConfig   `yaml:"notification"`
}

// ExecutorConfig governs the Task Executor's HTTP dispatch and retry
// policy (spec.md §4.5). Defaults match the spec's Open Question answer:
// 3 attempts, 100ms base, x2 backoff, full jitter.
type ExecutorConfig struct {
	RequestTimeoutMs    int     `yaml:"request_timeout_ms"`
	MaxRetries          int     `yaml:"max_retries"`
	RetryBaseBackoffMs  int     `yaml:"retry_base_backoff_ms"`
	RetryMaxBackoffMs   int     `yaml:"retry_max_backoff_ms"`
	CircuitBreakerRatio float64 `yaml:"circuit_breaker_ratio"`
}

// ParallelLimitsConfig bounds the Orchestrator's concurrency (spec.md §5).
type ParallelLimitsConfig struct {
	MaxConcurrent        int  `yaml:"max_concurrent"`
	ComplexityThreshold  int  `yaml:"complexity_threshold"`
	ApprovalRequired     bool `yaml:"approval_required"`
	MaxStepsPerWorkflow  int  `yaml:"max_steps_per_workflow"`
	MaxDepthLevel        int  `yaml:"max_depth_level"`
	EnableAutoScaling    bool `yaml:"enable_auto_scaling"`
	AutoScalingThreshold int  `yaml:"auto_scaling_threshold"`
}

// ValidationConfig governs the Validator's structural checks plus the
// optional OPA policy layer (spec.md §4.7, SPEC_FULL.md §4.7).
type ValidationConfig struct {
	RegoPolicyConfigMap string `yaml:"rego_policy_configmap"`
	Enabled              bool   `yaml:"enabled"`
	DefaultAction        string `yaml:"default_action"`
	StrictMode           bool   `yaml:"strict_mode"`
	FailOnWarnings       bool   `yaml:"fail_on_warnings"`
	ValidationTimeout    int    `yaml:"validation_timeout"`
}

// RepositoryConfig configures the Postgres-backed ExecutionRepository.
type RepositoryConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MigrationsPath  string `yaml:"migrations_path"`
}

// RetryCounterConfig configures the Redis-backed retry counter.
type RetryCounterConfig struct {
	Address string `yaml:"address"`
	DB      int    `yaml:"db"`
}

// NotificationConfig configures the Slack notification sink.
type NotificationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// LoadConfig reads and parses the YAML file at path and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		MetricsAddress: ":9090",
		HealthAddress:  ":9091",
		LogLevel:       "info",
		MaxConcurrency: 10,
		Executor: ExecutorConfig{
			RequestTimeoutMs:    30000,
			MaxRetries:          3,
			RetryBaseBackoffMs:  100,
			RetryMaxBackoffMs:   10000,
			CircuitBreakerRatio: 0.5,
		},
		ParallelLimits: ParallelLimitsConfig{
			MaxConcurrent:       5,
			MaxStepsPerWorkflow: 100,
			MaxDepthLevel:       10,
		},
		Validation: ValidationConfig{
			DefaultAction:     "deny",
			ValidationTimeout: 10,
		},
		Repository: RepositoryConfig{
			MaxOpenConns: 10,
		},
	}
}

// Validate checks the configuration for internal consistency; it mirrors
// the teacher's workflowexecution config validator rule-for-rule.
func (c *Config) Validate() error {
	if c.ParallelLimits.MaxConcurrent <= 0 {
		return fmt.Errorf("parallel_limits.max_concurrent must be greater than 0")
	}
	if c.Validation.DefaultAction != "allow" && c.Validation.DefaultAction != "deny" {
		return fmt.Errorf("validation.default_action must be 'allow' or 'deny'")
	}
	if c.ParallelLimits.MaxStepsPerWorkflow < 0 {
		return fmt.Errorf("parallel_limits.max_steps_per_workflow must not be negative")
	}
	if c.Validation.ValidationTimeout <= 0 {
		return fmt.Errorf("validation.validation_timeout must be greater than 0")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must not be negative")
	}
	return nil
}
