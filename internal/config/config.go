// Package config loads Strata daemon configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BudgetConfig holds the spend caps enforced by the budget controller.
// Amounts are USD.
type BudgetConfig struct {
	MonthlySoftCap float64 `yaml:"monthly_soft_cap"`
	MonthlyHardCap float64 `yaml:"monthly_hard_cap"`
	PerRunSoftCap  float64 `yaml:"per_run_soft_cap"`
	PerRunHardCap  float64 `yaml:"per_run_hard_cap"`
}

// ExecutorConfig tunes task execution: retries, fallback, timeouts.
// Timeouts are configured in whole seconds; the duration fields are
// derived at load time.
type ExecutorConfig struct {
	PrimaryModel    string        `yaml:"primary_model"`
	FallbackModel   string        `yaml:"fallback_model"`
	MaxRetries      int           `yaml:"max_retries"`
	MaxTokens       int           `yaml:"max_tokens"`
	MinCitations    int           `yaml:"min_citations"`
	TaskTimeoutSec  int           `yaml:"task_timeout_sec"`
	RetryBackoffSec int           `yaml:"retry_backoff_sec"`
	TaskTimeout     time.Duration `yaml:"-"`
	RetryBackoff    time.Duration `yaml:"-"`
	// DrainOnAbort lets an in-flight provider call finish its current
	// attempt when the run is cancelled or hard-cap aborted. Retries
	// and backoff still stop immediately.
	DrainOnAbort bool `yaml:"drain_on_abort"`
}

// PipelineConfig tunes the phase runner.
type PipelineConfig struct {
	MaxParallel      int     `yaml:"max_parallel"`
	SuccessThreshold float64 `yaml:"success_threshold"`
	TopN             int     `yaml:"top_n"`
}

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	DBPath     string         `yaml:"db_path"`
	APIKey     string         `yaml:"api_key"`
	BaseURL    string         `yaml:"base_url"`
	Budget     BudgetConfig   `yaml:"budget"`
	Executor   ExecutorConfig `yaml:"executor"`
	Pipeline   PipelineConfig `yaml:"pipeline"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:7480",
		DBPath:     "strata.db",
		BaseURL:    "https://openrouter.ai/api/v1",
		Budget: BudgetConfig{
			MonthlySoftCap: 15.00,
			MonthlyHardCap: 20.00,
			PerRunSoftCap:  1.50,
			PerRunHardCap:  3.00,
		},
		Executor: ExecutorConfig{
			PrimaryModel:    "anthropic/claude-3.5-sonnet",
			FallbackModel:   "openai/gpt-4o-mini",
			MaxRetries:      2,
			MaxTokens:       4000,
			MinCitations:    2,
			TaskTimeoutSec:  60,
			RetryBackoffSec: 2,
			TaskTimeout:     60 * time.Second,
			RetryBackoff:    2 * time.Second,
			DrainOnAbort:    true,
		},
		Pipeline: PipelineConfig{
			MaxParallel:      4,
			SuccessThreshold: 0.5,
			TopN:             10,
		},
	}
}

// Load reads configuration from path, layering it over defaults.
// A missing file is not an error: defaults apply. The provider API key
// may always be supplied via STRATA_API_KEY.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if key := os.Getenv("STRATA_API_KEY"); key != "" {
		cfg.APIKey = key
	}

	cfg.Executor.TaskTimeout = time.Duration(cfg.Executor.TaskTimeoutSec) * time.Second
	cfg.Executor.RetryBackoff = time.Duration(cfg.Executor.RetryBackoffSec) * time.Second

	return cfg, cfg.Validate()
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Budget.MonthlyHardCap < c.Budget.MonthlySoftCap {
		return fmt.Errorf("monthly hard cap %.2f below soft cap %.2f", c.Budget.MonthlyHardCap, c.Budget.MonthlySoftCap)
	}
	if c.Budget.PerRunHardCap < c.Budget.PerRunSoftCap {
		return fmt.Errorf("per-run hard cap %.2f below soft cap %.2f", c.Budget.PerRunHardCap, c.Budget.PerRunSoftCap)
	}
	if c.Pipeline.SuccessThreshold < 0 || c.Pipeline.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold %.2f out of range [0,1]", c.Pipeline.SuccessThreshold)
	}
	if c.Pipeline.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be at least 1, got %d", c.Pipeline.MaxParallel)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Executor.MaxRetries)
	}
	return nil
}
