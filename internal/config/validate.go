package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s: %s", e.Field, e.Message)
}

// ValidationResult contains validation errors.
type ValidationResult struct {
	Errors []*ValidationError
}

// Valid returns true if there are no validation errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Error returns a formatted error string.
func (r *ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{
		Errors: make([]*ValidationError, 0),
	}

	result.validateServer(c)
	result.validateLLM(c)
	result.validateStep(c)
	result.validateTelemetry(c)

	return result
}

func (r *ValidationResult) validateServer(c *Config) {
	if c.Server.Bind == "" {
		r.add("server.bind", "must not be empty")
	}
	if c.Server.Env != "test" && c.Server.Env != "dev" && c.Server.Env != "production" {
		r.add("server.env", "must be one of: test, dev, production")
	}
}

func (r *ValidationResult) validateLLM(c *Config) {
	if c.Server.Env != "test" {
		if c.LLM.Endpoint == "" {
			r.add("llm.endpoint", "must not be empty outside test mode")
		} else if !strings.HasPrefix(c.LLM.Endpoint, "http://") && !strings.HasPrefix(c.LLM.Endpoint, "https://") {
			r.add("llm.endpoint", "must start with http:// or https://")
		}
	}
	if c.LLM.CallTimeoutS <= 0 {
		r.add("llm.llm_timeout_s", "must be > 0")
	}
	if c.LLM.TotalDeadlineS <= 0 {
		r.add("llm.llm_total_deadline_s", "must be > 0")
	}
	if c.LLM.TotalDeadlineS < c.LLM.CallTimeoutS {
		r.add("llm.llm_total_deadline_s", "must be >= llm_timeout_s")
	}
	if c.LLM.MaxRetries < 0 {
		r.add("llm.llm_max_retries", "must be >= 0")
	}
	if c.LLM.RetryAttemptsNetwork < 0 {
		r.add("llm.llm_retry_attempts_network", "must be >= 0")
	}
	if c.LLM.CircuitBreakerFailThreshold < 1 {
		r.add("llm.llm_circuit_breaker_fail_threshold", "must be >= 1")
	}
	if c.LLM.CircuitBreakerWindowS <= 0 {
		r.add("llm.llm_circuit_breaker_window_s", "must be > 0")
	}
	if c.LLM.CircuitBreakerOpenS <= 0 {
		r.add("llm.llm_circuit_breaker_open_s", "must be > 0")
	}
	if c.LLM.PromptPlayMaxChars < 1 {
		r.add("llm.llm_prompt_play_max_chars", "must be >= 1")
	}
}

func (r *ValidationResult) validateStep(c *Config) {
	if c.Step.IdempotencyTTLS <= 0 {
		r.add("step.step_idempotency_ttl_s", "must be > 0")
	}
	if c.Step.IdempotencyInProgressStaleS <= 0 {
		r.add("step.step_idempotency_in_progress_stale_s", "must be > 0")
	}
	if c.Step.IdempotencyInProgressStaleS >= c.Step.IdempotencyTTLS {
		r.add("step.step_idempotency_in_progress_stale_s", "must be < step_idempotency_ttl_s")
	}
}

func (r *ValidationResult) validateTelemetry(c *Config) {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[c.Telemetry.LogLevel] {
		r.add("telemetry.log_level", "must be one of: debug, info, warn, error, fatal")
	}
	if c.Telemetry.LogDir != "" {
		if !filepath.IsAbs(c.Telemetry.LogDir) {
			r.add("telemetry.log_dir", "must be an absolute path")
		}
	}
}

func (r *ValidationResult) add(field, message string) {
	r.Errors = append(r.Errors, &ValidationError{
		Field:   field,
		Message: message,
	})
}

// MustValidate validates the config and panics if invalid.
func (c *Config) MustValidate() {
	result := c.Validate()
	if !result.Valid() {
		panic(result.Error())
	}
}

// ValidateWithDefaults validates and applies defaults for missing values.
func (c *Config) ValidateWithDefaults() error {
	defaults := Default()

	if c.Server.Bind == "" {
		c.Server.Bind = defaults.Server.Bind
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = defaults.Server.DataDir
	}
	if c.Server.Env == "" {
		c.Server.Env = defaults.Server.Env
	}
	if c.LLM.CallTimeoutS == 0 {
		c.LLM.CallTimeoutS = defaults.LLM.CallTimeoutS
	}
	if c.LLM.TotalDeadlineS == 0 {
		c.LLM.TotalDeadlineS = defaults.LLM.TotalDeadlineS
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = defaults.LLM.MaxRetries
	}
	if c.LLM.CircuitBreakerFailThreshold == 0 {
		c.LLM.CircuitBreakerFailThreshold = defaults.LLM.CircuitBreakerFailThreshold
	}
	if c.LLM.CircuitBreakerWindowS == 0 {
		c.LLM.CircuitBreakerWindowS = defaults.LLM.CircuitBreakerWindowS
	}
	if c.LLM.CircuitBreakerOpenS == 0 {
		c.LLM.CircuitBreakerOpenS = defaults.LLM.CircuitBreakerOpenS
	}
	if c.LLM.PromptPlayMaxChars == 0 {
		c.LLM.PromptPlayMaxChars = defaults.LLM.PromptPlayMaxChars
	}
	if c.Step.IdempotencyTTLS == 0 {
		c.Step.IdempotencyTTLS = defaults.Step.IdempotencyTTLS
	}
	if c.Step.IdempotencyInProgressStaleS == 0 {
		c.Step.IdempotencyInProgressStaleS = defaults.Step.IdempotencyInProgressStaleS
	}
	if c.Story.NarrationLanguage == "" {
		c.Story.NarrationLanguage = defaults.Story.NarrationLanguage
	}
	if c.Story.DefaultLocale == "" {
		c.Story.DefaultLocale = defaults.Story.DefaultLocale
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = defaults.Telemetry.LogLevel
	}

	result := c.Validate()
	if !result.Valid() {
		return fmt.Errorf("configuration validation failed: %s", result.Error())
	}

	return nil
}
