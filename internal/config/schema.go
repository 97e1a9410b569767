// Package config provides typed, validated configuration for the story
// runtime server.
//
// Configuration resolution order (highest priority first):
// 1. Environment variables (STORYRT_*)
// 2. Config file (~/.storyrt/config.json or STORYRT_CONFIG_PATH)
// 3. Defaults
package config

import "time"

// Config is the top-level configuration structure.
type Config struct {
	// Server controls the HTTP listener.
	Server ServerConfig `json:"server"`

	// LLM controls the transport core (component G): timeouts, retries,
	// circuit breaker, provider selection.
	LLM LLMConfig `json:"llm"`

	// Step controls idempotency and step-level policy.
	Step StepConfig `json:"step"`

	// Story controls narration/locale defaults and fallback behavior.
	Story StoryConfig `json:"story"`

	// Telemetry controls observability.
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ServerConfig controls the HTTP listener and storage location.
type ServerConfig struct {
	Bind    string `json:"bind" env:"STORYRT_BIND" default:":8080"`
	DataDir string `json:"data_dir" env:"STORYRT_DATA_DIR" default:"./data"`

	// Env selects the provider mode: "test" (deterministic in-process
	// provider) or "dev"/"production" (hosted HTTP provider). Validate
	// rejects any other value.
	Env string `json:"env" env:"STORYRT_ENV" default:"dev"`
}

// LLMConfig controls the LLM transport core (§4.G / §6.4).
type LLMConfig struct {
	// ProviderName names the hosted HTTP provider and keys its circuit
	// breaker; Endpoint holds the URL. Ignored when Env == "test".
	ProviderName string `json:"provider_name" env:"STORYRT_LLM_PROVIDER" default:"hosted"`
	Endpoint     string `json:"endpoint" env:"STORYRT_LLM_ENDPOINT" default:""`
	APIKey       string `json:"-" env:"STORYRT_LLM_API_KEY" default:""`
	Model        string `json:"model" env:"STORYRT_LLM_MODEL" default:"gpt-4o-mini"`

	ConnectTimeoutS float64 `json:"llm_connect_timeout_s" env:"STORYRT_LLM_CONNECT_TIMEOUT_S" default:"3"`
	ReadTimeoutS    float64 `json:"llm_read_timeout_s" env:"STORYRT_LLM_READ_TIMEOUT_S" default:"8"`
	WriteTimeoutS   float64 `json:"llm_write_timeout_s" env:"STORYRT_LLM_WRITE_TIMEOUT_S" default:"3"`
	PoolTimeoutS    float64 `json:"llm_pool_timeout_s" env:"STORYRT_LLM_POOL_TIMEOUT_S" default:"2"`
	CallTimeoutS    float64 `json:"llm_timeout_s" env:"STORYRT_LLM_TIMEOUT_S" default:"10"`
	TotalDeadlineS  float64 `json:"llm_total_deadline_s" env:"STORYRT_LLM_TOTAL_DEADLINE_S" default:"20"`

	RetryAttemptsNetwork int `json:"llm_retry_attempts_network" env:"STORYRT_LLM_RETRY_ATTEMPTS_NETWORK" default:"3"`
	MaxRetries           int `json:"llm_max_retries" env:"STORYRT_LLM_MAX_RETRIES" default:"3"`

	CircuitBreakerWindowS        float64 `json:"llm_circuit_breaker_window_s" env:"STORYRT_LLM_CIRCUIT_BREAKER_WINDOW_S" default:"60"`
	CircuitBreakerFailThreshold  int     `json:"llm_circuit_breaker_fail_threshold" env:"STORYRT_LLM_CIRCUIT_BREAKER_FAIL_THRESHOLD" default:"5"`
	CircuitBreakerOpenS          float64 `json:"llm_circuit_breaker_open_s" env:"STORYRT_LLM_CIRCUIT_BREAKER_OPEN_S" default:"30"`

	PromptPlayMaxChars int `json:"llm_prompt_play_max_chars" env:"STORYRT_LLM_PROMPT_PLAY_MAX_CHARS" default:"4000"`
}

// StepConfig controls idempotency (§4.I) and fallback behavior (§4.F).
type StepConfig struct {
	IdempotencyTTLS              int  `json:"step_idempotency_ttl_s" env:"STORYRT_STEP_IDEMPOTENCY_TTL_S" default:"86400"`
	IdempotencyInProgressStaleS  int  `json:"step_idempotency_in_progress_stale_s" env:"STORYRT_STEP_IDEMPOTENCY_IN_PROGRESS_STALE_S" default:"30"`
	FallbackLLMEnabled           bool `json:"story_fallback_llm_enabled" env:"STORYRT_STORY_FALLBACK_LLM_ENABLED" default:"true"`
}

// StoryConfig controls narration locale defaults (§6.2/§6.3).
type StoryConfig struct {
	NarrationLanguage string `json:"story_narration_language" env:"STORYRT_STORY_NARRATION_LANGUAGE" default:"en"`
	DefaultLocale     string `json:"story_default_locale" env:"STORYRT_STORY_DEFAULT_LOCALE" default:"en-US"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	LogLevel       string `json:"log_level" env:"STORYRT_LOG_LEVEL" default:"info"`
	LogDir         string `json:"log_dir" env:"STORYRT_LOG_DIR" default:""`
	MetricsEnabled bool   `json:"metrics_enabled" env:"STORYRT_METRICS_ENABLED" default:"true"`
	MetricsPath    string `json:"metrics_path" env:"STORYRT_METRICS_PATH" default:""`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:    ":8080",
			DataDir: "./data",
			Env:     "dev",
		},
		LLM: LLMConfig{
			ProviderName:                "hosted",
			Model:                       "gpt-4o-mini",
			ConnectTimeoutS:             3,
			ReadTimeoutS:                8,
			WriteTimeoutS:               3,
			PoolTimeoutS:                2,
			CallTimeoutS:                10,
			TotalDeadlineS:              20,
			RetryAttemptsNetwork:        3,
			MaxRetries:                  3,
			CircuitBreakerWindowS:       60,
			CircuitBreakerFailThreshold: 5,
			CircuitBreakerOpenS:         30,
			PromptPlayMaxChars:          4000,
		},
		Step: StepConfig{
			IdempotencyTTLS:             86400,
			IdempotencyInProgressStaleS: 30,
			FallbackLLMEnabled:          true,
		},
		Story: StoryConfig{
			NarrationLanguage: "en",
			DefaultLocale:     "en-US",
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
		},
	}
}

// CallDeadline returns the call-level timeout as a time.Duration.
func (c LLMConfig) CallDeadline() time.Duration {
	return time.Duration(c.CallTimeoutS * float64(time.Second))
}

// TotalDeadline returns the total per-step LLM deadline as a time.Duration.
func (c LLMConfig) TotalDeadline() time.Duration {
	return time.Duration(c.TotalDeadlineS * float64(time.Second))
}

// ConnectTimeout, ReadTimeout, WriteTimeout, PoolTimeout return their
// respective sub-timeouts as time.Duration, for clamping against the
// remaining total deadline (§4.G).
func (c LLMConfig) ConnectTimeout() time.Duration { return time.Duration(c.ConnectTimeoutS * float64(time.Second)) }
func (c LLMConfig) ReadTimeout() time.Duration    { return time.Duration(c.ReadTimeoutS * float64(time.Second)) }
func (c LLMConfig) WriteTimeout() time.Duration   { return time.Duration(c.WriteTimeoutS * float64(time.Second)) }
func (c LLMConfig) PoolTimeout() time.Duration    { return time.Duration(c.PoolTimeoutS * float64(time.Second)) }

// CircuitBreakerWindow, CircuitBreakerOpen return their durations.
func (c LLMConfig) CircuitBreakerWindow() time.Duration { return time.Duration(c.CircuitBreakerWindowS * float64(time.Second)) }
func (c LLMConfig) CircuitBreakerOpen() time.Duration   { return time.Duration(c.CircuitBreakerOpenS * float64(time.Second)) }

// IdempotencyTTL, IdempotencyInProgressStale return their durations.
func (c StepConfig) IdempotencyTTL() time.Duration             { return time.Duration(c.IdempotencyTTLS) * time.Second }
func (c StepConfig) IdempotencyInProgressStale() time.Duration { return time.Duration(c.IdempotencyInProgressStaleS) * time.Second }
