package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load loads configuration from defaults, file, and environment.
// Resolution order (highest priority last):
// 1. Defaults
// 2. Config file
// 3. Environment variables
func Load() (*Config, error) {
	cfg := Default()

	// Load from config file if present
	if path := configFilePath(); path != "" {
		if err := loadFromFile(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Load from environment (overrides file)
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := loadFromFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// loadFromEnv loads configuration from environment variables.
func loadFromEnv(cfg *Config) error {
	return loadStructFromEnv(reflect.ValueOf(cfg).Elem(), "")
}

// loadStructFromEnv recursively loads struct fields from environment.
func loadStructFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			// No env tag, check if it's a nested struct
			if field.Kind() == reflect.Struct {
				if err := loadStructFromEnv(field, prefix); err != nil {
					return err
				}
			}
			continue
		}

		// Check environment variable
		if value := os.Getenv(envTag); value != "" {
			if err := setField(field, value); err != nil {
				return fmt.Errorf("setting %s: %w", envTag, err)
			}
		}
	}

	return nil
}

// setField sets a struct field from a string value.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			// Handle duration
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("parsing duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			// Handle int
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing int: %w", err)
			}
			field.SetInt(n)
		}
	case reflect.Int32:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing int32: %w", err)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parsing bool: %w", err)
		}
		field.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("parsing float64: %w", err)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// configFilePath returns the path to the config file.
func configFilePath() string {
	// Check environment override
	if path := os.Getenv("STORYRT_CONFIG_PATH"); path != "" {
		return path
	}

	// Check default locations
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	paths := []string{
		filepath.Join(home, ".storyrt", "config.json"),
		filepath.Join(home, ".storyrt.json"),
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Save saves configuration to a file.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetEnvDocs returns documentation for all environment variables.
func GetEnvDocs() map[string]string {
	return map[string]string{
		"STORYRT_BIND":                              "HTTP listen address (default: :8080)",
		"STORYRT_DATA_DIR":                           "Directory for the SQLite database and story packs (default: ./data)",
		"STORYRT_ENV":                                "Runtime mode: test, dev, or production (default: dev)",
		"STORYRT_LLM_PROVIDER":                       "LLM provider name (default: hosted)",
		"STORYRT_LLM_ENDPOINT":                       "Hosted LLM chat-completions endpoint URL",
		"STORYRT_LLM_API_KEY":                        "Hosted LLM bearer token",
		"STORYRT_LLM_MODEL":                          "Model identifier sent to the hosted provider (default: gpt-4o-mini)",
		"STORYRT_LLM_CONNECT_TIMEOUT_S":              "Connection timeout in seconds (default: 3)",
		"STORYRT_LLM_READ_TIMEOUT_S":                 "Read timeout in seconds (default: 8)",
		"STORYRT_LLM_WRITE_TIMEOUT_S":                "Write timeout in seconds (default: 3)",
		"STORYRT_LLM_POOL_TIMEOUT_S":                 "Connection-pool acquire timeout in seconds (default: 2)",
		"STORYRT_LLM_TIMEOUT_S":                      "Per-call timeout in seconds (default: 10)",
		"STORYRT_LLM_TOTAL_DEADLINE_S":                "Total deadline across retries for one step's LLM work, in seconds (default: 20)",
		"STORYRT_LLM_RETRY_ATTEMPTS_NETWORK":         "Retry attempts for network-layer failures (default: 3)",
		"STORYRT_LLM_MAX_RETRIES":                    "Maximum retry attempts overall (default: 3)",
		"STORYRT_LLM_CIRCUIT_BREAKER_WINDOW_S":       "Circuit breaker window in seconds (default: 60); loaded and validated, but the breaker does not read it and keeps no time window",
		"STORYRT_LLM_CIRCUIT_BREAKER_FAIL_THRESHOLD": "Failures since the last success before the circuit opens (default: 5)",
		"STORYRT_LLM_CIRCUIT_BREAKER_OPEN_S":         "Seconds the circuit stays open before a half-open probe (default: 30)",
		"STORYRT_LLM_PROMPT_PLAY_MAX_CHARS":          "Maximum characters of player input included in prompts (default: 4000)",
		"STORYRT_STEP_IDEMPOTENCY_TTL_S":             "Seconds an idempotency record is retained (default: 86400)",
		"STORYRT_STEP_IDEMPOTENCY_IN_PROGRESS_STALE_S": "Seconds before an in_progress idempotency record is considered abandoned (default: 30)",
		"STORYRT_STORY_FALLBACK_LLM_ENABLED":         "Loaded into StepConfig.FallbackLLMEnabled; no step path reads it, and fallback steps are narrated by the LLM like any other step (default: true)",
		"STORYRT_STORY_NARRATION_LANGUAGE":           "Language tag passed to the narrator (default: en)",
		"STORYRT_STORY_DEFAULT_LOCALE":               "Default locale for new sessions (default: en-US)",
		"STORYRT_LOG_LEVEL":                          "Log level: debug, info, warn, error, fatal (default: info)",
		"STORYRT_LOG_DIR":                            "Log directory",
		"STORYRT_METRICS_ENABLED":                    "Enable metrics (default: true)",
		"STORYRT_METRICS_PATH":                       "Metrics output path",
		"STORYRT_CONFIG_PATH":                        "Path to config file",
	}
}

// PrintEnvDocs prints environment variable documentation.
func PrintEnvDocs() {
	fmt.Println("storyrt Environment Variables")
	fmt.Println("=============================")
	fmt.Println()

	categories := map[string][]string{
		"Server":    {},
		"LLM":       {},
		"Step":      {},
		"Story":     {},
		"Telemetry": {},
		"General":   {},
	}

	docs := GetEnvDocs()
	for env, doc := range docs {
		category := "General"
		switch {
		case strings.Contains(env, "BIND") || strings.Contains(env, "DATA_DIR") || env == "STORYRT_ENV":
			category = "Server"
		case strings.Contains(env, "LLM"):
			category = "LLM"
		case strings.Contains(env, "STEP_IDEMPOTENCY"):
			category = "Step"
		case strings.HasPrefix(env, "STORYRT_STORY"):
			category = "Story"
		case strings.Contains(env, "LOG") || strings.Contains(env, "METRIC"):
			category = "Telemetry"
		}
		categories[category] = append(categories[category], fmt.Sprintf("  %-46s %s", env, doc))
	}

	for _, category := range []string{"Server", "LLM", "Step", "Story", "Telemetry", "General"} {
		vars := categories[category]
		if len(vars) > 0 {
			fmt.Printf("%s:\n", category)
			for _, v := range vars {
				fmt.Println(v)
			}
			fmt.Println()
		}
	}
}
