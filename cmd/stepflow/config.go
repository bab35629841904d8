package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/stepflow/runtime/agent/runtime"
)

type (
	// config is the command configuration. Every section is optional: an
	// empty file runs the scripted model on in-memory backends.
	config struct {
		Agent       agentConfig       `yaml:"agent"`
		Model       modelConfig       `yaml:"model"`
		Limits      limitsConfig      `yaml:"limits"`
		Mongo       mongoConfig       `yaml:"mongo"`
		Redis       redisConfig       `yaml:"redis"`
		Permissions permissionsConfig `yaml:"permissions"`
	}

	agentConfig struct {
		ID           string  `yaml:"id"`
		SystemPrompt string  `yaml:"system_prompt"`
		Temperature  float32 `yaml:"temperature"`
		MaxTokens    int     `yaml:"max_tokens"`
	}

	modelConfig struct {
		// Provider is one of scripted, openai or anthropic.
		Provider string `yaml:"provider"`
		Name     string `yaml:"name"`
		APIKey   string `yaml:"api_key"`
		// TokensPerMinute enables the adaptive rate limiter when positive.
		TokensPerMinute    float64 `yaml:"tokens_per_minute"`
		MaxTokensPerMinute float64 `yaml:"max_tokens_per_minute"`
		// SharedBudgetKey shares the limiter budget through Redis.
		SharedBudgetKey string `yaml:"shared_budget_key"`
	}

	limitsConfig struct {
		MaxSteps           int           `yaml:"max_steps"`
		MaxModelRetries    int           `yaml:"max_model_retries"`
		ModelTimeout       time.Duration `yaml:"model_timeout"`
		ToolTimeout        time.Duration `yaml:"tool_timeout"`
		MaxConcurrentTools int           `yaml:"max_concurrent_tools"`
		InteractionTTL     time.Duration `yaml:"interaction_ttl"`
		MaxDepth           int           `yaml:"max_depth"`
	}

	mongoConfig struct {
		URI      string        `yaml:"uri"`
		Database string        `yaml:"database"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	redisConfig struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
		// Streams publishes protocol events to Pulse streams.
		Streams bool `yaml:"streams"`
	}

	permissionsConfig struct {
		Allow []string `yaml:"allow"`
		Deny  []string `yaml:"deny"`
	}
)

const (
	providerScripted  = "scripted"
	providerOpenAI    = "openai"
	providerAnthropic = "anthropic"

	defaultAgentID  = "stepflow.assistant"
	defaultDatabase = "stepflow"
)

func defaultConfig() *config {
	return &config{
		Agent: agentConfig{
			ID:           defaultAgentID,
			SystemPrompt: "You are a helpful assistant. Use the available tools when they help answer the user.",
		},
		Model: modelConfig{Provider: providerScripted},
		Mongo: mongoConfig{Database: defaultDatabase},
		Permissions: permissionsConfig{
			Allow: []string{toolWeather, toolCalculate, toolUnits},
		},
	}
}

// loadConfig reads the YAML file at path, when set, over the defaults and
// applies the environment overrides.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(b, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeConfig(b []byte, cfg *config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *config) applyEnv() {
	c.Mongo.URI = envOr("STEPFLOW_MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = envOr("STEPFLOW_MONGO_DATABASE", c.Mongo.Database)
	c.Redis.Addr = envOr("STEPFLOW_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOr("STEPFLOW_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envIntOr("STEPFLOW_REDIS_DB", c.Redis.DB)
	c.Model.Provider = envOr("STEPFLOW_MODEL_PROVIDER", c.Model.Provider)
	c.Model.Name = envOr("STEPFLOW_MODEL", c.Model.Name)
	if c.Model.APIKey == "" {
		switch c.Model.Provider {
		case providerOpenAI:
			c.Model.APIKey = os.Getenv("OPENAI_API_KEY")
		case providerAnthropic:
			c.Model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	c.Limits.ModelTimeout = envDurationOr("STEPFLOW_MODEL_TIMEOUT", c.Limits.ModelTimeout)
	c.Limits.ToolTimeout = envDurationOr("STEPFLOW_TOOL_TIMEOUT", c.Limits.ToolTimeout)
}

func (c *config) validate() error {
	if c.Agent.ID == "" {
		return errors.New("agent id is required")
	}
	switch c.Model.Provider {
	case providerScripted:
	case providerOpenAI, providerAnthropic:
		if c.Model.Name == "" {
			return fmt.Errorf("model name is required for provider %q", c.Model.Provider)
		}
		if c.Model.APIKey == "" {
			return fmt.Errorf("api key is required for provider %q", c.Model.Provider)
		}
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return errors.New("mongo database is required")
	}
	if c.Redis.Streams && c.Redis.Addr == "" {
		return errors.New("redis address is required to publish streams")
	}
	if c.Model.SharedBudgetKey != "" && c.Redis.Addr == "" {
		return errors.New("redis address is required to share the rate limit budget")
	}
	if c.Model.SharedBudgetKey != "" && c.Model.TokensPerMinute <= 0 {
		return errors.New("tokens_per_minute is required to share the rate limit budget")
	}
	if c.Limits.MaxSteps < 0 || c.Limits.MaxConcurrentTools < 0 || c.Limits.MaxDepth < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

// runtimeLimits converts the limits section. Zero values keep the runtime
// defaults.
func (c *config) runtimeLimits() runtime.Limits {
	return runtime.Limits{
		MaxSteps:           c.Limits.MaxSteps,
		MaxModelRetries:    c.Limits.MaxModelRetries,
		ModelTimeout:       c.Limits.ModelTimeout,
		ToolTimeout:        c.Limits.ToolTimeout,
		MaxConcurrentTools: c.Limits.MaxConcurrentTools,
		InteractionTTL:     c.Limits.InteractionTTL,
		MaxDepth:           c.Limits.MaxDepth,
	}
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
