// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation (caarlos0/env tags)
// - Default value application
// - Provider-specific model and API key lookup

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Settings holds all application configuration.
type Settings struct {
	LLM    LLMConfig
	Agent  AgentConfig
	Data   DataConfig
	Auth   AuthConfig
	Server ServerConfig
	Log    LogConfig
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string `env:"LLM_PROVIDER" envDefault:"openai"`
	Model       string
	MaxTokens   uint32  `env:"LLM_MAX_TOKENS" envDefault:"4096"`
	Temperature float64 `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	BaseURL     string  `env:"OPENAI_BASE_URL"`
}

// AgentConfig holds agent execution configuration.
type AgentConfig struct {
	MaxIterations  int           `env:"AGENT_MAX_ITERATIONS" envDefault:"15"`
	TopK           int           `env:"AGENT_TOP_K" envDefault:"5"`
	Prompt         string        `env:"AGENT_PROMPT" envDefault:"sql"`
	ToolMaxRetries uint32        `env:"TOOL_MAX_RETRIES" envDefault:"3"`
	ToolTimeout    time.Duration `env:"TOOL_TIMEOUT" envDefault:"30s"`
}

// DataConfig locates the script that seeds the query database.
type DataConfig struct {
	Script         string `env:"TALLY_SCRIPT" envDefault:"Chinook_Sqlite.sql"`
	Engine         string `env:"TALLY_ENGINE" envDefault:"sqlite"`
	MaxResultBytes int    `env:"TALLY_MAX_RESULT_BYTES" envDefault:"4000"`
	// SampleRows is how many example rows the schema tool shows per table.
	SampleRows int `env:"TALLY_SAMPLE_ROWS" envDefault:"3"`
}

// AuthConfig holds the login page credentials.
type AuthConfig struct {
	Username string `env:"TALLY_USERNAME" envDefault:"admin"`
	Password string `env:"TALLY_PASSWORD" envDefault:"1234"`
}

// ServerConfig holds web server settings.
type ServerConfig struct {
	Addr            string        `env:"TALLY_ADDR" envDefault:":8501"`
	ShutdownTimeout time.Duration `env:"TALLY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// New loads settings from the environment. A non-empty provider overrides
// LLM_PROVIDER. Returns an error if the provider is unknown or a variable
// holds an invalid value.
func New(provider string) (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("invalid environment: %w", err)
	}

	if provider == "" {
		provider = s.LLM.Provider
	}
	s.LLM.Provider = normalizeProvider(provider)

	model, err := ModelFor(s.LLM.Provider)
	if err != nil {
		return Settings{}, err
	}
	s.LLM.Model = model

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	var errs []error
	if s.Agent.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_MAX_ITERATIONS must be positive, got %d", s.Agent.MaxIterations))
	}
	if s.Agent.TopK <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_TOP_K must be positive, got %d", s.Agent.TopK))
	}
	if s.LLM.Temperature < 0 || s.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("LLM_TEMPERATURE must be within [0, 2], got %v", s.LLM.Temperature))
	}
	if strings.TrimSpace(s.Data.Script) == "" {
		errs = append(errs, errors.New("TALLY_SCRIPT must not be empty"))
	}
	return errors.Join(errs...)
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyEnv returns the environment variable holding a provider's key.
func APIKeyEnv(provider string) (string, error) {
	info, err := getProviderInfo(normalizeProvider(provider))
	if err != nil {
		return "", err
	}
	return info.apiKeyEnv, nil
}

// APIKeyFor returns the API key for a provider: the environment variable if
// set, otherwise the OS keyring entry of the same name.
func APIKeyFor(provider string) (string, error) {
	name, err := APIKeyEnv(provider)
	if err != nil {
		return "", err
	}

	if key := os.Getenv(name); key != "" {
		return key, nil
	}

	if store, err := openSecrets(); err == nil {
		if key, err := store.Get(name); err == nil && key != "" {
			return key, nil
		}
	}

	return "", fmt.Errorf("%s environment variable not set", name)
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	info, err := getProviderInfo(normalizeProvider(provider))
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// SupportedProviders returns the supported provider names in order.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}
