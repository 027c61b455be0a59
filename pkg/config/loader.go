package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TASKENGINE_OUTBOUND_ALLOW_ALL.
const EnvPrefix = "TASKENGINE"

// envAliases binds the documented unprefixed environment names to their keys.
//
//nolint:gochecknoglobals // static binding table
var envAliases = map[string]string{
	"gateway.url":           "GATEWAY_URL",
	"gateway.step_path":     "GATEWAY_STEP_PATH",
	"gateway.token":         "GATEWAY_TOKEN",
	"outbound.allow_hosts":  "OUTBOUND_ALLOW_HOSTS",
	"outbound.allow_all":    "OUTBOUND_ALLOW_ALL",
	"anthropic.api_key":     "ANTHROPIC_API_KEY",
	"openai.api_key":        "OPENAI_API_KEY",
	"gemini.api_key":        "GEMINI_API_KEY",
	"ollama.host":           "OLLAMA_HOST",
	"logging.debug":         "DEBUG",
	"logging.debug_domains": "DEBUG_DOMAINS",
}

// Load builds a Config from defaults, an optional YAML file and the environment.
// An empty path skips the file. The returned value is validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		// Prefixed form wins over the bare alias when both are set.
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Join(ErrInvalidConfig, err)
	}
	return cfg, nil
}

// ErrInvalidConfig is returned by Load when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("provider", d.Provider)
	v.SetDefault("owner", d.Owner)
	v.SetDefault("tools", d.Tools)

	v.SetDefault("gateway.url", d.Gateway.URL)
	v.SetDefault("gateway.step_path", d.Gateway.StepPath)
	v.SetDefault("gateway.token", d.Gateway.Token)
	v.SetDefault("gateway.timeout_ceiling", d.Gateway.TimeoutCeiling)

	v.SetDefault("outbound.allow_hosts", d.Outbound.AllowHosts)
	v.SetDefault("outbound.allow_all", d.Outbound.AllowAll)
	v.SetDefault("outbound.allow_insecure_localhost", d.Outbound.AllowInsecureLocalhost)
	v.SetDefault("outbound.max_request_bytes", d.Outbound.MaxRequestBytes)
	v.SetDefault("outbound.max_response_bytes", d.Outbound.MaxResponseBytes)
	v.SetDefault("outbound.timeout", d.Outbound.Timeout)

	v.SetDefault("anthropic.api_key", d.Anthropic.APIKey)
	v.SetDefault("anthropic.base_url", d.Anthropic.BaseURL)
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("openai.api_key", d.OpenAI.APIKey)
	v.SetDefault("openai.base_url", d.OpenAI.BaseURL)
	v.SetDefault("openai.model", d.OpenAI.Model)
	v.SetDefault("gemini.api_key", d.Gemini.APIKey)
	v.SetDefault("gemini.base_url", d.Gemini.BaseURL)
	v.SetDefault("gemini.model", d.Gemini.Model)
	v.SetDefault("ollama.host", d.Ollama.Host)
	v.SetDefault("ollama.model", d.Ollama.Model)

	v.SetDefault("pricing.max_tier_cap", d.Pricing.MaxTierCap)
	v.SetDefault("pricing.tiers", d.Pricing.Tiers)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.backoff_factor", d.Retry.BackoffFactor)
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("circuit.enabled", d.Circuit.Enabled)
	v.SetDefault("circuit.failure_threshold", d.Circuit.FailureThreshold)
	v.SetDefault("circuit.success_threshold", d.Circuit.SuccessThreshold)
	v.SetDefault("circuit.timeout", d.Circuit.Timeout)

	v.SetDefault("logging.debug", d.Logging.Debug)
	v.SetDefault("logging.debug_domains", d.Logging.DebugDomains)
	v.SetDefault("logging.event_log_dir", d.Logging.EventLogDir)
}
