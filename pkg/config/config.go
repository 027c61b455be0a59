// Package config provides the immutable configuration value for the task engine.
// A Config is built once by Load (or Default) and passed into each component's constructor.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"taskengine/pkg/provider/middleware/circuit"
	"taskengine/pkg/provider/middleware/retry"
)

// Provider names.
const (
	ProviderGateway   = "gateway"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// Defaults applied when a value is not configured.
const (
	DefaultStepPath         = "/v1/step"
	DefaultTimeoutCeiling   = 120 * time.Second
	DefaultOutboundTimeout  = 30 * time.Second
	DefaultMaxRequestBytes  = 1 << 20
	DefaultMaxResponseBytes = 4 << 20
	DefaultOwner            = "local"
	DefaultOllamaHost       = "http://localhost:11434"
)

// GatewayConfig configures the gateway provider.
type GatewayConfig struct {
	URL            string        `mapstructure:"url"`             // Base URL, e.g. https://gw.example.com
	StepPath       string        `mapstructure:"step_path"`       // Path appended to URL for each round
	Token          string        `mapstructure:"token"`           // Optional bearer credential
	TimeoutCeiling time.Duration `mapstructure:"timeout_ceiling"` // Upper bound on any single round
}

// Endpoint returns the full step URL, or "" if the gateway is not configured.
func (g GatewayConfig) Endpoint() string {
	if g.URL == "" {
		return ""
	}
	return strings.TrimRight(g.URL, "/") + "/" + strings.TrimLeft(g.StepPath, "/")
}

// OutboundConfig configures the outbound network policy.
//
//nolint:govet // fieldalignment: logical grouping preferred
type OutboundConfig struct {
	AllowHosts             []string      `mapstructure:"allow_hosts"`              // Exact names or ".suffix" rules
	AllowAll               bool          `mapstructure:"allow_all"`                // Skip the allow-list
	AllowInsecureLocalhost bool          `mapstructure:"allow_insecure_localhost"` // Permit http://localhost
	MaxRequestBytes        int64         `mapstructure:"max_request_bytes"`
	MaxResponseBytes       int64         `mapstructure:"max_response_bytes"`
	Timeout                time.Duration `mapstructure:"timeout"`
}

// SDKProviderConfig configures an SDK-backed provider.
type SDKProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// OllamaConfig configures the Ollama provider. Ollama takes no credential.
type OllamaConfig struct {
	Host  string `mapstructure:"host"`  // Server URL, e.g. http://localhost:11434
	Model string `mapstructure:"model"` // Model used when a task asks for the default
}

// TierConfig prices one model tier. Tiers are indexed by their position.
type TierConfig struct {
	Model         string  `mapstructure:"model"`           // Model used when a task runs at this tier
	PricePerToken float64 `mapstructure:"price_per_token"` // USD per token, prompt and completion alike
}

// PricingConfig is the tier pricing table supplied to the engine.
type PricingConfig struct {
	Tiers      []TierConfig `mapstructure:"tiers"`
	MaxTierCap int          `mapstructure:"max_tier_cap"`
}

// PriceForTier returns the per-token price of a tier, clamped to the last configured tier.
func (p PricingConfig) PriceForTier(tier int) float64 {
	if len(p.Tiers) == 0 {
		return 0
	}
	if tier < 0 {
		tier = 0
	}
	if tier >= len(p.Tiers) {
		tier = len(p.Tiers) - 1
	}
	return p.Tiers[tier].PricePerToken
}

// ModelForTier returns the model configured for a tier, or fallback when none is set.
func (p PricingConfig) ModelForTier(tier int, fallback string) string {
	if tier >= 0 && tier < len(p.Tiers) && p.Tiers[tier].Model != "" {
		return p.Tiers[tier].Model
	}
	return fallback
}

// RetryConfig configures backoff for retryable provider failures.
type RetryConfig struct {
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Jitter        bool          `mapstructure:"jitter"`
}

// Policy converts the configuration into a retry policy.
func (r RetryConfig) Policy() *retry.Policy {
	return retry.NewPolicy(retry.Config{
		MaxAttempts:   r.MaxAttempts,
		InitialDelay:  r.InitialDelay,
		MaxDelay:      r.MaxDelay,
		BackoffFactor: r.BackoffFactor,
		Jitter:        r.Jitter,
	}, nil)
}

// CircuitConfig configures the provider circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Enabled          bool          `mapstructure:"enabled"`
}

// Breaker builds a circuit breaker from the configuration.
func (c CircuitConfig) Breaker() *circuit.Breaker {
	return circuit.New(circuit.Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout,
	})
}

// LoggingConfig configures debug output and the run event sink.
type LoggingConfig struct {
	Debug        bool     `mapstructure:"debug"`
	DebugDomains []string `mapstructure:"debug_domains"`
	EventLogDir  string   `mapstructure:"event_log_dir"` // Empty disables the JSONL sink; files rotate daily
}

// Config is the complete engine configuration. Treat it as read-only after Load.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Config struct {
	Provider  string            `mapstructure:"provider"` // Which provider the CLI wires: gateway, anthropic, openai, gemini, ollama
	Owner     string            `mapstructure:"owner"`    // Token-owner identity reported with runs
	Gateway   GatewayConfig     `mapstructure:"gateway"`
	Outbound  OutboundConfig    `mapstructure:"outbound"`
	Anthropic SDKProviderConfig `mapstructure:"anthropic"`
	OpenAI    SDKProviderConfig `mapstructure:"openai"`
	Gemini    SDKProviderConfig `mapstructure:"gemini"`
	Ollama    OllamaConfig      `mapstructure:"ollama"`
	Pricing   PricingConfig     `mapstructure:"pricing"`
	Retry     RetryConfig       `mapstructure:"retry"`
	Circuit   CircuitConfig     `mapstructure:"circuit"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Tools     []string          `mapstructure:"tools"` // Tool names the planner may grant
}

// Default returns a configuration with every default applied and no credentials.
func Default() Config {
	return Config{
		Provider: ProviderGateway,
		Owner:    DefaultOwner,
		Gateway: GatewayConfig{
			StepPath:       DefaultStepPath,
			TimeoutCeiling: DefaultTimeoutCeiling,
		},
		Outbound: OutboundConfig{
			MaxRequestBytes:  DefaultMaxRequestBytes,
			MaxResponseBytes: DefaultMaxResponseBytes,
			Timeout:          DefaultOutboundTimeout,
		},
		Anthropic: SDKProviderConfig{Model: "claude-sonnet-4-5"},
		OpenAI:    SDKProviderConfig{Model: "gpt-4o-mini"},
		Gemini:    SDKProviderConfig{Model: "gemini-2.5-flash"},
		Ollama:    OllamaConfig{Host: DefaultOllamaHost, Model: "llama3.1"},
		Pricing: PricingConfig{
			MaxTierCap: 2,
			Tiers: []TierConfig{
				{PricePerToken: 0.000001},
				{PricePerToken: 0.000004},
				{PricePerToken: 0.000015},
			},
		},
		Retry: RetryConfig{
			MaxAttempts:   retry.DefaultConfig.MaxAttempts,
			InitialDelay:  retry.DefaultConfig.InitialDelay,
			MaxDelay:      retry.DefaultConfig.MaxDelay,
			BackoffFactor: retry.DefaultConfig.BackoffFactor,
			Jitter:        retry.DefaultConfig.Jitter,
		},
		Circuit: CircuitConfig{
			Enabled:          true,
			FailureThreshold: circuit.DefaultConfig.FailureThreshold,
			SuccessThreshold: circuit.DefaultConfig.SuccessThreshold,
			Timeout:          circuit.DefaultConfig.Timeout,
		},
		Tools: []string{"web_fetch", "clock"},
	}
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGateway, ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOllama:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Provider == ProviderOllama {
		u, err := url.Parse(c.Ollama.Host)
		if err != nil || u.Host == "" {
			return fmt.Errorf("ollama.host %q is not an absolute URL", c.Ollama.Host)
		}
	}
	if c.Gateway.URL != "" {
		u, err := url.Parse(c.Gateway.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("gateway.url %q is not an absolute URL", c.Gateway.URL)
		}
	}
	if c.Gateway.TimeoutCeiling <= 0 {
		return fmt.Errorf("gateway.timeout_ceiling must be positive")
	}
	if c.Outbound.MaxRequestBytes <= 0 || c.Outbound.MaxResponseBytes <= 0 {
		return fmt.Errorf("outbound byte ceilings must be positive")
	}
	if c.Outbound.Timeout <= 0 {
		return fmt.Errorf("outbound.timeout must be positive")
	}
	if c.Pricing.MaxTierCap < 0 {
		return fmt.Errorf("pricing.max_tier_cap must not be negative")
	}
	for i, tier := range c.Pricing.Tiers {
		if tier.PricePerToken < 0 {
			return fmt.Errorf("pricing.tiers[%d].price_per_token must not be negative", i)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}
