package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Provider, cfg.Provider)
	assert.Equal(t, DefaultStepPath, cfg.Gateway.StepPath)
	assert.Equal(t, DefaultOutboundTimeout, cfg.Outbound.Timeout)
	assert.Equal(t, int64(DefaultMaxRequestBytes), cfg.Outbound.MaxRequestBytes)
	assert.Equal(t, def.Pricing.MaxTierCap, cfg.Pricing.MaxTierCap)
	assert.Empty(t, cfg.Gateway.Endpoint())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
provider: gateway
owner: team-a
gateway:
  url: https://gw.example.com/
  step_path: /v2/round
  timeout_ceiling: 45s
outbound:
  allow_hosts: [gw.example.com, .internal.example.com]
  max_response_bytes: 2048
pricing:
  max_tier_cap: 1
  tiers:
    - price_per_token: 0.5
    - price_per_token: 1.5
      model: big-model
`)
	t.Setenv("GATEWAY_TOKEN", "secret")
	t.Setenv("TASKENGINE_OUTBOUND_ALLOW_ALL", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "team-a", cfg.Owner)
	assert.Equal(t, "https://gw.example.com/v2/round", cfg.Gateway.Endpoint())
	assert.Equal(t, 45*time.Second, cfg.Gateway.TimeoutCeiling)
	assert.Equal(t, "secret", cfg.Gateway.Token)
	assert.True(t, cfg.Outbound.AllowAll)
	assert.Equal(t, []string{"gw.example.com", ".internal.example.com"}, cfg.Outbound.AllowHosts)
	assert.Equal(t, int64(2048), cfg.Outbound.MaxResponseBytes)
	assert.InDelta(t, 1.5, cfg.Pricing.PriceForTier(1), 1e-9)
	assert.Equal(t, "big-model", cfg.Pricing.ModelForTier(1, "fallback"))
}

func TestLoadProviderCredentialsFromEnv(t *testing.T) {
	path := writeConfig(t, "provider: ollama\nollama:\n  model: qwen-test\n")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("OLLAMA_HOST", "http://ollama.internal.example.com:11434")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, cfg.Provider)
	assert.Equal(t, "g-key", cfg.Gemini.APIKey)
	assert.Equal(t, Default().Gemini.Model, cfg.Gemini.Model)
	assert.Equal(t, "http://ollama.internal.example.com:11434", cfg.Ollama.Host)
	assert.Equal(t, "qwen-test", cfg.Ollama.Model)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "provider: carrier-pigeon\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"relative gateway url", func(c *Config) { c.Gateway.URL = "/just/a/path" }, true},
		{"zero ceiling", func(c *Config) { c.Gateway.TimeoutCeiling = 0 }, true},
		{"zero response cap", func(c *Config) { c.Outbound.MaxResponseBytes = 0 }, true},
		{"negative tier price", func(c *Config) { c.Pricing.Tiers[1].PricePerToken = -1 }, true},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, true},
		{"gemini", func(c *Config) { c.Provider = ProviderGemini }, false},
		{"ollama default host", func(c *Config) { c.Provider = ProviderOllama }, false},
		{"ollama relative host", func(c *Config) { c.Provider = ProviderOllama; c.Ollama.Host = "localhost" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPricingLookups(t *testing.T) {
	p := PricingConfig{
		MaxTierCap: 3,
		Tiers:      []TierConfig{{PricePerToken: 1}, {PricePerToken: 2}, {PricePerToken: 5, Model: "big-model"}},
	}

	assert.InDelta(t, 2.0, p.PriceForTier(1), 1e-9)
	assert.InDelta(t, 5.0, p.PriceForTier(3), 1e-9)
	assert.InDelta(t, 1.0, p.PriceForTier(-1), 1e-9)
	assert.Zero(t, PricingConfig{}.PriceForTier(0))
	assert.Equal(t, "big-model", p.ModelForTier(2, "small"))
	assert.Equal(t, "small", p.ModelForTier(1, "small"))
}
