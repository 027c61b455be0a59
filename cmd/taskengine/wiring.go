package main

import (
	"fmt"

	"taskengine/pkg/config"
	"taskengine/pkg/logx"
	"taskengine/pkg/planner"
	"taskengine/pkg/provider"
	"taskengine/pkg/provider/anthropic"
	"taskengine/pkg/provider/gateway"
	"taskengine/pkg/provider/gemini"
	"taskengine/pkg/provider/middleware/circuit"
	"taskengine/pkg/provider/middleware/metrics"
	"taskengine/pkg/provider/ollama"
	"taskengine/pkg/provider/openai"
	"taskengine/pkg/safefetch"
	"taskengine/pkg/strategy"
	"taskengine/pkg/tools"
)

// outboundClient builds the policy client every provider and the web_fetch tool share.
func outboundClient(cfg config.Config, resolver safefetch.Resolver) *safefetch.Client {
	return safefetch.New(safefetch.Options{
		AllowHosts:             cfg.Outbound.AllowHosts,
		AllowAll:               cfg.Outbound.AllowAll,
		AllowInsecureLocalhost: cfg.Outbound.AllowInsecureLocalhost,
		MaxRequestBytes:        cfg.Outbound.MaxRequestBytes,
		MaxResponseBytes:       cfg.Outbound.MaxResponseBytes,
		Timeout:                cfg.Outbound.Timeout,
		Resolver:               resolver,
	})
}

// newProvider selects the configured backend and wraps it with metrics and, when enabled, the
// circuit breaker. Metrics sit outermost so rounds rejected by an open circuit are counted.
func newProvider(cfg config.Config, fetch *safefetch.Client, recorder metrics.Recorder) (provider.Provider, error) {
	var base provider.Provider
	switch cfg.Provider {
	case config.ProviderGateway:
		base = gateway.New(cfg.Gateway, fetch)
	case config.ProviderAnthropic:
		base = anthropic.New(cfg.Anthropic, fetch, cfg.Gateway.TimeoutCeiling)
	case config.ProviderOpenAI:
		base = openai.New(cfg.OpenAI, fetch, cfg.Gateway.TimeoutCeiling)
	case config.ProviderGemini:
		base = gemini.New(cfg.Gemini, fetch, cfg.Gateway.TimeoutCeiling)
	case config.ProviderOllama:
		base = ollama.New(cfg.Ollama, fetch, cfg.Gateway.TimeoutCeiling)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	middlewares := []provider.Middleware{metrics.Middleware(recorder, logx.NewLogger("provider"))}
	if cfg.Circuit.Enabled {
		middlewares = append(middlewares, circuit.Middleware(cfg.Circuit.Breaker()))
	}
	return provider.Chain(base, middlewares...), nil
}

func newStrategies(cfg config.Config) *strategy.Registry {
	return strategy.NewDefaultRegistry(planner.New(planner.Options{Tools: cfg.Tools}))
}

func newTools(cfg config.Config, fetch *safefetch.Client) (*tools.Registry, error) {
	registry, err := tools.Builtin(fetch, cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("failed to build tools: %w", err)
	}
	return registry, nil
}
