package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fnord/internal/adapter/llm"
	"fnord/internal/domain"
	"fnord/internal/infra/config"
)

// LLMComponents holds all LLM-related components.
type LLMComponents struct {
	Registry   *llm.Registry
	Router     *llm.PreferenceRouter
	DefaultLLM domain.LLMProvider
}

// initLLM builds every configured provider, wraps each in the circuit
// breaker and rate limiter, and puts failover around the default provider.
func initLLM(ctx context.Context, cfg *config.Config, log *slog.Logger) (*LLMComponents, error) {
	registry := llm.NewRegistry()

	cbCfg := cfg.LLM.CircuitBreaker
	rlCfg := cfg.LLM.RateLimit
	for _, pc := range cfg.LLM.Providers {
		provider, err := createLLMProvider(ctx, pc, log)
		if err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}

		if cbCfg.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, llm.CircuitBreakerConfig{
				MaxFailures: cbCfg.MaxFailures,
				Timeout:     cbCfg.Timeout,
				Interval:    cbCfg.Interval,
			}, log)
		}
		// Outside the breaker: a limiter wait must not count as a provider failure.
		if rlCfg.Enabled {
			provider = llm.NewRateLimitedProvider(provider, rlCfg.RequestsPerSecond, rlCfg.Burst, log)
		}

		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("llm provider %s: %w", pc.Name, err)
		}
	}

	if cbCfg.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cbCfg.MaxFailures,
			"timeout", cbCfg.Timeout,
			"interval", cbCfg.Interval,
		)
	}
	if rlCfg.Enabled {
		log.Info("llm rate limit enabled", "rps", rlCfg.RequestsPerSecond, "burst", rlCfg.Burst)
	}

	defaultLLM, err := registry.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("default llm provider: %w", err)
	}

	if cfg.LLM.Failover.Enabled && len(cfg.LLM.Failover.Fallbacks) > 0 {
		var fallbacks []domain.LLMProvider
		for _, name := range cfg.LLM.Failover.Fallbacks {
			fb, err := registry.Get(name)
			if err != nil {
				return nil, fmt.Errorf("failover provider %s: %w", name, err)
			}
			fallbacks = append(fallbacks, fb)
		}
		defaultLLM = llm.NewFailoverProvider(defaultLLM, fallbacks, log)
		log.Info("model failover enabled", "fallbacks", cfg.LLM.Failover.Fallbacks)
	}

	return &LLMComponents{
		Registry:   registry,
		Router:     llm.NewPreferenceRouter(cfg.LLM.ModelRouting, registry, defaultLLM),
		DefaultLLM: defaultLLM,
	}, nil
}

// createLLMProvider builds the transport for one provider entry.
func createLLMProvider(ctx context.Context, pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	switch pc.Type {
	case "openai", "":
		return llm.NewOpenAIProvider(pc, log), nil
	case "openrouter":
		return llm.NewOpenRouterProvider(pc, log), nil
	case "ollama":
		p := llm.NewOllamaProvider(pc, log)
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if !p.IsHealthy(probeCtx) {
			log.Warn("ollama server not reachable, requests will fail until it is up",
				"provider", pc.Name, "base_url", pc.BaseURL)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// providerModel returns the model configured for the named provider.
func providerModel(cfg *config.Config, name string) string {
	for _, pc := range cfg.LLM.Providers {
		if pc.Name == name {
			return pc.Model
		}
	}
	return ""
}
