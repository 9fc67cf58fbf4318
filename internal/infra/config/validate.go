package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEngine(cfg, ve)
	validateCompaction(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEngine(cfg *Config, ve *ValidationError) {
	e := cfg.Engine
	if e.MaxIterations <= 0 {
		ve.Add("engine.max_iterations must be > 0")
	}
	if e.RequestTimeout <= 0 {
		ve.Add("engine.request_timeout must be > 0")
	}
	if e.BudgetBytes <= 0 {
		ve.Add("engine.budget_bytes must be > 0")
	}
	if e.ToolConcurrency <= 0 {
		ve.Add("engine.tool_concurrency must be > 0")
	}
	if e.ToolTimeout <= 0 {
		ve.Add("engine.tool_timeout must be > 0")
	}
	if e.Retry.MaxAttempts <= 0 {
		ve.Add("engine.retry.max_attempts must be > 0")
	}
	if e.Retry.MaxDelay > 0 && e.Retry.BaseDelay > e.Retry.MaxDelay {
		ve.Add("engine.retry.base_delay must not exceed max_delay")
	}
}

func validateCompaction(cfg *Config, ve *ValidationError) {
	c := cfg.Engine.Compaction
	if !c.Enabled {
		return
	}
	if c.MinSize < 0 {
		ve.Add("engine.compaction.min_size must be >= 0")
	}
	if c.TargetRatio <= 0 || c.TargetRatio >= 1 {
		ve.Add("engine.compaction.target_ratio must be in (0, 1), got %v", c.TargetRatio)
	}
	if c.MaxAttempts <= 0 {
		ve.Add("engine.compaction.max_attempts must be > 0")
	}
	if c.MinSavings <= 0 || c.MinSavings >= 1 {
		ve.Add("engine.compaction.min_savings must be in (0, 1), got %v", c.MinSavings)
	}
	if c.MinSummaryTokens < 0 {
		ve.Add("engine.compaction.min_summary_tokens must be >= 0")
	}
	if c.ChunkTokens <= 0 {
		ve.Add("engine.compaction.chunk_tokens must be > 0")
	}
	if c.Concurrency <= 0 {
		ve.Add("engine.compaction.concurrency must be > 0")
	}
	if cfg.Engine.BudgetBytes > 0 && c.MinSize >= cfg.Engine.BudgetBytes {
		ve.Add("engine.compaction.min_size (%d) must be below engine.budget_bytes (%d)", c.MinSize, cfg.Engine.BudgetBytes)
	}
}

var validProviderTypes = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"ollama":     true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, openrouter, ollama)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "ollama" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via FNORD_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")))
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}

	if cfg.LLM.Failover.Enabled {
		for _, fb := range cfg.LLM.Failover.Fallbacks {
			if !seen[fb] {
				ve.Add("llm.failover.fallbacks: unknown provider %q", fb)
			}
		}
	}

	for pref, name := range cfg.LLM.ModelRouting {
		if !seen[name] {
			ve.Add("llm.model_routing[%s]: unknown provider %q", pref, name)
		}
	}

	if cfg.LLM.CircuitBreaker.Enabled && cfg.LLM.CircuitBreaker.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
	if cfg.LLM.RateLimit.Enabled {
		if cfg.LLM.RateLimit.RequestsPerSecond <= 0 {
			ve.Add("llm.rate_limit.requests_per_second must be > 0 when enabled")
		}
		if cfg.LLM.RateLimit.Burst <= 0 {
			ve.Add("llm.rate_limit.burst must be > 0 when enabled")
		}
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.SandboxRoot == "" {
		ve.Add("tools.sandbox_root must not be empty")
	}
	if cfg.Tools.MaxOutputBytes <= 0 {
		ve.Add("tools.max_output_bytes must be > 0")
	}
	if rl := cfg.Tools.RateLimit; rl.Calls < 0 {
		ve.Add("tools.rate_limit.calls must be >= 0")
	} else if rl.Calls > 0 && rl.Window <= 0 {
		ve.Add("tools.rate_limit.window must be > 0 when calls is set")
	}
	seen := make(map[string]bool)
	for _, name := range cfg.Tools.Enabled {
		if seen[name] {
			ve.Add("tools.enabled: duplicate tool %q", name)
		}
		seen[name] = true
	}
}

var validLogFormats = map[string]bool{"": true, "text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "", "noop", "stdout":
		default:
			ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
		}
	}
}
