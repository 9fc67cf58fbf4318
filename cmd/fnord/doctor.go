package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fnord/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results to w.
func runDoctor(w io.Writer, cfgPath string) error {
	// Some checks work without a loaded config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity(http.DefaultClient)},
		{Name: "Compaction routing", Fn: checkCompactionRouting},
		{Name: "Tool sandbox", Fn: checkToolSandbox},
		{Name: "Config secrets", Fn: checkConfigKey},
	}

	fmt.Fprintln(w, "fnord doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var configNotLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if cfgErr == nil {
				return CheckResult{
					Status:  StatusWarn,
					Message: fmt.Sprintf("no config file at %s, using defaults and FNORD_* env", cfgPath),
				}
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s: %v", cfgPath, cfgErr),
				Fix:     "Create fnord.yaml or pass --provider, --model and --key",
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file error: %v", cfgErr),
				Fix:     "Check fnord.yaml syntax and the values listed above",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkLLMAPIKey verifies every hosted provider has an API key.
func checkLLMAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider under llm.providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		switch {
		case p.Type == "ollama":
		case p.APIKey != "":
			withKey = append(withKey, p.Name)
		default:
			withoutKey = append(withoutKey, p.Name)
		}
	}

	if len(withoutKey) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("missing API keys for: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set keys via environment variables (e.g. FNORD_LLM_PROVIDER_OPENAI_API_KEY)",
		}
	}
	if len(withKey) == 0 {
		return CheckResult{Status: StatusPass, Message: "only local providers configured"}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("API keys configured for: %s", strings.Join(withKey, ", ")),
	}
}

// checkLLMConnectivity tests if the default LLM provider is reachable.
func checkLLMConnectivity(client *http.Client) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return configNotLoaded
		}

		var provider *config.ProviderConfig
		for i := range cfg.LLM.Providers {
			if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
				provider = &cfg.LLM.Providers[i]
				break
			}
		}
		if provider == nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
			}
		}

		endpoint := providerEndpoint(provider)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("failed to create request: %v", err)}
		}
		if provider.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+provider.APIKey)
		}

		resp, err := client.Do(req)
		latency := time.Since(start)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
				Fix:     "Check your network connection and the provider base_url",
			}
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s rejected the API key (HTTP %d)", provider.Name, resp.StatusCode),
				Fix:     "Check the provider api_key",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, latency.Milliseconds()),
		}
	}
}

// providerEndpoint returns a model listing URL for the given provider.
func providerEndpoint(p *config.ProviderConfig) string {
	base := strings.TrimRight(p.BaseURL, "/")
	switch p.Type {
	case "ollama":
		if base == "" {
			base = "http://localhost:11434"
		}
		return strings.TrimSuffix(base, "/v1") + "/api/tags"
	case "openrouter":
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
	default:
		if base == "" {
			base = "https://api.openai.com/v1"
		}
	}
	return base + "/models"
}

// checkCompactionRouting verifies the tersify route resolves to a provider.
func checkCompactionRouting(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	cc := cfg.Engine.Compaction
	if !cc.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "compaction disabled, runs fail once the transcript exceeds the budget",
		}
	}
	if name, ok := cfg.LLM.ModelRouting[cc.FastRoute]; ok {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("tersify rewrites use %q, summaries use %q", name, cfg.LLM.DefaultProvider),
		}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: fmt.Sprintf("route %q not mapped, tersify rewrites use the default provider", cc.FastRoute),
		Fix:     fmt.Sprintf("Map a cheaper provider under llm.model_routing.%s", cc.FastRoute),
	}
}

// checkToolSandbox verifies the workspace sandbox root is a readable directory.
func checkToolSandbox(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	abs, err := filepath.Abs(cfg.Tools.SandboxRoot)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("resolve sandbox root: %v", err)}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("sandbox root %s: %v", abs, err),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", abs),
		}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("sandbox root %s is not a directory", abs)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("workspace tool confined to %s", abs)}
}

// checkConfigKey warns when encrypted secrets are present but no key is set.
func checkConfigKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if os.Getenv("FNORD_CONFIG_KEY") != "" {
		return CheckResult{Status: StatusPass, Message: "FNORD_CONFIG_KEY set"}
	}
	for _, p := range cfg.LLM.Providers {
		if strings.HasPrefix(p.APIKey, "enc:") {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("provider %s has an encrypted api_key but FNORD_CONFIG_KEY is unset", p.Name),
				Fix:     "Export FNORD_CONFIG_KEY with the passphrase used to encrypt the config",
			}
		}
	}
	return CheckResult{Status: StatusPass, Message: "no encrypted secrets"}
}
