package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Engine.MaxIterations != 25 {
		t.Errorf("MaxIterations = %d, want 25", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.Compaction.MinSize != 512 {
		t.Errorf("Compaction.MinSize = %d, want 512", cfg.Engine.Compaction.MinSize)
	}
	if cfg.Engine.Compaction.TargetRatio != 0.7 {
		t.Errorf("Compaction.TargetRatio = %v, want 0.7", cfg.Engine.Compaction.TargetRatio)
	}
	if cfg.Engine.Compaction.MaxAttempts != 3 {
		t.Errorf("Compaction.MaxAttempts = %d, want 3", cfg.Engine.Compaction.MaxAttempts)
	}
	if cfg.Engine.Compaction.MinSavings != 0.5 {
		t.Errorf("Compaction.MinSavings = %v, want 0.5", cfg.Engine.Compaction.MinSavings)
	}
	if cfg.Engine.Compaction.MinSummaryTokens != 100 {
		t.Errorf("Compaction.MinSummaryTokens = %d, want 100", cfg.Engine.Compaction.MinSummaryTokens)
	}
	if cfg.Engine.Retry.BaseDelay < 200*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want >= 200ms", cfg.Engine.Retry.BaseDelay)
	}
	if cfg.LLM.DefaultProvider != "openai" {
		t.Errorf("DefaultProvider = %q, want %q", cfg.LLM.DefaultProvider, "openai")
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxIterations != 25 {
		t.Errorf("expected defaults, got MaxIterations=%d", cfg.Engine.MaxIterations)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
engine:
  max_iterations: 20
  budget_bytes: 200000
  stream: false
  retry:
    max_attempts: 5
    retry_rate_limit: true
  compaction:
    target_ratio: 0.65
    min_summary_tokens: 0
llm:
  default_provider: "groq"
  providers:
    - name: "groq"
      base_url: "https://api.groq.com/openai/v1"
      api_key: "test-key"
      model: "llama3-8b"
  model_routing:
    fast: "groq"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxIterations != 20 {
		t.Errorf("MaxIterations = %d, want 20", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.Stream {
		t.Error("Stream = true, want false")
	}
	if cfg.Engine.Retry.MaxAttempts != 5 || !cfg.Engine.Retry.RetryRateLimit {
		t.Errorf("Retry = %+v", cfg.Engine.Retry)
	}
	if cfg.Engine.Compaction.TargetRatio != 0.65 || cfg.Engine.Compaction.MinSummaryTokens != 0 {
		t.Errorf("Compaction = %+v", cfg.Engine.Compaction)
	}
	// Unset fields keep their defaults.
	if cfg.Engine.Compaction.MaxAttempts != 3 {
		t.Errorf("Compaction.MaxAttempts = %d, want 3", cfg.Engine.Compaction.MaxAttempts)
	}
	if cfg.LLM.DefaultProvider != "groq" {
		t.Errorf("DefaultProvider = %q, want %q", cfg.LLM.DefaultProvider, "groq")
	}
	if len(cfg.LLM.Providers) != 1 || cfg.LLM.Providers[0].APIKey != "test-key" {
		t.Errorf("Providers mismatch: %+v", cfg.LLM.Providers)
	}
	if cfg.LLM.ModelRouting["fast"] != "groq" {
		t.Errorf("ModelRouting = %v", cfg.LLM.ModelRouting)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  max_iterations: -1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "engine.max_iterations must be > 0")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FNORD_LLM_DEFAULT_PROVIDER", "ollama")
	t.Setenv("FNORD_LOGGER_LEVEL", "debug")
	t.Setenv("FNORD_ENGINE_MODEL", "gpt-4o")
	t.Setenv("FNORD_ENGINE_MAX_ITERATIONS", "7")
	t.Setenv("FNORD_ENGINE_BUDGET_BYTES", "9000")
	t.Setenv("FNORD_ENGINE_REQUEST_TIMEOUT", "45s")
	t.Setenv("FNORD_ENGINE_STREAM", "false")
	t.Setenv("FNORD_ENGINE_RETRY_RATE_LIMIT", "true")
	t.Setenv("FNORD_COMPACTION_TARGET_RATIO", "0.8")
	t.Setenv("FNORD_COMPACTION_MIN_SUMMARY_TOKENS", "0")
	t.Setenv("FNORD_TOOLS_ENABLED", "clock, read_file ,")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.LLM.DefaultProvider != "ollama" {
		t.Errorf("DefaultProvider = %q, want %q", cfg.LLM.DefaultProvider, "ollama")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Engine.Model != "gpt-4o" {
		t.Errorf("Model = %q", cfg.Engine.Model)
	}
	if cfg.Engine.MaxIterations != 7 || cfg.Engine.BudgetBytes != 9000 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Engine.RequestTimeout)
	}
	if cfg.Engine.Stream {
		t.Error("Stream should be false")
	}
	if !cfg.Engine.Retry.RetryRateLimit {
		t.Error("RetryRateLimit should be true")
	}
	if cfg.Engine.Compaction.TargetRatio != 0.8 || cfg.Engine.Compaction.MinSummaryTokens != 0 {
		t.Errorf("Compaction = %+v", cfg.Engine.Compaction)
	}
	if strings.Join(cfg.Tools.Enabled, "|") != "clock|read_file" {
		t.Errorf("Tools.Enabled = %v", cfg.Tools.Enabled)
	}
}

func TestEnvOverridesIgnoreInvalid(t *testing.T) {
	t.Setenv("FNORD_ENGINE_MAX_ITERATIONS", "zero")
	t.Setenv("FNORD_COMPACTION_TARGET_RATIO", "1.5")
	t.Setenv("FNORD_ENGINE_REQUEST_TIMEOUT", "-1s")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Engine.MaxIterations != 25 {
		t.Errorf("MaxIterations = %d, want 25", cfg.Engine.MaxIterations)
	}
	if cfg.Engine.Compaction.TargetRatio != 0.7 {
		t.Errorf("TargetRatio = %v, want 0.7", cfg.Engine.Compaction.TargetRatio)
	}
	if cfg.Engine.RequestTimeout != 120*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Engine.RequestTimeout)
	}
}

func TestApplyEnvOverridesProviderAPIKey(t *testing.T) {
	t.Setenv("FNORD_LLM_PROVIDER_MY_GROQ_API_KEY", "sk-env")

	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "my-groq"}}
	ApplyEnvOverrides(cfg)

	if cfg.LLM.Providers[0].APIKey != "sk-env" {
		t.Errorf("APIKey = %q, want sk-env", cfg.LLM.Providers[0].APIKey)
	}
}

func TestApplyEnvOverridesTracer(t *testing.T) {
	t.Setenv("FNORD_TRACER_ENABLED", "true")
	t.Setenv("FNORD_TRACER_EXPORTER", "stdout")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if !cfg.Tracer.Enabled || cfg.Tracer.Exporter != "stdout" {
		t.Errorf("Tracer = %+v", cfg.Tracer)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "sk-abcdef123456"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := DecryptValue(encrypted, "wrong-pass"); err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptValueMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "abcdef"},
		{"bad salt", "zz:00"},
		{"bad ciphertext", "00:zz"},
		{"too short", "00112233445566778899aabbccddeeff:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecryptValue(tt.input, "pass"); err == nil {
				t.Errorf("expected error for %q", tt.input)
			}
		})
	}
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "test-config-key"
	encrypted, err := EncryptValue("sk-secret123456", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{
		{Name: "openai", APIKey: "enc:" + encrypted},
		{Name: "plain", APIKey: "sk-plain"},
	}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}
	if cfg.LLM.Providers[0].APIKey != "sk-secret123456" {
		t.Errorf("APIKey = %q", cfg.LLM.Providers[0].APIKey)
	}
	if cfg.LLM.Providers[1].APIKey != "sk-plain" {
		t.Errorf("plain APIKey changed to %q", cfg.LLM.Providers[1].APIKey)
	}
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{{Name: "openai", APIKey: "enc:garbage"}}
	if err := decryptSecrets(cfg, "pass"); err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "load-key"
	encrypted, err := EncryptValue("sk-decrypted", passphrase)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "llm:\n  default_provider: openai\n  providers:\n    - name: openai\n      api_key: \"enc:" + encrypted + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FNORD_CONFIG_KEY", passphrase)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Providers[0].APIKey != "sk-decrypted" {
		t.Errorf("APIKey = %q", cfg.LLM.Providers[0].APIKey)
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected permissions error")
	}
	assertContains(t, err.Error(), "insecure permissions")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()
	for _, mode := range []os.FileMode{0600, 0644} {
		path := filepath.Join(dir, mode.String())
		if err := os.WriteFile(path, nil, 0600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(path, mode); err != nil {
			t.Fatal(err)
		}
		if err := validatePermissions(path); err != nil {
			t.Errorf("mode %o: unexpected error %v", mode, err)
		}
	}
	if err := validatePermissions(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected stat error")
	}
}
