package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fnord/internal/domain"
	"fnord/internal/infra/config"
	"fnord/internal/infra/logger"
	"fnord/internal/infra/tracer"
	"fnord/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "doctor":
			flags, err := parseFlags(os.Args[2:])
			if err == nil {
				err = runDoctor(os.Stdout, configPath(flags))
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
				os.Exit(1)
			}
			return
		case "encrypt-secret":
			if err := runEncryptSecret(os.Stdin, os.Stdout, os.Getenv("FNORD_CONFIG_KEY")); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\nRun 'fnord --help' for usage information.\n", err)
		os.Exit(2)
	}
	if flags.Help {
		showUsage()
		return
	}

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func showUsage() {
	fmt.Println(`fnord - run one conversation turn against an LLM with tools

USAGE:
    fnord [FLAGS] PROMPT...
    echo PROMPT | fnord [FLAGS]
    fnord doctor [--config PATH]
    echo SECRET | FNORD_CONFIG_KEY=... fnord encrypt-secret

COMMANDS:
    doctor           Check config, provider connectivity and the tool sandbox
    encrypt-secret   Encrypt a value from stdin for use as an "enc:" config value

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./fnord.yaml, or $FNORD_CONFIG)
    --provider TYPE    Quick start provider type (openai, openrouter, ollama)
    --model NAME       Model name (e.g. gpt-4o-mini)
    --key KEY          API key for the quick start provider
    --system TEXT      System prompt (overrides engine.system_prompt)
    --no-stream        Use non-streaming completions
    --json             Print the full result (transcript, usage) as JSON

CONFIGURATION:
    Environment: FNORD_* variables override config values
    Secrets:     "enc:" values are decrypted with $FNORD_CONFIG_KEY

EXIT STATUS:
    0 success, 1 run failure, 2 usage error, 3 transient failure (safe to retry)`)
}

// cliFlags holds the parsed command line.
type cliFlags struct {
	Help       bool
	ConfigPath string
	Provider   string
	Model      string
	APIKey     string
	System     string
	NoStream   bool
	JSON       bool
	Prompt     []string
}

// parseFlags accepts both "--flag value" and "--flag=value".
func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags
	valueFlags := map[string]*string{
		"--config":   &flags.ConfigPath,
		"--provider": &flags.Provider,
		"--model":    &flags.Model,
		"--key":      &flags.APIKey,
		"--system":   &flags.System,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "--help" || arg == "help":
			flags.Help = true
		case arg == "--no-stream":
			flags.NoStream = true
		case arg == "--json":
			flags.JSON = true
		case arg == "--":
			flags.Prompt = append(flags.Prompt, args[i+1:]...)
			return flags, nil
		case strings.HasPrefix(arg, "--"):
			name, value, hasValue := strings.Cut(arg, "=")
			dst, ok := valueFlags[name]
			if !ok {
				return flags, fmt.Errorf("unknown flag: %s", name)
			}
			if !hasValue {
				if i+1 >= len(args) {
					return flags, fmt.Errorf("flag %s needs a value", name)
				}
				i++
				value = args[i]
			}
			*dst = value
		default:
			flags.Prompt = append(flags.Prompt, arg)
		}
	}
	return flags, nil
}

func configPath(flags cliFlags) string {
	if flags.ConfigPath != "" {
		return flags.ConfigPath
	}
	if p := os.Getenv("FNORD_CONFIG"); p != "" {
		return p
	}
	return "fnord.yaml"
}

// buildQuickConfig creates a single-provider config from CLI flags,
// bypassing the config file.
func buildQuickConfig(flags cliFlags) (*config.Config, error) {
	if flags.Model == "" || (flags.APIKey == "" && flags.Provider != "ollama") {
		return nil, fmt.Errorf("--provider needs --model and --key (ollama needs only --model)")
	}

	cfg := config.Defaults()
	cfg.LLM.DefaultProvider = flags.Provider
	cfg.LLM.Providers = []config.ProviderConfig{{
		Name:   flags.Provider,
		Type:   flags.Provider,
		Model:  flags.Model,
		APIKey: flags.APIKey,
	}}

	config.ApplyEnvOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfig(flags cliFlags) (*config.Config, error) {
	if flags.Provider != "" {
		return buildQuickConfig(flags)
	}
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return nil, err
	}
	if flags.Model != "" {
		cfg.Engine.Model = flags.Model
	}
	return cfg, nil
}

// readPrompt joins the positional arguments, or reads stdin when there
// are none or the only argument is "-".
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

func run(flags cliFlags) error {
	// 1. Config
	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if flags.NoStream {
		cfg.Engine.Stream = false
	}
	if flags.System != "" {
		cfg.Engine.SystemPrompt = flags.System
	}

	prompt, err := readPrompt(flags.Prompt, os.Stdin)
	if err != nil {
		return err
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. LLM providers
	llmc, err := initLLM(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 4. Tools
	tools, err := initTools(cfg.Tools, log)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	// 5. Event bus
	bus := eventbus.New(log)
	defer bus.Close()
	unsubscribe := bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		log.Debug("engine event", "type", e.Type, "run_id", e.RunID)
	})
	defer unsubscribe()

	// 6. Engine
	engine, err := initEngine(cfg, llmc, tools, bus, log)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	var msgs []domain.Message
	if cfg.Engine.SystemPrompt != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: cfg.Engine.SystemPrompt})
	}
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: prompt})

	printer := newProgressPrinter(os.Stdout, os.Stderr, !flags.JSON)
	result, err := engine.Run(ctx, domain.CompletionRequest{
		Model:    cfg.Engine.Model,
		Messages: msgs,
		Tools:    tools.Schemas(),
		Options: domain.CompletionOptions{
			Stream:   cfg.Engine.Stream,
			Progress: printer.handle,
		},
	})
	if err != nil {
		return err
	}

	if flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	printer.finish(result.Text)
	log.Info("run completed",
		"run_id", result.RunID,
		"rounds", result.Rounds,
		"retries", result.Retries,
		"total_tokens", result.Usage.TotalTokens,
	)
	return nil
}

// runEncryptSecret reads one secret from in and writes its "enc:" form.
func runEncryptSecret(in io.Reader, out io.Writer, passphrase string) error {
	if passphrase == "" {
		return errors.New("FNORD_CONFIG_KEY is not set")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return errors.New("empty secret")
	}
	encrypted, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "enc:%s\n", encrypted)
	return err
}

// exitCode maps a run failure onto the documented exit status.
func exitCode(err error) int {
	if domain.KindOf(err) == domain.KindTransientTransport {
		return 3
	}
	return 1
}
