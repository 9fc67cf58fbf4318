package main

import (
	"fmt"
	"log/slog"
	"time"

	"fnord/internal/adapter/tool"
	"fnord/internal/domain"
	"fnord/internal/infra/config"
	"fnord/internal/security"
)

// builtinTools are the tool names accepted in tools.enabled. An empty
// list enables all of them.
var builtinTools = []string{"clock", "workspace"}

// initTools registers the enabled built-in tools.
func initTools(cfg config.ToolsConfig, log *slog.Logger) (*tool.Registry, error) {
	var opts []tool.RegistryOption
	if cfg.ValidateArgs {
		opts = append(opts, tool.WithArgumentValidation())
	}
	registry := tool.NewRegistry(log, opts...)

	enabled := cfg.Enabled
	if len(enabled) == 0 {
		enabled = builtinTools
	}

	for _, name := range enabled {
		t, err := createTool(name, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		t = tool.WithOutputLimit(t, cfg.MaxOutputBytes)
		if cfg.RateLimit.Calls > 0 {
			t = tool.WithRateLimit(t, cfg.RateLimit.Calls, cfg.RateLimit.Window)
		}
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	log.Debug("tools registered", "tools", registry.Names())
	return registry, nil
}

func createTool(name string, cfg config.ToolsConfig, log *slog.Logger) (domain.Tool, error) {
	switch name {
	case "clock":
		return tool.NewClockTool(time.Now, log), nil
	case "workspace":
		sandbox, err := security.NewSandbox(cfg.SandboxRoot)
		if err != nil {
			return nil, err
		}
		log.Info("workspace tool enabled", "root", sandbox.Root())
		return tool.NewWorkspaceTool(tool.LocalFilesystemBackend{}, sandbox, log), nil
	default:
		return nil, fmt.Errorf("unknown tool (want one of %v)", builtinTools)
	}
}
