package main

import (
	"fmt"
	"log/slog"

	"fnord/internal/domain"
	"fnord/internal/infra/config"
	"fnord/internal/usecase"
)

// initEngine wires the compaction pipeline, budget guard and approver
// into a completion engine.
func initEngine(
	cfg *config.Config,
	llmc *LLMComponents,
	tools domain.ToolExecutor,
	bus domain.EventBus,
	log *slog.Logger,
) (*usecase.Engine, error) {
	ec := cfg.Engine
	model := ec.Model
	if model == "" {
		model = providerModel(cfg, cfg.LLM.DefaultProvider)
	}

	var compactor usecase.TranscriptCompactor
	if ec.Compaction.Enabled {
		c, err := initCompactor(ec.Compaction, llmc, model, log)
		if err != nil {
			return nil, err
		}
		compactor = c
	}

	var approver domain.ToolApprover
	if ec.ToolApproval.Enabled {
		approver = usecase.NewConfigApprover(
			ec.ToolApproval.AlwaysApprove,
			ec.ToolApproval.AlwaysDeny,
			ec.ToolApproval.DefaultAllow,
		)
		log.Info("tool approval gating enabled",
			"always_approve", ec.ToolApproval.AlwaysApprove,
			"always_deny", ec.ToolApproval.AlwaysDeny,
		)
	}

	return usecase.NewEngine(usecase.EngineDeps{
		LLM:      llmc.DefaultLLM,
		Tools:    tools,
		Guard:    usecase.NewBudgetGuard(ec.BudgetBytes, compactor, log),
		Approver: approver,
		Bus:      bus,
		Retry: usecase.RetryPolicy{
			MaxAttempts:    ec.Retry.MaxAttempts,
			BaseDelay:      ec.Retry.BaseDelay,
			MaxDelay:       ec.Retry.MaxDelay,
			RetryRateLimit: ec.Retry.RetryRateLimit,
		},
		Logger:          log,
		Model:           model,
		MaxIterations:   ec.MaxIterations,
		RequestTimeout:  ec.RequestTimeout,
		ToolConcurrency: ec.ToolConcurrency,
		ToolTimeout:     ec.ToolTimeout,
	}), nil
}

// initCompactor builds the two-tier compactor. Tersify rewrites go to the
// provider routed for cc.FastRoute; summaries go to the default provider.
func initCompactor(cc config.CompactionConfig, llmc *LLMComponents, model string, log *slog.Logger) (*usecase.Compactor, error) {
	fast, err := llmc.Router.Route(cc.FastRoute)
	if err != nil {
		return nil, fmt.Errorf("compaction fast route: %w", err)
	}

	counter := usecase.NewTokenCounter(model)
	summarizer := usecase.NewSummarizer(llmc.DefaultLLM, counter, model, cc.ChunkTokens, log)

	log.Debug("compaction enabled",
		"fast_provider", fast.Name(),
		"target_ratio", cc.TargetRatio,
		"max_attempts", cc.MaxAttempts,
	)

	return usecase.NewCompactor(usecase.CompactorDeps{
		Fast:       fast,
		Summarizer: summarizer,
		Counter:    counter,
		Options: usecase.CompactionOptions{
			MinSize:          cc.MinSize,
			TargetRatio:      cc.TargetRatio,
			MaxAttempts:      cc.MaxAttempts,
			MinSavings:       cc.MinSavings,
			MinSummaryTokens: cc.MinSummaryTokens,
			Concurrency:      cc.Concurrency,
		},
		Logger: log,
	}), nil
}
