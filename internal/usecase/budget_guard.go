package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"fnord/internal/domain"
)

// TranscriptCompactor shrinks a transcript. *Compactor implements it.
type TranscriptCompactor interface {
	Compact(ctx context.Context, msgs []domain.Message) ([]domain.Message, error)
}

// BudgetGuard keeps the serialized transcript under a byte budget by
// compacting it before a send.
type BudgetGuard struct {
	budget    int
	compactor TranscriptCompactor
	logger    *slog.Logger
}

// NewBudgetGuard creates a guard. A nil compactor makes every over-budget
// transcript a compaction failure.
func NewBudgetGuard(budget int, compactor TranscriptCompactor, logger *slog.Logger) *BudgetGuard {
	return &BudgetGuard{budget: budget, compactor: compactor, logger: logger}
}

// Budget returns the configured byte budget. Zero means unlimited.
func (g *BudgetGuard) Budget() int { return g.budget }

// Over reports whether msgs exceed the budget.
func (g *BudgetGuard) Over(msgs []domain.Message) bool {
	return g.budget > 0 && domain.SerializedSize(msgs) > g.budget
}

// Fit returns msgs unchanged when they fit the budget, otherwise a
// compacted transcript. compacted reports whether compaction ran.
// The error wraps domain.ErrCompactionFailed when the result is still
// over budget.
func (g *BudgetGuard) Fit(ctx context.Context, msgs []domain.Message) (out []domain.Message, compacted bool, err error) {
	size := domain.SerializedSize(msgs)
	if g.budget <= 0 || size <= g.budget {
		return msgs, false, nil
	}

	g.logger.Warn("budget guard: transcript over budget, compacting",
		"size", size,
		"budget", g.budget,
	)
	if g.compactor == nil {
		return nil, false, fmt.Errorf("%w: transcript is %d bytes, budget %d, compaction disabled",
			domain.ErrCompactionFailed, size, g.budget)
	}

	out, err = g.compactor.Compact(ctx, msgs)
	if err != nil {
		g.logger.Error("budget guard: compaction failed", "error", err)
		return nil, true, fmt.Errorf("budget guard: %w", err)
	}

	after := domain.SerializedSize(out)
	if after > g.budget {
		g.logger.Error("budget guard: still over budget after compaction",
			"size", after,
			"budget", g.budget,
		)
		return nil, true, fmt.Errorf("%w: transcript is %d bytes after compaction, budget %d",
			domain.ErrCompactionFailed, after, g.budget)
	}

	g.logger.Info("budget guard: compaction resolved overflow",
		"size_before", size,
		"size_after", after,
	)
	return out, true, nil
}

// Force compacts msgs regardless of the budget. It is used when the
// remote API rejects a request as too large. The error wraps
// domain.ErrCompactionFailed when the transcript could not be shrunk.
func (g *BudgetGuard) Force(ctx context.Context, msgs []domain.Message) ([]domain.Message, error) {
	if g.compactor == nil {
		return nil, fmt.Errorf("%w: compaction disabled", domain.ErrCompactionFailed)
	}
	out, err := g.compactor.Compact(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("budget guard: %w", err)
	}
	if domain.SerializedSize(out) >= domain.SerializedSize(msgs) {
		return nil, fmt.Errorf("%w: nothing to compact", domain.ErrCompactionFailed)
	}
	return out, nil
}
