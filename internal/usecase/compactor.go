package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"fnord/internal/domain"
	"fnord/internal/infra/tracer"
	"fnord/internal/usecase/dispatch"
)

const tersifySystemPrompt = `Rewrite the message you are given as tersely as possible.
Keep every file path, identifier, number, decision and command exactly as written.
Keep enumerated lists as lists. Drop pleasantries, repetition and filler.
Output ONLY the rewritten message.`

// compactSummaryName marks a message produced by compaction so it is never
// tersified again or mistaken for organic content.
const compactSummaryName = "context_compaction"

const summaryPreamble = "Summary of the earlier conversation:\n\n"

// Thought delimiters preserved around rewritten reasoning.
const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Compaction defaults.
const (
	DefaultCompactMinSize     = 512
	DefaultTargetRatio        = 0.7
	DefaultCompactAttempts    = 3
	DefaultMinSavings         = 0.5
	DefaultMinSummaryTokens   = 100
	DefaultCompactConcurrency = dispatch.DefaultConcurrency
)

// IsCompactionSummary reports whether m was produced by compaction.
func IsCompactionSummary(m domain.Message) bool {
	return m.Name == compactSummaryName
}

// CompactionOptions tunes the compactor.
type CompactionOptions struct {
	// MinSize is the serialized size below which compaction is skipped.
	MinSize int
	// TargetRatio is the accepted size as a fraction of the original.
	TargetRatio float64
	MaxAttempts int
	// MinSavings is the tersify savings that skips summarization.
	MinSavings float64
	// MinSummaryTokens rejects degenerate summaries. Zero disables the check.
	MinSummaryTokens int
	Concurrency      int
}

func (o CompactionOptions) withDefaults() CompactionOptions {
	if o.MinSize <= 0 {
		o.MinSize = DefaultCompactMinSize
	}
	if o.TargetRatio <= 0 || o.TargetRatio >= 1 {
		o.TargetRatio = DefaultTargetRatio
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultCompactAttempts
	}
	if o.MinSavings <= 0 || o.MinSavings >= 1 {
		o.MinSavings = DefaultMinSavings
	}
	if o.MinSummaryTokens < 0 {
		o.MinSummaryTokens = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultCompactConcurrency
	}
	return o
}

// CompactorDeps holds injected dependencies for the compactor.
type CompactorDeps struct {
	Fast       domain.LLMProvider // tersify rewrites
	FastModel  string
	Summarizer *Summarizer
	Counter    domain.TokenCounter
	Options    CompactionOptions
	Logger     *slog.Logger
}

// Compactor shrinks a transcript by rewriting individual messages and,
// when that does not save enough, by summarizing the compacted prefix.
// The most recent user message and everything after it are never touched.
type Compactor struct {
	deps CompactorDeps
	opts CompactionOptions
}

// NewCompactor creates a compactor with the given dependencies.
func NewCompactor(deps CompactorDeps) *Compactor {
	return &Compactor{deps: deps, opts: deps.Options.withDefaults()}
}

// Compact returns a smaller transcript, or msgs unchanged when it is below
// the minimum size or has nothing before its last user message.
// It returns an error wrapping domain.ErrCompactionFailed when no attempt
// produced a smaller transcript.
func (c *Compactor) Compact(ctx context.Context, msgs []domain.Message) ([]domain.Message, error) {
	origSize := domain.SerializedSize(msgs)
	if origSize < c.opts.MinSize {
		return msgs, nil
	}
	split := lastUserIndex(msgs)
	if split <= 0 {
		return msgs, nil
	}

	ctx, span := tracer.StartSpan(ctx, "compactor.compact",
		trace.WithAttributes(
			tracer.IntAttr("compact.original_size", origSize),
			tracer.IntAttr("compact.split", split),
		),
	)
	defer span.End()

	toCompact, toRetain := msgs[:split], msgs[split:]
	target := float64(origSize) * c.opts.TargetRatio

	var best []domain.Message
	bestSize := origSize
	// Tier 1 runs on the first attempt only; later attempts summarize.
	tryTersify := true
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		prefix, tier, err := c.attempt(ctx, toCompact, attempt, tryTersify)
		tryTersify = false
		if err != nil {
			c.deps.Logger.Warn("compaction attempt failed", "attempt", attempt, "error", err)
			continue
		}
		candidate := make([]domain.Message, 0, len(prefix)+len(toRetain))
		candidate = append(candidate, prefix...)
		candidate = append(candidate, toRetain...)
		size := domain.SerializedSize(candidate)

		c.deps.Logger.Debug("compaction attempt",
			"attempt", attempt, "tier", tier, "original_size", origSize, "size", size)
		if size < bestSize {
			best, bestSize = candidate, size
		}
		if float64(size) <= target {
			span.SetAttributes(tracer.IntAttr("compact.size", size), tracer.IntAttr("compact.attempts", attempt))
			tracer.SetOK(span)
			c.deps.Logger.Info("transcript compacted",
				"tier", tier, "original_size", origSize, "size", size, "attempts", attempt)
			return candidate, nil
		}
	}

	if best == nil {
		err := fmt.Errorf("%w: no attempt went below %d bytes in %d attempts",
			domain.ErrCompactionFailed, origSize, c.opts.MaxAttempts)
		tracer.RecordError(span, err)
		return nil, err
	}
	c.deps.Logger.Info("transcript compacted above target",
		"original_size", origSize, "size", bestSize, "target", int(target))
	span.SetAttributes(tracer.IntAttr("compact.size", bestSize), tracer.IntAttr("compact.attempts", c.opts.MaxAttempts))
	tracer.SetOK(span)
	return best, nil
}

// attempt compacts toCompact once, starting from the original each time.
// Without tryTersify it skips tier 1 and summarizes.
func (c *Compactor) attempt(ctx context.Context, toCompact []domain.Message, attempt int, tryTersify bool) ([]domain.Message, string, error) {
	if tryTersify {
		tersified := c.tersify(ctx, toCompact)
		before := domain.SerializedSize(toCompact)
		savings := float64(before-domain.SerializedSize(tersified)) / float64(before)
		if savings >= c.opts.MinSavings {
			return tersified, "tersify", nil
		}
		c.deps.Logger.Debug("tersify savings below threshold, summarizing",
			"savings", fmt.Sprintf("%.2f", savings), "min", c.opts.MinSavings)
	}

	summarized, err := c.summarize(ctx, toCompact, attempt)
	if err != nil {
		return nil, "", err
	}
	return summarized, "summarize", nil
}

type rewriteJob struct {
	index   int
	text    string
	thought bool
}

// tersify rewrites each eligible message in parallel. Failed rewrites keep
// the original content.
func (c *Compactor) tersify(ctx context.Context, msgs []domain.Message) []domain.Message {
	out := domain.CloneMessages(msgs)

	var jobs []rewriteJob
	for i, m := range msgs {
		if m.IsInstruction() || IsCompactionSummary(m) || strings.TrimSpace(m.Content) == "" {
			continue
		}
		text, thought := splitThought(m.Content)
		if text == "" {
			continue
		}
		jobs = append(jobs, rewriteJob{index: i, text: text, thought: thought})
	}
	if len(jobs) == 0 || c.deps.Fast == nil {
		return out
	}

	ctx, span := tracer.StartSpan(ctx, "compactor.tersify",
		trace.WithAttributes(tracer.IntAttr("tersify.jobs", len(jobs))),
	)
	defer span.End()

	var results []dispatch.Result[string]
	err := dispatch.With(c.opts.Concurrency, func(p *dispatch.Pool) error {
		var err error
		results, err = dispatch.SubmitContext(ctx, p, jobs, c.rewrite)
		return err
	})
	if err != nil {
		tracer.RecordError(span, err)
		c.deps.Logger.Warn("tersify dispatch failed", "error", err)
		return out
	}

	failed := 0
	for k, r := range results {
		job := jobs[k]
		if !r.OK() || strings.TrimSpace(r.Value) == "" {
			failed++
			c.deps.Logger.Warn("tersify rewrite failed, keeping original",
				"index", job.index, "role", msgs[job.index].Role, "error", r.Err)
			continue
		}
		rewritten := r.Value
		if job.thought {
			rewritten = thinkOpen + rewritten + thinkClose
		}
		if len(rewritten) < len(msgs[job.index].Content) {
			out[job.index].Content = rewritten
		}
	}
	span.SetAttributes(tracer.IntAttr("tersify.failed", failed))
	tracer.SetOK(span)
	return out
}

func (c *Compactor) rewrite(ctx context.Context, job rewriteJob) (string, error) {
	resp, err := c.deps.Fast.Chat(ctx, domain.ChatRequest{
		Model: c.deps.FastModel,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: tersifySystemPrompt},
			{Role: domain.RoleUser, Content: job.text},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// summarize replaces the dialogue in msgs with one summary message.
// Instruction messages are kept ahead of it verbatim.
func (c *Compactor) summarize(ctx context.Context, msgs []domain.Message, attempt int) ([]domain.Message, error) {
	if c.deps.Summarizer == nil {
		return nil, fmt.Errorf("summarizer not configured")
	}

	var instructions, dialogue []domain.Message
	for _, m := range msgs {
		if m.IsInstruction() {
			instructions = append(instructions, m)
		} else {
			dialogue = append(dialogue, m)
		}
	}
	if len(dialogue) == 0 {
		return nil, fmt.Errorf("nothing to summarize")
	}

	summary, err := c.deps.Summarizer.Summarize(ctx, dialogue, attempt)
	if err != nil {
		return nil, err
	}
	if c.opts.MinSummaryTokens > 0 && c.deps.Counter != nil {
		if n := c.deps.Counter.CountText(summary); n < c.opts.MinSummaryTokens {
			return nil, fmt.Errorf("summary too short: %d tokens (min %d)", n, c.opts.MinSummaryTokens)
		}
	}

	out := make([]domain.Message, 0, len(instructions)+1)
	out = append(out, instructions...)
	out = append(out, domain.Message{
		Role:      domain.RoleAssistant,
		Name:      compactSummaryName,
		Content:   summaryPreamble + summary,
		Timestamp: time.Now(),
	})
	return out, nil
}

// splitThought strips a surrounding thought delimiter from content.
func splitThought(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, thinkOpen) && strings.HasSuffix(trimmed, thinkClose) {
		inner := trimmed[len(thinkOpen) : len(trimmed)-len(thinkClose)]
		return strings.TrimSpace(inner), true
	}
	return content, false
}

func lastUserIndex(msgs []domain.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}
