package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"fnord/internal/domain"
	"fnord/internal/infra/tracer"
)

const summarizeSystemPrompt = `You are a conversation summarizer. Condense the conversation below into one dense briefing that lets another assistant continue the work without the original transcript.

Use exactly these sections:
## Original request
What the user asked for, including constraints and preferences.
## Key findings
Facts learned, decisions taken, file paths, identifiers, commands and tool results that still matter.
## Current status
What has been done, what is in progress and what remains.

Output ONLY the briefing, no preamble.`

const accumulateSystemPrompt = `You are maintaining a running summary of a long conversation that arrives in parts.
Merge the new part into the running summary. Keep file paths, identifiers, decisions and open tasks. Drop chatter.
Output ONLY the updated running summary.`

// DefaultChunkTokens is the summarizer's input chunk size.
const DefaultChunkTokens = 24_000

// Summarizer condenses a transcript into a single briefing. Transcripts
// larger than one chunk are folded into a running summary chunk by chunk
// and consolidated at the end.
type Summarizer struct {
	llm         domain.LLMProvider
	counter     domain.TokenCounter
	model       string
	chunkTokens int
	logger      *slog.Logger
}

// NewSummarizer creates a summarizer that issues its completions on llm.
func NewSummarizer(llm domain.LLMProvider, counter domain.TokenCounter, model string, chunkTokens int, logger *slog.Logger) *Summarizer {
	if chunkTokens <= 0 {
		chunkTokens = DefaultChunkTokens
	}
	return &Summarizer{
		llm:         llm,
		counter:     counter,
		model:       model,
		chunkTokens: chunkTokens,
		logger:      logger,
	}
}

// Summarize returns a briefing for msgs. Higher pressure values ask the
// model for a shorter result.
func (s *Summarizer) Summarize(ctx context.Context, msgs []domain.Message, pressure int) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "compactor.summarize",
		trace.WithAttributes(
			tracer.IntAttr("summarize.messages", len(msgs)),
			tracer.IntAttr("summarize.pressure", pressure),
		),
	)
	defer span.End()

	chunks := s.chunk(renderTranscript(msgs))
	if len(chunks) == 0 {
		return "", fmt.Errorf("summarize: nothing to summarize")
	}
	span.SetAttributes(tracer.IntAttr("summarize.chunks", len(chunks)))

	text := chunks[0]
	if len(chunks) > 1 {
		var running string
		for i, c := range chunks {
			var err error
			running, err = s.accumulate(ctx, running, c)
			if err != nil {
				tracer.RecordError(span, err)
				return "", fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
			}
		}
		s.logger.Debug("summarizer folded chunks", "chunks", len(chunks))
		text = running
	}

	summary, err := s.call(ctx, summarizeSystemPrompt+pressureHint(pressure), text)
	if err != nil {
		tracer.RecordError(span, err)
		return "", fmt.Errorf("summarize: %w", err)
	}
	tracer.SetOK(span)
	return summary, nil
}

func (s *Summarizer) accumulate(ctx context.Context, running, chunk string) (string, error) {
	var sb strings.Builder
	if running != "" {
		sb.WriteString("Running summary:\n")
		sb.WriteString(running)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New part:\n")
	sb.WriteString(chunk)
	return s.call(ctx, accumulateSystemPrompt, sb.String())
}

func (s *Summarizer) call(ctx context.Context, system, user string) (string, error) {
	resp, err := s.llm.Chat(ctx, domain.ChatRequest{
		Model: s.model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: system},
			{Role: domain.RoleUser, Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// chunk splits rendered lines into pieces of at most chunkTokens tokens.
// A single line larger than a chunk becomes its own chunk.
func (s *Summarizer) chunk(lines []string) []string {
	var (
		chunks []string
		cur    strings.Builder
		tokens int
	)
	for _, line := range lines {
		n := s.counter.CountText(line)
		if tokens > 0 && tokens+n > s.chunkTokens {
			chunks = append(chunks, cur.String())
			cur.Reset()
			tokens = 0
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		tokens += n
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func pressureHint(pressure int) string {
	switch {
	case pressure <= 1:
		return ""
	case pressure == 2:
		return "\n\nThe previous briefing was too long. Keep only what is needed to continue; at most 300 words."
	default:
		return "\n\nBe extremely brief: at most 150 words, bullet points only."
	}
}

// renderTranscript flattens msgs into one line per message.
func renderTranscript(msgs []domain.Message) []string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Name == compactSummaryName:
			lines = append(lines, "[earlier summary]: "+m.Content)
		case m.Role == domain.RoleTool:
			lines = append(lines, fmt.Sprintf("tool %s result: %s", m.Name, m.Content))
		case len(m.ToolCalls) > 0:
			var sb strings.Builder
			if m.Content != "" {
				sb.WriteString(m.Content)
				sb.WriteString(" ")
			}
			for i, c := range m.ToolCalls {
				if i > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "call %s(%s)", c.Name, c.Arguments)
			}
			lines = append(lines, "assistant: "+sb.String())
		case m.Content != "":
			lines = append(lines, m.Role+": "+m.Content)
		}
	}
	return lines
}
