package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"fnord/internal/domain"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// stubTool returns a fixed result and counts calls.
type stubTool struct {
	name   string
	schema json.RawMessage
	result *domain.ToolResult
	calls  atomic.Int32
	last   json.RawMessage
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        s.name,
		Description: "stub",
		Parameters:  s.schema,
	}
}
func (s *stubTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	s.calls.Add(1)
	s.last = params
	if s.result == nil {
		return &domain.ToolResult{Content: "ok"}, nil
	}
	return s.result, nil
}
