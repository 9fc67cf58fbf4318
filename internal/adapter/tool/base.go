package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"fnord/internal/domain"
	"fnord/internal/infra/tracer"
)

// ActionHandler handles a single action of an action-based tool.
type ActionHandler[P any] func(ctx context.Context, p P) (any, error)

// ActionMap maps action names to their handlers.
type ActionMap[P any] map[string]ActionHandler[P]

// Dispatch builds an Execute handler that routes on the action name
// extracted by getAction.
func Dispatch[P any](
	getAction func(P) string,
	actions ActionMap[P],
) func(ctx context.Context, span trace.Span, p P) (any, error) {
	validActions := make([]string, 0, len(actions))
	for name := range actions {
		validActions = append(validActions, name)
	}
	sort.Strings(validActions)

	return func(ctx context.Context, span trace.Span, p P) (any, error) {
		action := getAction(p)
		span.SetAttributes(tracer.StringAttr("tool.action", action))

		handler, ok := actions[action]
		if !ok {
			return nil, BadAction(action, validActions...)
		}
		return handler(ctx, p)
	}
}

// FuncTool is a tool backed by a typed handler function. Arguments are
// decoded into P before the handler runs.
type FuncTool[P any] struct {
	name        string
	description string
	parameters  json.RawMessage
	handler     func(ctx context.Context, p P) (any, error)
	logger      *slog.Logger
}

// NewFuncTool creates a tool from a name, description, JSON Schema for
// its parameters and a typed handler.
func NewFuncTool[P any](
	name, description string,
	parameters json.RawMessage,
	handler func(ctx context.Context, p P) (any, error),
	logger *slog.Logger,
) *FuncTool[P] {
	return &FuncTool[P]{
		name:        name,
		description: description,
		parameters:  parameters,
		handler:     handler,
		logger:      logger,
	}
}

func (t *FuncTool[P]) Name() string        { return t.name }
func (t *FuncTool[P]) Description() string { return t.description }

func (t *FuncTool[P]) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
	}
}

func (t *FuncTool[P]) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool."+t.name, t.logger, params,
		func(ctx context.Context, _ trace.Span, p P) (any, error) {
			return t.handler(ctx, p)
		},
	)
}
