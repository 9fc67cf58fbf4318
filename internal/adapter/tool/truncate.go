package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"fnord/internal/domain"
)

// OutputLimitedTool caps the size of a tool's result content. Oversized
// output is cut on a rune boundary and marked as truncated.
type OutputLimitedTool struct {
	domain.Tool
	maxBytes int
}

// WithOutputLimit wraps t so results never exceed maxBytes of content.
// A maxBytes of zero or less returns t unchanged.
func WithOutputLimit(t domain.Tool, maxBytes int) domain.Tool {
	if maxBytes <= 0 {
		return t
	}
	return &OutputLimitedTool{Tool: t, maxBytes: maxBytes}
}

func (t *OutputLimitedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	res, err := t.Tool.Execute(ctx, params)
	if err != nil || res == nil {
		return res, err
	}
	if len(res.Content) > t.maxBytes {
		cut := truncateUTF8(res.Content, t.maxBytes)
		out := *res
		out.Content = cut + fmt.Sprintf("\n[output truncated: %d of %d bytes shown]", len(cut), len(res.Content))
		return &out, nil
	}
	return res, nil
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
