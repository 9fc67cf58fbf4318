package tool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"fnord/internal/domain"
	"fnord/internal/security"
)

// Search bounds.
const (
	maxSearchMatches = 100
	maxSearchFiles   = 2000
	maxSearchDepth   = 12
	maxSearchLineLen = 240
)

// WorkspaceTool reads, writes, lists and searches files inside a sandbox.
type WorkspaceTool struct {
	backend FilesystemBackend
	sandbox *security.Sandbox
	logger  *slog.Logger
}

// NewWorkspaceTool creates a sandboxed workspace tool.
func NewWorkspaceTool(backend FilesystemBackend, sandbox *security.Sandbox, logger *slog.Logger) *WorkspaceTool {
	return &WorkspaceTool{backend: backend, sandbox: sandbox, logger: logger}
}

func (t *WorkspaceTool) Name() string { return "workspace" }
func (t *WorkspaceTool) Description() string {
	return "Read, write, list and search files within the workspace"
}

func (t *WorkspaceTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["read", "write", "list", "search"], "description": "The file operation to perform"},
				"path": {"type": "string", "description": "File or directory path, relative to the workspace root"},
				"content": {"type": "string", "description": "Content to write (write only)"},
				"query": {"type": "string", "description": "Text to look for (search only)"},
				"offset": {"type": "integer", "minimum": 0, "description": "First line to return, 0-based (read only)"},
				"limit": {"type": "integer", "minimum": 1, "description": "Maximum number of lines to return (read only)"}
			},
			"required": ["action"],
			"additionalProperties": false
		}`),
	}
}

type workspaceParams struct {
	Action  string `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Query   string `json:"query,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (t *WorkspaceTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.workspace", t.logger, params,
		Dispatch(func(p workspaceParams) string { return p.Action }, ActionMap[workspaceParams]{
			"read":   t.readFile,
			"write":  t.writeFile,
			"list":   t.listDir,
			"search": t.search,
		}),
	)
}

func (t *WorkspaceTool) readFile(_ context.Context, p workspaceParams) (any, error) {
	if err := RequireField("path", p.Path); err != nil {
		return nil, err
	}
	resolved, err := t.sandbox.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	data, err := t.backend.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	t.logger.Debug("workspace read", "path", resolved, "size", len(data))

	if p.Offset == 0 && p.Limit == 0 {
		return TextResult(string(data)), nil
	}
	return TextResult(sliceLines(string(data), p.Offset, p.Limit)), nil
}

// sliceLines returns limit lines starting at offset. A limit of zero
// means the rest of the text.
func sliceLines(text string, offset, limit int) string {
	lines := strings.SplitAfter(text, "\n")
	if offset >= len(lines) {
		return ""
	}
	lines = lines[offset:]
	if limit > 0 && limit < len(lines) {
		lines = lines[:limit]
	}
	return strings.Join(lines, "")
}

func (t *WorkspaceTool) writeFile(_ context.Context, p workspaceParams) (any, error) {
	if err := RequireField("path", p.Path); err != nil {
		return nil, err
	}
	resolved, err := t.sandbox.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	if err := t.backend.WriteFile(resolved, []byte(p.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	t.logger.Debug("workspace write", "path", resolved, "size", len(p.Content))
	return TextResult(fmt.Sprintf("wrote %d bytes to %s", len(p.Content), t.sandbox.Rel(resolved))), nil
}

func (t *WorkspaceTool) listDir(_ context.Context, p workspaceParams) (any, error) {
	resolved, err := t.sandbox.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	entries, err := t.backend.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list dir: %w", err)
	}

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", entry.Name())
		} else {
			fmt.Fprintf(&sb, "%s\n", entry.Name())
		}
	}
	return TextResult(sb.String()), nil
}

// searchMatch is one line containing the query.
type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

type searchResult struct {
	Query     string        `json:"query"`
	Matches   []searchMatch `json:"matches"`
	Truncated bool          `json:"truncated,omitempty"`
}

func (t *WorkspaceTool) search(ctx context.Context, p workspaceParams) (any, error) {
	if err := ValidateAll(
		RequireField("query", p.Query),
		ValidateMaxLength("query", p.Query, 512),
	); err != nil {
		return nil, err
	}
	start, err := t.sandbox.Resolve(p.Path)
	if err != nil {
		return nil, err
	}

	res := &searchResult{Query: p.Query, Matches: []searchMatch{}}
	files := 0
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := t.backend.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("search %s: %w", t.sandbox.Rel(dir), err)
		}
		for _, e := range entries {
			if res.Truncated {
				return nil
			}
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			full := filepath.Join(dir, name)
			if e.IsDir() {
				if depth < maxSearchDepth {
					if err := walk(full, depth+1); err != nil {
						return err
					}
				}
				continue
			}
			if !e.Type().IsRegular() {
				continue
			}
			if files++; files > maxSearchFiles {
				res.Truncated = true
				return nil
			}
			t.searchFile(full, p.Query, res)
		}
		return nil
	}
	if err := walk(start, 0); err != nil {
		return nil, err
	}
	return res, nil
}

func (t *WorkspaceTool) searchFile(path, query string, res *searchResult) {
	data, err := t.backend.ReadFile(path)
	if err != nil || bytes.IndexByte(data, 0) >= 0 {
		return // unreadable or binary
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Text()
		if !strings.Contains(text, query) {
			continue
		}
		if len(res.Matches) >= maxSearchMatches {
			res.Truncated = true
			return
		}
		res.Matches = append(res.Matches, searchMatch{
			Path: t.sandbox.Rel(path),
			Line: line,
			Text: truncateUTF8(strings.TrimSpace(text), maxSearchLineLen),
		})
	}
}
