package tool

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"fnord/internal/domain"
)

// Registry is the closed name → tool map handed to the engine.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]domain.Tool
	validate bool
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithArgumentValidation makes Register wrap every tool with JSON Schema
// validation of its arguments.
func WithArgumentValidation() RegistryOption {
	return func(r *Registry) { r.validate = true }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Names must be unique and non-empty.
// When argument validation is on and the tool's schema does not compile,
// the tool is registered without validation and a warning is logged.
func (r *Registry) Register(t domain.Tool) error {
	name := t.Name()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tool name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	if r.validate {
		wrapped, err := WithSchemaValidation(t)
		if err != nil {
			r.logger.Warn("schema validation disabled for tool",
				"tool", name, "error", err)
		} else {
			t = wrapped
		}
	}

	r.tools[name] = t
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(tools ...domain.Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Schemas returns all tool schemas sorted by name, ready to pass as the
// tool specs of a completion request.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	slices.SortFunc(schemas, func(a, b domain.ToolSchema) int {
		return strings.Compare(a.Name, b.Name)
	})
	return schemas
}

var _ domain.ToolExecutor = (*Registry)(nil)
