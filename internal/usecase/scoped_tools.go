package usecase

import "fnord/internal/domain"

// scopeTools restricts inner to the tools named in specs, the set a single
// request advertised to the model. Calls to anything else, or to any tool
// when inner is nil, report domain.ErrToolNotFound.
func scopeTools(inner domain.ToolExecutor, specs []domain.ToolSchema) domain.ToolExecutor {
	allowed := make(map[string]bool, len(specs))
	for _, s := range specs {
		allowed[s.Name] = true
	}
	return &scopedToolExecutor{inner: inner, allowed: allowed}
}

type scopedToolExecutor struct {
	inner   domain.ToolExecutor
	allowed map[string]bool
}

func (s *scopedToolExecutor) Get(name string) (domain.Tool, error) {
	if !s.allowed[name] || s.inner == nil {
		return nil, domain.NewDomainError("ToolExecutor.Get", domain.ErrToolNotFound, name)
	}
	return s.inner.Get(name)
}

func (s *scopedToolExecutor) Schemas() []domain.ToolSchema {
	if s.inner == nil {
		return nil
	}
	all := s.inner.Schemas()
	filtered := make([]domain.ToolSchema, 0, len(s.allowed))
	for _, schema := range all {
		if s.allowed[schema.Name] {
			filtered = append(filtered, schema)
		}
	}
	return filtered
}
