package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeLoader overlays files named in a config's includes list onto it.
// Included files may include further files; cycles and runaway nesting are
// rejected.
type includeLoader struct {
	visited map[string]bool
}

// processIncludes merges config files referenced by cfg.Includes into cfg.
// basePath is the directory of the config file that contains the includes.
func processIncludes(cfg *Config, basePath string, visited map[string]bool, depth int) error {
	if visited == nil {
		visited = make(map[string]bool)
	}
	l := &includeLoader{visited: visited}
	return l.apply(cfg, basePath, depth)
}

func (l *includeLoader) apply(cfg *Config, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil
	for _, pattern := range patterns {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := l.overlay(cfg, p, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// overlay unmarshals one file onto cfg and recurses into its own includes.
func (l *includeLoader) overlay(cfg *Config, path string, depth int) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config includes: abs path %q: %w", path, err)
	}
	if l.visited[abs] {
		return fmt.Errorf("config includes: circular include detected for %q", abs)
	}
	l.visited[abs] = true

	if err := validatePermissions(abs); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", abs, err)
	}
	if len(data) == 0 {
		return nil
	}

	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", abs, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	return l.apply(cfg, filepath.Dir(abs), depth)
}

// resolveIncludePaths expands pattern (globs allowed) relative to baseDir and
// rejects paths that climb out of it.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		// Literal path: let overlay report file-not-found.
		return []string{pattern}, nil
	}
	return matches, nil
}
