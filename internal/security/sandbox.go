// Package security confines tool file access to a workspace root.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fnord/internal/domain"
)

// Sandbox enforces path constraints for file operations.
type Sandbox struct {
	root string // absolute, symlink-free workspace root
}

// NewSandbox creates a sandbox rooted at the given directory.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %q is not a directory", resolved)
	}

	return &Sandbox{root: resolved}, nil
}

// Resolve maps a path from a tool call onto the filesystem. Relative paths
// are taken from the root; "" and "." mean the root itself. The result is
// symlink-resolved and guaranteed to lie inside the root.
func (s *Sandbox) Resolve(requested string) (string, error) {
	if requested == "" || requested == "." {
		return s.root, nil
	}
	if !filepath.IsAbs(requested) {
		requested = filepath.Join(s.root, requested)
	}
	return s.ValidatePath(requested)
}

// ValidatePath checks that an absolute path resolves to within the sandbox.
// Symlinks are resolved after the path is made absolute; a path that does
// not exist yet is checked through its parent directory.
func (s *Sandbox) ValidatePath(requested string) (string, error) {
	abs, err := filepath.Abs(requested)
	if err != nil {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err.Error())
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		parent := filepath.Dir(abs)
		resolvedParent, err2 := filepath.EvalSymlinks(parent)
		if err2 != nil {
			return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox, err2.Error())
		}
		resolved = filepath.Join(resolvedParent, filepath.Base(abs))
	}

	if !s.contains(resolved) {
		return "", domain.NewDomainError("Sandbox.ValidatePath", domain.ErrPathOutsideSandbox,
			fmt.Sprintf("resolved %q is outside root %q", resolved, s.root))
	}

	return resolved, nil
}

// Rel returns path relative to the root, using forward slashes.
func (s *Sandbox) Rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

func (s *Sandbox) contains(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(os.PathSeparator))
}
