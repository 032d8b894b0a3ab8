package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// fsStore keeps script and playbook files on local disk.
type fsStore struct {
	roots map[string]string
}

var _ Store = (*fsStore)(nil)

// NewFSStore creates a filesystem-backed store for the given roots.
func NewFSStore(scriptDir, playbookDir string) (*fsStore, error) {
	roots := make(map[string]string, 2)
	for typ, dir := range map[string]string{TypeScript: scriptDir, TypePlaybook: playbookDir} {
		trimmed := strings.TrimSpace(dir)
		if trimmed == "" {
			return nil, fmt.Errorf("%s directory is empty", typ)
		}
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			return nil, fmt.Errorf("resolve %s directory: %w", typ, err)
		}
		roots[typ] = abs
	}
	return &fsStore{roots: roots}, nil
}

// List returns sorted entry names under the root of typ.
func (s *fsStore) List(ctx context.Context, typ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := s.root(typ)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrRootMissing, root)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s directory: %w", typ, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the content of name.
func (s *fsStore) Read(ctx context.Context, typ, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.regularFile(typ, name)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %q: %w", name, err)
	}
	return string(b), nil
}

// Write creates or truncates name. Parent directories must already exist.
func (s *fsStore) Write(ctx context.Context, typ, name, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Resolve(typ, name)
	if err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil && !info.Mode().IsRegular() {
		return fmt.Errorf("write %q: %w", name, ErrNotFile)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	return nil
}

// Exists reports whether name is a regular file under the root of typ.
func (s *fsStore) Exists(ctx context.Context, typ, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := s.regularFile(typ, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFile):
		return false, nil
	default:
		return false, err
	}
}

// Resolve returns the absolute path for name under the root of typ.
func (s *fsStore) Resolve(typ, name string) (string, error) {
	root, err := s.root(typ)
	if err != nil {
		return "", err
	}
	return Join(root, name)
}

func (s *fsStore) root(typ string) (string, error) {
	root, ok := s.roots[typ]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrWrongType, typ)
	}
	return root, nil
}

func (s *fsStore) regularFile(typ, name string) (string, error) {
	path, err := s.Resolve(typ, name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFile, name)
	}
	return path, nil
}

// Join resolves name under root and fails with ErrOutsideRoot when the
// result would leave root, lexically or through a symlink.
func Join(root, name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty name", ErrNotFile)
	}
	if filepath.IsAbs(trimmed) || strings.Contains(trimmed, `\`) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, name)
	}

	root = filepath.Clean(root)
	path := filepath.Join(root, trimmed)
	if !within(root, path) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, name)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		if !within(realRoot, real) {
			return "", fmt.Errorf("%w: %q", ErrOutsideRoot, name)
		}
		return path, nil
	}

	// A missing target is created in its parent, which must resolve inside
	// the root. A dangling symlink would be followed on create.
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, name)
	}
	if parent, err := filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
		if parent != realRoot && !within(realRoot, parent) {
			return "", fmt.Errorf("%w: %q", ErrOutsideRoot, name)
		}
	}
	return path, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
