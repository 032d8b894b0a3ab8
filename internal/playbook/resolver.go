// Package playbook works out which variables a playbook still needs from
// its caller.
package playbook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/ansible-api/internal/filestore"
	"github.com/mattjoyce/ansible-api/internal/log"
)

// ErrParse wraps playbook YAML and template syntax errors.
var ErrParse = errors.New("playbook parse failed")

// Resolver resolves playbooks and their vars_files under a single root.
type Resolver struct {
	root   string
	logger *slog.Logger
}

// NewResolver returns a Resolver rooted at the playbook directory.
func NewResolver(root string) *Resolver {
	return &Resolver{root: filepath.Clean(root), logger: log.WithComponent("playbook")}
}

// Resolve returns the sorted variables referenced by the playbook name that
// are neither declared in the template nor supplied by its vars_files.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := filestore.Join(r.root, name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", filestore.ErrNotFile, name)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook %q: %w", name, err)
	}

	supplied, err := r.suppliedVars(src, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	if len(supplied) > 0 {
		keys := make([]string, 0, len(supplied))
		for k := range supplied {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		r.logger.Info("skip vars", "playbook", name, "vars", strings.Join(keys, ","))
	}

	undeclared, err := UndeclaredVariables(string(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, name, err)
	}

	out := make([]string, 0, len(undeclared))
	for _, v := range undeclared {
		if !supplied[v] {
			out = append(out, v)
		}
	}
	return out, nil
}

// suppliedVars collects the top-level keys of every existing vars_files
// entry across all plays.
func (r *Resolver) suppliedVars(src []byte, dir string) (map[string]bool, error) {
	var plays []map[string]any
	if len(bytes.TrimSpace(src)) > 0 {
		var doc any
		if err := yaml.Unmarshal(src, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if items, ok := doc.([]any); ok {
			for _, item := range items {
				if play, ok := item.(map[string]any); ok {
					plays = append(plays, play)
				}
			}
		}
	}

	supplied := make(map[string]bool)
	for _, play := range plays {
		for _, candidate := range varsFiles(play["vars_files"]) {
			for _, key := range r.varsFileKeys(candidate, dir) {
				supplied[key] = true
			}
		}
	}
	return supplied, nil
}

// varsFiles flattens a vars_files value. Nested lists are alternatives and
// every alternative is a candidate.
func varsFiles(v any) []string {
	switch vv := v.(type) {
	case string:
		return []string{vv}
	case []any:
		var out []string
		for _, item := range vv {
			out = append(out, varsFiles(item)...)
		}
		return out
	default:
		return nil
	}
}

// varsFileKeys loads a vars file relative to the playbook's directory, then
// the root. Missing, unreadable or non-mapping files contribute nothing.
func (r *Resolver) varsFileKeys(name, dir string) []string {
	for _, base := range []string{dir, r.root} {
		rel, err := filepath.Rel(r.root, filepath.Join(base, name))
		if err != nil || filepath.IsAbs(name) {
			continue
		}
		path, err := filestore.Join(r.root, rel)
		if err != nil {
			r.logger.Debug("vars file skipped", "file", name, "error", err)
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return mappingKeys(b)
	}
	return nil
}

func mappingKeys(b []byte) []string {
	var node yaml.Node
	if err := yaml.Unmarshal(b, &node); err != nil || len(node.Content) == 0 {
		return nil
	}
	m := node.Content[0]
	if m.Kind != yaml.MappingNode {
		return nil
	}
	keys := make([]string, 0, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		keys = append(keys, m.Content[i].Value)
	}
	return keys
}
