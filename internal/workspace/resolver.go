// Package workspace maps workspace ids to directories under a
// configured root, optionally carving a per-run subfolder.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"taskmill/internal/scheduler"
)

type Config struct {
	Root       string
	ScopedRuns bool
}

// Resolver implements scheduler.WorkspaceResolver against the local
// filesystem.
type Resolver struct {
	root   string
	scoped bool
}

func New(cfg Config) (*Resolver, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("workspace root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &Resolver{root: abs, scoped: cfg.ScopedRuns}, nil
}

func (r *Resolver) Resolve(ctx context.Context, req scheduler.WorkspaceRequest) (*scheduler.WorkspaceContext, error) {
	id := strings.TrimSpace(req.Job.WorkspaceID)
	if err := validateID(id); err != nil {
		return nil, err
	}
	dir := filepath.Join(r.root, id)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace %q: %w", id, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %q: not a directory", id)
	}

	wc := &scheduler.WorkspaceContext{WorkspaceID: id, WorkspacePath: dir}
	if req.Phase != scheduler.PhaseRun || !r.scoped {
		return wc, nil
	}

	rel := filepath.Join("runs", slug(req.Job.Name)+"-"+req.Now.UTC().Format("20060102-150405"))
	if err := os.MkdirAll(filepath.Join(dir, rel), 0o755); err != nil {
		return nil, fmt.Errorf("workspace %q: create run folder: %w", id, err)
	}
	wc.RunRelPath = rel
	wc.RunPath = filepath.Join(dir, rel)
	return wc, nil
}

// validateID rejects ids that could escape the root.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("workspace id required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.Contains(id, "..") {
		return fmt.Errorf("invalid workspace id %q", id)
	}
	return nil
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "job"
	}
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}
