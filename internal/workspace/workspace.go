// Package workspace provides file tools confined to a root directory.
package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	slashpath "path"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrOutsideRoot is returned for paths that resolve outside the workspace.
var ErrOutsideRoot = errors.New("path is outside the workspace")

// Workspace resolves and accesses files under a root directory. All file
// access goes through an *os.Root, so symlinks cannot lead outside the root.
type Workspace struct {
	root string
	fsys *os.Root
}

// New returns a workspace rooted at dir. An empty dir means the current
// working directory. Close releases the root.
func New(dir string) (*Workspace, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	rootDir, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	info, err := os.Stat(rootDir)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", rootDir)
	}
	fsys, err := os.OpenRoot(rootDir)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &Workspace{root: rootDir, fsys: fsys}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Close releases the workspace root.
func (w *Workspace) Close() error { return w.fsys.Close() }

// resolve returns path relative to the root. Paths that leave the root,
// lexically or through a symlink, fail with ErrOutsideRoot.
func (w *Workspace) resolve(path string) (string, error) {
	rel := filepath.Clean(path)
	if path == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		r, err := filepath.Rel(w.root, rel)
		if err != nil {
			return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
		}
		rel = r
	}
	if !w.inside(rel) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}

	// The longest existing prefix must stay inside once links are followed.
	for p := filepath.Join(w.root, rel); ; p = filepath.Dir(p) {
		target, err := filepath.EvalSymlinks(p)
		if err == nil {
			r, err := filepath.Rel(w.root, target)
			if err != nil || !w.inside(r) {
				return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
			}
			break
		}
		if !errors.Is(err, fs.ErrNotExist) || p == w.root {
			return "", err
		}
	}
	return rel, nil
}

func (w *Workspace) inside(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// ReadFile returns line-numbered content. offset is 1-based; limit 0 means
// no limit.
func (w *Workspace) ReadFile(path string, offset, limit int) (string, error) {
	rel, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	f, err := w.fsys.Open(rel)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

// WriteFile writes content, creating parent directories.
func (w *Workspace) WriteFile(path, content string) error {
	rel, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := w.mkdirAll(filepath.Dir(rel)); err != nil {
		return err
	}
	f, err := w.fsys.OpenFile(rel, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *Workspace) mkdirAll(rel string) error {
	if rel == "." {
		return nil
	}
	dir := ""
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		dir = filepath.Join(dir, part)
		if err := w.fsys.Mkdir(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

// DirEntry represents a directory listing entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// ListDirectory lists the entries of a directory.
func (w *Workspace) ListDirectory(path string) ([]DirEntry, error) {
	rel, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(w.fsys.FS(), filepath.ToSlash(rel))
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			de.Size = info.Size()
		}
		out = append(out, de)
	}
	return out, nil
}

// Glob returns workspace-relative paths matching pattern under path.
func (w *Workspace) Glob(pattern, path string) ([]string, error) {
	base, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	matches, err := fs.Glob(w.fsys.FS(), slashpath.Join(filepath.ToSlash(base), filepath.ToSlash(pattern)))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.FromSlash(m))
	}
	return out, nil
}

// GrepOptions controls Grep.
type GrepOptions struct {
	GlobFilter      string
	CaseInsensitive bool
	MaxResults      int
}

// Grep searches files under path for pattern and returns "file:line: text"
// matches.
func (w *Workspace) Grep(ctx context.Context, pattern, path string, opts GrepOptions) ([]string, error) {
	base, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	if opts.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	root := filepath.ToSlash(base)
	var results []string
	errLimit := errors.New("limit")
	walkErr := fs.WalkDir(w.fsys.FS(), root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if opts.GlobFilter != "" {
			if ok, _ := filepath.Match(opts.GlobFilter, d.Name()); !ok {
				return nil
			}
		}
		f, err := w.fsys.Open(filepath.FromSlash(p))
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for n := 1; scanner.Scan(); n++ {
			line := scanner.Text()
			if re.MatchString(line) {
				results = append(results, fmt.Sprintf("%s:%d: %s", filepath.FromSlash(p), n, line))
				if opts.MaxResults > 0 && len(results) >= opts.MaxResults {
					return errLimit
				}
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errLimit) {
		return results, walkErr
	}
	return results, nil
}
