package workspace

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/martinemde/toolloop/toolexec"
)

type readFileArgs struct {
	FilePath string `json:"file_path" jsonschema:"path of the file to read, relative to the workspace root"`
	Offset   int    `json:"offset,omitempty" jsonschema:"1-based line number to start reading from"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of lines to read (default 2000)"`
}

type writeFileArgs struct {
	FilePath string `json:"file_path" jsonschema:"path of the file to write, relative to the workspace root"`
	Content  string `json:"content" jsonschema:"full file content"`
}

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema:"directory to list (default: workspace root)"`
}

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"glob pattern, e.g. *.go"`
	Path    string `json:"path,omitempty" jsonschema:"base directory (default: workspace root)"`
}

type grepArgs struct {
	Pattern         string `json:"pattern" jsonschema:"regular expression to search for"`
	Path            string `json:"path,omitempty" jsonschema:"directory or file to search (default: workspace root)"`
	GlobFilter      string `json:"glob_filter,omitempty" jsonschema:"file name filter, e.g. *.go"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"maximum number of matches (default 100)"`
}

// Tools returns the workspace file tools. Write access is only included
// when writable is true.
func (w *Workspace) Tools(writable bool) ([]toolexec.ExecutableTool, error) {
	readFile, err := toolexec.NewTypedTool("read_file", "Read a file from the workspace. Returns line-numbered content.",
		func(_ context.Context, a readFileArgs) (any, error) {
			if a.Limit == 0 {
				a.Limit = 2000
			}
			out, err := w.ReadFile(a.FilePath, a.Offset, a.Limit)
			return out, declare(err)
		})
	if err != nil {
		return nil, err
	}

	listDir, err := toolexec.NewTypedTool("list_dir", "List the entries of a workspace directory.",
		func(_ context.Context, a listDirArgs) (any, error) {
			out, err := w.ListDirectory(a.Path)
			return out, declare(err)
		})
	if err != nil {
		return nil, err
	}

	glob, err := toolexec.NewTypedTool("glob", "Find workspace files matching a glob pattern.",
		func(_ context.Context, a globArgs) (any, error) {
			matches, err := w.Glob(a.Pattern, a.Path)
			if err != nil {
				return nil, declare(err)
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		})
	if err != nil {
		return nil, err
	}

	grep, err := toolexec.NewTypedTool("grep", "Search workspace file contents with a regular expression. Returns file:line: text matches.",
		func(ctx context.Context, a grepArgs) (any, error) {
			if a.MaxResults <= 0 {
				a.MaxResults = 100
			}
			matches, err := w.Grep(ctx, a.Pattern, a.Path, GrepOptions{
				GlobFilter:      a.GlobFilter,
				CaseInsensitive: a.CaseInsensitive,
				MaxResults:      a.MaxResults,
			})
			if err != nil {
				return nil, declare(err)
			}
			if len(matches) == 0 {
				return "No matches found.", nil
			}
			return strings.Join(matches, "\n"), nil
		})
	if err != nil {
		return nil, err
	}

	tools := []toolexec.ExecutableTool{readFile, listDir, glob, grep}
	if !writable {
		return tools, nil
	}

	writeFile, err := toolexec.NewTypedTool("write_file", "Write a file in the workspace, creating parent directories.",
		func(_ context.Context, a writeFileArgs) (any, error) {
			if err := w.WriteFile(a.FilePath, a.Content); err != nil {
				return nil, declare(err)
			}
			return map[string]any{"written": a.FilePath, "bytes": len(a.Content)}, nil
		})
	if err != nil {
		return nil, err
	}
	return append(tools, writeFile), nil
}

// declare reports errors the model can act on as declared tool failures.
// Anything else stays unexpected and is retried.
func declare(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOutsideRoot) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return &toolexec.ToolError{Message: err.Error(), Cause: err}
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &toolexec.ToolError{Message: err.Error(), Cause: err}
	}
	if strings.Contains(err.Error(), "error parsing regexp") || strings.Contains(err.Error(), "syntax error in pattern") {
		return &toolexec.ToolError{Message: err.Error(), Cause: err}
	}
	return err
}
