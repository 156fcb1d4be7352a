// Package tools registers the builtin capabilities exposed to the model:
// workspace file access, short command execution, managed background
// sessions, and read-only git inspection. Every tool resolves paths
// against the workspace root and refuses escapes.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/courier-ai/courier/internal/agent"
)

// maxReadBytes bounds read_file output so one tool result cannot swamp a
// model turn.
const maxReadBytes = 256 << 10

// funcTool adapts a closure to agent.Tool.
type funcTool struct {
	name   string
	desc   string
	schema json.RawMessage
	fn     func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *funcTool) Name() string             { return t.name }
func (t *funcTool) Description() string      { return t.desc }
func (t *funcTool) Schema() json.RawMessage  { return t.schema }
func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.fn(ctx, args)
}

// resolvePath joins a user-supplied relative path onto root, rejecting
// absolute paths and traversal out of the workspace.
func resolvePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}
	p := filepath.Clean(filepath.Join(root, rel))
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return p, nil
}

type pathArgs struct {
	Path string `json:"path"`
}

// RegisterFilesystem adds the workspace file tools.
func RegisterFilesystem(reg *agent.Registry, root string) error {
	readFile := &funcTool{
		name:   "read_file",
		desc:   "Read a file from the workspace. Args: path (relative).",
		schema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a pathArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			p, err := resolvePath(root, a.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return "", err
			}
			if len(data) > maxReadBytes {
				return string(data[:maxReadBytes]) + "\n...[truncated]", nil
			}
			return string(data), nil
		},
	}

	writeFile := &funcTool{
		name:   "write_file",
		desc:   "Write content to a workspace file, creating parent directories. Args: path, content.",
		schema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			p, err := resolvePath(root, a.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(p, []byte(a.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(a.Content), a.Path), nil
		},
	}

	listDir := &funcTool{
		name:   "list_dir",
		desc:   "List a workspace directory. Args: path (relative, \".\" for the root).",
		schema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a pathArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			p, err := resolvePath(root, a.Path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(p)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) == 0 {
				return "(empty)", nil
			}
			return strings.Join(names, "\n"), nil
		},
	}

	regs := []agent.Registration{
		{Tool: readFile, Group: "filesystem", Risk: agent.RiskLow},
		{Tool: writeFile, Group: "filesystem", Risk: agent.RiskMedium},
		{Tool: listDir, Group: "filesystem", Risk: agent.RiskLow},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}
