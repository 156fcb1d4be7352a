package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/courier-ai/courier/internal/agent"
	"github.com/courier-ai/courier/internal/procmgr"
)

// RegisterGit adds read-only git inspection tools. They are registered
// unconditionally and hidden per turn when the workspace is not a git
// repository.
func RegisterGit(reg *agent.Registry, mgr *procmgr.Manager) error {
	run := func(ctx context.Context, command string) (string, error) {
		out, code, err := mgr.RunShort(ctx, userFrom(ctx), command, 0)
		if err != nil {
			return "", err
		}
		if code != 0 {
			return "", fmt.Errorf("git failed (exit %d): %s", code, out)
		}
		if out == "" {
			return "(clean)", nil
		}
		return out, nil
	}

	gitStatus := &funcTool{
		name:   "git_status",
		desc:   "Show the working tree status of the workspace repository.",
		schema: json.RawMessage(`{"type":"object","properties":{}}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return run(ctx, "git status --short --branch")
		},
	}

	gitLog := &funcTool{
		name:   "git_log",
		desc:   "Show recent commits. Args: limit (optional, default 10).",
		schema: json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer"}}}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Limit int `json:"limit"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("invalid args: %w", err)
				}
			}
			if a.Limit <= 0 || a.Limit > 100 {
				a.Limit = 10
			}
			return run(ctx, fmt.Sprintf("git log --oneline -n %d", a.Limit))
		},
	}

	gitDiff := &funcTool{
		name:   "git_diff",
		desc:   "Show uncommitted changes. Args: path (optional).",
		schema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Path string `json:"path"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &a); err != nil {
					return "", fmt.Errorf("invalid args: %w", err)
				}
			}
			cmd := "git diff --stat --patch"
			if a.Path != "" {
				cmd += " -- " + shellQuote(a.Path)
			}
			return run(ctx, cmd)
		},
	}

	regs := []agent.Registration{
		{Tool: gitStatus, Group: "git", Risk: agent.RiskLow, RequiresGitRepo: true},
		{Tool: gitLog, Group: "git", Risk: agent.RiskLow, RequiresGitRepo: true},
		{Tool: gitDiff, Group: "git", Risk: agent.RiskLow, RequiresGitRepo: true},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
