package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/courier-ai/courier/internal/agent"
	"github.com/courier-ai/courier/internal/procmgr"
	"github.com/courier-ai/courier/pkg/models"
)

// UserIDKey carries the requesting chat user through tool execution so
// per-user session caps apply to the right account.
type userIDKeyType struct{}

var UserIDKey = userIDKeyType{}

// WithUserID tags a context with the requesting user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func userFrom(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

// RegisterProcess adds the short-exec and background-session tools.
func RegisterProcess(reg *agent.Registry, mgr *procmgr.Manager) error {
	execTool := &funcTool{
		name:   "exec",
		desc:   "Run a shell command to completion and return its output. Args: command, timeout_sec (optional).",
		schema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"timeout_sec":{"type":"integer"}},"required":["command"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Command    string `json:"command"`
				TimeoutSec int    `json:"timeout_sec"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			timeout := time.Duration(a.TimeoutSec) * time.Second
			out, code, err := mgr.RunShort(ctx, userFrom(ctx), a.Command, timeout)
			if err != nil {
				return "", err
			}
			if code != 0 {
				return fmt.Sprintf("%s\n(exit code %d)", out, code), nil
			}
			return out, nil
		},
	}

	procStart := &funcTool{
		name:   "proc_start",
		desc:   "Start a long-running background command as a managed session. Args: command.",
		schema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			sess, err := mgr.Start(ctx, userFrom(ctx), a.Command)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("started session %s (pid %d)", sess.ID, sess.PID), nil
		},
	}

	procPoll := &funcTool{
		name:   "proc_poll",
		desc:   "Read new output from a background session. Args: session_id.",
		schema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"}},"required":["session_id"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a sessionArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			out, err := mgr.Poll(ctx, a.SessionID, 0)
			if err != nil {
				return "", err
			}
			if out == "" {
				return "(no new output)", nil
			}
			return out, nil
		},
	}

	procWrite := &funcTool{
		name:   "proc_write",
		desc:   "Send a line of input to a background session's stdin. Args: session_id, input.",
		schema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"},"input":{"type":"string"}},"required":["session_id","input"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				SessionID string `json:"session_id"`
				Input     string `json:"input"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if err := mgr.Write(ctx, a.SessionID, a.Input); err != nil {
				return "", err
			}
			return "input sent", nil
		},
	}

	procStatus := &funcTool{
		name:   "proc_status",
		desc:   "Report the state of a background session. Args: session_id.",
		schema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"}},"required":["session_id"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a sessionArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			sess, err := mgr.Status(ctx, a.SessionID)
			if err != nil {
				return "", err
			}
			out := formatSession(sess)
			chunks, err := mgr.RecentChunks(ctx, a.SessionID, 3)
			if err == nil && len(chunks) > 0 {
				out += "\nrecent output:"
				for _, c := range chunks {
					out += fmt.Sprintf("\n  @%d %s", c.Offset, c.Preview)
				}
			}
			return out, nil
		},
	}

	procList := &funcTool{
		name:   "proc_list",
		desc:   "List your background sessions.",
		schema: json.RawMessage(`{"type":"object","properties":{}}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			sessions, err := mgr.List(ctx, userFrom(ctx))
			if err != nil {
				return "", err
			}
			if len(sessions) == 0 {
				return "(no sessions)", nil
			}
			lines := make([]string, 0, len(sessions))
			for _, s := range sessions {
				lines = append(lines, formatSession(s))
			}
			return strings.Join(lines, "\n"), nil
		},
	}

	procTerminate := &funcTool{
		name:   "proc_terminate",
		desc:   "Stop a background session. Args: session_id.",
		schema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"}},"required":["session_id"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a sessionArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			if err := mgr.Terminate(ctx, a.SessionID); err != nil {
				return "", err
			}
			return "session terminated", nil
		},
	}

	procSearch := &funcTool{
		name:   "proc_search",
		desc:   "Search a session's full log for a substring. Args: session_id, query, context_lines (optional), from_line (optional).",
		schema: json.RawMessage(`{"type":"object","properties":{"session_id":{"type":"string"},"query":{"type":"string"},"context_lines":{"type":"integer"},"from_line":{"type":"integer"}},"required":["session_id","query"]}`),
		fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var a struct {
				SessionID    string `json:"session_id"`
				Query        string `json:"query"`
				ContextLines int    `json:"context_lines"`
				FromLine     int    `json:"from_line"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", fmt.Errorf("invalid args: %w", err)
			}
			res, err := mgr.Search(ctx, a.SessionID, a.Query, procmgr.SearchOptions{
				ContextLines: a.ContextLines,
				FromLine:     a.FromLine,
			})
			if err != nil {
				return "", err
			}
			return formatSearch(res), nil
		},
	}

	regs := []agent.Registration{
		{Tool: execTool, Group: "runtime", Risk: agent.RiskHigh},
		{Tool: procStart, Group: "sessions", Risk: agent.RiskHigh},
		{Tool: procPoll, Group: "sessions", Risk: agent.RiskLow},
		{Tool: procWrite, Group: "sessions", Risk: agent.RiskMedium},
		{Tool: procStatus, Group: "sessions", Risk: agent.RiskLow},
		{Tool: procList, Group: "sessions", Risk: agent.RiskLow},
		{Tool: procTerminate, Group: "sessions", Risk: agent.RiskMedium},
		{Tool: procSearch, Group: "sessions", Risk: agent.RiskLow},
	}
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

func formatSession(s *models.ProcessSession) string {
	line := fmt.Sprintf("%s  %-8s  %s", s.ID, s.Status, s.Command)
	if s.Status == models.ProcessExited && s.ExitCode != nil {
		line += fmt.Sprintf(" (exit %d)", *s.ExitCode)
	}
	if s.EndReason != "" {
		line += " [" + s.EndReason + "]"
	}
	return line
}

func formatSearch(res *procmgr.SearchResult) string {
	if len(res.Matches) == 0 {
		return "(no matches)"
	}
	var sb strings.Builder
	for _, m := range res.Matches {
		for i, c := range m.Context {
			fmt.Fprintf(&sb, "%6d  %s\n", m.Line-len(m.Context)+i, c)
		}
		fmt.Fprintf(&sb, "%6d> %s\n", m.Line, m.Text)
	}
	if res.NextLine > 0 {
		fmt.Fprintf(&sb, "(more results: continue from line %d)", res.NextLine)
	}
	return strings.TrimRight(sb.String(), "\n")
}
