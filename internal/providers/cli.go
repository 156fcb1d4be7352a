package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/courier-ai/courier/internal/config"
)

// cliOutputCap bounds how much of a local model's stdout one call may
// produce before it is treated as runaway.
const cliOutputCap = 1 << 20

// CLI shells out to a local model binary. The transcript goes to stdin
// as JSON lines, the reply comes back on stdout. Useful for tests and
// air-gapped setups.
type CLI struct {
	command string
	args    []string
}

// NewCLI builds the subprocess backend.
func NewCLI(cfg config.ProviderConfig) (*CLI, error) {
	fields := strings.Fields(cfg.Command)
	if len(fields) == 0 {
		return nil, errors.New("cli: command is required")
	}
	return &CLI{command: fields[0], args: fields[1:]}, nil
}

func (c *CLI) Name() string { return "cli" }

type cliMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete writes the transcript as one JSON object per line and reads
// the whole of stdout as the reply.
func (c *CLI) Complete(ctx context.Context, messages []Message) (string, error) {
	var stdin bytes.Buffer
	enc := json.NewEncoder(&stdin)
	for _, m := range messages {
		if err := enc.Encode(cliMessage{Role: m.Role, Content: m.Content}); err != nil {
			return "", fmt.Errorf("cli: encode transcript: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = &stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("cli: %s: %w", firstLine(detail), err)
		}
		return "", fmt.Errorf("cli: %w", err)
	}

	out := stdout.String()
	if len(out) > cliOutputCap {
		return "", fmt.Errorf("cli: reply exceeds %d bytes", cliOutputCap)
	}
	return strings.TrimRight(out, "\n"), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
