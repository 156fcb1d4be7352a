// Package providers implements the model backends behind the
// orchestration loop. Every backend normalizes its native reply shape,
// including native tool-call blocks, into the plain-text macro dialect
// the event decoder consumes, so the rest of the runtime never sees
// provider-specific formats.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/courier-ai/courier/internal/config"
)

// ErrUnavailable marks transient backend failures after retries are
// exhausted. The loop reports these as provider errors, not protocol
// violations.
var ErrUnavailable = errors.New("provider unavailable")

// Message is one transcript entry sent to a backend. Roles follow the
// loop's convention: system, user, assistant, tool.
type Message struct {
	Role    string
	Content string
}

// Provider is a model backend. Complete takes the full conversation and
// returns the raw reply text with any native tool calls rewritten as
// macro lines.
type Provider interface {
	Name() string
	Complete(ctx context.Context, messages []Message) (string, error)
}

// New builds the backend the config selects.
func New(cfg config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "cli":
		return NewCLI(cfg)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// toolCallMacro renders a native tool call as one macro line so decoded
// output is uniform across backends.
func toolCallMacro(name string, args json.RawMessage) string {
	payload := struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}{Name: name, Args: args}
	if len(payload.Args) == 0 || !json.Valid(payload.Args) {
		payload.Args = json.RawMessage("{}")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return "!tool " + string(b)
}

// splitSystem separates the leading system prompt from the rest of the
// transcript for backends that carry it out of band.
func splitSystem(messages []Message) (string, []Message) {
	var system strings.Builder
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return system.String(), rest
}

// retryable reports whether a backend error is worth another attempt:
// rate limits, 5xx responses, timeouts, connection drops.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

const (
	maxRetries     = 3
	baseRetryDelay = time.Second
)

// withRetries runs fn with exponential backoff on retryable errors.
func withRetries(ctx context.Context, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseRetryDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !retryable(err) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}
