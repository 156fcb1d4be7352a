// Package models contains the shared data types that flow between the
// runtime's components: protocol events, turn context, process sessions,
// and approval records.
package models

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies the variant carried by a RuntimeEvent.
type EventKind string

const (
	// EventAssistantText is prose intended for the end user.
	EventAssistantText EventKind = "assistant_text"
	// EventToolCall is a request by the model to invoke a named tool.
	EventToolCall EventKind = "tool_call"
	// EventToolResult is the outcome of a tool invocation.
	EventToolResult EventKind = "tool_result"
	// EventRuntimeError is an internal failure surfaced as an event.
	EventRuntimeError EventKind = "runtime_error"
)

// ErrorKind classifies runtime errors across component boundaries.
type ErrorKind string

const (
	ErrKindDecodeFailure       ErrorKind = "decode_failure"
	ErrKindProtocolViolation   ErrorKind = "protocol_violation"
	ErrKindToolNotAllowed      ErrorKind = "tool_not_allowed"
	ErrKindApprovalRequired    ErrorKind = "approval_required"
	ErrKindApprovalDenied      ErrorKind = "approval_denied"
	ErrKindApprovalExpired     ErrorKind = "approval_expired"
	ErrKindCapacityExceeded    ErrorKind = "capacity_exceeded"
	ErrKindExecutionTimeout    ErrorKind = "execution_timeout"
	ErrKindOutputCapExceeded   ErrorKind = "output_cap_exceeded"
	ErrKindProviderUnavailable ErrorKind = "provider_unavailable"
	ErrKindCancelled           ErrorKind = "cancelled"
	ErrKindInternal            ErrorKind = "internal"
)

// AssistantText is a prose event. Only AssistantText content may reach the
// transport layer; everything else stays inside the runtime.
type AssistantText struct {
	Content string `json:"content"`
}

// ToolCall asks the runtime to invoke a registered tool.
type ToolCall struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of a ToolCall, correlated by CallID.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RuntimeError is an internal failure represented as an event so the
// orchestration loop can handle it uniformly with other outcomes.
type RuntimeError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// RuntimeEvent is the tagged union exchanged between decoder, loop,
// executor, and firewall. Exactly one payload field is non-nil, selected
// by Kind.
type RuntimeEvent struct {
	Kind   EventKind      `json:"kind"`
	Text   *AssistantText `json:"text,omitempty"`
	Call   *ToolCall      `json:"call,omitempty"`
	Result *ToolResult    `json:"result,omitempty"`
	Error  *RuntimeError  `json:"error,omitempty"`
}

// NewAssistantText builds an AssistantText event.
func NewAssistantText(content string) RuntimeEvent {
	return RuntimeEvent{Kind: EventAssistantText, Text: &AssistantText{Content: content}}
}

// NewToolCall builds a ToolCall event.
func NewToolCall(callID, name string, args json.RawMessage) RuntimeEvent {
	return RuntimeEvent{Kind: EventToolCall, Call: &ToolCall{CallID: callID, Name: name, Args: args}}
}

// NewToolResult builds a ToolResult event.
func NewToolResult(callID, output string, isError bool) RuntimeEvent {
	return RuntimeEvent{Kind: EventToolResult, Result: &ToolResult{CallID: callID, Output: output, IsError: isError}}
}

// NewRuntimeError builds a RuntimeError event.
func NewRuntimeError(kind ErrorKind, detail string) RuntimeEvent {
	return RuntimeEvent{Kind: EventRuntimeError, Error: &RuntimeError{Kind: kind, Detail: detail}}
}

// Validate checks that the event's payload matches its kind.
func (e RuntimeEvent) Validate() error {
	switch e.Kind {
	case EventAssistantText:
		if e.Text == nil {
			return fmt.Errorf("assistant_text event missing payload")
		}
	case EventToolCall:
		if e.Call == nil {
			return fmt.Errorf("tool_call event missing payload")
		}
		if e.Call.Name == "" {
			return fmt.Errorf("tool_call event missing tool name")
		}
	case EventToolResult:
		if e.Result == nil {
			return fmt.Errorf("tool_result event missing payload")
		}
		if e.Result.CallID == "" {
			return fmt.Errorf("tool_result event missing call_id")
		}
	case EventRuntimeError:
		if e.Error == nil {
			return fmt.Errorf("runtime_error event missing payload")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// ValidateTurn checks cross-event invariants for a single turn: every
// event is well formed and every ToolResult correlates to a preceding
// ToolCall in the same slice.
func ValidateTurn(events []RuntimeEvent) error {
	calls := make(map[string]bool)
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		switch ev.Kind {
		case EventToolCall:
			calls[ev.Call.CallID] = true
		case EventToolResult:
			if !calls[ev.Result.CallID] {
				return fmt.Errorf("event %d: tool_result %q has no matching tool_call", i, ev.Result.CallID)
			}
		}
	}
	return nil
}
