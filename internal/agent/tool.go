// Package agent contains the orchestration core: the tool registry and its
// per-turn snapshots, the probe that routes prompts, the bounded tool
// executor, the approval gate, and the turn loop that ties them together.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// RiskLevel grades a tool's blast radius. High-risk tools default to
// requiring approval.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Tool is an executable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema of the tool's arguments.
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registration couples a tool with its gating metadata.
type Registration struct {
	Tool Tool
	// Group clusters tools for policy patterns ("filesystem", "git", ...).
	Group string
	Risk  RiskLevel
	// RequiresApproval forces the approval gate regardless of risk.
	RequiresApproval bool
	// RequiresGitRepo hides the tool when the workspace is not a git repo.
	RequiresGitRepo bool
}

// Registry holds the full set of registered tools. Mutation is only
// expected during startup; turns read through immutable snapshots.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Registration)}
}

// Register adds a tool. Duplicate names are an error; tools are identities,
// not overrides.
func (r *Registry) Register(reg Registration) error {
	if reg.Tool == nil {
		return fmt.Errorf("nil tool")
	}
	name := reg.Tool.Name()
	if name == "" {
		return fmt.Errorf("tool with empty name")
	}
	if reg.Risk == "" {
		reg.Risk = RiskLow
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = reg
	return nil
}

// All returns every registration sorted by tool name.
func (r *Registry) All() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool.Name() < out[j].Tool.Name() })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
