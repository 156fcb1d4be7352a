package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Probe prompt budgets. The probe is a cheap pre-flight call, so the
// catalog it sees is aggressively truncated.
const (
	CatalogBudgetChars  = 200
	SchemaBudgetChars   = 800
	MaxProbeOutputChars = 1200
)

// probeSystemTemplate frames the routing question. The model must answer
// with either NO_TOOLS and a direct answer, or NEED_TOOLS and a JSON
// object naming the tools it wants.
const probeSystemTemplate = `You are a task router. Decide whether the user's request needs tools.
Available tools:
%s

Reply with exactly one of:
NO_TOOLS
<your direct answer>

NEED_TOOLS {"tools": ["name", ...], "goal": "<one line>"}`

// ProbeDecision is the routing outcome for one prompt.
type ProbeDecision struct {
	NeedTools bool
	// Tools is the requested subset; empty with NeedTools set means the
	// full snapshot stays available.
	Tools []string
	Goal  string
	// Answer is the direct reply when no tools are needed.
	Answer string
}

// ProbeFunc asks the model the routing question and returns its raw reply.
type ProbeFunc func(ctx context.Context, system, prompt string) (string, error)

// Probe routes a prompt: either the model answers directly, or it names
// the tools the main loop should expose.
type Probe struct {
	ask ProbeFunc
}

// NewProbe builds a probe over a model caller.
func NewProbe(ask ProbeFunc) *Probe {
	return &Probe{ask: ask}
}

// Run asks the routing question against the snapshot's catalog. A reply
// that matches neither form routes to the full snapshot: a confused router
// must widen tool access, not silently answer without tools.
func (p *Probe) Run(ctx context.Context, snapshot *Snapshot, prompt string) (ProbeDecision, error) {
	system := fmt.Sprintf(probeSystemTemplate, snapshot.Catalog(CatalogBudgetChars))
	raw, err := p.ask(ctx, system, prompt)
	if err != nil {
		return ProbeDecision{}, fmt.Errorf("probe call: %w", err)
	}
	if len(raw) > MaxProbeOutputChars {
		raw = raw[:MaxProbeOutputChars]
	}
	return ParseProbeReply(raw), nil
}

// ParseProbeReply interprets the router's raw reply.
func ParseProbeReply(raw string) ProbeDecision {
	trimmed := strings.TrimSpace(raw)

	if rest, ok := strings.CutPrefix(trimmed, "NO_TOOLS"); ok {
		return ProbeDecision{Answer: strings.TrimSpace(rest)}
	}

	if rest, ok := strings.CutPrefix(trimmed, "NEED_TOOLS"); ok {
		var body struct {
			Tools []string `json:"tools"`
			Goal  string   `json:"goal"`
		}
		rest = strings.TrimSpace(rest)
		if err := json.Unmarshal([]byte(rest), &body); err == nil {
			return ProbeDecision{NeedTools: true, Tools: body.Tools, Goal: body.Goal}
		}
		return ProbeDecision{NeedTools: true}
	}

	// Malformed reply: fall back to the full registry.
	return ProbeDecision{NeedTools: true}
}
