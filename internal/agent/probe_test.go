package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/courier-ai/courier/internal/workspace"
)

func TestParseProbeReply(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ProbeDecision
	}{
		{
			"no tools with answer",
			"NO_TOOLS\nParis is the capital of France.",
			ProbeDecision{Answer: "Paris is the capital of France."},
		},
		{
			"need tools with subset",
			`NEED_TOOLS {"tools": ["exec", "read_file"], "goal": "inspect the build"}`,
			ProbeDecision{NeedTools: true, Tools: []string{"exec", "read_file"}, Goal: "inspect the build"},
		},
		{
			"need tools bad json widens to full registry",
			`NEED_TOOLS {"tools": [`,
			ProbeDecision{NeedTools: true},
		},
		{
			"malformed widens to full registry",
			"I think maybe tools? Unsure.",
			ProbeDecision{NeedTools: true},
		},
		{
			"leading whitespace",
			"  NO_TOOLS\nhi",
			ProbeDecision{Answer: "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseProbeReply(tt.raw)
			if got.NeedTools != tt.want.NeedTools || got.Goal != tt.want.Goal || got.Answer != tt.want.Answer {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if len(got.Tools) != len(tt.want.Tools) {
				t.Errorf("tools = %v, want %v", got.Tools, tt.want.Tools)
			}
		})
	}
}

func TestProbeRunEmbedsCatalog(t *testing.T) {
	b := NewSnapshotBuilder(testRegistry(t), Policy{})
	snapshot := b.Build(workspace.Invariants{}, nil)

	var seenSystem string
	p := NewProbe(func(ctx context.Context, system, prompt string) (string, error) {
		seenSystem = system
		return "NO_TOOLS\nfine", nil
	})

	dec, err := p.Run(context.Background(), snapshot, "what is 2+2")
	if err != nil {
		t.Fatal(err)
	}
	if dec.NeedTools || dec.Answer != "fine" {
		t.Errorf("dec = %+v", dec)
	}
	if !strings.Contains(seenSystem, "task router") {
		t.Errorf("system prompt missing framing: %q", seenSystem)
	}
	if !strings.Contains(seenSystem, "exec") {
		t.Errorf("catalog missing from system prompt: %q", seenSystem)
	}
}

func TestProbeRunTruncatesHugeReply(t *testing.T) {
	b := NewSnapshotBuilder(testRegistry(t), Policy{})
	snapshot := b.Build(workspace.Invariants{}, nil)

	p := NewProbe(func(ctx context.Context, system, prompt string) (string, error) {
		return "NO_TOOLS\n" + strings.Repeat("x", 10*MaxProbeOutputChars), nil
	})
	dec, err := p.Run(context.Background(), snapshot, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if len(dec.Answer) > MaxProbeOutputChars {
		t.Errorf("answer length %d exceeds cap", len(dec.Answer))
	}
}
