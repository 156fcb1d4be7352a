package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/courier-ai/courier/internal/workspace"
)

type fakeTool struct {
	name string
	desc string
	fn   func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return t.desc }
func (t *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if t.fn == nil {
		return "ok", nil
	}
	return t.fn(ctx, args)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	regs := []Registration{
		{Tool: &fakeTool{name: "read_file", desc: "read a file"}, Group: "filesystem"},
		{Tool: &fakeTool{name: "write_file", desc: "write a file"}, Group: "filesystem", Risk: RiskMedium},
		{Tool: &fakeTool{name: "exec", desc: "run a command"}, Group: "runtime", Risk: RiskHigh},
		{Tool: &fakeTool{name: "git_commit", desc: "commit changes"}, Group: "git", RequiresGitRepo: true},
	}
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Registration{Tool: &fakeTool{name: "x"}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Registration{Tool: &fakeTool{name: "x"}}); err == nil {
		t.Error("expected duplicate registration error")
	}
}

func TestSnapshotGitGating(t *testing.T) {
	b := NewSnapshotBuilder(testRegistry(t), Policy{})

	s := b.Build(workspace.Invariants{IsGitRepo: false}, nil)
	if _, err := s.Lookup("git_commit"); !errors.Is(err, ErrToolNotAllowed) {
		t.Errorf("git tool visible outside repo: %v", err)
	}

	s = b.Build(workspace.Invariants{IsGitRepo: true}, nil)
	if _, err := s.Lookup("git_commit"); err != nil {
		t.Errorf("git tool hidden inside repo: %v", err)
	}
}

func TestSnapshotAllowedRestriction(t *testing.T) {
	b := NewSnapshotBuilder(testRegistry(t), Policy{})
	s := b.Build(workspace.Invariants{}, []string{"read_file"})

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (names %v)", s.Len(), s.Names())
	}
	if _, err := s.Lookup("read_file"); err != nil {
		t.Errorf("allowed tool not resolvable: %v", err)
	}
	// No fallback to the full registry for excluded names.
	if _, err := s.Lookup("exec"); !errors.Is(err, ErrToolNotAllowed) {
		t.Errorf("excluded tool resolvable: %v", err)
	}
}

func TestSnapshotImmutableAfterBuild(t *testing.T) {
	r := testRegistry(t)
	b := NewSnapshotBuilder(r, Policy{})
	s := b.Build(workspace.Invariants{}, nil)
	before := s.Len()

	if err := r.Register(Registration{Tool: &fakeTool{name: "late_tool"}}); err != nil {
		t.Fatal(err)
	}
	if s.Len() != before {
		t.Errorf("snapshot grew after registration: %d -> %d", before, s.Len())
	}
	if _, err := s.Lookup("late_tool"); !errors.Is(err, ErrToolNotAllowed) {
		t.Error("late registration visible in old snapshot")
	}
}

func TestPolicyPatterns(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		tool   string
		want   bool
	}{
		{"deny wins", Policy{Allow: []string{"*"}, Deny: []string{"exec"}}, "exec", false},
		{"group deny", Policy{Deny: []string{"group:filesystem"}}, "read_file", false},
		{"prefix allow", Policy{Allow: []string{"read_*"}}, "read_file", true},
		{"prefix allow excludes", Policy{Allow: []string{"read_*"}}, "write_file", false},
		{"suffix match", Policy{Allow: []string{"*_file"}}, "write_file", true},
		{"empty allow permits", Policy{}, "exec", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewSnapshotBuilder(testRegistry(t), tt.policy)
			s := b.Build(workspace.Invariants{}, nil)
			_, err := s.Lookup(tt.tool)
			got := err == nil
			if got != tt.want {
				t.Errorf("tool %q admitted=%v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestSnapshotHighRiskRequiresApproval(t *testing.T) {
	b := NewSnapshotBuilder(testRegistry(t), Policy{})
	s := b.Build(workspace.Invariants{}, nil)

	e, err := s.Lookup("exec")
	if err != nil {
		t.Fatal(err)
	}
	if !e.RequiresApproval {
		t.Error("high risk tool does not require approval")
	}
	e, err = s.Lookup("read_file")
	if err != nil {
		t.Fatal(err)
	}
	if e.RequiresApproval {
		t.Error("low risk tool requires approval")
	}
}

func TestSnapshotCatalogBudget(t *testing.T) {
	b := NewSnapshotBuilder(testRegistry(t), Policy{})
	s := b.Build(workspace.Invariants{IsGitRepo: true}, nil)

	c := s.Catalog(40)
	if len(c) > 40 {
		t.Errorf("catalog %d chars exceeds budget", len(c))
	}
	if c == "" {
		t.Error("catalog empty under budget")
	}
}
