package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/courier-ai/courier/internal/config"
	"github.com/courier-ai/courier/internal/observability"
	"github.com/courier-ai/courier/internal/providers"
	"github.com/courier-ai/courier/internal/redact"
	"github.com/courier-ai/courier/internal/storage"
	"github.com/courier-ai/courier/pkg/models"
)

// scriptedProvider returns canned replies in order and records the
// transcripts it was called with.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	calls   [][]providers.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, messages []providers.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, messages)
	if len(p.replies) == 0 {
		return "no more replies", nil
	}
	out := p.replies[0]
	p.replies = p.replies[1:]
	return out, nil
}

func newTestService(t *testing.T, provider providers.Provider, mutate func(*config.Config)) (*Service, storage.Store, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{Root: root},
		Provider:  config.ProviderConfig{Kind: "cli", Command: "unused"},
		Agent:     config.AgentConfig{MaxSteps: 3},
	}
	if mutate != nil {
		mutate(cfg)
	}
	store := storage.NewMemoryStore()
	svc, err := New(cfg, store, provider, redact.New(),
		observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		observability.NewTestMetrics())
	if err != nil {
		t.Fatal(err)
	}
	return svc, store, root
}

func TestHandlePromptPlainAnswer(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"Hello! How can I help?"}}
	svc, store, _ := newTestService(t, provider, nil)

	out, err := svc.HandlePrompt(context.Background(), "chat-1", "u1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hello! How can I help?" {
		t.Errorf("out = %q", out)
	}

	runs := listRuns(t, store, "chat-1")
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
	if runs[0].Status != models.RunStatusCompleted || runs[0].Answer != out {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestHandlePromptToolFlow(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"Let me check.\n!tool {\"name\": \"read_file\", \"args\": {\"path\": \"f.txt\"}}",
		"The file says: ok",
	}}
	svc, store, root := newTestService(t, provider, nil)
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := svc.HandlePrompt(context.Background(), "chat-1", "u1", "what is in f.txt?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "The file says: ok") {
		t.Errorf("out = %q", out)
	}
	if strings.Contains(out, "!tool") {
		t.Errorf("macro leaked to transport: %q", out)
	}

	runs := listRuns(t, store, "chat-1")
	events, err := store.ListRunEvents(context.Background(), runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []models.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	joined := ""
	for _, k := range kinds {
		joined += string(k) + " "
	}
	if !strings.Contains(joined, string(models.EventToolCall)) ||
		!strings.Contains(joined, string(models.EventToolResult)) {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestHandlePromptProtocolViolation(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"Sure.\n!tool {\"name\": oops",
		"Sorry.\n!tool {\"name\": oops",
	}}
	svc, _, _ := newTestService(t, provider, nil)

	out, err := svc.HandlePrompt(context.Background(), "chat-1", "u1", "do a thing")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "!tool") || strings.Contains(out, "oops") {
		t.Errorf("raw fragment leaked: %q", out)
	}
	if !strings.Contains(out, "could not be processed") {
		t.Errorf("out = %q", out)
	}
	// One original call plus exactly one repair attempt.
	if len(provider.calls) != 2 {
		t.Errorf("provider calls = %d", len(provider.calls))
	}
}

func TestProbeShortCircuit(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"NO_TOOLS\nParis."}}
	svc, _, _ := newTestService(t, provider, func(cfg *config.Config) {
		cfg.Agent.ProbeEnabled = true
	})

	out, err := svc.HandlePrompt(context.Background(), "chat-1", "u1", "capital of France?")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Paris." {
		t.Errorf("out = %q", out)
	}
	if len(provider.calls) != 1 {
		t.Errorf("provider calls = %d, want probe only", len(provider.calls))
	}
}

func TestProbeSelectsToolSubset(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`NEED_TOOLS {"tools": ["read_file"], "goal": "inspect file"}`,
		"!tool {\"name\": \"list_dir\", \"args\": {\"path\": \".\"}}",
		"Done.",
	}}
	svc, _, _ := newTestService(t, provider, func(cfg *config.Config) {
		cfg.Agent.ProbeEnabled = true
	})

	out, err := svc.HandlePrompt(context.Background(), "chat-1", "u1", "read something")
	if err != nil {
		t.Fatal(err)
	}
	// list_dir was outside the probe's selection, so the call is refused
	// but the turn still completes.
	if !strings.Contains(out, "Done.") {
		t.Errorf("out = %q", out)
	}
}

func TestApprovalFlow(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"!exec echo approved-run",
		"Waiting for your approval.",
	}}
	svc, _, _ := newTestService(t, provider, nil)
	ctx := context.Background()

	out, err := svc.HandlePrompt(ctx, "chat-1", "u1", "run the build")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Waiting for your approval.") {
		t.Errorf("out = %q", out)
	}

	pending, err := svc.PendingApprovals(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}
	if pending[0].Call.Name != "exec" {
		t.Errorf("held call = %+v", pending[0].Call)
	}

	result, err := svc.ResolveApproval(ctx, pending[0].ID, "u1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "approved-run") {
		t.Errorf("result = %q", result)
	}

	// Deciding again reports the first outcome instead of re-executing.
	again, err := svc.ResolveApproval(ctx, pending[0].ID, "u1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(again, "already approved") {
		t.Errorf("again = %q", again)
	}
}

func TestApprovalDeny(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"!exec rm -rf /tmp/x",
		"Awaiting approval.",
	}}
	svc, _, _ := newTestService(t, provider, nil)
	ctx := context.Background()

	if _, err := svc.HandlePrompt(ctx, "chat-1", "u1", "clean up"); err != nil {
		t.Fatal(err)
	}
	pending, err := svc.PendingApprovals(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}

	out, err := svc.ResolveApproval(ctx, pending[0].ID, "u1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "denied") {
		t.Errorf("out = %q", out)
	}
}

func listRuns(t *testing.T, store storage.Store, sessionKey string) []*models.Run {
	t.Helper()
	ms, ok := store.(*storage.MemoryStore)
	if !ok {
		t.Fatal("test store must be MemoryStore")
	}
	return ms.RunsBySession(sessionKey)
}
