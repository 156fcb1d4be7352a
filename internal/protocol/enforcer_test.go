package protocol

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/courier-ai/courier/pkg/models"
)

func TestEnforceCleanFirstTry(t *testing.T) {
	calls := 0
	res, err := Enforce(context.Background(), "all good", func(ctx context.Context, invalid, reason string) (string, error) {
		calls++
		return "", nil
	})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if calls != 0 {
		t.Errorf("repair called %d times on valid output", calls)
	}
	if res.Repaired || len(res.Events) != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestEnforceRepairSucceeds(t *testing.T) {
	calls := 0
	res, err := Enforce(context.Background(), `!tool {"broken`, func(ctx context.Context, invalid, reason string) (string, error) {
		calls++
		if !strings.Contains(invalid, "broken") {
			t.Errorf("invalid fragment not echoed: %q", invalid)
		}
		return `!tool {"name":"read_file","args":{}}`, nil
	})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if calls != 1 {
		t.Errorf("repair calls = %d, want 1", calls)
	}
	if !res.Repaired {
		t.Error("Repaired not set")
	}
	if len(res.Events) != 1 || res.Events[0].Call.Name != "read_file" {
		t.Errorf("events = %+v", res.Events)
	}
}

func TestEnforceAtMostOneRepair(t *testing.T) {
	calls := 0
	res, err := Enforce(context.Background(), `!tool {"broken`, func(ctx context.Context, invalid, reason string) (string, error) {
		calls++
		return `!tool {"still broken`, nil
	})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if calls != 1 {
		t.Fatalf("repair calls = %d, want exactly 1", calls)
	}
	if len(res.Events) == 0 || res.Events[0].Kind != models.EventRuntimeError {
		t.Fatalf("events = %+v", res.Events)
	}
	if res.Events[0].Error.Kind != models.ErrKindProtocolViolation {
		t.Errorf("kind = %q", res.Events[0].Error.Kind)
	}
	for _, ev := range res.Events {
		if ev.Kind == models.EventAssistantText && strings.Contains(ev.Text.Content, "!tool {") {
			t.Errorf("raw fragment leaked: %q", ev.Text.Content)
		}
	}
}

func TestEnforceRepairProviderError(t *testing.T) {
	wantErr := errors.New("backend down")
	_, err := Enforce(context.Background(), `!tool {"broken`, func(ctx context.Context, invalid, reason string) (string, error) {
		return "", wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want wrapped backend error", err)
	}
}

func TestRepairPromptTruncatesFragment(t *testing.T) {
	p := RepairPrompt(strings.Repeat("x", 5000), "bad json")
	if len(p) > 1200 {
		t.Errorf("repair prompt too long: %d", len(p))
	}
	if !strings.Contains(p, "bad json") {
		t.Error("reason missing from prompt")
	}
}
