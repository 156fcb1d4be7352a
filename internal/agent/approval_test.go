package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/courier-ai/courier/internal/storage"
	"github.com/courier-ai/courier/pkg/models"
)

func testCall(id string) models.ToolCall {
	return models.ToolCall{CallID: id, Name: "exec", Args: json.RawMessage(`{"command":"ls"}`)}
}

func newTestGate(cfg GateConfig) (*Gate, *time.Time) {
	gate := NewGate(storage.NewMemoryStore(), cfg)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return now }
	return gate, &now
}

func TestGateApproveIdempotent(t *testing.T) {
	gate, _ := newTestGate(GateConfig{})
	ctx := context.Background()

	rec, err := gate.Request(ctx, "u1", "tg:1", testCall("c1"), "risky")
	if err != nil {
		t.Fatal(err)
	}

	first, err := gate.Approve(ctx, rec.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != models.ApprovalApproved {
		t.Fatalf("status = %q", first.Status)
	}

	second, err := gate.Approve(ctx, rec.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != models.ApprovalApproved || !second.DecidedAt.Equal(first.DecidedAt) {
		t.Errorf("second approve changed record: %+v", second)
	}
}

func TestGateDenyThenApproveKeepsDenied(t *testing.T) {
	gate, _ := newTestGate(GateConfig{})
	ctx := context.Background()

	rec, err := gate.Request(ctx, "u1", "tg:1", testCall("c1"), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Deny(ctx, rec.ID, "u1"); err != nil {
		t.Fatal(err)
	}

	after, err := gate.Approve(ctx, rec.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != models.ApprovalDenied {
		t.Errorf("denied record flipped to %q", after.Status)
	}
}

func TestGateExpiryIsTerminal(t *testing.T) {
	gate, now := newTestGate(GateConfig{TTL: time.Minute})
	ctx := context.Background()

	rec, err := gate.Request(ctx, "u1", "tg:1", testCall("c1"), "")
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(2 * time.Minute)

	got, err := gate.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ApprovalExpired {
		t.Fatalf("status = %q, want expired", got.Status)
	}

	// Approving after expiry reports expiry, it does not run anything.
	after, err := gate.Approve(ctx, rec.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != models.ApprovalExpired {
		t.Errorf("expired record flipped to %q", after.Status)
	}
}

func TestGatePerUserCap(t *testing.T) {
	gate, _ := newTestGate(GateConfig{MaxPendingPerUser: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := gate.Request(ctx, "u1", "tg:1", testCall("c"), ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := gate.Request(ctx, "u1", "tg:1", testCall("c3"), ""); !errors.Is(err, ErrApprovalCapExceeded) {
		t.Errorf("err = %v, want cap exceeded", err)
	}

	// Other users are unaffected.
	if _, err := gate.Request(ctx, "u2", "tg:2", testCall("c1"), ""); err != nil {
		t.Errorf("other user blocked: %v", err)
	}
}

func TestGateCapIgnoresExpiredPendings(t *testing.T) {
	gate, now := newTestGate(GateConfig{TTL: time.Minute, MaxPendingPerUser: 1})
	ctx := context.Background()

	if _, err := gate.Request(ctx, "u1", "tg:1", testCall("c1"), ""); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(2 * time.Minute)

	if _, err := gate.Request(ctx, "u1", "tg:1", testCall("c2"), ""); err != nil {
		t.Errorf("expired pending counted against cap: %v", err)
	}
}

func TestGateSweep(t *testing.T) {
	gate, now := newTestGate(GateConfig{TTL: time.Minute})
	ctx := context.Background()

	a, _ := gate.Request(ctx, "u1", "tg:1", testCall("c1"), "")
	b, _ := gate.Request(ctx, "u2", "tg:2", testCall("c2"), "")
	*now = now.Add(2 * time.Minute)
	c, _ := gate.Request(ctx, "u3", "tg:3", testCall("c3"), "")

	n, err := gate.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("swept %d, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		rec, err := gate.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != models.ApprovalExpired {
			t.Errorf("record %s status %q", id, rec.Status)
		}
	}
	rec, err := gate.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.ApprovalPending {
		t.Errorf("live record swept: %q", rec.Status)
	}
}

func TestGateUnknownID(t *testing.T) {
	gate, _ := newTestGate(GateConfig{})
	if _, err := gate.Approve(context.Background(), "missing", "u1"); !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("err = %v", err)
	}
}
