package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courier-ai/courier/pkg/models"
)

// DefaultApprovalTTL is how long a pending approval stays answerable.
const DefaultApprovalTTL = 5 * time.Minute

// DefaultMaxPendingPerUser caps open approvals per user. A request beyond
// the cap is rejected outright rather than queued.
const DefaultMaxPendingPerUser = 5

// ApprovalStore persists approval records.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, rec *models.PendingApproval) error
	GetApproval(ctx context.Context, id string) (*models.PendingApproval, error)
	UpdateApproval(ctx context.Context, rec *models.PendingApproval) error
	ListPendingApprovals(ctx context.Context, userID string) ([]*models.PendingApproval, error)
}

// GateConfig tunes the approval gate.
type GateConfig struct {
	TTL               time.Duration
	MaxPendingPerUser int
}

// Gate holds tool calls that need a human decision. Decisions are
// idempotent and terminal: once a record leaves pending it never moves
// again, and answering an expired record reports expiry instead of acting.
type Gate struct {
	mu    sync.Mutex
	store ApprovalStore
	cfg   GateConfig
	now   func() time.Time
}

// NewGate builds a gate over the given store.
func NewGate(store ApprovalStore, cfg GateConfig) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultApprovalTTL
	}
	if cfg.MaxPendingPerUser <= 0 {
		cfg.MaxPendingPerUser = DefaultMaxPendingPerUser
	}
	return &Gate{store: store, cfg: cfg, now: time.Now}
}

// Request opens a pending approval for a tool call. It enforces the
// per-user cap against live (non-expired) pendings only.
func (g *Gate) Request(ctx context.Context, userID, sessionKey string, call models.ToolCall, reason string) (*models.PendingApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending, err := g.store.ListPendingApprovals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	live := 0
	now := g.now()
	for _, p := range pending {
		if p.Status == models.ApprovalPending && now.Before(p.ExpiresAt) {
			live++
		}
	}
	if live >= g.cfg.MaxPendingPerUser {
		return nil, fmt.Errorf("%w: user %s has %d pending", ErrApprovalCapExceeded, userID, live)
	}

	rec := &models.PendingApproval{
		ID:         uuid.New().String(),
		UserID:     userID,
		SessionKey: sessionKey,
		Call:       call,
		Reason:     reason,
		Status:     models.ApprovalPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.cfg.TTL),
	}
	if err := g.store.CreateApproval(ctx, rec); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	return rec, nil
}

// Approve marks a pending record approved and returns it. Re-approving an
// approved record is a no-op; approving a denied or expired record returns
// the record unchanged so the caller can report the actual state.
func (g *Gate) Approve(ctx context.Context, id, decidedBy string) (*models.PendingApproval, error) {
	return g.decide(ctx, id, decidedBy, models.ApprovalApproved)
}

// Deny marks a pending record denied, with the same idempotence rules as
// Approve.
func (g *Gate) Deny(ctx context.Context, id, decidedBy string) (*models.PendingApproval, error) {
	return g.decide(ctx, id, decidedBy, models.ApprovalDenied)
}

func (g *Gate) decide(ctx context.Context, id, decidedBy string, status models.ApprovalStatus) (*models.PendingApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	rec.Status = status
	rec.DecidedAt = g.now()
	rec.DecidedBy = decidedBy
	if err := g.store.UpdateApproval(ctx, rec); err != nil {
		return nil, fmt.Errorf("update approval: %w", err)
	}
	return rec, nil
}

// Get returns a record, lazily expiring it first.
func (g *Gate) Get(ctx context.Context, id string) (*models.PendingApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getLocked(ctx, id)
}

// getLocked loads a record and applies lazy expiry.
func (g *Gate) getLocked(ctx context.Context, id string) (*models.PendingApproval, error) {
	rec, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if rec.Status == models.ApprovalPending && !g.now().Before(rec.ExpiresAt) {
		rec.Status = models.ApprovalExpired
		rec.DecidedAt = rec.ExpiresAt
		if err := g.store.UpdateApproval(ctx, rec); err != nil {
			return nil, fmt.Errorf("expire approval: %w", err)
		}
	}
	return rec, nil
}

// ListPending returns a user's live pending approvals.
func (g *Gate) ListPending(ctx context.Context, userID string) ([]*models.PendingApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	recs, err := g.store.ListPendingApprovals(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := g.now()
	var live []*models.PendingApproval
	for _, rec := range recs {
		if rec.Status != models.ApprovalPending {
			continue
		}
		if !now.Before(rec.ExpiresAt) {
			rec.Status = models.ApprovalExpired
			rec.DecidedAt = rec.ExpiresAt
			if err := g.store.UpdateApproval(ctx, rec); err != nil {
				return nil, fmt.Errorf("expire approval: %w", err)
			}
			continue
		}
		live = append(live, rec)
	}
	return live, nil
}

// Sweep expires every overdue pending record. Run periodically so TTLs
// fire even when nobody reads the records.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	recs, err := g.store.ListPendingApprovals(ctx, "")
	if err != nil {
		return 0, err
	}
	now := g.now()
	expired := 0
	for _, rec := range recs {
		if rec.Status != models.ApprovalPending || now.Before(rec.ExpiresAt) {
			continue
		}
		rec.Status = models.ApprovalExpired
		rec.DecidedAt = rec.ExpiresAt
		if err := g.store.UpdateApproval(ctx, rec); err != nil {
			return expired, fmt.Errorf("expire approval: %w", err)
		}
		expired++
	}
	return expired, nil
}
