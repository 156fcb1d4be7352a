package service

import (
	"context"
	"fmt"
	"time"

	"github.com/courier-ai/courier/internal/observability"
	"github.com/courier-ai/courier/internal/tools"
	"github.com/courier-ai/courier/internal/workspace"
	"github.com/courier-ai/courier/pkg/models"
)

// ResolveApproval answers a pending approval. Approving executes the held
// tool call and returns its guarded output; denying or answering an
// already-expired request returns a short notice. Decisions are terminal,
// so answering twice reports the first outcome.
func (s *Service) ResolveApproval(ctx context.Context, id, decidedBy string, approve bool) (string, error) {
	var (
		rec *models.PendingApproval
		err error
	)
	if approve {
		rec, err = s.gate.Approve(ctx, id, decidedBy)
	} else {
		rec, err = s.gate.Deny(ctx, id, decidedBy)
	}
	if err != nil {
		return "", err
	}

	switch rec.Status {
	case models.ApprovalExpired:
		return "⚠️ The approval request expired before a decision was made.", nil
	case models.ApprovalDenied:
		return "The request was denied; nothing was executed.", nil
	case models.ApprovalApproved:
		if !approve {
			// Deny raced an earlier approval; the first decision stands.
			return "The request was already approved and executed.", nil
		}
		return s.executeApproved(ctx, rec)
	default:
		return "", fmt.Errorf("approval %s in unexpected state %q", id, rec.Status)
	}
}

// executeApproved runs the held call with the original requester's
// identity and the same gating snapshot rules as a live turn.
func (s *Service) executeApproved(ctx context.Context, rec *models.PendingApproval) (string, error) {
	ctx = observability.WithSessionKey(ctx, rec.SessionKey)
	ctx = observability.WithUserID(ctx, rec.UserID)
	ctx = tools.WithUserID(ctx, rec.UserID)

	inv, err := workspace.Detect(s.cfg.Workspace.Root)
	if err != nil {
		return "", fmt.Errorf("detect workspace: %w", err)
	}
	entry, err := s.snapshots.Build(inv, nil).Lookup(rec.Call.Name)
	if err != nil {
		return "", fmt.Errorf("approved tool no longer available: %w", err)
	}

	timeout := s.cfg.Agent.ToolTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, execErr := entry.Tool.Execute(execCtx, rec.Call.Args)
	res := models.ToolResult{CallID: rec.Call.CallID, Output: out}
	if execErr != nil {
		res.Output = execErr.Error()
		res.IsError = true
	}
	guarded, redactions := s.guard.Apply(res)
	if redactions > 0 {
		s.metrics.RedactionsTotal.Add(float64(redactions))
	}

	outcome := "ok"
	if guarded.IsError {
		outcome = "error"
	}
	s.metrics.ToolCallsTotal.WithLabelValues(rec.Call.Name, outcome).Inc()
	s.logger.Info(ctx, "approved call executed",
		"approval_id", rec.ID, "tool", rec.Call.Name, "outcome", outcome)

	if guarded.IsError {
		return "⚠️ Approved command failed: " + guarded.Output, nil
	}
	return "✅ Approved and executed:\n" + guarded.Output, nil
}

// PendingApprovals lists a user's live approval requests.
func (s *Service) PendingApprovals(ctx context.Context, userID string) ([]*models.PendingApproval, error) {
	return s.gate.ListPending(ctx, userID)
}

// Sessions lists a user's process sessions.
func (s *Service) Sessions(ctx context.Context, userID string) ([]*models.ProcessSession, error) {
	return s.manager.List(ctx, userID)
}

// SessionStatus reports one session.
func (s *Service) SessionStatus(ctx context.Context, id string) (*models.ProcessSession, error) {
	return s.manager.Status(ctx, id)
}

// TerminateSession stops a session.
func (s *Service) TerminateSession(ctx context.Context, id string) error {
	return s.manager.Terminate(ctx, id)
}
