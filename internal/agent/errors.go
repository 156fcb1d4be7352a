package agent

import "errors"

var (
	// ErrToolNotAllowed means the requested tool is absent from the turn's
	// registry snapshot.
	ErrToolNotAllowed = errors.New("tool not allowed")

	// ErrApprovalCapExceeded means the user already has the maximum number
	// of pending approvals.
	ErrApprovalCapExceeded = errors.New("pending approval cap exceeded")

	// ErrApprovalNotFound means no approval record exists for the ID.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrStepBudgetExhausted means the orchestration loop hit its tool-step
	// budget before the model produced a final answer.
	ErrStepBudgetExhausted = errors.New("tool step budget exhausted")
)
