package models

import "time"

// ApprovalStatus is the lifecycle state of a pending approval. pending is
// the only non-terminal state; approved, denied, and expired never change
// once set.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// PendingApproval is a tool call held until a human decides. An expired
// record is treated exactly like a denied one by every consumer.
type PendingApproval struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	SessionKey string         `json:"session_key"`
	Call       ToolCall       `json:"call"`
	Reason     string         `json:"reason,omitempty"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	DecidedAt  time.Time      `json:"decided_at,omitempty"`
	DecidedBy  string         `json:"decided_by,omitempty"`
}
