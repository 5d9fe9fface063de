package models

import (
	"time"

	"github.com/google/uuid"
)

// Change action constants.
const (
	ChangeActionCreate = "create"
	ChangeActionUpdate = "update"
	ChangeActionDelete = "delete"
)

// Approval status constants.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// Decision constants for the review endpoint.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ChangeApproval stages one proposed mutation of an external system of
// record. RollbackData is captured from the external system at proposal
// time, before any write-back, and is never reconstructed after the fact.
// AppliedAt is set only after a successful write-back of an approved
// change.
type ChangeApproval struct {
	ID               uuid.UUID      `json:"id"`
	SyncBatchID      uuid.UUID      `json:"sync_batch_id"`
	DeviceID         uuid.UUID      `json:"device_id"`
	Action           string         `json:"action"`
	TargetObjectType string         `json:"target_object_type"`
	TargetObjectID   string         `json:"target_object_id"`
	ProposedChanges  map[string]any `json:"proposed_changes"`
	ApprovalStatus   string         `json:"approval_status"`
	ApprovedBy       *string        `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty"`
	AppliedAt        *time.Time     `json:"applied_at,omitempty"`
	RollbackData     map[string]any `json:"rollback_data"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        *time.Time     `json:"updated_at,omitempty"`
}
