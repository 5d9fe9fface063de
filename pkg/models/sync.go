package models

import (
	"time"

	"github.com/google/uuid"
)

// Sync status constants.
const (
	SyncStatusRunning = "running"
	SyncStatusSuccess = "success"
	SyncStatusPartial = "partial"
	SyncStatusFailed  = "failed"
)

// SyncMetadata tracks the health of a recurring sync cycle, one row per
// (source_system, source_identifier). Upserted at cycle start and end,
// never deleted. Consumers treat it as the authoritative "is this source
// currently healthy" signal.
type SyncMetadata struct {
	ID               uuid.UUID  `json:"id"`
	SourceSystem     string     `json:"source_system"`
	SourceIdentifier string     `json:"source_identifier"`
	LastSyncStart    *time.Time `json:"last_sync_start,omitempty"`
	LastSyncComplete *time.Time `json:"last_sync_complete,omitempty"`
	LastSyncStatus   string     `json:"last_sync_status"`
	DurationMs       *int64     `json:"duration_ms,omitempty"`
	DevicesAdded     int        `json:"devices_added"`
	DevicesUpdated   int        `json:"devices_updated"`
	DevicesRemoved   int        `json:"devices_removed"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
}

// RecordError captures one per-record failure inside a cycle. The cycle
// continues past these; they surface in the SyncResult and the metadata
// error message.
type RecordError struct {
	SourceID string `json:"source_id"`
	Message  string `json:"message"`
}

// SyncResult is the outcome of one sync cycle.
type SyncResult struct {
	SyncID  uuid.UUID     `json:"sync_id"`
	Status  string        `json:"status"`
	Added   int           `json:"added"`
	Updated int           `json:"updated"`
	Removed int           `json:"removed"`
	Errors  []RecordError `json:"errors,omitempty"`

	// ErrorsTruncated counts per-record errors beyond the bounded list.
	ErrorsTruncated int `json:"errors_truncated,omitempty"`
}

// History operation constants.
const (
	HistoryOperationSync      = "sync"
	HistoryOperationCorrelate = "correlate"
	HistoryOperationWriteBack = "write_back"
)

// History change type constants.
const (
	ChangeTypeDeviceAdded        = "device_added"
	ChangeTypeDeviceUpdated      = "device_updated"
	ChangeTypeDeviceRemoved      = "device_removed"
	ChangeTypeDeviceReactivated  = "device_reactivated"
	ChangeTypeRelationshipLinked = "relationship_linked"
	ChangeTypeCorrelationEdge    = "correlation_edge"
	ChangeTypeCorrelationSkipped = "correlation_skipped"
	ChangeTypeChangeProposed     = "change_proposed"
	ChangeTypeChangeDecided      = "change_decided"
	ChangeTypeChangeApplied      = "change_applied"
)

// SyncHistoryEntry is one row of the append-only audit trail. Entries are
// never updated or deleted by normal operation; retention is an external
// maintenance concern.
type SyncHistoryEntry struct {
	ID           uuid.UUID      `json:"id"`
	SyncID       uuid.UUID      `json:"sync_id"`
	SourceSystem string         `json:"source_system"`
	Operation    string         `json:"operation"`
	DeviceID     *uuid.UUID     `json:"device_id,omitempty"`
	ChangeType   string         `json:"change_type"`
	OldValue     map[string]any `json:"old_value,omitempty"`
	NewValue     map[string]any `json:"new_value,omitempty"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
}

// HistoryFilter narrows audit trail queries.
type HistoryFilter struct {
	DeviceID     *uuid.UUID
	SyncID       *uuid.UUID
	SourceSystem string
	Since        *time.Time
	Until        *time.Time
	Limit        int
}
