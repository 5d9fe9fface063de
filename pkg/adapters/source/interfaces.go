package source

import (
	"context"
	"time"
)

// RelationshipRef points at another record of the same source by its
// source-native id. The orchestrator resolves these to device rows in a
// second pass, after every record of the cycle has been upserted.
type RelationshipRef struct {
	TargetSourceID string `json:"target_source_id"`
	Type           string `json:"type"`
}

// VMAttrs carries virtualization extension data for a record.
type VMAttrs struct {
	Hypervisor string `json:"hypervisor,omitempty"`
	CPUCount   int    `json:"cpu_count,omitempty"`
	MemoryMB   int64  `json:"memory_mb,omitempty"`
	DiskGB     int64  `json:"disk_gb,omitempty"`
	PowerState string `json:"power_state,omitempty"`
	GuestOS    string `json:"guest_os,omitempty"`
}

// InterfaceAttrs carries one network interface of a record.
type InterfaceAttrs struct {
	Name      string `json:"name"`
	MACAddr   string `json:"mac_addr,omitempty"`
	IPAddr    string `json:"ip_addr,omitempty"`
	SpeedMbps int    `json:"speed_mbps,omitempty"`
}

// VolumeAttrs carries one storage volume of a record.
type VolumeAttrs struct {
	Name       string `json:"name"`
	CapacityGB int64  `json:"capacity_gb,omitempty"`
	UsedGB     int64  `json:"used_gb,omitempty"`
	VolumeType string `json:"volume_type,omitempty"`
}

// ConfigAttrs carries one configuration snapshot of a record. Persisted
// versions are append-only; identical content hashes do not create a new
// version.
type ConfigAttrs struct {
	Text        string    `json:"text"`
	CollectedAt time.Time `json:"collected_at"`
}

// Extensions groups the optional typed payloads a record may carry.
type Extensions struct {
	VM         *VMAttrs          `json:"vm,omitempty"`
	Interfaces []InterfaceAttrs  `json:"interfaces,omitempty"`
	Volumes    []VolumeAttrs     `json:"volumes,omitempty"`
	Config     *ConfigAttrs      `json:"config,omitempty"`
	Facts      map[string]string `json:"facts,omitempty"`
}

// RawRecord is one record of a source snapshot, exactly as the source
// asserts it. SourceID is the only identity the source may claim.
type RawRecord struct {
	SourceID      string            `json:"source_id"`
	Name          string            `json:"name"`
	DeviceType    string            `json:"device_type"`
	Attrs         map[string]any    `json:"attrs,omitempty"`
	Relationships []RelationshipRef `json:"relationships,omitempty"`
	Extensions    *Extensions       `json:"extensions,omitempty"`
}

// Snapshot streams the records of one fetch. Next returns io.EOF when the
// stream is exhausted. Complete reports whether the snapshot covered the
// source's full inventory; staleness inference is forbidden otherwise.
type Snapshot interface {
	Next(ctx context.Context) (*RawRecord, error)
	Complete() bool
	Close() error
}

// Target names one object in the external system of record for the
// write-back path.
type Target struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
}

// Adapter is the boundary to one source system. Implementations perform
// all network I/O; nothing inside the engine calls a vendor API directly.
// WriteBack must only ever be reached through the approval workflow.
type Adapter interface {
	// FetchSnapshot pulls the source's inventory. A nil since requests the
	// full snapshot; a non-nil since may return a delta feed, in which case
	// the snapshot reports Complete() == false.
	FetchSnapshot(ctx context.Context, since *time.Time) (Snapshot, error)

	// ReadCurrent reads the current external state of a target. Used to
	// capture rollback data before a change is staged.
	ReadCurrent(ctx context.Context, target Target) (map[string]any, error)

	// WriteBack applies an approved diff to the external system.
	WriteBack(ctx context.Context, target Target, diff map[string]any) error

	// Close releases the adapter's connections.
	Close() error
}

// Error is an adapter failure that declares its retryability, so cycle
// setup can distinguish connectivity blips from permanent rejections.
type Error struct {
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool { return e.Retryable }

// NewError wraps an adapter failure with explicit retryability.
func NewError(message string, retryable bool, err error) *Error {
	return &Error{Message: message, Retryable: retryable, Err: err}
}
