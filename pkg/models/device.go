package models

import (
	"time"

	"github.com/google/uuid"
)

// Device type constants.
const (
	DeviceTypeServer        = "server"
	DeviceTypeVM            = "vm"
	DeviceTypeNetworkDevice = "network_device"
	DeviceTypeStorage       = "storage"
	DeviceTypeContainer     = "container"
)

// Device status constants.
const (
	DeviceStatusActive   = "active"
	DeviceStatusInactive = "inactive"
	DeviceStatusUnknown  = "unknown"
)

// KnownDeviceTypes maps every accepted device type to true.
// Records carrying any other type fail validation before touching the store.
var KnownDeviceTypes = map[string]bool{
	DeviceTypeServer:        true,
	DeviceTypeVM:            true,
	DeviceTypeNetworkDevice: true,
	DeviceTypeStorage:       true,
	DeviceTypeContainer:     true,
}

// Device is the canonical record for one infrastructure component as seen
// by one source system. The (source_system, source_id) pair is the only
// natural key a source may assert and is immutable once created;
// cross-source identity is expressed as relationship edges, never by
// re-keying or collapsing rows.
type Device struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	DeviceType     string    `json:"device_type"`
	SourceSystem   string    `json:"source_system"`
	SourceID       string    `json:"source_id"`
	Status         string    `json:"status"`

	// Metadata is namespaced by source system. A sighting replaces its own
	// namespace wholesale; namespaces are never merged field-by-field.
	Metadata map[string]map[string]any `json:"metadata,omitempty"`

	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// DeviceFilter narrows List queries on the device store.
type DeviceFilter struct {
	SourceSystem string
	DeviceType   string
	Status       string
	Name         string // matched against normalized_name
	Limit        int
}
