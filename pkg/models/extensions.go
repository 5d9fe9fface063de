package models

import (
	"time"

	"github.com/google/uuid"
)

// VM is the 1:1 extension for devices of type vm.
type VM struct {
	ID         uuid.UUID  `json:"id"`
	DeviceID   uuid.UUID  `json:"device_id"`
	Hypervisor string     `json:"hypervisor,omitempty"`
	CPUCount   int        `json:"cpu_count"`
	MemoryMB   int64      `json:"memory_mb"`
	DiskGB     int64      `json:"disk_gb"`
	PowerState string     `json:"power_state,omitempty"`
	GuestOS    string     `json:"guest_os,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// NetworkInterface is a 1:N extension, unique per (device_id, name).
type NetworkInterface struct {
	ID        uuid.UUID  `json:"id"`
	DeviceID  uuid.UUID  `json:"device_id"`
	Name      string     `json:"name"`
	MACAddr   string     `json:"mac_addr,omitempty"`
	IPAddr    string     `json:"ip_addr,omitempty"`
	SpeedMbps int        `json:"speed_mbps,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// StorageVolume is a 1:N extension, unique per (device_id, name).
type StorageVolume struct {
	ID         uuid.UUID  `json:"id"`
	DeviceID   uuid.UUID  `json:"device_id"`
	Name       string     `json:"name"`
	CapacityGB int64      `json:"capacity_gb"`
	UsedGB     int64      `json:"used_gb"`
	VolumeType string     `json:"volume_type,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// DeviceConfig is one immutable version of a device's configuration text.
// Updates append a new version row; existing rows are never mutated, so
// the full configuration history survives every sync cycle.
type DeviceConfig struct {
	ID          uuid.UUID `json:"id"`
	DeviceID    uuid.UUID `json:"device_id"`
	Version     int       `json:"version"`
	ConfigText  string    `json:"config_text"`
	ContentHash string    `json:"content_hash"`
	CollectedAt time.Time `json:"collected_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServerFact is a name/value fact collected for a device, unique per
// (device_id, fact_name).
type ServerFact struct {
	ID          uuid.UUID `json:"id"`
	DeviceID    uuid.UUID `json:"device_id"`
	FactName    string    `json:"fact_name"`
	FactValue   string    `json:"fact_value"`
	CollectedAt time.Time `json:"collected_at"`
}
