package models

import (
	"time"

	"github.com/google/uuid"
)

// Relationship type constants.
const (
	RelationshipTypeHosts      = "hosts"
	RelationshipTypeConnectsTo = "connects_to"
	RelationshipTypeBacksUp    = "backs_up"
	RelationshipTypeManages    = "manages"
)

// KnownRelationshipTypes maps every accepted relationship type to true.
var KnownRelationshipTypes = map[string]bool{
	RelationshipTypeHosts:      true,
	RelationshipTypeConnectsTo: true,
	RelationshipTypeBacksUp:    true,
	RelationshipTypeManages:    true,
}

// DeviceRelationship is a directed edge between two device rows, unique per
// (parent, child, type). Edges are refreshed on every sighting and flagged
// stale by an explicit TTL pass; they are never deleted automatically.
type DeviceRelationship struct {
	ID               uuid.UUID      `json:"id"`
	ParentDeviceID   uuid.UUID      `json:"parent_device_id"`
	ChildDeviceID    uuid.UUID      `json:"child_device_id"`
	RelationshipType string         `json:"relationship_type"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Stale            bool           `json:"stale"`
	LastSeen         time.Time      `json:"last_seen"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        *time.Time     `json:"updated_at,omitempty"`
}
