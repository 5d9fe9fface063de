package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/database"
	"github.com/substrate-ops/inventory-engine/pkg/models"
)

// Sighting is one observation of a device by one source. Attrs replace the
// source's metadata namespace wholesale; other namespaces are untouched.
type Sighting struct {
	SourceSystem   string
	SourceID       string
	Name           string
	NormalizedName string
	DeviceType     string
	Attrs          map[string]any
	AsOf           time.Time
}

// SightingResult reports what an upsert actually did, so callers can skip
// history entries for no-op re-sightings.
type SightingResult struct {
	DeviceID    uuid.UUID
	Created     bool
	Reactivated bool
	Changed     bool

	// PreviousAttrs holds the replaced metadata namespace when Changed.
	PreviousAttrs map[string]any
}

// StaleDevice identifies one device transitioned to inactive by MarkStale.
type StaleDevice struct {
	ID       uuid.UUID
	SourceID string
	Name     string
}

// DeviceRepository owns the canonical device graph: devices, relationship
// edges, and the staleness transitions on both.
type DeviceRepository interface {
	// UpsertSighting is idempotent. An existing natural key gets its
	// metadata namespace replaced and last_seen/status refreshed; an unknown
	// key creates the device with first_seen = last_seen = AsOf. Concurrent
	// calls for the same natural key are serialized.
	UpsertSighting(ctx context.Context, s *Sighting) (*SightingResult, error)

	// MarkStale transitions every previously-active device of sourceSystem
	// absent from seenIDs to inactive. Devices of other sources are never
	// touched. A non-zero grace keeps recently seen devices active.
	MarkStale(ctx context.Context, sourceSystem string, seenIDs []string, asOf time.Time, grace time.Duration) ([]StaleDevice, error)

	// Link upserts one relationship edge and refreshes its last_seen.
	// Linking a nonexistent endpoint is a caller error, surfaced as
	// apperrors.ErrNotFound.
	Link(ctx context.Context, parentID, childID uuid.UUID, relationshipType string, metadata map[string]any, asOf time.Time) error

	// MarkRelationshipsStale flags edges unseen for longer than ttl.
	MarkRelationshipsStale(ctx context.Context, ttl time.Duration, asOf time.Time) (int64, error)

	FindByNaturalKey(ctx context.Context, sourceSystem, sourceID string) (*models.Device, error)
	FindCandidatesByName(ctx context.Context, normalizedName string) ([]*models.Device, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	List(ctx context.Context, filter *models.DeviceFilter) ([]*models.Device, error)
	ListRelationships(ctx context.Context, deviceID uuid.UUID) ([]*models.DeviceRelationship, error)

	// CountRelationshipsWithSource counts edges between a device and any
	// device owned by sourceSystem. Correlation ranking input.
	CountRelationshipsWithSource(ctx context.Context, deviceID uuid.UUID, sourceSystem string) (int, error)
}

type deviceRepository struct {
	db   *database.DB
	keys *keyLock
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db *database.DB) DeviceRepository {
	return &deviceRepository{db: db, keys: newKeyLock()}
}

var _ DeviceRepository = (*deviceRepository)(nil)

func (r *deviceRepository) UpsertSighting(ctx context.Context, s *Sighting) (*SightingResult, error) {
	unlock := r.keys.Lock(s.SourceSystem + "/" + s.SourceID)
	defer unlock()

	// Two passes: a lost insert race falls through to the merge path after
	// re-reading the winner's row.
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := r.FindByNaturalKey(ctx, s.SourceSystem, s.SourceID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}

		if existing == nil {
			result, err := r.insertSighting(ctx, s)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
			// Conflicting insert won the race; re-read and merge.
			continue
		}

		return r.mergeSighting(ctx, existing, s)
	}

	return nil, fmt.Errorf("failed to upsert sighting for %s/%s: %w", s.SourceSystem, s.SourceID, apperrors.ErrConflict)
}

func (r *deviceRepository) insertSighting(ctx context.Context, s *Sighting) (*SightingResult, error) {
	metadata := map[string]map[string]any{}
	if len(s.Attrs) > 0 {
		metadata[s.SourceSystem] = s.Attrs
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device metadata: %w", err)
	}

	query := `
		INSERT INTO devices (
			id, name, normalized_name, device_type, source_system, source_id,
			status, metadata, first_seen, last_seen, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)
		ON CONFLICT (source_system, source_id) DO NOTHING
		RETURNING id`

	id := uuid.New()
	var returned uuid.UUID
	err = r.db.QueryRow(ctx, query,
		id, s.Name, s.NormalizedName, s.DeviceType, s.SourceSystem, s.SourceID,
		models.DeviceStatusActive, metadataJSON, s.AsOf, time.Now(),
	).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // lost the natural-key race
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert device: %w", err)
	}

	return &SightingResult{DeviceID: returned, Created: true, Changed: true}, nil
}

func (r *deviceRepository) mergeSighting(ctx context.Context, existing *models.Device, s *Sighting) (*SightingResult, error) {
	attrsJSON, err := json.Marshal(s.Attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sighting attrs: %w", err)
	}

	query := `
		UPDATE devices
		SET name = $2,
		    normalized_name = $3,
		    metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), ARRAY[$4], $5::jsonb, true),
		    status = $6,
		    last_seen = GREATEST(last_seen, $7),
		    updated_at = $8
		WHERE id = $1`

	_, err = r.db.Exec(ctx, query,
		existing.ID, s.Name, s.NormalizedName, s.SourceSystem, attrsJSON,
		models.DeviceStatusActive, s.AsOf, time.Now(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to merge sighting: %w", err)
	}

	previous := existing.Metadata[s.SourceSystem]
	changed := existing.Name != s.Name || !jsonEqual(previous, s.Attrs)

	result := &SightingResult{
		DeviceID:    existing.ID,
		Reactivated: existing.Status == models.DeviceStatusInactive,
		Changed:     changed,
	}
	if changed {
		result.PreviousAttrs = previous
	}
	return result, nil
}

func (r *deviceRepository) MarkStale(ctx context.Context, sourceSystem string, seenIDs []string, asOf time.Time, grace time.Duration) ([]StaleDevice, error) {
	if seenIDs == nil {
		seenIDs = []string{}
	}

	query := `
		UPDATE devices
		SET status = $1, updated_at = $2
		WHERE source_system = $3
		  AND status = $4
		  AND NOT (source_id = ANY($5))
		  AND last_seen <= $6
		RETURNING id, source_id, name`

	rows, err := r.db.Query(ctx, query,
		models.DeviceStatusInactive, time.Now(), sourceSystem,
		models.DeviceStatusActive, seenIDs, asOf.Add(-grace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale devices: %w", err)
	}
	defer rows.Close()

	var stale []StaleDevice
	for rows.Next() {
		var d StaleDevice
		if err := rows.Scan(&d.ID, &d.SourceID, &d.Name); err != nil {
			return nil, fmt.Errorf("failed to scan stale device: %w", err)
		}
		stale = append(stale, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale devices: %w", err)
	}

	return stale, nil
}

func (r *deviceRepository) Link(ctx context.Context, parentID, childID uuid.UUID, relationshipType string, metadata map[string]any, asOf time.Time) error {
	metadataJSON, err := json.Marshal(jsonbValueMap(metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal relationship metadata: %w", err)
	}

	query := `
		INSERT INTO device_relationships (
			id, parent_device_id, child_device_id, relationship_type,
			metadata, stale, last_seen, created_at
		) VALUES ($1, $2, $3, $4, $5, false, $6, $7)
		ON CONFLICT (parent_device_id, child_device_id, relationship_type)
		DO UPDATE SET
			metadata = EXCLUDED.metadata,
			stale = false,
			last_seen = GREATEST(device_relationships.last_seen, EXCLUDED.last_seen),
			updated_at = $7`

	_, err = r.db.Exec(ctx, query,
		uuid.New(), parentID, childID, relationshipType, metadataJSON, asOf, time.Now(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("relationship endpoint does not exist: %w", apperrors.ErrNotFound)
		}
		return fmt.Errorf("failed to link devices: %w", err)
	}

	return nil
}

func (r *deviceRepository) MarkRelationshipsStale(ctx context.Context, ttl time.Duration, asOf time.Time) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}

	query := `
		UPDATE device_relationships
		SET stale = true, updated_at = $1
		WHERE stale = false AND last_seen < $2`

	tag, err := r.db.Exec(ctx, query, time.Now(), asOf.Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale relationships: %w", err)
	}
	return tag.RowsAffected(), nil
}

const deviceColumns = `
	id, name, normalized_name, device_type, source_system, source_id,
	status, metadata, first_seen, last_seen, created_at, updated_at`

func (r *deviceRepository) FindByNaturalKey(ctx context.Context, sourceSystem, sourceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE source_system = $1 AND source_id = $2`

	device, err := scanDevice(r.db.QueryRow(ctx, query, sourceSystem, sourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device %s/%s: %w", sourceSystem, sourceID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (r *deviceRepository) FindCandidatesByName(ctx context.Context, normalizedName string) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE normalized_name = $1
		ORDER BY source_system, source_id`

	rows, err := r.db.Query(ctx, query, normalizedName)
	if err != nil {
		return nil, fmt.Errorf("failed to query name candidates: %w", err)
	}
	defer rows.Close()

	return collectDevices(rows)
}

func (r *deviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	device, err := scanDevice(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (r *deviceRepository) List(ctx context.Context, filter *models.DeviceFilter) ([]*models.Device, error) {
	if filter == nil {
		filter = &models.DeviceFilter{}
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE ($1 = '' OR source_system = $1)
		  AND ($2 = '' OR device_type = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4 = '' OR normalized_name = $4)
		ORDER BY name, source_system
		LIMIT $5`

	rows, err := r.db.Query(ctx, query,
		filter.SourceSystem, filter.DeviceType, filter.Status, filter.Name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	return collectDevices(rows)
}

func (r *deviceRepository) ListRelationships(ctx context.Context, deviceID uuid.UUID) ([]*models.DeviceRelationship, error) {
	query := `
		SELECT id, parent_device_id, child_device_id, relationship_type,
		       metadata, stale, last_seen, created_at, updated_at
		FROM device_relationships
		WHERE parent_device_id = $1 OR child_device_id = $1
		ORDER BY relationship_type, created_at`

	rows, err := r.db.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var relationships []*models.DeviceRelationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		relationships = append(relationships, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}

	return relationships, nil
}

func (r *deviceRepository) CountRelationshipsWithSource(ctx context.Context, deviceID uuid.UUID, sourceSystem string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM device_relationships rel
		JOIN devices other
		  ON other.id = CASE WHEN rel.parent_device_id = $1 THEN rel.child_device_id ELSE rel.parent_device_id END
		WHERE (rel.parent_device_id = $1 OR rel.child_device_id = $1)
		  AND other.source_system = $2`

	var count int
	if err := r.db.QueryRow(ctx, query, deviceID, sourceSystem).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count shared relationships: %w", err)
	}
	return count, nil
}

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	var metadataJSON []byte

	err := row.Scan(
		&d.ID, &d.Name, &d.NormalizedName, &d.DeviceType, &d.SourceSystem, &d.SourceID,
		&d.Status, &metadataJSON, &d.FirstSeen, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &d.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device metadata: %w", err)
		}
	}

	return &d, nil
}

func collectDevices(rows pgx.Rows) ([]*models.Device, error) {
	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

func scanRelationship(row pgx.Row) (*models.DeviceRelationship, error) {
	var rel models.DeviceRelationship
	var metadataJSON []byte

	err := row.Scan(
		&rel.ID, &rel.ParentDeviceID, &rel.ChildDeviceID, &rel.RelationshipType,
		&metadataJSON, &rel.Stale, &rel.LastSeen, &rel.CreatedAt, &rel.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan relationship: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rel.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal relationship metadata: %w", err)
		}
	}

	return &rel, nil
}
