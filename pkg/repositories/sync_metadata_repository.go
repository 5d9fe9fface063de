package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/database"
	"github.com/substrate-ops/inventory-engine/pkg/models"
)

// CycleOutcome carries the terminal state of one sync cycle.
type CycleOutcome struct {
	Status         string
	DevicesAdded   int
	DevicesUpdated int
	DevicesRemoved int
	ErrorMessage   *string
	CompletedAt    time.Time
}

// SyncMetadataRepository tracks per-source sync cursor state, one row per
// (source_system, source_identifier) pair.
type SyncMetadataRepository interface {
	// StartCycle upserts the source's row into the running state and returns
	// its id. Counters from the previous cycle persist until completion.
	StartCycle(ctx context.Context, sourceSystem, sourceIdentifier string, startedAt time.Time) (uuid.UUID, error)

	CompleteCycle(ctx context.Context, id uuid.UUID, outcome *CycleOutcome) error

	GetBySource(ctx context.Context, sourceSystem, sourceIdentifier string) (*models.SyncMetadata, error)
	List(ctx context.Context) ([]*models.SyncMetadata, error)
}

type syncMetadataRepository struct {
	db *database.DB
}

// NewSyncMetadataRepository creates a new SyncMetadataRepository.
func NewSyncMetadataRepository(db *database.DB) SyncMetadataRepository {
	return &syncMetadataRepository{db: db}
}

var _ SyncMetadataRepository = (*syncMetadataRepository)(nil)

func (r *syncMetadataRepository) StartCycle(ctx context.Context, sourceSystem, sourceIdentifier string, startedAt time.Time) (uuid.UUID, error) {
	query := `
		INSERT INTO sync_metadata (
			id, source_system, source_identifier, last_sync_start, last_sync_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_system, source_identifier) DO UPDATE SET
			last_sync_start = EXCLUDED.last_sync_start,
			last_sync_status = EXCLUDED.last_sync_status,
			error_message = NULL,
			updated_at = $6
		RETURNING id`

	var id uuid.UUID
	err := r.db.QueryRow(ctx, query,
		uuid.New(), sourceSystem, sourceIdentifier, startedAt,
		models.SyncStatusRunning, time.Now(),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to start sync cycle for %s/%s: %w", sourceSystem, sourceIdentifier, err)
	}

	return id, nil
}

func (r *syncMetadataRepository) CompleteCycle(ctx context.Context, id uuid.UUID, outcome *CycleOutcome) error {
	query := `
		UPDATE sync_metadata
		SET last_sync_complete = $2,
		    last_sync_status = $3,
		    last_sync_duration_ms = (EXTRACT(EPOCH FROM ($2 - last_sync_start)) * 1000)::bigint,
		    devices_added = $4,
		    devices_updated = $5,
		    devices_removed = $6,
		    error_message = $7,
		    updated_at = $8
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		id, outcome.CompletedAt, outcome.Status,
		outcome.DevicesAdded, outcome.DevicesUpdated, outcome.DevicesRemoved,
		outcome.ErrorMessage, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to complete sync cycle %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sync cycle %s: %w", id, apperrors.ErrNotFound)
	}

	return nil
}

const syncMetadataColumns = `
	id, source_system, source_identifier, last_sync_start, last_sync_complete,
	last_sync_status, last_sync_duration_ms, devices_added, devices_updated,
	devices_removed, error_message`

func (r *syncMetadataRepository) GetBySource(ctx context.Context, sourceSystem, sourceIdentifier string) (*models.SyncMetadata, error) {
	query := `SELECT ` + syncMetadataColumns + ` FROM sync_metadata
		WHERE source_system = $1 AND source_identifier = $2`

	meta, err := scanSyncMetadata(r.db.QueryRow(ctx, query, sourceSystem, sourceIdentifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sync metadata for %s/%s: %w", sourceSystem, sourceIdentifier, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (r *syncMetadataRepository) List(ctx context.Context) ([]*models.SyncMetadata, error) {
	query := `SELECT ` + syncMetadataColumns + ` FROM sync_metadata
		ORDER BY source_system, source_identifier`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync metadata: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncMetadata
	for rows.Next() {
		meta, err := scanSyncMetadata(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync metadata: %w", err)
	}

	return entries, nil
}

func scanSyncMetadata(row pgx.Row) (*models.SyncMetadata, error) {
	var m models.SyncMetadata
	err := row.Scan(
		&m.ID, &m.SourceSystem, &m.SourceIdentifier, &m.LastSyncStart, &m.LastSyncComplete,
		&m.LastSyncStatus, &m.DurationMs, &m.DevicesAdded, &m.DevicesUpdated,
		&m.DevicesRemoved, &m.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync metadata: %w", err)
	}
	return &m, nil
}
