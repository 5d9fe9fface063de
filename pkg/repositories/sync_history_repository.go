package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/substrate-ops/inventory-engine/pkg/database"
	"github.com/substrate-ops/inventory-engine/pkg/models"
)

// SyncHistoryRepository is the append-only audit log. No update or delete
// operations exist on purpose.
type SyncHistoryRepository interface {
	Create(ctx context.Context, entry *models.SyncHistoryEntry) error
	List(ctx context.Context, filter *models.HistoryFilter) ([]*models.SyncHistoryEntry, error)
	ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.SyncHistoryEntry, error)
}

type syncHistoryRepository struct {
	db *database.DB
}

// NewSyncHistoryRepository creates a new SyncHistoryRepository.
func NewSyncHistoryRepository(db *database.DB) SyncHistoryRepository {
	return &syncHistoryRepository{db: db}
}

var _ SyncHistoryRepository = (*syncHistoryRepository)(nil)

func (r *syncHistoryRepository) Create(ctx context.Context, entry *models.SyncHistoryEntry) error {
	oldJSON, err := marshalValueMap(entry.OldValue)
	if err != nil {
		return fmt.Errorf("failed to marshal history old value: %w", err)
	}
	newJSON, err := marshalValueMap(entry.NewValue)
	if err != nil {
		return fmt.Errorf("failed to marshal history new value: %w", err)
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now()
	}

	query := `
		INSERT INTO sync_history (
			id, sync_id, source_system, operation, device_id, change_type,
			old_value, new_value, performed_by, performed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.Exec(ctx, query,
		entry.ID, entry.SyncID, entry.SourceSystem, entry.Operation, entry.DeviceID,
		entry.ChangeType, oldJSON, newJSON, entry.PerformedBy, entry.PerformedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record history entry: %w", err)
	}

	return nil
}

const syncHistoryColumns = `
	id, sync_id, source_system, operation, device_id, change_type,
	old_value, new_value, performed_by, performed_at`

func (r *syncHistoryRepository) List(ctx context.Context, filter *models.HistoryFilter) ([]*models.SyncHistoryEntry, error) {
	if filter == nil {
		filter = &models.HistoryFilter{}
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	query := `SELECT ` + syncHistoryColumns + ` FROM sync_history
		WHERE ($1::uuid IS NULL OR device_id = $1)
		  AND ($2::uuid IS NULL OR sync_id = $2)
		  AND ($3 = '' OR source_system = $3)
		  AND ($4::timestamptz IS NULL OR performed_at >= $4)
		  AND ($5::timestamptz IS NULL OR performed_at < $5)
		ORDER BY performed_at DESC, id DESC
		LIMIT $6`

	rows, err := r.db.Query(ctx, query,
		filter.DeviceID, filter.SyncID, filter.SourceSystem, filter.Since, filter.Until, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync history: %w", err)
	}
	defer rows.Close()

	return collectHistoryEntries(rows)
}

func (r *syncHistoryRepository) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.SyncHistoryEntry, error) {
	return r.List(ctx, &models.HistoryFilter{DeviceID: &deviceID, Limit: limit})
}

func collectHistoryEntries(rows pgx.Rows) ([]*models.SyncHistoryEntry, error) {
	var entries []*models.SyncHistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync history: %w", err)
	}
	return entries, nil
}

func scanHistoryEntry(row pgx.Row) (*models.SyncHistoryEntry, error) {
	var e models.SyncHistoryEntry
	var oldJSON, newJSON []byte

	err := row.Scan(
		&e.ID, &e.SyncID, &e.SourceSystem, &e.Operation, &e.DeviceID,
		&e.ChangeType, &oldJSON, &newJSON, &e.PerformedBy, &e.PerformedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan history entry: %w", err)
	}

	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &e.OldValue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history old value: %w", err)
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &e.NewValue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history new value: %w", err)
		}
	}

	return &e, nil
}

func marshalValueMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
