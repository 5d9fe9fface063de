package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/database"
	"github.com/substrate-ops/inventory-engine/pkg/models"
)

// ChangeApprovalRepository stores proposed write-back changes and their
// lifecycle: pending, decided, applied.
type ChangeApprovalRepository interface {
	Create(ctx context.Context, change *models.ChangeApproval) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeApproval, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.ChangeApproval, error)

	// UpdateDecision moves a change out of pending. Deciding an
	// already-decided change returns apperrors.ErrConflict.
	UpdateDecision(ctx context.Context, id uuid.UUID, status, decidedBy string, decidedAt time.Time) error

	// SetApplied stamps applied_at exactly once. A second call for the same
	// change returns apperrors.ErrAlreadyApplied.
	SetApplied(ctx context.Context, id uuid.UUID, appliedAt time.Time) error
}

type changeApprovalRepository struct {
	db *database.DB
}

// NewChangeApprovalRepository creates a new ChangeApprovalRepository.
func NewChangeApprovalRepository(db *database.DB) ChangeApprovalRepository {
	return &changeApprovalRepository{db: db}
}

var _ ChangeApprovalRepository = (*changeApprovalRepository)(nil)

func (r *changeApprovalRepository) Create(ctx context.Context, change *models.ChangeApproval) error {
	proposedJSON, err := json.Marshal(jsonbValueMap(change.ProposedChanges))
	if err != nil {
		return fmt.Errorf("failed to marshal proposed changes: %w", err)
	}
	rollbackJSON, err := json.Marshal(jsonbValueMap(change.RollbackData))
	if err != nil {
		return fmt.Errorf("failed to marshal rollback data: %w", err)
	}

	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now()
	}
	if change.ApprovalStatus == "" {
		change.ApprovalStatus = models.ApprovalStatusPending
	}

	query := `
		INSERT INTO change_approvals (
			id, sync_batch_id, device_id, action, target_object_type, target_object_id,
			proposed_changes, approval_status, rollback_data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.Exec(ctx, query,
		change.ID, change.SyncBatchID, change.DeviceID, change.Action,
		change.TargetObjectType, change.TargetObjectID,
		proposedJSON, change.ApprovalStatus, rollbackJSON, change.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create change approval: %w", err)
	}

	return nil
}

const changeApprovalColumns = `
	id, sync_batch_id, device_id, action, target_object_type, target_object_id,
	proposed_changes, approval_status, approved_by, approved_at, applied_at,
	rollback_data, created_at, updated_at`

func (r *changeApprovalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeApproval, error) {
	query := `SELECT ` + changeApprovalColumns + ` FROM change_approvals WHERE id = $1`

	change, err := scanChangeApproval(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("change approval %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (r *changeApprovalRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*models.ChangeApproval, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	query := `SELECT ` + changeApprovalColumns + ` FROM change_approvals
		WHERE ($1 = '' OR approval_status = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list change approvals: %w", err)
	}
	defer rows.Close()

	var changes []*models.ChangeApproval
	for rows.Next() {
		change, err := scanChangeApproval(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change approvals: %w", err)
	}

	return changes, nil
}

func (r *changeApprovalRepository) UpdateDecision(ctx context.Context, id uuid.UUID, status, decidedBy string, decidedAt time.Time) error {
	// The pending guard lives in the WHERE clause so concurrent decisions
	// cannot both win.
	query := `
		UPDATE change_approvals
		SET approval_status = $2, approved_by = $3, approved_at = $4, updated_at = $5
		WHERE id = $1 AND approval_status = $6`

	tag, err := r.db.Exec(ctx, query, id, status, decidedBy, decidedAt, time.Now(), models.ApprovalStatusPending)
	if err != nil {
		return fmt.Errorf("failed to record change decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("change approval %s already decided: %w", id, apperrors.ErrConflict)
	}

	return nil
}

func (r *changeApprovalRepository) SetApplied(ctx context.Context, id uuid.UUID, appliedAt time.Time) error {
	query := `
		UPDATE change_approvals
		SET applied_at = $2, updated_at = $3
		WHERE id = $1 AND applied_at IS NULL`

	tag, err := r.db.Exec(ctx, query, id, appliedAt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark change applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("change approval %s: %w", id, apperrors.ErrAlreadyApplied)
	}

	return nil
}

func scanChangeApproval(row pgx.Row) (*models.ChangeApproval, error) {
	var c models.ChangeApproval
	var proposedJSON, rollbackJSON []byte

	err := row.Scan(
		&c.ID, &c.SyncBatchID, &c.DeviceID, &c.Action, &c.TargetObjectType, &c.TargetObjectID,
		&proposedJSON, &c.ApprovalStatus, &c.ApprovedBy, &c.ApprovedAt, &c.AppliedAt,
		&rollbackJSON, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan change approval: %w", err)
	}

	if len(proposedJSON) > 0 {
		if err := json.Unmarshal(proposedJSON, &c.ProposedChanges); err != nil {
			return nil, fmt.Errorf("failed to unmarshal proposed changes: %w", err)
		}
	}
	if len(rollbackJSON) > 0 {
		if err := json.Unmarshal(rollbackJSON, &c.RollbackData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rollback data: %w", err)
		}
	}

	return &c, nil
}
