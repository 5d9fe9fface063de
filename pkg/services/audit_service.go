package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/repositories"
)

// AuditService is the read side of the append-only audit trail.
type AuditService interface {
	List(ctx context.Context, filter *models.HistoryFilter) ([]*models.SyncHistoryEntry, error)
	ForDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.SyncHistoryEntry, error)
}

type auditService struct {
	historyRepo repositories.SyncHistoryRepository
	deviceRepo  repositories.DeviceRepository
}

// NewAuditService creates a new AuditService.
func NewAuditService(historyRepo repositories.SyncHistoryRepository, deviceRepo repositories.DeviceRepository) AuditService {
	return &auditService{historyRepo: historyRepo, deviceRepo: deviceRepo}
}

var _ AuditService = (*auditService)(nil)

func (s *auditService) List(ctx context.Context, filter *models.HistoryFilter) ([]*models.SyncHistoryEntry, error) {
	return s.historyRepo.List(ctx, filter)
}

func (s *auditService) ForDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.SyncHistoryEntry, error) {
	if _, err := s.deviceRepo.GetByID(ctx, deviceID); err != nil {
		return nil, err
	}
	return s.historyRepo.ListByDevice(ctx, deviceID, limit)
}
