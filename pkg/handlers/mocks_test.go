package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/substrate-ops/inventory-engine/pkg/config"
	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/services"
)

type mockDeviceService struct {
	devices       []*models.Device
	detail        *services.DeviceDetail
	relationships []*models.DeviceRelationship
	listErr       error
	getErr        error
	relErr        error
}

func (m *mockDeviceService) List(ctx context.Context, filter *models.DeviceFilter) ([]*models.Device, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.devices, nil
}

func (m *mockDeviceService) Get(ctx context.Context, id uuid.UUID) (*services.DeviceDetail, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.detail, nil
}

func (m *mockDeviceService) Relationships(ctx context.Context, id uuid.UUID) ([]*models.DeviceRelationship, error) {
	if m.relErr != nil {
		return nil, m.relErr
	}
	return m.relationships, nil
}

type mockAuditService struct {
	entries []*models.SyncHistoryEntry
	err     error
}

func (m *mockAuditService) List(ctx context.Context, filter *models.HistoryFilter) ([]*models.SyncHistoryEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.entries, nil
}

func (m *mockAuditService) ForDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.SyncHistoryEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.entries, nil
}

type mockSyncService struct {
	sources map[string]*config.SourceConfig
	status  []*models.SyncMetadata
	result  *models.SyncResult
	runErr  error
	ran     chan string
}

func (m *mockSyncService) RunCycle(ctx context.Context, src *config.SourceConfig) (*models.SyncResult, error) {
	if m.ran != nil {
		m.ran <- src.SourceSystem
	}
	if m.runErr != nil {
		return nil, m.runErr
	}
	return m.result, nil
}

func (m *mockSyncService) Source(sourceSystem string) (*config.SourceConfig, bool) {
	src, ok := m.sources[sourceSystem]
	return src, ok
}

func (m *mockSyncService) Status(ctx context.Context) ([]*models.SyncMetadata, error) {
	return m.status, nil
}

type mockChangeService struct {
	change  *models.ChangeApproval
	changes []*models.ChangeApproval
	err     error
}

func (m *mockChangeService) Propose(ctx context.Context, proposal *services.ChangeProposal) (*models.ChangeApproval, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.change, nil
}

func (m *mockChangeService) Decide(ctx context.Context, id uuid.UUID, decision, decidedBy string) (*models.ChangeApproval, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.change, nil
}

func (m *mockChangeService) Apply(ctx context.Context, id uuid.UUID, appliedBy string) (*models.ChangeApproval, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.change, nil
}

func (m *mockChangeService) Get(ctx context.Context, id uuid.UUID) (*models.ChangeApproval, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.change, nil
}

func (m *mockChangeService) List(ctx context.Context, status string, limit int) ([]*models.ChangeApproval, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.changes, nil
}
