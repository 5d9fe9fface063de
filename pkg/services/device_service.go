package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/repositories"
)

// DeviceDetail is a device together with its typed extension data.
type DeviceDetail struct {
	Device     *models.Device             `json:"device"`
	VM         *models.VM                 `json:"vm,omitempty"`
	Interfaces []*models.NetworkInterface `json:"interfaces,omitempty"`
	Volumes    []*models.StorageVolume    `json:"volumes,omitempty"`
	Facts      []*models.ServerFact       `json:"facts,omitempty"`
	Configs    []*models.DeviceConfig     `json:"configs,omitempty"`
}

// DeviceService is the read side of the device graph.
type DeviceService interface {
	List(ctx context.Context, filter *models.DeviceFilter) ([]*models.Device, error)
	Get(ctx context.Context, id uuid.UUID) (*DeviceDetail, error)
	Relationships(ctx context.Context, id uuid.UUID) ([]*models.DeviceRelationship, error)
}

// DeviceServiceDeps contains dependencies for DeviceService.
type DeviceServiceDeps struct {
	DeviceRepo    repositories.DeviceRepository
	ExtensionRepo repositories.ExtensionRepository
	Logger        *zap.Logger
}

type deviceService struct {
	deps DeviceServiceDeps
}

// NewDeviceService creates a new DeviceService.
func NewDeviceService(deps DeviceServiceDeps) DeviceService {
	return &deviceService{deps: deps}
}

var _ DeviceService = (*deviceService)(nil)

func (s *deviceService) List(ctx context.Context, filter *models.DeviceFilter) ([]*models.Device, error) {
	return s.deps.DeviceRepo.List(ctx, filter)
}

func (s *deviceService) Get(ctx context.Context, id uuid.UUID) (*DeviceDetail, error) {
	device, err := s.deps.DeviceRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &DeviceDetail{Device: device}

	if device.DeviceType == models.DeviceTypeVM {
		vm, err := s.deps.ExtensionRepo.GetVM(ctx, id)
		if err != nil {
			return nil, err
		}
		detail.VM = vm
	}

	if detail.Interfaces, err = s.deps.ExtensionRepo.ListInterfaces(ctx, id); err != nil {
		return nil, err
	}
	if detail.Volumes, err = s.deps.ExtensionRepo.ListVolumes(ctx, id); err != nil {
		return nil, err
	}
	if detail.Facts, err = s.deps.ExtensionRepo.ListFacts(ctx, id); err != nil {
		return nil, err
	}
	if detail.Configs, err = s.deps.ExtensionRepo.ListConfigs(ctx, id); err != nil {
		return nil, err
	}

	return detail, nil
}

func (s *deviceService) Relationships(ctx context.Context, id uuid.UUID) ([]*models.DeviceRelationship, error) {
	if _, err := s.deps.DeviceRepo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.deps.DeviceRepo.ListRelationships(ctx, id)
}
