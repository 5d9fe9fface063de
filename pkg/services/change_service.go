package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/adapters/source"
	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/config"
	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/repositories"
)

// AdapterProvider hands out an adapter for a source system. The change
// service uses it for rollback capture and for the one place write-back is
// allowed to happen.
type AdapterProvider interface {
	AdapterFor(ctx context.Context, sourceSystem string) (source.Adapter, error)
}

type configAdapterProvider struct {
	factory source.AdapterFactory
	cfg     *config.SyncConfig
}

// NewAdapterProvider resolves source systems against the configured
// sources.
func NewAdapterProvider(factory source.AdapterFactory, cfg *config.SyncConfig) AdapterProvider {
	return &configAdapterProvider{factory: factory, cfg: cfg}
}

func (p *configAdapterProvider) AdapterFor(ctx context.Context, sourceSystem string) (source.Adapter, error) {
	for i := range p.cfg.Sources {
		src := &p.cfg.Sources[i]
		if src.SourceSystem == sourceSystem {
			return p.factory.NewAdapter(ctx, src.AdapterType, src.Options)
		}
	}
	return nil, fmt.Errorf("source system %s is not configured: %w", sourceSystem, apperrors.ErrNotFound)
}

// ChangeProposal is a request to stage one write-back change for approval.
type ChangeProposal struct {
	DeviceID         uuid.UUID
	SyncBatchID      uuid.UUID
	Action           string
	TargetObjectType string
	TargetObjectID   string
	ProposedChanges  map[string]any
	ProposedBy       string
}

// ChangeService owns the write-back approval workflow. Nothing reaches an
// external system of record except Apply, and Apply only moves changes that
// a human approved first.
type ChangeService interface {
	// Propose stages a change in the pending state. The target's current
	// external state is captured as rollback data before anything is
	// persisted; if that capture fails, the proposal is rejected outright.
	Propose(ctx context.Context, proposal *ChangeProposal) (*models.ChangeApproval, error)

	// Decide approves or rejects a pending change. Changes that already left
	// the pending state cannot be re-decided.
	Decide(ctx context.Context, id uuid.UUID, decision, decidedBy string) (*models.ChangeApproval, error)

	// Apply pushes an approved change to the external system, exactly once.
	Apply(ctx context.Context, id uuid.UUID, appliedBy string) (*models.ChangeApproval, error)

	Get(ctx context.Context, id uuid.UUID) (*models.ChangeApproval, error)
	List(ctx context.Context, status string, limit int) ([]*models.ChangeApproval, error)
}

// ChangeServiceDeps contains dependencies for ChangeService.
type ChangeServiceDeps struct {
	ChangeRepo  repositories.ChangeApprovalRepository
	DeviceRepo  repositories.DeviceRepository
	HistoryRepo repositories.SyncHistoryRepository
	Adapters    AdapterProvider
	Logger      *zap.Logger
}

type changeService struct {
	deps ChangeServiceDeps
	now  func() time.Time

	mu       sync.Mutex
	applying map[uuid.UUID]bool
}

// NewChangeService creates a new ChangeService.
func NewChangeService(deps ChangeServiceDeps) ChangeService {
	return &changeService{deps: deps, now: time.Now, applying: make(map[uuid.UUID]bool)}
}

var _ ChangeService = (*changeService)(nil)

func (s *changeService) Propose(ctx context.Context, proposal *ChangeProposal) (*models.ChangeApproval, error) {
	if err := validateProposal(proposal); err != nil {
		return nil, err
	}

	device, err := s.deps.DeviceRepo.GetByID(ctx, proposal.DeviceID)
	if err != nil {
		return nil, err
	}

	adapter, err := s.deps.Adapters.AdapterFor(ctx, device.SourceSystem)
	if err != nil {
		return nil, err
	}
	defer func() { _ = adapter.Close() }()

	target := source.Target{ObjectType: proposal.TargetObjectType, ObjectID: proposal.TargetObjectID}

	// Fail closed: a change we cannot undo is a change we refuse to stage.
	rollback, err := adapter.ReadCurrent(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("unable to capture rollback state for %s/%s: %w: %w",
			target.ObjectType, target.ObjectID, apperrors.ErrRollbackCapture, err)
	}

	change := &models.ChangeApproval{
		SyncBatchID:      proposal.SyncBatchID,
		DeviceID:         proposal.DeviceID,
		Action:           proposal.Action,
		TargetObjectType: proposal.TargetObjectType,
		TargetObjectID:   proposal.TargetObjectID,
		ProposedChanges:  proposal.ProposedChanges,
		ApprovalStatus:   models.ApprovalStatusPending,
		RollbackData:     rollback,
	}
	if err := s.deps.ChangeRepo.Create(ctx, change); err != nil {
		return nil, err
	}

	s.recordChangeHistory(ctx, change, device.SourceSystem, models.ChangeTypeChangeProposed,
		proposal.ProposedBy, map[string]any{"action": change.Action, "target": change.TargetObjectID})

	s.deps.Logger.Info("change proposed",
		zap.String("change_id", change.ID.String()),
		zap.String("action", change.Action),
		zap.String("device_id", change.DeviceID.String()))
	return change, nil
}

func validateProposal(proposal *ChangeProposal) error {
	switch proposal.Action {
	case models.ChangeActionCreate, models.ChangeActionUpdate, models.ChangeActionDelete:
	default:
		return fmt.Errorf("unknown change action %q: %w", proposal.Action, apperrors.ErrRecordValidation)
	}
	if proposal.TargetObjectType == "" || proposal.TargetObjectID == "" {
		return fmt.Errorf("change target is required: %w", apperrors.ErrRecordValidation)
	}
	if len(proposal.ProposedChanges) == 0 {
		return fmt.Errorf("proposed changes must not be empty: %w", apperrors.ErrRecordValidation)
	}
	return nil
}

func (s *changeService) Decide(ctx context.Context, id uuid.UUID, decision, decidedBy string) (*models.ChangeApproval, error) {
	var status string
	switch decision {
	case models.DecisionApprove:
		status = models.ApprovalStatusApproved
	case models.DecisionReject:
		status = models.ApprovalStatusRejected
	default:
		return nil, fmt.Errorf("unknown decision %q: %w", decision, apperrors.ErrRecordValidation)
	}
	if decidedBy == "" {
		return nil, fmt.Errorf("decided_by is required: %w", apperrors.ErrRecordValidation)
	}

	if err := s.deps.ChangeRepo.UpdateDecision(ctx, id, status, decidedBy, s.now()); err != nil {
		return nil, err
	}

	change, err := s.deps.ChangeRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.recordChangeHistory(ctx, change, "", models.ChangeTypeChangeDecided, decidedBy,
		map[string]any{"status": status})

	s.deps.Logger.Info("change decided",
		zap.String("change_id", id.String()),
		zap.String("status", status),
		zap.String("decided_by", decidedBy))
	return change, nil
}

func (s *changeService) Apply(ctx context.Context, id uuid.UUID, appliedBy string) (*models.ChangeApproval, error) {
	// The applied_at guard in SetApplied runs after WriteBack, so two
	// overlapping Applies could both reach the external system. Only one
	// attempt per change may be in flight.
	if !s.tryAcquire(id) {
		return nil, fmt.Errorf("change %s is already being applied: %w", id, apperrors.ErrConflict)
	}
	defer s.release(id)

	change, err := s.deps.ChangeRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if change.ApprovalStatus != models.ApprovalStatusApproved {
		return nil, fmt.Errorf("change %s is %s: %w", id, change.ApprovalStatus, apperrors.ErrNotApproved)
	}
	if change.AppliedAt != nil {
		return nil, fmt.Errorf("change %s: %w", id, apperrors.ErrAlreadyApplied)
	}

	device, err := s.deps.DeviceRepo.GetByID(ctx, change.DeviceID)
	if err != nil {
		return nil, err
	}

	adapter, err := s.deps.Adapters.AdapterFor(ctx, device.SourceSystem)
	if err != nil {
		return nil, err
	}
	defer func() { _ = adapter.Close() }()

	target := source.Target{ObjectType: change.TargetObjectType, ObjectID: change.TargetObjectID}
	if err := adapter.WriteBack(ctx, target, change.ProposedChanges); err != nil {
		// The change stays approved and unapplied; the operator can retry
		// or reject it.
		return nil, fmt.Errorf("external system rejected change %s: %w: %w",
			id, apperrors.ErrWriteBackRejected, err)
	}

	if err := s.deps.ChangeRepo.SetApplied(ctx, id, s.now()); err != nil {
		return nil, err
	}

	change, err = s.deps.ChangeRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.recordChangeHistory(ctx, change, device.SourceSystem, models.ChangeTypeChangeApplied, appliedBy,
		map[string]any{"action": change.Action, "target": change.TargetObjectID})

	s.deps.Logger.Info("change applied",
		zap.String("change_id", id.String()),
		zap.String("applied_by", appliedBy))
	return change, nil
}

func (s *changeService) tryAcquire(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applying[id] {
		return false
	}
	s.applying[id] = true
	return true
}

func (s *changeService) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.applying, id)
}

func (s *changeService) Get(ctx context.Context, id uuid.UUID) (*models.ChangeApproval, error) {
	return s.deps.ChangeRepo.GetByID(ctx, id)
}

func (s *changeService) List(ctx context.Context, status string, limit int) ([]*models.ChangeApproval, error) {
	return s.deps.ChangeRepo.ListByStatus(ctx, status, limit)
}

func (s *changeService) recordChangeHistory(ctx context.Context, change *models.ChangeApproval, sourceSystem, changeType, performedBy string, detail map[string]any) {
	deviceID := change.DeviceID
	detail["change_id"] = change.ID.String()
	entry := &models.SyncHistoryEntry{
		SyncID:       change.SyncBatchID,
		SourceSystem: sourceSystem,
		Operation:    models.HistoryOperationWriteBack,
		DeviceID:     &deviceID,
		ChangeType:   changeType,
		NewValue:     detail,
		PerformedBy:  performedBy,
		PerformedAt:  s.now(),
	}
	if err := s.deps.HistoryRepo.Create(ctx, entry); err != nil {
		s.deps.Logger.Error("failed to record change history",
			zap.String("change_id", change.ID.String()), zap.Error(err))
	}
}
