package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/adapters/source"
	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/config"
	"github.com/substrate-ops/inventory-engine/pkg/logging"
	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/repositories"
	"github.com/substrate-ops/inventory-engine/pkg/retry"
)

const syncActor = "sync-engine"

// SyncService runs ingest cycles: fetch a source snapshot, upsert every
// record into the device graph, correlate new devices across sources, link
// intra-source relationships, and infer staleness for complete snapshots.
type SyncService interface {
	// RunCycle executes one full cycle for the source. A second call for the
	// same source while one is in flight returns apperrors.ErrCycleRunning.
	RunCycle(ctx context.Context, src *config.SourceConfig) (*models.SyncResult, error)

	// Source looks up a configured source by system name.
	Source(sourceSystem string) (*config.SourceConfig, bool)

	// Status returns the per-source cycle metadata.
	Status(ctx context.Context) ([]*models.SyncMetadata, error)
}

// SyncServiceDeps contains dependencies for SyncService.
type SyncServiceDeps struct {
	DeviceRepo     repositories.DeviceRepository
	SyncRepo       repositories.SyncMetadataRepository
	HistoryRepo    repositories.SyncHistoryRepository
	ExtensionRepo  repositories.ExtensionRepository
	Correlation    CorrelationService
	AdapterFactory source.AdapterFactory
	Config         *config.SyncConfig
	RetryConfig    *retry.Config
	Logger         *zap.Logger
}

type syncService struct {
	deps SyncServiceDeps
	now  func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

// NewSyncService creates a new SyncService.
func NewSyncService(deps SyncServiceDeps) SyncService {
	if deps.RetryConfig == nil {
		deps.RetryConfig = retry.DefaultConfig()
	}
	return &syncService{
		deps:    deps,
		now:     time.Now,
		running: make(map[string]bool),
	}
}

var _ SyncService = (*syncService)(nil)

// pendingLink defers a relationship ref until every record of the cycle has
// been upserted, so forward references resolve.
type pendingLink struct {
	fromSourceID string
	fromDeviceID uuid.UUID
	ref          source.RelationshipRef
}

// cycleState accumulates the outcome of one cycle across workers.
type cycleState struct {
	mu              sync.Mutex
	added           int
	updated         int
	errors          []models.RecordError
	errorsTruncated int
	seenIDs         []string
	links           []pendingLink
	maxErrors       int
	readFailed      bool
}

func (c *cycleState) recordError(sourceID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) >= c.maxErrors {
		c.errorsTruncated++
		return
	}
	c.errors = append(c.errors, models.RecordError{SourceID: sourceID, Message: message})
}

func (c *cycleState) recordSeen(sourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seenIDs = append(c.seenIDs, sourceID)
}

func (c *cycleState) recordUpsert(created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if created {
		c.added++
	} else {
		c.updated++
	}
}

func (c *cycleState) recordLinks(fromSourceID string, fromDeviceID uuid.UUID, refs []source.RelationshipRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range refs {
		c.links = append(c.links, pendingLink{fromSourceID: fromSourceID, fromDeviceID: fromDeviceID, ref: ref})
	}
}

func (s *syncService) Source(sourceSystem string) (*config.SourceConfig, bool) {
	for i := range s.deps.Config.Sources {
		if s.deps.Config.Sources[i].SourceSystem == sourceSystem {
			return &s.deps.Config.Sources[i], true
		}
	}
	return nil, false
}

func (s *syncService) Status(ctx context.Context) ([]*models.SyncMetadata, error) {
	return s.deps.SyncRepo.List(ctx)
}

func (s *syncService) RunCycle(ctx context.Context, src *config.SourceConfig) (*models.SyncResult, error) {
	if !s.tryAcquire(src.Key()) {
		return nil, fmt.Errorf("source %s: %w", src.Key(), apperrors.ErrCycleRunning)
	}
	defer s.release(src.Key())

	startedAt := s.now()
	syncID, err := s.deps.SyncRepo.StartCycle(ctx, src.SourceSystem, src.Identifier, startedAt)
	if err != nil {
		return nil, err
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.deps.Config.CycleTimeout())
	defer cancel()

	result := &models.SyncResult{SyncID: syncID}
	runErr := s.runCycle(cycleCtx, syncID, src, result)

	outcome := &repositories.CycleOutcome{
		Status:         result.Status,
		DevicesAdded:   result.Added,
		DevicesUpdated: result.Updated,
		DevicesRemoved: result.Removed,
		CompletedAt:    s.now(),
	}
	if runErr != nil {
		msg := logging.TruncateString(logging.SanitizeError(runErr), 1000)
		outcome.ErrorMessage = &msg
	} else if len(result.Errors) > 0 {
		msg := logging.TruncateString(fmt.Sprintf("%d record errors, first: %s: %s",
			len(result.Errors)+result.ErrorsTruncated, result.Errors[0].SourceID, result.Errors[0].Message), 1000)
		outcome.ErrorMessage = &msg
	}

	// Completion is recorded even when the cycle context expired.
	if err := s.deps.SyncRepo.CompleteCycle(context.WithoutCancel(ctx), syncID, outcome); err != nil {
		s.deps.Logger.Error("failed to record cycle completion",
			zap.String("source", src.Key()), zap.Error(err))
	}

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (s *syncService) runCycle(ctx context.Context, syncID uuid.UUID, src *config.SourceConfig, result *models.SyncResult) error {
	logger := s.deps.Logger.With(
		zap.String("source_system", src.SourceSystem),
		zap.String("source_identifier", src.Identifier),
		zap.String("sync_id", syncID.String()))
	logger.Info("starting sync cycle")

	adapter, err := s.deps.AdapterFactory.NewAdapter(ctx, src.AdapterType, src.Options)
	if err != nil {
		result.Status = models.SyncStatusFailed
		return fmt.Errorf("failed to create %s adapter: %w", src.AdapterType, err)
	}
	defer func() { _ = adapter.Close() }()

	// Adapters flag permanent rejections (bad credentials, unknown source)
	// as non-retryable, so those fail the cycle without backoff.
	snapshot, err := retry.DoIfRetryableWithResult(ctx, s.deps.RetryConfig, func() (source.Snapshot, error) {
		return adapter.FetchSnapshot(ctx, nil)
	})
	if err != nil {
		result.Status = models.SyncStatusFailed
		return fmt.Errorf("source unreachable after retries: %w: %w", apperrors.ErrAdapterUnreachable, err)
	}
	defer func() { _ = snapshot.Close() }()

	state := &cycleState{maxErrors: s.deps.Config.MaxRecordErrors}
	timedOut := s.processRecords(ctx, syncID, src, snapshot, state)

	result.Added = state.added
	result.Updated = state.updated
	result.Errors = state.errors
	result.ErrorsTruncated = state.errorsTruncated

	s.resolveLinks(context.WithoutCancel(ctx), syncID, src, state)

	// Absence only means deletion when the snapshot covered the full
	// inventory and we read all of it. A mid-stream read failure leaves
	// the seen-set partial even when the source claims a full snapshot.
	if snapshot.Complete() && src.SupportsFullSnapshot && !timedOut && !state.readFailed {
		removed, err := s.inferStaleness(context.WithoutCancel(ctx), syncID, src, state.seenIDs)
		if err != nil {
			state.recordError("", fmt.Sprintf("staleness inference failed: %v", err))
			result.Errors = state.errors
		}
		result.Removed = removed
	} else if timedOut {
		logger.Warn("cycle deadline reached, skipping staleness inference",
			zap.Int("records_processed", state.added+state.updated))
	} else if state.readFailed {
		logger.Warn("snapshot read failed mid-stream, skipping staleness inference",
			zap.Int("records_processed", state.added+state.updated))
	}

	if ttl := s.deps.Config.RelationshipTTL(); ttl > 0 {
		flagged, err := s.deps.DeviceRepo.MarkRelationshipsStale(context.WithoutCancel(ctx), ttl, s.now())
		if err != nil {
			logger.Error("failed to flag stale relationships", zap.Error(err))
		} else if flagged > 0 {
			logger.Info("flagged stale relationships", zap.Int64("count", flagged))
		}
	}

	switch {
	case timedOut, len(result.Errors) > 0, result.ErrorsTruncated > 0:
		result.Status = models.SyncStatusPartial
	default:
		result.Status = models.SyncStatusSuccess
	}

	logger.Info("sync cycle finished",
		zap.String("status", result.Status),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("removed", result.Removed),
		zap.Int("errors", len(result.Errors)+result.ErrorsTruncated))
	return nil
}

// processRecords drains the snapshot through a bounded worker pool. Returns
// true when the cycle deadline cut the stream short.
func (s *syncService) processRecords(ctx context.Context, syncID uuid.UUID, src *config.SourceConfig, snapshot source.Snapshot, state *cycleState) bool {
	workerCount := s.deps.Config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}

	records := make(chan *source.RawRecord)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for record := range records {
				s.processRecord(context.WithoutCancel(ctx), syncID, src, record, state)
			}
		}()
	}

	timedOut := false
	for {
		record, err := snapshot.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				timedOut = true
				break
			}
			state.recordError("", fmt.Sprintf("snapshot read failed: %v", err))
			state.readFailed = true
			break
		}

		select {
		case records <- record:
		case <-ctx.Done():
			timedOut = true
		}
		if timedOut {
			break
		}
	}

	// In-flight records finish; no new ones start.
	close(records)
	wg.Wait()
	return timedOut
}

func (s *syncService) processRecord(ctx context.Context, syncID uuid.UUID, src *config.SourceConfig, record *source.RawRecord, state *cycleState) {
	if err := validateRecord(record); err != nil {
		state.recordError(record.SourceID, err.Error())
		return
	}

	// The source vouched for this record, so it must not look absent to
	// staleness inference even if persisting it fails below.
	state.recordSeen(record.SourceID)

	sighting := &repositories.Sighting{
		SourceSystem:   src.SourceSystem,
		SourceID:       record.SourceID,
		Name:           record.Name,
		NormalizedName: s.deps.Correlation.NormalizeName(record.Name),
		DeviceType:     record.DeviceType,
		Attrs:          record.Attrs,
		AsOf:           s.now(),
	}

	upserted, err := s.deps.DeviceRepo.UpsertSighting(ctx, sighting)
	if err != nil {
		state.recordError(record.SourceID, fmt.Sprintf("upsert failed: %v", err))
		return
	}

	if upserted.Created || upserted.Changed || upserted.Reactivated {
		state.recordUpsert(upserted.Created)
		s.recordSightingHistory(ctx, syncID, src, record, upserted)
	}
	state.recordLinks(record.SourceID, upserted.DeviceID, record.Relationships)

	if record.Extensions != nil {
		if err := s.applyExtensions(ctx, upserted.DeviceID, record.Extensions); err != nil {
			state.recordError(record.SourceID, fmt.Sprintf("extension upsert failed: %v", err))
		}
	}

	if upserted.Created {
		s.correlate(ctx, syncID, src, sighting, upserted.DeviceID)
	}
}

func validateRecord(record *source.RawRecord) error {
	if record.SourceID == "" {
		return fmt.Errorf("record has no source id: %w", apperrors.ErrRecordValidation)
	}
	if record.Name == "" {
		return fmt.Errorf("record has no name: %w", apperrors.ErrRecordValidation)
	}
	if !models.KnownDeviceTypes[record.DeviceType] {
		return fmt.Errorf("unknown device type %q: %w", record.DeviceType, apperrors.ErrRecordValidation)
	}
	return nil
}

func (s *syncService) recordSightingHistory(ctx context.Context, syncID uuid.UUID, src *config.SourceConfig, record *source.RawRecord, upserted *repositories.SightingResult) {
	changeType := models.ChangeTypeDeviceUpdated
	switch {
	case upserted.Created:
		changeType = models.ChangeTypeDeviceAdded
	case upserted.Reactivated:
		changeType = models.ChangeTypeDeviceReactivated
	}

	entry := &models.SyncHistoryEntry{
		SyncID:       syncID,
		SourceSystem: src.SourceSystem,
		Operation:    models.HistoryOperationSync,
		DeviceID:     &upserted.DeviceID,
		ChangeType:   changeType,
		NewValue:     map[string]any{"name": record.Name, "attrs": record.Attrs},
		PerformedBy:  syncActor,
		PerformedAt:  s.now(),
	}
	if upserted.PreviousAttrs != nil {
		entry.OldValue = map[string]any{"attrs": upserted.PreviousAttrs}
	}

	if err := s.deps.HistoryRepo.Create(ctx, entry); err != nil {
		s.deps.Logger.Error("failed to record sighting history",
			zap.String("source_id", record.SourceID), zap.Error(err))
	}
}

func (s *syncService) applyExtensions(ctx context.Context, deviceID uuid.UUID, ext *source.Extensions) error {
	if ext.VM != nil {
		vm := &models.VM{
			DeviceID:   deviceID,
			Hypervisor: ext.VM.Hypervisor,
			CPUCount:   ext.VM.CPUCount,
			MemoryMB:   ext.VM.MemoryMB,
			DiskGB:     ext.VM.DiskGB,
			PowerState: ext.VM.PowerState,
			GuestOS:    ext.VM.GuestOS,
		}
		if err := s.deps.ExtensionRepo.UpsertVM(ctx, vm); err != nil {
			return err
		}
	}
	for _, iface := range ext.Interfaces {
		ni := &models.NetworkInterface{
			DeviceID:  deviceID,
			Name:      iface.Name,
			MACAddr:   iface.MACAddr,
			IPAddr:    iface.IPAddr,
			SpeedMbps: iface.SpeedMbps,
		}
		if err := s.deps.ExtensionRepo.UpsertInterface(ctx, ni); err != nil {
			return err
		}
	}
	for _, vol := range ext.Volumes {
		sv := &models.StorageVolume{
			DeviceID:   deviceID,
			Name:       vol.Name,
			CapacityGB: vol.CapacityGB,
			UsedGB:     vol.UsedGB,
			VolumeType: vol.VolumeType,
		}
		if err := s.deps.ExtensionRepo.UpsertVolume(ctx, sv); err != nil {
			return err
		}
	}
	if ext.Facts != nil {
		if err := s.deps.ExtensionRepo.ReplaceFacts(ctx, deviceID, ext.Facts, s.now()); err != nil {
			return err
		}
	}
	if ext.Config != nil {
		collectedAt := ext.Config.CollectedAt
		if collectedAt.IsZero() {
			collectedAt = s.now()
		}
		if _, err := s.deps.ExtensionRepo.AppendConfig(ctx, deviceID, ext.Config.Text, collectedAt); err != nil {
			return err
		}
	}
	return nil
}

// correlate looks for the same machine under other source systems. A match
// becomes a manages edge; it never merges rows. Failures here degrade the
// graph, not the cycle.
func (s *syncService) correlate(ctx context.Context, syncID uuid.UUID, src *config.SourceConfig, sighting *repositories.Sighting, deviceID uuid.UUID) {
	device, err := s.deps.DeviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		s.deps.Logger.Error("failed to reload device for correlation", zap.Error(err))
		return
	}

	match, err := s.deps.Correlation.FindMatch(ctx, device)
	if err != nil {
		if errors.Is(err, apperrors.ErrCorrelationAmbiguous) {
			s.recordCorrelationHistory(ctx, syncID, src, deviceID, models.ChangeTypeCorrelationSkipped,
				map[string]any{"reason": "ambiguous", "name": device.Name})
			return
		}
		s.deps.Logger.Error("correlation failed",
			zap.String("device_name", device.Name), zap.Error(err))
		return
	}
	if match == nil {
		return
	}

	parent, child := s.deps.Correlation.ParentOf(device, match.Device)
	err = s.deps.DeviceRepo.Link(ctx, parent.ID, child.ID, models.RelationshipTypeManages,
		map[string]any{"confidence": match.Confidence}, s.now())
	if err != nil {
		s.deps.Logger.Error("failed to record correlation edge",
			zap.String("device_name", device.Name), zap.Error(err))
		return
	}

	s.recordCorrelationHistory(ctx, syncID, src, deviceID, models.ChangeTypeCorrelationEdge, map[string]any{
		"parent_device_id": parent.ID.String(),
		"child_device_id":  child.ID.String(),
		"matched_source":   match.Device.SourceSystem,
		"confidence":       match.Confidence,
	})
}

func (s *syncService) recordCorrelationHistory(ctx context.Context, syncID uuid.UUID, src *config.SourceConfig, deviceID uuid.UUID, changeType string, detail map[string]any) {
	entry := &models.SyncHistoryEntry{
		SyncID:       syncID,
		SourceSystem: src.SourceSystem,
		Operation:    models.HistoryOperationCorrelate,
		DeviceID:     &deviceID,
		ChangeType:   changeType,
		NewValue:     detail,
		PerformedBy:  syncActor,
		PerformedAt:  s.now(),
	}
	if err := s.deps.HistoryRepo.Create(ctx, entry); err != nil {
		s.deps.Logger.Error("failed to record correlation history", zap.Error(err))
	}
}

// resolveLinks runs after every upsert so a record may reference devices
// that arrived later in the same snapshot.
func (s *syncService) resolveLinks(ctx context.Context, syncID uuid.UUID, src *config.SourceConfig, state *cycleState) {
	for _, link := range state.links {
		if !models.KnownRelationshipTypes[link.ref.Type] {
			state.recordError(link.fromSourceID, fmt.Sprintf("unknown relationship type %q", link.ref.Type))
			continue
		}

		target, err := s.deps.DeviceRepo.FindByNaturalKey(ctx, src.SourceSystem, link.ref.TargetSourceID)
		if err != nil {
			state.recordError(link.fromSourceID,
				fmt.Sprintf("relationship target %s not found", link.ref.TargetSourceID))
			continue
		}

		err = s.deps.DeviceRepo.Link(ctx, link.fromDeviceID, target.ID, link.ref.Type, nil, s.now())
		if err != nil {
			state.recordError(link.fromSourceID, fmt.Sprintf("link failed: %v", err))
			continue
		}

		entry := &models.SyncHistoryEntry{
			SyncID:       syncID,
			SourceSystem: src.SourceSystem,
			Operation:    models.HistoryOperationSync,
			DeviceID:     &link.fromDeviceID,
			ChangeType:   models.ChangeTypeRelationshipLinked,
			NewValue: map[string]any{
				"relationship_type": link.ref.Type,
				"target_device_id":  target.ID.String(),
			},
			PerformedBy: syncActor,
			PerformedAt: s.now(),
		}
		if err := s.deps.HistoryRepo.Create(ctx, entry); err != nil {
			s.deps.Logger.Error("failed to record relationship history", zap.Error(err))
		}
	}
}

func (s *syncService) inferStaleness(ctx context.Context, syncID uuid.UUID, src *config.SourceConfig, seenIDs []string) (int, error) {
	stale, err := s.deps.DeviceRepo.MarkStale(ctx, src.SourceSystem, seenIDs, s.now(), s.deps.Config.StalenessGrace())
	if err != nil {
		return 0, err
	}

	for _, device := range stale {
		deviceID := device.ID
		entry := &models.SyncHistoryEntry{
			SyncID:       syncID,
			SourceSystem: src.SourceSystem,
			Operation:    models.HistoryOperationSync,
			DeviceID:     &deviceID,
			ChangeType:   models.ChangeTypeDeviceRemoved,
			OldValue:     map[string]any{"status": models.DeviceStatusActive},
			NewValue:     map[string]any{"status": models.DeviceStatusInactive, "name": device.Name},
			PerformedBy:  syncActor,
			PerformedAt:  s.now(),
		}
		if err := s.deps.HistoryRepo.Create(ctx, entry); err != nil {
			s.deps.Logger.Error("failed to record staleness history",
				zap.String("source_id", device.SourceID), zap.Error(err))
		}
	}

	return len(stale), nil
}

func (s *syncService) tryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

func (s *syncService) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, key)
}
