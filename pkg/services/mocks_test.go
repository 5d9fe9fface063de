package services

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/substrate-ops/inventory-engine/pkg/adapters/source"
	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/repositories"
)

// ============================================================================
// Mock Repositories
// ============================================================================

type mockDeviceRepo struct {
	mu            sync.Mutex
	devices       map[uuid.UUID]*models.Device
	byKey         map[string]uuid.UUID
	relationships []*models.DeviceRelationship
	upsertErrFor  map[string]error
	markStaleErr  error
}

func newMockDeviceRepo() *mockDeviceRepo {
	return &mockDeviceRepo{
		devices:      make(map[uuid.UUID]*models.Device),
		byKey:        make(map[string]uuid.UUID),
		upsertErrFor: make(map[string]error),
	}
}

func naturalKey(sourceSystem, sourceID string) string {
	return sourceSystem + "/" + sourceID
}

func (m *mockDeviceRepo) seed(device *models.Device) *models.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	m.devices[device.ID] = device
	m.byKey[naturalKey(device.SourceSystem, device.SourceID)] = device.ID
	return device
}

func (m *mockDeviceRepo) UpsertSighting(ctx context.Context, s *repositories.Sighting) (*repositories.SightingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.upsertErrFor[s.SourceID]; err != nil {
		return nil, err
	}

	key := naturalKey(s.SourceSystem, s.SourceID)
	if id, ok := m.byKey[key]; ok {
		existing := m.devices[id]
		previous := existing.Metadata[s.SourceSystem]
		changed := existing.Name != s.Name || !reflect.DeepEqual(previous, s.Attrs)
		reactivated := existing.Status == models.DeviceStatusInactive

		existing.Name = s.Name
		existing.NormalizedName = s.NormalizedName
		existing.Status = models.DeviceStatusActive
		if s.AsOf.After(existing.LastSeen) {
			existing.LastSeen = s.AsOf
		}
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]map[string]any)
		}
		existing.Metadata[s.SourceSystem] = s.Attrs

		result := &repositories.SightingResult{
			DeviceID:    id,
			Reactivated: reactivated,
			Changed:     changed,
		}
		if changed {
			result.PreviousAttrs = previous
		}
		return result, nil
	}

	device := &models.Device{
		ID:             uuid.New(),
		Name:           s.Name,
		NormalizedName: s.NormalizedName,
		DeviceType:     s.DeviceType,
		SourceSystem:   s.SourceSystem,
		SourceID:       s.SourceID,
		Status:         models.DeviceStatusActive,
		Metadata:       map[string]map[string]any{s.SourceSystem: s.Attrs},
		FirstSeen:      s.AsOf,
		LastSeen:       s.AsOf,
		CreatedAt:      time.Now(),
	}
	m.devices[device.ID] = device
	m.byKey[key] = device.ID
	return &repositories.SightingResult{DeviceID: device.ID, Created: true, Changed: true}, nil
}

func (m *mockDeviceRepo) MarkStale(ctx context.Context, sourceSystem string, seenIDs []string, asOf time.Time, grace time.Duration) ([]repositories.StaleDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.markStaleErr != nil {
		return nil, m.markStaleErr
	}

	seen := make(map[string]bool, len(seenIDs))
	for _, id := range seenIDs {
		seen[id] = true
	}

	var stale []repositories.StaleDevice
	for _, device := range m.devices {
		if device.SourceSystem != sourceSystem || device.Status != models.DeviceStatusActive {
			continue
		}
		if seen[device.SourceID] {
			continue
		}
		if device.LastSeen.After(asOf.Add(-grace)) {
			continue
		}
		device.Status = models.DeviceStatusInactive
		stale = append(stale, repositories.StaleDevice{ID: device.ID, SourceID: device.SourceID, Name: device.Name})
	}
	return stale, nil
}

func (m *mockDeviceRepo) Link(ctx context.Context, parentID, childID uuid.UUID, relationshipType string, metadata map[string]any, asOf time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[parentID]; !ok {
		return fmt.Errorf("parent: %w", apperrors.ErrNotFound)
	}
	if _, ok := m.devices[childID]; !ok {
		return fmt.Errorf("child: %w", apperrors.ErrNotFound)
	}

	for _, rel := range m.relationships {
		if rel.ParentDeviceID == parentID && rel.ChildDeviceID == childID && rel.RelationshipType == relationshipType {
			rel.Metadata = metadata
			rel.Stale = false
			if asOf.After(rel.LastSeen) {
				rel.LastSeen = asOf
			}
			return nil
		}
	}

	m.relationships = append(m.relationships, &models.DeviceRelationship{
		ID:               uuid.New(),
		ParentDeviceID:   parentID,
		ChildDeviceID:    childID,
		RelationshipType: relationshipType,
		Metadata:         metadata,
		LastSeen:         asOf,
		CreatedAt:        time.Now(),
	})
	return nil
}

func (m *mockDeviceRepo) MarkRelationshipsStale(ctx context.Context, ttl time.Duration, asOf time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flagged int64
	for _, rel := range m.relationships {
		if !rel.Stale && rel.LastSeen.Before(asOf.Add(-ttl)) {
			rel.Stale = true
			flagged++
		}
	}
	return flagged, nil
}

func (m *mockDeviceRepo) FindByNaturalKey(ctx context.Context, sourceSystem, sourceID string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[naturalKey(sourceSystem, sourceID)]; ok {
		return m.devices[id], nil
	}
	return nil, fmt.Errorf("device %s/%s: %w", sourceSystem, sourceID, apperrors.ErrNotFound)
}

func (m *mockDeviceRepo) FindCandidatesByName(ctx context.Context, normalizedName string) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.Device
	for _, device := range m.devices {
		if device.NormalizedName == normalizedName {
			result = append(result, device)
		}
	}
	return result, nil
}

func (m *mockDeviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if device, ok := m.devices[id]; ok {
		return device, nil
	}
	return nil, fmt.Errorf("device %s: %w", id, apperrors.ErrNotFound)
}

func (m *mockDeviceRepo) List(ctx context.Context, filter *models.DeviceFilter) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.Device
	for _, device := range m.devices {
		if filter != nil {
			if filter.SourceSystem != "" && device.SourceSystem != filter.SourceSystem {
				continue
			}
			if filter.Status != "" && device.Status != filter.Status {
				continue
			}
			if filter.DeviceType != "" && device.DeviceType != filter.DeviceType {
				continue
			}
		}
		result = append(result, device)
	}
	return result, nil
}

func (m *mockDeviceRepo) ListRelationships(ctx context.Context, deviceID uuid.UUID) ([]*models.DeviceRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.DeviceRelationship
	for _, rel := range m.relationships {
		if rel.ParentDeviceID == deviceID || rel.ChildDeviceID == deviceID {
			result = append(result, rel)
		}
	}
	return result, nil
}

func (m *mockDeviceRepo) CountRelationshipsWithSource(ctx context.Context, deviceID uuid.UUID, sourceSystem string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rel := range m.relationships {
		var otherID uuid.UUID
		switch deviceID {
		case rel.ParentDeviceID:
			otherID = rel.ChildDeviceID
		case rel.ChildDeviceID:
			otherID = rel.ParentDeviceID
		default:
			continue
		}
		if other, ok := m.devices[otherID]; ok && other.SourceSystem == sourceSystem {
			count++
		}
	}
	return count, nil
}

type mockSyncRepo struct {
	mu       sync.Mutex
	cycles   map[uuid.UUID]*models.SyncMetadata
	outcomes map[uuid.UUID]*repositories.CycleOutcome
	startErr error
}

func newMockSyncRepo() *mockSyncRepo {
	return &mockSyncRepo{
		cycles:   make(map[uuid.UUID]*models.SyncMetadata),
		outcomes: make(map[uuid.UUID]*repositories.CycleOutcome),
	}
}

func (m *mockSyncRepo) StartCycle(ctx context.Context, sourceSystem, sourceIdentifier string, startedAt time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return uuid.Nil, m.startErr
	}
	id := uuid.New()
	m.cycles[id] = &models.SyncMetadata{
		ID:               id,
		SourceSystem:     sourceSystem,
		SourceIdentifier: sourceIdentifier,
		LastSyncStart:    &startedAt,
		LastSyncStatus:   models.SyncStatusRunning,
	}
	return id, nil
}

func (m *mockSyncRepo) CompleteCycle(ctx context.Context, id uuid.UUID, outcome *repositories.CycleOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.cycles[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	m.outcomes[id] = outcome
	meta.LastSyncStatus = outcome.Status
	meta.LastSyncComplete = &outcome.CompletedAt
	meta.DevicesAdded = outcome.DevicesAdded
	meta.DevicesUpdated = outcome.DevicesUpdated
	meta.DevicesRemoved = outcome.DevicesRemoved
	meta.ErrorMessage = outcome.ErrorMessage
	return nil
}

func (m *mockSyncRepo) GetBySource(ctx context.Context, sourceSystem, sourceIdentifier string) (*models.SyncMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, meta := range m.cycles {
		if meta.SourceSystem == sourceSystem && meta.SourceIdentifier == sourceIdentifier {
			return meta, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockSyncRepo) List(ctx context.Context) ([]*models.SyncMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.SyncMetadata
	for _, meta := range m.cycles {
		result = append(result, meta)
	}
	return result, nil
}

type mockHistoryRepo struct {
	mu      sync.Mutex
	entries []*models.SyncHistoryEntry
}

func newMockHistoryRepo() *mockHistoryRepo {
	return &mockHistoryRepo{}
}

func (m *mockHistoryRepo) Create(ctx context.Context, entry *models.SyncHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockHistoryRepo) List(ctx context.Context, filter *models.HistoryFilter) ([]*models.SyncHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.SyncHistoryEntry
	for _, entry := range m.entries {
		if filter != nil {
			if filter.DeviceID != nil && (entry.DeviceID == nil || *entry.DeviceID != *filter.DeviceID) {
				continue
			}
			if filter.SyncID != nil && entry.SyncID != *filter.SyncID {
				continue
			}
			if filter.SourceSystem != "" && entry.SourceSystem != filter.SourceSystem {
				continue
			}
		}
		result = append(result, entry)
	}
	return result, nil
}

func (m *mockHistoryRepo) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*models.SyncHistoryEntry, error) {
	return m.List(ctx, &models.HistoryFilter{DeviceID: &deviceID, Limit: limit})
}

func (m *mockHistoryRepo) byChangeType(changeType string) []*models.SyncHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.SyncHistoryEntry
	for _, entry := range m.entries {
		if entry.ChangeType == changeType {
			result = append(result, entry)
		}
	}
	return result
}

type mockExtensionRepo struct {
	mu      sync.Mutex
	vms     map[uuid.UUID]*models.VM
	ifaces  map[uuid.UUID][]*models.NetworkInterface
	volumes map[uuid.UUID][]*models.StorageVolume
	facts   map[uuid.UUID]map[string]string
	configs map[uuid.UUID][]*models.DeviceConfig
}

func newMockExtensionRepo() *mockExtensionRepo {
	return &mockExtensionRepo{
		vms:     make(map[uuid.UUID]*models.VM),
		ifaces:  make(map[uuid.UUID][]*models.NetworkInterface),
		volumes: make(map[uuid.UUID][]*models.StorageVolume),
		facts:   make(map[uuid.UUID]map[string]string),
		configs: make(map[uuid.UUID][]*models.DeviceConfig),
	}
}

func (m *mockExtensionRepo) UpsertVM(ctx context.Context, vm *models.VM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vms[vm.DeviceID] = vm
	return nil
}

func (m *mockExtensionRepo) UpsertInterface(ctx context.Context, iface *models.NetworkInterface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.ifaces[iface.DeviceID] {
		if existing.Name == iface.Name {
			m.ifaces[iface.DeviceID][i] = iface
			return nil
		}
	}
	m.ifaces[iface.DeviceID] = append(m.ifaces[iface.DeviceID], iface)
	return nil
}

func (m *mockExtensionRepo) UpsertVolume(ctx context.Context, vol *models.StorageVolume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.volumes[vol.DeviceID] {
		if existing.Name == vol.Name {
			m.volumes[vol.DeviceID][i] = vol
			return nil
		}
	}
	m.volumes[vol.DeviceID] = append(m.volumes[vol.DeviceID], vol)
	return nil
}

func (m *mockExtensionRepo) ReplaceFacts(ctx context.Context, deviceID uuid.UUID, facts map[string]string, collectedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[deviceID] = facts
	return nil
}

func (m *mockExtensionRepo) AppendConfig(ctx context.Context, deviceID uuid.UUID, configText string, collectedAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.configs[deviceID]
	if len(versions) > 0 && versions[len(versions)-1].ConfigText == configText {
		return versions[len(versions)-1].Version, nil
	}
	version := len(versions) + 1
	m.configs[deviceID] = append(versions, &models.DeviceConfig{
		ID:          uuid.New(),
		DeviceID:    deviceID,
		Version:     version,
		ConfigText:  configText,
		CollectedAt: collectedAt,
	})
	return version, nil
}

func (m *mockExtensionRepo) GetVM(ctx context.Context, deviceID uuid.UUID) (*models.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vms[deviceID], nil
}

func (m *mockExtensionRepo) ListInterfaces(ctx context.Context, deviceID uuid.UUID) ([]*models.NetworkInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ifaces[deviceID], nil
}

func (m *mockExtensionRepo) ListVolumes(ctx context.Context, deviceID uuid.UUID) ([]*models.StorageVolume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volumes[deviceID], nil
}

func (m *mockExtensionRepo) ListConfigs(ctx context.Context, deviceID uuid.UUID) ([]*models.DeviceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configs[deviceID], nil
}

func (m *mockExtensionRepo) ListFacts(ctx context.Context, deviceID uuid.UUID) ([]*models.ServerFact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.ServerFact
	for name, value := range m.facts[deviceID] {
		result = append(result, &models.ServerFact{DeviceID: deviceID, FactName: name, FactValue: value})
	}
	return result, nil
}

type mockChangeRepo struct {
	mu      sync.Mutex
	changes map[uuid.UUID]*models.ChangeApproval
}

func newMockChangeRepo() *mockChangeRepo {
	return &mockChangeRepo{changes: make(map[uuid.UUID]*models.ChangeApproval)}
}

func (m *mockChangeRepo) Create(ctx context.Context, change *models.ChangeApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	if change.ApprovalStatus == "" {
		change.ApprovalStatus = models.ApprovalStatusPending
	}
	m.changes[change.ID] = change
	return nil
}

func (m *mockChangeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ChangeApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if change, ok := m.changes[id]; ok {
		copied := *change
		return &copied, nil
	}
	return nil, fmt.Errorf("change approval %s: %w", id, apperrors.ErrNotFound)
}

func (m *mockChangeRepo) ListByStatus(ctx context.Context, status string, limit int) ([]*models.ChangeApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.ChangeApproval
	for _, change := range m.changes {
		if status == "" || change.ApprovalStatus == status {
			result = append(result, change)
		}
	}
	return result, nil
}

func (m *mockChangeRepo) UpdateDecision(ctx context.Context, id uuid.UUID, status, decidedBy string, decidedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	change, ok := m.changes[id]
	if !ok {
		return fmt.Errorf("change approval %s: %w", id, apperrors.ErrNotFound)
	}
	if change.ApprovalStatus != models.ApprovalStatusPending {
		return fmt.Errorf("change approval %s already decided: %w", id, apperrors.ErrConflict)
	}
	change.ApprovalStatus = status
	change.ApprovedBy = &decidedBy
	change.ApprovedAt = &decidedAt
	return nil
}

func (m *mockChangeRepo) SetApplied(ctx context.Context, id uuid.UUID, appliedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	change, ok := m.changes[id]
	if !ok {
		return fmt.Errorf("change approval %s: %w", id, apperrors.ErrNotFound)
	}
	if change.AppliedAt != nil {
		return fmt.Errorf("change approval %s: %w", id, apperrors.ErrAlreadyApplied)
	}
	change.AppliedAt = &appliedAt
	return nil
}

// ============================================================================
// Mock Adapter / Snapshot / Factory
// ============================================================================

type mockSnapshot struct {
	mu           sync.Mutex
	records      []*source.RawRecord
	pos          int
	complete     bool
	readErr      error // returned once readErrAfter records have been yielded
	readErrAfter int
}

func (s *mockSnapshot) Next(ctx context.Context) (*source.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil && s.pos >= s.readErrAfter {
		return nil, s.readErr
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	record := s.records[s.pos]
	s.pos++
	return record, nil
}

func (s *mockSnapshot) Complete() bool { return s.complete }
func (s *mockSnapshot) Close() error   { return nil }

type mockAdapter struct {
	mu             sync.Mutex
	records        []*source.RawRecord
	complete       bool
	fetchErrs      []error // consumed in order; nil entries succeed
	fetchCalls     int
	readErr        error // snapshot read failure after readErrAfter records
	readErrAfter   int
	current        map[string]any
	readCurrentErr error
	writeBackErr   error
	writeBackCalls int
	lastDiff       map[string]any

	// Optional write-back rendezvous for overlap tests: started is signalled
	// when a write begins, then the write blocks until release is closed.
	writeBackStarted chan struct{}
	writeBackRelease chan struct{}
}

func (a *mockAdapter) FetchSnapshot(ctx context.Context, since *time.Time) (source.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.fetchCalls++
	if len(a.fetchErrs) > 0 {
		err := a.fetchErrs[0]
		a.fetchErrs = a.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &mockSnapshot{
		records:      a.records,
		complete:     a.complete,
		readErr:      a.readErr,
		readErrAfter: a.readErrAfter,
	}, nil
}

func (a *mockAdapter) ReadCurrent(ctx context.Context, target source.Target) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.readCurrentErr != nil {
		return nil, a.readCurrentErr
	}
	return a.current, nil
}

func (a *mockAdapter) WriteBack(ctx context.Context, target source.Target, diff map[string]any) error {
	a.mu.Lock()
	started := a.writeBackStarted
	release := a.writeBackRelease
	a.writeBackCalls++
	a.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeBackErr != nil {
		return a.writeBackErr
	}
	a.lastDiff = diff
	return nil
}

func (a *mockAdapter) Close() error { return nil }

type mockAdapterFactory struct {
	adapter source.Adapter
	err     error
}

func (f *mockAdapterFactory) NewAdapter(ctx context.Context, adapterType string, options map[string]string) (source.Adapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.adapter, nil
}

func (f *mockAdapterFactory) ListTypes() []source.AdapterInfo { return nil }

type mockAdapterProvider struct {
	adapter source.Adapter
	err     error
}

func (p *mockAdapterProvider) AdapterFor(ctx context.Context, sourceSystem string) (source.Adapter, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.adapter, nil
}
