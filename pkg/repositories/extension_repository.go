package repositories

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/substrate-ops/inventory-engine/pkg/database"
	"github.com/substrate-ops/inventory-engine/pkg/models"
)

// ExtensionRepository stores the type-specific side tables hanging off the
// device graph: VM details, interfaces, volumes, config versions, and facts.
type ExtensionRepository interface {
	UpsertVM(ctx context.Context, vm *models.VM) error
	UpsertInterface(ctx context.Context, iface *models.NetworkInterface) error
	UpsertVolume(ctx context.Context, vol *models.StorageVolume) error

	// ReplaceFacts swaps a device's fact set atomically.
	ReplaceFacts(ctx context.Context, deviceID uuid.UUID, facts map[string]string, collectedAt time.Time) error

	// AppendConfig stores configText as a new version unless its content
	// hash matches the latest version already on file. Returns the stored
	// (or matching existing) version number.
	AppendConfig(ctx context.Context, deviceID uuid.UUID, configText string, collectedAt time.Time) (int, error)

	GetVM(ctx context.Context, deviceID uuid.UUID) (*models.VM, error)
	ListInterfaces(ctx context.Context, deviceID uuid.UUID) ([]*models.NetworkInterface, error)
	ListVolumes(ctx context.Context, deviceID uuid.UUID) ([]*models.StorageVolume, error)
	ListConfigs(ctx context.Context, deviceID uuid.UUID) ([]*models.DeviceConfig, error)
	ListFacts(ctx context.Context, deviceID uuid.UUID) ([]*models.ServerFact, error)
}

type extensionRepository struct {
	db *database.DB
}

// NewExtensionRepository creates a new ExtensionRepository.
func NewExtensionRepository(db *database.DB) ExtensionRepository {
	return &extensionRepository{db: db}
}

var _ ExtensionRepository = (*extensionRepository)(nil)

func (r *extensionRepository) UpsertVM(ctx context.Context, vm *models.VM) error {
	query := `
		INSERT INTO vms (
			id, device_id, hypervisor, cpu_count, memory_mb, disk_gb,
			power_state, guest_os, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id) DO UPDATE SET
			hypervisor = EXCLUDED.hypervisor,
			cpu_count = EXCLUDED.cpu_count,
			memory_mb = EXCLUDED.memory_mb,
			disk_gb = EXCLUDED.disk_gb,
			power_state = EXCLUDED.power_state,
			guest_os = EXCLUDED.guest_os,
			updated_at = $9`

	_, err := r.db.Exec(ctx, query,
		uuid.New(), vm.DeviceID, vm.Hypervisor, vm.CPUCount, vm.MemoryMB,
		vm.DiskGB, vm.PowerState, vm.GuestOS, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vm record: %w", err)
	}
	return nil
}

func (r *extensionRepository) UpsertInterface(ctx context.Context, iface *models.NetworkInterface) error {
	query := `
		INSERT INTO network_interfaces (
			id, device_id, name, mac_addr, ip_addr, speed_mbps, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, name) DO UPDATE SET
			mac_addr = EXCLUDED.mac_addr,
			ip_addr = EXCLUDED.ip_addr,
			speed_mbps = EXCLUDED.speed_mbps,
			updated_at = $7`

	_, err := r.db.Exec(ctx, query,
		uuid.New(), iface.DeviceID, iface.Name, iface.MACAddr, iface.IPAddr,
		iface.SpeedMbps, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert network interface: %w", err)
	}
	return nil
}

func (r *extensionRepository) UpsertVolume(ctx context.Context, vol *models.StorageVolume) error {
	query := `
		INSERT INTO storage_volumes (
			id, device_id, name, capacity_gb, used_gb, volume_type, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id, name) DO UPDATE SET
			capacity_gb = EXCLUDED.capacity_gb,
			used_gb = EXCLUDED.used_gb,
			volume_type = EXCLUDED.volume_type,
			updated_at = $7`

	_, err := r.db.Exec(ctx, query,
		uuid.New(), vol.DeviceID, vol.Name, vol.CapacityGB, vol.UsedGB,
		vol.VolumeType, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert storage volume: %w", err)
	}
	return nil
}

func (r *extensionRepository) ReplaceFacts(ctx context.Context, deviceID uuid.UUID, facts map[string]string, collectedAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin facts transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM server_facts WHERE device_id = $1`, deviceID); err != nil {
		return fmt.Errorf("failed to clear server facts: %w", err)
	}

	insert := `
		INSERT INTO server_facts (id, device_id, fact_name, fact_value, collected_at)
		VALUES ($1, $2, $3, $4, $5)`
	for name, value := range facts {
		if _, err := tx.Exec(ctx, insert, uuid.New(), deviceID, name, value, collectedAt); err != nil {
			return fmt.Errorf("failed to insert server fact %q: %w", name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit facts transaction: %w", err)
	}
	return nil
}

func (r *extensionRepository) AppendConfig(ctx context.Context, deviceID uuid.UUID, configText string, collectedAt time.Time) (int, error) {
	sum := sha256.Sum256([]byte(configText))
	hash := hex.EncodeToString(sum[:])

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin config transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var latestVersion int
	var latestHash string
	err = tx.QueryRow(ctx, `
		SELECT version, content_hash FROM device_configs
		WHERE device_id = $1
		ORDER BY version DESC
		LIMIT 1
		FOR UPDATE`, deviceID).Scan(&latestVersion, &latestHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to read latest config version: %w", err)
	}

	if latestHash == hash {
		return latestVersion, nil
	}

	version := latestVersion + 1
	_, err = tx.Exec(ctx, `
		INSERT INTO device_configs (id, device_id, version, config_text, content_hash, collected_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), deviceID, version, configText, hash, collectedAt, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append config version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit config transaction: %w", err)
	}
	return version, nil
}

func (r *extensionRepository) GetVM(ctx context.Context, deviceID uuid.UUID) (*models.VM, error) {
	query := `
		SELECT id, device_id, hypervisor, cpu_count, memory_mb, disk_gb,
		       power_state, guest_os, created_at, updated_at
		FROM vms WHERE device_id = $1`

	var vm models.VM
	err := r.db.QueryRow(ctx, query, deviceID).Scan(
		&vm.ID, &vm.DeviceID, &vm.Hypervisor, &vm.CPUCount, &vm.MemoryMB,
		&vm.DiskGB, &vm.PowerState, &vm.GuestOS, &vm.CreatedAt, &vm.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan vm record: %w", err)
	}
	return &vm, nil
}

func (r *extensionRepository) ListInterfaces(ctx context.Context, deviceID uuid.UUID) ([]*models.NetworkInterface, error) {
	query := `
		SELECT id, device_id, name, mac_addr, ip_addr, speed_mbps, created_at, updated_at
		FROM network_interfaces WHERE device_id = $1 ORDER BY name`

	rows, err := r.db.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query network interfaces: %w", err)
	}
	defer rows.Close()

	var ifaces []*models.NetworkInterface
	for rows.Next() {
		var i models.NetworkInterface
		err := rows.Scan(&i.ID, &i.DeviceID, &i.Name, &i.MACAddr, &i.IPAddr, &i.SpeedMbps, &i.CreatedAt, &i.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan network interface: %w", err)
		}
		ifaces = append(ifaces, &i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating network interfaces: %w", err)
	}
	return ifaces, nil
}

func (r *extensionRepository) ListVolumes(ctx context.Context, deviceID uuid.UUID) ([]*models.StorageVolume, error) {
	query := `
		SELECT id, device_id, name, capacity_gb, used_gb, volume_type, created_at, updated_at
		FROM storage_volumes WHERE device_id = $1 ORDER BY name`

	rows, err := r.db.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query storage volumes: %w", err)
	}
	defer rows.Close()

	var vols []*models.StorageVolume
	for rows.Next() {
		var v models.StorageVolume
		err := rows.Scan(&v.ID, &v.DeviceID, &v.Name, &v.CapacityGB, &v.UsedGB, &v.VolumeType, &v.CreatedAt, &v.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan storage volume: %w", err)
		}
		vols = append(vols, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating storage volumes: %w", err)
	}
	return vols, nil
}

func (r *extensionRepository) ListConfigs(ctx context.Context, deviceID uuid.UUID) ([]*models.DeviceConfig, error) {
	query := `
		SELECT id, device_id, version, config_text, content_hash, collected_at, created_at
		FROM device_configs WHERE device_id = $1 ORDER BY version DESC`

	rows, err := r.db.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.DeviceConfig
	for rows.Next() {
		var c models.DeviceConfig
		err := rows.Scan(&c.ID, &c.DeviceID, &c.Version, &c.ConfigText, &c.ContentHash, &c.CollectedAt, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device config: %w", err)
		}
		configs = append(configs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device configs: %w", err)
	}
	return configs, nil
}

func (r *extensionRepository) ListFacts(ctx context.Context, deviceID uuid.UUID) ([]*models.ServerFact, error) {
	query := `
		SELECT id, device_id, fact_name, fact_value, collected_at
		FROM server_facts WHERE device_id = $1 ORDER BY fact_name`

	rows, err := r.db.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query server facts: %w", err)
	}
	defer rows.Close()

	var facts []*models.ServerFact
	for rows.Next() {
		var f models.ServerFact
		err := rows.Scan(&f.ID, &f.DeviceID, &f.FactName, &f.FactValue, &f.CollectedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server fact: %w", err)
		}
		facts = append(facts, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating server facts: %w", err)
	}
	return facts, nil
}
