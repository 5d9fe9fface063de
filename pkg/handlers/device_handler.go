package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/services"
)

// DeviceListResponse for GET /api/devices
type DeviceListResponse struct {
	Devices []*models.Device `json:"devices"`
	Total   int              `json:"total"`
}

// RelationshipListResponse for GET /api/devices/{did}/relationships
type RelationshipListResponse struct {
	Relationships []*models.DeviceRelationship `json:"relationships"`
	Total         int                          `json:"total"`
}

// HistoryListResponse for the audit trail endpoints.
type HistoryListResponse struct {
	Entries []*models.SyncHistoryEntry `json:"entries"`
	Total   int                        `json:"total"`
}

// DeviceHandler handles device graph read requests.
type DeviceHandler struct {
	deviceService services.DeviceService
	auditService  services.AuditService
	logger        *zap.Logger
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(
	deviceService services.DeviceService,
	auditService services.AuditService,
	logger *zap.Logger,
) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		auditService:  auditService,
		logger:        logger,
	}
}

// RegisterRoutes registers the device handler's routes on the given mux.
func (h *DeviceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/devices", h.List)
	mux.HandleFunc("GET /api/devices/{did}", h.Get)
	mux.HandleFunc("GET /api/devices/{did}/relationships", h.Relationships)
	mux.HandleFunc("GET /api/devices/{did}/history", h.History)
}

// List handles GET /api/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := &models.DeviceFilter{
		SourceSystem: r.URL.Query().Get("source_system"),
		DeviceType:   r.URL.Query().Get("device_type"),
		Status:       r.URL.Query().Get("status"),
		Name:         r.URL.Query().Get("name"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "Limit must be a non-negative integer"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		filter.Limit = limit
	}

	devices, err := h.deviceService.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list devices", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "list_failed", "Failed to list devices"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	response := DeviceListResponse{Devices: devices, Total: len(devices)}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode device list response", zap.Error(err))
	}
}

// Get handles GET /api/devices/{did}
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := ParseDeviceID(w, r, h.logger)
	if !ok {
		return
	}

	detail, err := h.deviceService.Get(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "device_not_found", "Device not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to get device", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "get_failed", "Failed to get device"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, detail); err != nil {
		h.logger.Error("Failed to encode device response", zap.Error(err))
	}
}

// Relationships handles GET /api/devices/{did}/relationships
func (h *DeviceHandler) Relationships(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := ParseDeviceID(w, r, h.logger)
	if !ok {
		return
	}

	relationships, err := h.deviceService.Relationships(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "device_not_found", "Device not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to list relationships", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "relationships_failed", "Failed to list relationships"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	response := RelationshipListResponse{Relationships: relationships, Total: len(relationships)}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode relationship response", zap.Error(err))
	}
}

// History handles GET /api/devices/{did}/history
func (h *DeviceHandler) History(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := ParseDeviceID(w, r, h.logger)
	if !ok {
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "Limit must be a non-negative integer"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		limit = parsed
	}

	entries, err := h.auditService.ForDevice(r.Context(), deviceID, limit)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "device_not_found", "Device not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to list device history", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "history_failed", "Failed to list device history"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	response := HistoryListResponse{Entries: entries, Total: len(entries)}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode history response", zap.Error(err))
	}
}
