package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/services"
)

// SyncTriggerResponse for POST /api/sync/{source}
type SyncTriggerResponse struct {
	SourceSystem string `json:"source_system"`
	Status       string `json:"status"`
}

// SyncStatusResponse for GET /api/sync
type SyncStatusResponse struct {
	Sources []*models.SyncMetadata `json:"sources"`
}

// SyncHandler handles sync orchestration and audit trail requests.
type SyncHandler struct {
	syncService  services.SyncService
	auditService services.AuditService
	logger       *zap.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(
	syncService services.SyncService,
	auditService services.AuditService,
	logger *zap.Logger,
) *SyncHandler {
	return &SyncHandler{
		syncService:  syncService,
		auditService: auditService,
		logger:       logger,
	}
}

// RegisterRoutes registers the sync handler's routes on the given mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sync/{source}", h.Trigger)
	mux.HandleFunc("GET /api/sync", h.Status)
	mux.HandleFunc("GET /api/history", h.History)
}

// Trigger handles POST /api/sync/{source}
// The cycle runs in the background; the response only confirms it started.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	sourceSystem := r.PathValue("source")
	src, ok := h.syncService.Source(sourceSystem)
	if !ok {
		if err := ErrorResponse(w, http.StatusNotFound, "source_not_found", "Source system is not configured"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	go func() {
		result, err := h.syncService.RunCycle(context.Background(), src)
		switch {
		case errors.Is(err, apperrors.ErrCycleRunning):
			h.logger.Warn("manual sync skipped, cycle already running",
				zap.String("source_system", sourceSystem))
		case err != nil:
			h.logger.Error("manual sync cycle failed",
				zap.String("source_system", sourceSystem), zap.Error(err))
		default:
			h.logger.Info("manual sync cycle finished",
				zap.String("source_system", sourceSystem),
				zap.String("status", result.Status))
		}
	}()

	response := SyncTriggerResponse{SourceSystem: sourceSystem, Status: "started"}
	if err := WriteJSON(w, http.StatusAccepted, response); err != nil {
		h.logger.Error("Failed to encode sync trigger response", zap.Error(err))
	}
}

// Status handles GET /api/sync
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	sources, err := h.syncService.Status(r.Context())
	if err != nil {
		h.logger.Error("Failed to load sync status", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "status_failed", "Failed to load sync status"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, SyncStatusResponse{Sources: sources}); err != nil {
		h.logger.Error("Failed to encode sync status response", zap.Error(err))
	}
}

// History handles GET /api/history
func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseHistoryFilter(w, r, h.logger)
	if !ok {
		return
	}

	entries, err := h.auditService.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list history", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "history_failed", "Failed to list history"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	response := HistoryListResponse{Entries: entries, Total: len(entries)}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode history response", zap.Error(err))
	}
}

func parseHistoryFilter(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*models.HistoryFilter, bool) {
	filter := &models.HistoryFilter{
		SourceSystem: r.URL.Query().Get("source_system"),
	}

	writeBadRequest := func(code, message string) {
		if err := ErrorResponse(w, http.StatusBadRequest, code, message); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
	}

	if syncIDStr := r.URL.Query().Get("sync_id"); syncIDStr != "" {
		syncID, err := uuid.Parse(syncIDStr)
		if err != nil {
			writeBadRequest("invalid_sync_id", "Invalid sync ID format")
			return nil, false
		}
		filter.SyncID = &syncID
	}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeBadRequest("invalid_since", "Since must be RFC 3339")
			return nil, false
		}
		filter.Since = &since
	}
	if untilStr := r.URL.Query().Get("until"); untilStr != "" {
		until, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			writeBadRequest("invalid_until", "Until must be RFC 3339")
			return nil, false
		}
		filter.Until = &until
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeBadRequest("invalid_limit", "Limit must be a non-negative integer")
			return nil, false
		}
		filter.Limit = limit
	}

	return filter, true
}
