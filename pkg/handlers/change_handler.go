package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/services"
)

// ChangeListResponse for GET /api/changes
type ChangeListResponse struct {
	Changes []*models.ChangeApproval `json:"changes"`
	Total   int                      `json:"total"`
}

// ProposeChangeRequest for POST /api/changes
type ProposeChangeRequest struct {
	DeviceID         uuid.UUID      `json:"device_id"`
	SyncBatchID      uuid.UUID      `json:"sync_batch_id"`
	Action           string         `json:"action"`
	TargetObjectType string         `json:"target_object_type"`
	TargetObjectID   string         `json:"target_object_id"`
	ProposedChanges  map[string]any `json:"proposed_changes"`
	ProposedBy       string         `json:"proposed_by"`
}

// DecideChangeRequest for POST /api/changes/{cid}/decision
type DecideChangeRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
}

// ApplyChangeRequest for POST /api/changes/{cid}/apply
type ApplyChangeRequest struct {
	AppliedBy string `json:"applied_by"`
}

// ChangeHandler handles the write-back approval workflow.
type ChangeHandler struct {
	changeService services.ChangeService
	logger        *zap.Logger
}

// NewChangeHandler creates a new change handler.
func NewChangeHandler(changeService services.ChangeService, logger *zap.Logger) *ChangeHandler {
	return &ChangeHandler{changeService: changeService, logger: logger}
}

// RegisterRoutes registers the change handler's routes on the given mux.
func (h *ChangeHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/changes", h.List)
	mux.HandleFunc("POST /api/changes", h.Propose)
	mux.HandleFunc("GET /api/changes/{cid}", h.Get)
	mux.HandleFunc("POST /api/changes/{cid}/decision", h.Decide)
	mux.HandleFunc("POST /api/changes/{cid}/apply", h.Apply)
}

// List handles GET /api/changes
func (h *ChangeHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.ApprovalStatusPending, models.ApprovalStatusApproved, models.ApprovalStatusRejected:
	default:
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_status", "Unknown approval status"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
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

	changes, err := h.changeService.List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("Failed to list changes", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "list_failed", "Failed to list changes"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	response := ChangeListResponse{Changes: changes, Total: len(changes)}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode change list response", zap.Error(err))
	}
}

// Propose handles POST /api/changes
func (h *ChangeHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var req ProposeChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	change, err := h.changeService.Propose(r.Context(), &services.ChangeProposal{
		DeviceID:         req.DeviceID,
		SyncBatchID:      req.SyncBatchID,
		Action:           req.Action,
		TargetObjectType: req.TargetObjectType,
		TargetObjectID:   req.TargetObjectID,
		ProposedChanges:  req.ProposedChanges,
		ProposedBy:       req.ProposedBy,
	})
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrRecordValidation):
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_proposal", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrNotFound):
			if err := ErrorResponse(w, http.StatusNotFound, "device_not_found", "Device not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrRollbackCapture):
			if err := ErrorResponse(w, http.StatusConflict, "rollback_capture_failed", "Unable to capture rollback state, change not staged"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		default:
			h.logger.Error("Failed to propose change", zap.Error(err))
			if err := ErrorResponse(w, http.StatusInternalServerError, "propose_failed", "Failed to propose change"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		}
		return
	}

	if err := WriteJSON(w, http.StatusCreated, change); err != nil {
		h.logger.Error("Failed to encode change response", zap.Error(err))
	}
}

// Get handles GET /api/changes/{cid}
func (h *ChangeHandler) Get(w http.ResponseWriter, r *http.Request) {
	changeID, ok := ParseChangeID(w, r, h.logger)
	if !ok {
		return
	}

	change, err := h.changeService.Get(r.Context(), changeID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			if err := ErrorResponse(w, http.StatusNotFound, "change_not_found", "Change not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Failed to get change", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "get_failed", "Failed to get change"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, change); err != nil {
		h.logger.Error("Failed to encode change response", zap.Error(err))
	}
}

// Decide handles POST /api/changes/{cid}/decision
func (h *ChangeHandler) Decide(w http.ResponseWriter, r *http.Request) {
	changeID, ok := ParseChangeID(w, r, h.logger)
	if !ok {
		return
	}

	var req DecideChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	change, err := h.changeService.Decide(r.Context(), changeID, req.Decision, req.DecidedBy)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrRecordValidation):
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_decision", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrNotFound):
			if err := ErrorResponse(w, http.StatusNotFound, "change_not_found", "Change not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrConflict):
			if err := ErrorResponse(w, http.StatusConflict, "already_decided", "Change has already been decided"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		default:
			h.logger.Error("Failed to decide change", zap.Error(err))
			if err := ErrorResponse(w, http.StatusInternalServerError, "decide_failed", "Failed to decide change"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, change); err != nil {
		h.logger.Error("Failed to encode change response", zap.Error(err))
	}
}

// Apply handles POST /api/changes/{cid}/apply
func (h *ChangeHandler) Apply(w http.ResponseWriter, r *http.Request) {
	changeID, ok := ParseChangeID(w, r, h.logger)
	if !ok {
		return
	}

	var req ApplyChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	change, err := h.changeService.Apply(r.Context(), changeID, req.AppliedBy)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			if err := ErrorResponse(w, http.StatusNotFound, "change_not_found", "Change not found"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrNotApproved):
			if err := ErrorResponse(w, http.StatusConflict, "not_approved", "Change has not been approved"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrAlreadyApplied):
			if err := ErrorResponse(w, http.StatusConflict, "already_applied", "Change has already been applied"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrConflict):
			if err := ErrorResponse(w, http.StatusConflict, "apply_in_progress", "Change is already being applied"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		case errors.Is(err, apperrors.ErrWriteBackRejected):
			if err := ErrorResponse(w, http.StatusBadGateway, "write_back_rejected", "External system rejected the change"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		default:
			h.logger.Error("Failed to apply change", zap.Error(err))
			if err := ErrorResponse(w, http.StatusInternalServerError, "apply_failed", "Failed to apply change"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, change); err != nil {
		h.logger.Error("Failed to encode change response", zap.Error(err))
	}
}
