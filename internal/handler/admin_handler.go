package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/service"
)

// AdminHandler handles owner management requests. Routes registered here
// must sit behind the master-key middleware.
type AdminHandler struct {
	owners *service.OwnerService
	logger zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(owners *service.OwnerService, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		owners: owners,
		logger: logger.With().Str("handler", "admin").Logger(),
	}
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/admin/owners", h.handleCreateOwner)
	r.Get("/admin/owners", h.handleListOwners)
	r.Post("/admin/owners/{id}/token", h.handleRotateToken)
	r.Put("/admin/owners/{id}/backend", h.handleUpdateBackend)
	r.Put("/admin/owners/{id}/quota", h.handleSetQuota)
	r.Put("/admin/owners/{id}/active", h.handleSetActive)
}

// createOwnerRequest is the owner registration body.
type createOwnerRequest struct {
	Name          string          `json:"name"`
	BackendKind   string          `json:"backend_kind"`
	BackendConfig json.RawMessage `json:"backend_config"`
	QuotaBytes    int64           `json:"quota_bytes"`
}

// ownerResponse is the JSON form of an owner. The token appears only in
// the creation and rotation responses.
type ownerResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	BackendKind string    `json:"backend_kind"`
	QuotaBytes  int64     `json:"quota_bytes"`
	UsedBytes   int64     `json:"used_bytes"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	APIToken    string    `json:"api_token,omitempty"`
}

func (h *AdminHandler) handleCreateOwner(w http.ResponseWriter, r *http.Request) {
	var req createOwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{
			Code:    "InvalidBody",
			Message: "request body is not valid JSON",
		})
		return
	}

	out, err := h.owners.CreateOwner(r.Context(), service.CreateOwnerInput{
		Name:          req.Name,
		BackendKind:   domain.BackendKind(req.BackendKind),
		BackendConfig: req.BackendConfig,
		QuotaBytes:    req.QuotaBytes,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ownerToResponse(out.Owner, out.APIToken))
}

func (h *AdminHandler) handleListOwners(w http.ResponseWriter, r *http.Request) {
	result, err := h.owners.List(r.Context(), listOptionsFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}

	owners := make([]ownerResponse, 0, len(result.Items))
	for _, owner := range result.Items {
		owners = append(owners, ownerToResponse(owner, ""))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owners": owners,
		"total":  result.Total,
		"offset": result.Offset,
		"limit":  result.Limit,
	})
}

func (h *AdminHandler) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	token, err := h.owners.RotateToken(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"api_token": token})
}

// updateBackendRequest switches an owner's storage backend.
type updateBackendRequest struct {
	BackendKind   string          `json:"backend_kind"`
	BackendConfig json.RawMessage `json:"backend_config"`
}

func (h *AdminHandler) handleUpdateBackend(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req updateBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{
			Code:    "InvalidBody",
			Message: "request body is not valid JSON",
		})
		return
	}

	if err := h.owners.UpdateBackend(r.Context(), id, domain.BackendKind(req.BackendKind), req.BackendConfig); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req struct {
		QuotaBytes int64 `json:"quota_bytes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuotaBytes < 0 {
		writeJSON(w, http.StatusBadRequest, APIError{
			Code:    "InvalidBody",
			Message: "quota_bytes must be a non-negative number",
		})
		return
	}

	if err := h.owners.SetQuota(r.Context(), id, req.QuotaBytes); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{
			Code:    "InvalidBody",
			Message: "request body is not valid JSON",
		})
		return
	}

	if err := h.owners.SetActive(r.Context(), id, req.Active); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ownerID parses the {id} route parameter, writing the error response on
// failure.
func ownerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, APIError{
			Code:    "InvalidOwnerID",
			Message: "owner id must be a positive number",
		})
		return 0, false
	}
	return id, true
}

func ownerToResponse(owner *domain.Owner, token string) ownerResponse {
	return ownerResponse{
		ID:          owner.ID,
		Name:        owner.Name,
		BackendKind: string(owner.BackendKind),
		QuotaBytes:  owner.QuotaBytes,
		UsedBytes:   owner.UsedBytes,
		Active:      owner.Active,
		CreatedAt:   owner.CreatedAt,
		APIToken:    token,
	}
}
