package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"

	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/internal/materials/service"
	"github.com/qualitrace/qualitrace-backend/pkg/httputil"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
)

// MaterialHandler handles material catalogue endpoints
type MaterialHandler struct {
	service *service.MaterialsService
	logger  *logger.Logger
}

// NewMaterialHandler creates a new material handler
func NewMaterialHandler(svc *service.MaterialsService, log *logger.Logger) *MaterialHandler {
	return &MaterialHandler{
		service: svc,
		logger:  log,
	}
}

// Create creates a new material
func (h *MaterialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string   `json:"name" validate:"required,max=255"`
		Code              string   `json:"code" validate:"required,max=100"`
		Category          string   `json:"category" validate:"required,oneof=raw_material reagent packaging"`
		Unit              string   `json:"unit" validate:"required,max=20"`
		Allergens         []string `json:"allergens"`
		StorageConditions *string  `json:"storage_conditions"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	material := &repository.Material{
		Name:              req.Name,
		Code:              req.Code,
		Category:          req.Category,
		Unit:              req.Unit,
		Allergens:         pq.StringArray(req.Allergens),
		StorageConditions: req.StorageConditions,
		Active:            true,
	}
	if err := h.service.CreateMaterial(r.Context(), material); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, material)
}

// Get gets a material by ID
func (h *MaterialHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	material, err := h.service.GetMaterial(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, material)
}

// List lists materials with pagination
func (h *MaterialHandler) List(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 20)

	materials, total, err := h.service.ListMaterials(r.Context(), category, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, materials, &httputil.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages(total, perPage),
	})
}

// Update updates a material's editable fields
func (h *MaterialHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Name              string   `json:"name" validate:"required,max=255"`
		Unit              string   `json:"unit" validate:"required,max=20"`
		Allergens         []string `json:"allergens"`
		StorageConditions *string  `json:"storage_conditions"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	material := &repository.Material{
		ID:                id,
		Name:              req.Name,
		Unit:              req.Unit,
		Allergens:         pq.StringArray(req.Allergens),
		StorageConditions: req.StorageConditions,
	}
	if err := h.service.UpdateMaterial(r.Context(), material); err != nil {
		httputil.Error(w, err)
		return
	}

	updated, err := h.service.GetMaterial(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, updated)
}

// Delete soft-deactivates a material
func (h *MaterialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.DeactivateMaterial(r.Context(), id); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}
