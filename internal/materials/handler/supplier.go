package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/internal/materials/service"
	"github.com/qualitrace/qualitrace-backend/pkg/httputil"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
)

// SupplierHandler handles supplier registry endpoints
type SupplierHandler struct {
	service *service.MaterialsService
	logger  *logger.Logger
}

// NewSupplierHandler creates a new supplier handler
func NewSupplierHandler(svc *service.MaterialsService, log *logger.Logger) *SupplierHandler {
	return &SupplierHandler{
		service: svc,
		logger:  log,
	}
}

// Create creates a new supplier
func (h *SupplierHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string  `json:"name" validate:"required,max=255"`
		Code         string  `json:"code" validate:"required,max=100"`
		ContactEmail *string `json:"contact_email" validate:"omitempty,email"`
		Phone        *string `json:"phone" validate:"omitempty,max=50"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	supplier := &repository.Supplier{
		Name:         req.Name,
		Code:         req.Code,
		ContactEmail: req.ContactEmail,
		Phone:        req.Phone,
	}
	if err := h.service.CreateSupplier(r.Context(), supplier); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, supplier)
}

// Get gets a supplier by ID
func (h *SupplierHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	supplier, err := h.service.GetSupplier(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, supplier)
}

// List lists suppliers
func (h *SupplierHandler) List(w http.ResponseWriter, r *http.Request) {
	suppliers, err := h.service.ListSuppliers(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, suppliers)
}

// Performance returns the supplier's derived quality score
func (h *SupplierHandler) Performance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	performance, err := h.service.GetSupplierPerformance(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, performance)
}
