package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/internal/materials/service"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/httputil"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
)

// ReagentHandler handles reagent batch endpoints
type ReagentHandler struct {
	service *service.ReagentService
	logger  *logger.Logger
}

// NewReagentHandler creates a new reagent handler
func NewReagentHandler(svc *service.ReagentService, log *logger.Logger) *ReagentHandler {
	return &ReagentHandler{
		service: svc,
		logger:  log,
	}
}

// Create adds a reagent to the catalogue
func (h *ReagentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string  `json:"name" validate:"required,max=255"`
		Code              string  `json:"code" validate:"required,max=100"`
		Unit              string  `json:"unit" validate:"required,max=20"`
		StorageConditions *string `json:"storage_conditions"`
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
		Unit:              req.Unit,
		StorageConditions: req.StorageConditions,
		Active:            true,
	}
	if err := h.service.CreateReagent(r.Context(), material); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, material)
}

// ListExpiring lists reagent batches expiring within the window
func (h *ReagentHandler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)

	batches, err := h.service.ListExpiringBatches(r.Context(), days)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// ReceiveBatch registers a reagent batch
func (h *ReagentHandler) ReceiveBatch(w http.ResponseWriter, r *http.Request) {
	reagentID := chi.URLParam(r, "id")

	var req struct {
		BatchCode  string          `json:"batch_code" validate:"required,max=100"`
		Quantity   decimal.Decimal `json:"quantity"`
		Unit       string          `json:"unit" validate:"omitempty,max=20"`
		ExpiryDate *string         `json:"expiry_date" validate:"omitempty,dateonly"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}
	if !req.Quantity.IsPositive() {
		httputil.Error(w, errors.Validation(map[string]string{
			"quantity": "must be greater than zero",
		}))
		return
	}
	expiry, err := parseOptionalDate("expiry_date", req.ExpiryDate)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	batch := &repository.ReagentBatch{
		ReagentID:        reagentID,
		BatchCode:        req.BatchCode,
		QuantityReceived: req.Quantity,
		Unit:             req.Unit,
		ExpiryDate:       expiry,
	}
	if err := h.service.ReceiveBatch(r.Context(), batch); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, batch)
}

// ListBatches lists a reagent's batches in consumption order
func (h *ReagentHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	reagentID := chi.URLParam(r, "id")

	batches, err := h.service.ListBatches(r.Context(), reagentID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// ListMovements lists a reagent's movement ledger
func (h *ReagentHandler) ListMovements(w http.ResponseWriter, r *http.Request) {
	reagentID := chi.URLParam(r, "id")

	movements, err := h.service.ListMovements(r.Context(), reagentID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movements)
}

// Consume draws a total from the reagent's batches, earliest expiry first
func (h *ReagentHandler) Consume(w http.ResponseWriter, r *http.Request) {
	reagentID := chi.URLParam(r, "id")

	var req struct {
		Quantity decimal.Decimal `json:"quantity"`
		Reason   *string         `json:"reason" validate:"omitempty,max=500"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}
	if !req.Quantity.IsPositive() {
		httputil.Error(w, errors.Validation(map[string]string{
			"quantity": "must be greater than zero",
		}))
		return
	}

	movement, err := h.service.Consume(r.Context(), reagentID, req.Quantity, req.Reason)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movement)
}
