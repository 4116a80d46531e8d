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

// PackagingHandler handles packaging stock endpoints
type PackagingHandler struct {
	service *service.PackagingService
	logger  *logger.Logger
}

// NewPackagingHandler creates a new packaging handler
func NewPackagingHandler(svc *service.PackagingService, log *logger.Logger) *PackagingHandler {
	return &PackagingHandler{
		service: svc,
		logger:  log,
	}
}

// ReceiveLot registers a packaging lot
func (h *PackagingHandler) ReceiveLot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaterialID string          `json:"material_id" validate:"required,uuid"`
		LotCode    string          `json:"lot_code" validate:"required,max=100"`
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

	lot := &repository.PackagingLot{
		MaterialID:       req.MaterialID,
		LotCode:          req.LotCode,
		QuantityReceived: req.Quantity,
		Unit:             req.Unit,
		ExpiryDate:       expiry,
	}
	if err := h.service.ReceiveLot(r.Context(), lot); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, lot)
}

// ListLots lists a packaging material's lots in consumption order
func (h *PackagingHandler) ListLots(w http.ResponseWriter, r *http.Request) {
	materialID := r.URL.Query().Get("material_id")
	if materialID == "" {
		httputil.Error(w, errors.Validation(map[string]string{
			"material_id": "query parameter is required",
		}))
		return
	}

	lots, err := h.service.ListLots(r.Context(), materialID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}

// ListExpiring lists packaging lots expiring within the window
func (h *PackagingHandler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)

	lots, err := h.service.ListExpiringLots(r.Context(), days)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}

// Consume draws a total from the material's packaging lots, earliest
// expiry first
func (h *PackagingHandler) Consume(w http.ResponseWriter, r *http.Request) {
	materialID := chi.URLParam(r, "id")

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

	movement, err := h.service.Consume(r.Context(), materialID, req.Quantity, req.Reason)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movement)
}
