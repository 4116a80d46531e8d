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

// LotHandler handles the raw material lot lifecycle endpoints
type LotHandler struct {
	service *service.MaterialsService
	logger  *logger.Logger
}

// NewLotHandler creates a new lot handler
func NewLotHandler(svc *service.MaterialsService, log *logger.Logger) *LotHandler {
	return &LotHandler{
		service: svc,
		logger:  log,
	}
}

// Receive registers an incoming lot for a material. The lot always lands
// in quarantine.
func (h *LotHandler) Receive(w http.ResponseWriter, r *http.Request) {
	materialID := chi.URLParam(r, "id")

	var req struct {
		SupplierID *string         `json:"supplier_id" validate:"omitempty,uuid"`
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

	lot := &repository.Lot{
		MaterialID:       materialID,
		SupplierID:       req.SupplierID,
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

// Get gets a lot by ID
func (h *LotHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lot, err := h.service.GetLot(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lot)
}

// ListByMaterial lists the lots of one material
func (h *LotHandler) ListByMaterial(w http.ResponseWriter, r *http.Request) {
	materialID := chi.URLParam(r, "id")

	lots, err := h.service.ListLotsByMaterial(r.Context(), materialID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}

// Evaluate records the QC decision for a quarantined lot
func (h *LotHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Decision string  `json:"decision" validate:"required,oneof=approved rejected"`
		Notes    *string `json:"notes" validate:"omitempty,max=1000"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	lot, err := h.service.EvaluateLot(r.Context(), id, req.Decision, req.Notes)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lot)
}

// Consume draws a quantity from an approved lot against a production order
func (h *LotHandler) Consume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Quantity          decimal.Decimal `json:"quantity"`
		ProductionOrderID string          `json:"production_order_id" validate:"required,uuid"`
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

	lot, consumption, err := h.service.ConsumeLot(r.Context(), id, req.Quantity, &req.ProductionOrderID, nil)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"lot":         lot,
		"consumption": consumption,
	})
}

// ConsumeFree draws a quantity from an approved lot without a production
// order. Spillage, QC sampling and rework go through here, so the reason
// is mandatory.
func (h *LotHandler) ConsumeFree(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Quantity decimal.Decimal `json:"quantity"`
		Reason   string          `json:"reason" validate:"required,max=500"`
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

	lot, consumption, err := h.service.ConsumeLot(r.Context(), id, req.Quantity, nil, &req.Reason)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"lot":         lot,
		"consumption": consumption,
	})
}

// ListConsumptions lists the draws against a lot
func (h *LotHandler) ListConsumptions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	consumptions, err := h.service.ListConsumptionsByLot(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, consumptions)
}

// ListConsumptionsByOrder lists the draws booked to a production order
func (h *LotHandler) ListConsumptionsByOrder(w http.ResponseWriter, r *http.Request) {
	productionOrderID := r.URL.Query().Get("production_order_id")
	if productionOrderID == "" {
		httputil.Error(w, errors.Validation(map[string]string{
			"production_order_id": "query parameter is required",
		}))
		return
	}

	consumptions, err := h.service.ListConsumptionsByProductionOrder(r.Context(), productionOrderID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, consumptions)
}

// ListExpiring lists approved lots expiring within the window
func (h *LotHandler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)

	lots, err := h.service.ListExpiringLots(r.Context(), days)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}
