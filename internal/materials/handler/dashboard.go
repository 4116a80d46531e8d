package handler

import (
	"net/http"

	"github.com/qualitrace/qualitrace-backend/internal/materials/service"
	"github.com/qualitrace/qualitrace-backend/pkg/httputil"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
)

// DashboardHandler serves the aggregated materials position
type DashboardHandler struct {
	service *service.MaterialsService
	logger  *logger.Logger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(svc *service.MaterialsService, log *logger.Logger) *DashboardHandler {
	return &DashboardHandler{
		service: svc,
		logger:  log,
	}
}

// Stats returns lot counts by status, approved stock per material,
// the expiring-lot count and the worst scoring suppliers
func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetDashboardStats(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, stats)
}
