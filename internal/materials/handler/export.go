package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/qualitrace/qualitrace-backend/internal/materials/service"
	"github.com/qualitrace/qualitrace-backend/pkg/httputil"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
)

// ExportHandler serves reporting downloads
type ExportHandler struct {
	service *service.ExportService
	logger  *logger.Logger
}

// NewExportHandler creates a new export handler
func NewExportHandler(svc *service.ExportService, log *logger.Logger) *ExportHandler {
	return &ExportHandler{
		service: svc,
		logger:  log,
	}
}

// ConsumptionRegister streams the consumption register for the period as
// an XLSX download. Defaults to the last 30 days.
func (h *ExportHandler) ConsumptionRegister(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.AddDate(0, 0, -30)

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := parseDate("from", raw)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := parseDate("to", raw)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		// include the whole end day
		to = parsed.AddDate(0, 0, 1)
	}

	filename := fmt.Sprintf("consumptions_%s_%s.xlsx",
		from.Format("20060102"), to.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	if err := h.service.WriteConsumptionRegister(r.Context(), from, to, w); err != nil {
		h.logger.WithError(err).Error().Msg("consumption register export failed")
	}
}
