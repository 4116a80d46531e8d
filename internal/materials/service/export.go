package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
)

// ExportService renders reporting artifacts from the consumption ledger
type ExportService struct {
	consumptionRepo *repository.ConsumptionRepository
	logger          *logger.Logger
}

// NewExportService creates a new export service
func NewExportService(consumptionRepo *repository.ConsumptionRepository, log *logger.Logger) *ExportService {
	return &ExportService{
		consumptionRepo: consumptionRepo,
		logger:          log,
	}
}

var registerHeader = []string{
	"Consumed At", "Material", "Code", "Lot", "Quantity", "Unit",
	"Production Order", "Reason", "Consumed By",
}

// WriteConsumptionRegister writes the consumption register for the period
// as an XLSX workbook to w.
func (s *ExportService) WriteConsumptionRegister(ctx context.Context, from, to time.Time, w io.Writer) error {
	rows, err := s.consumptionRepo.ListRegister(ctx, from, to)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Consumptions"
	f.SetSheetName("Sheet1", sheet)

	for col, title := range registerHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, title); err != nil {
			return err
		}
	}

	for i, row := range rows {
		values := []interface{}{
			row.ConsumedAt.Format(time.RFC3339),
			row.MaterialName,
			row.MaterialCode,
			row.LotCode,
			row.Quantity.String(),
			row.Unit,
			deref(row.ProductionOrderID),
			deref(row.Reason),
			deref(row.ConsumedBy),
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return err
			}
		}
	}

	s.logger.Info().
		Int("rows", len(rows)).
		Str("from", from.Format("2006-01-02")).
		Str("to", to.Format("2006-01-02")).
		Msg("consumption register exported")

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
