package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qualitrace/qualitrace-backend/internal/materials/events"
	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
	"github.com/qualitrace/qualitrace-backend/pkg/messaging"
	"github.com/qualitrace/qualitrace-backend/pkg/metrics"
	"github.com/qualitrace/qualitrace-backend/pkg/tenant"
)

// PackagingService handles packaging lot stock
type PackagingService struct {
	materialRepo  *repository.MaterialRepository
	packagingRepo *repository.PackagingRepository
	publisher     *events.Publisher
	logger        *logger.Logger
}

// NewPackagingService creates a new packaging service
func NewPackagingService(
	materialRepo *repository.MaterialRepository,
	packagingRepo *repository.PackagingRepository,
	publisher *events.Publisher,
	log *logger.Logger,
) *PackagingService {
	return &PackagingService{
		materialRepo:  materialRepo,
		packagingRepo: packagingRepo,
		publisher:     publisher,
		logger:        log,
	}
}

// ReceiveLot registers a packaging lot and its 'in' ledger entry
func (s *PackagingService) ReceiveLot(ctx context.Context, lot *repository.PackagingLot) error {
	material, err := s.materialRepo.GetByID(ctx, lot.MaterialID)
	if err != nil {
		return err
	}
	if material.Category != repository.CategoryPackaging {
		return errors.BadRequest("material is not a packaging material")
	}
	if lot.Unit == "" {
		lot.Unit = material.Unit
	}

	if _, err := s.packagingRepo.CreateLot(ctx, lot); err != nil {
		return err
	}

	s.logger.Info().
		Str("lot_id", lot.ID).
		Str("material_id", lot.MaterialID).
		Str("quantity", lot.QuantityReceived.String()).
		Msg("packaging lot received")

	return nil
}

// ListLots lists packaging lots of a material in FEFO order
func (s *PackagingService) ListLots(ctx context.Context, materialID string) ([]*repository.PackagingLot, error) {
	return s.packagingRepo.ListLots(ctx, materialID)
}

// Consume draws a total across the material's packaging lots in FEFO order
func (s *PackagingService) Consume(ctx context.Context, materialID string, total decimal.Decimal, reason *string) (*repository.PackagingMovement, error) {
	var performedBy *string
	if userID := tenant.UserID(ctx); userID != "" {
		performedBy = &userID
	}

	movement, draws, err := s.packagingRepo.Consume(ctx, materialID, total, reason, performedBy)
	if err != nil {
		s.recordRefusedDraw(ctx, "packaging", materialID, total, err)
		return nil, err
	}

	metrics.Consumptions.WithLabelValues("packaging", "success").Inc()
	s.logger.Info().
		Str("material_id", materialID).
		Str("movement_id", movement.ID).
		Str("quantity", total.String()).
		Int("lots", len(draws)).
		Msg("packaging consumed")

	event := messaging.PackagingConsumedEvent{
		MaterialID: materialID,
		MovementID: movement.ID,
		Total:      total.String(),
		Breakdown:  toConsumedBatches(draws),
		OrgID:      movement.OrgID,
		PlantID:    movement.PlantID,
	}
	if performedBy != nil {
		event.ConsumedBy = *performedBy
	}
	s.publisher.PackagingConsumed(ctx, event)

	return movement, nil
}

// ListExpiringLots lists packaging lots expiring within the window and
// publishes an expiring event per lot.
func (s *PackagingService) ListExpiringLots(ctx context.Context, withinDays int) ([]*repository.PackagingLot, error) {
	if withinDays < 1 {
		withinDays = 30
	}

	lots, err := s.packagingRepo.ListExpiringLots(ctx, withinDays)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, lot := range lots {
		s.publisher.BatchExpiring(ctx, messaging.BatchExpiringEvent{
			ResourceType: "packaging_lot",
			ResourceID:   lot.ID,
			Code:         lot.LotCode,
			ExpiryDate:   *lot.ExpiryDate,
			DaysUntil:    int(lot.ExpiryDate.Sub(now).Hours() / 24),
			Remaining:    lot.QuantityRemaining.String(),
			OrgID:        lot.OrgID,
			PlantID:      lot.PlantID,
		})
	}

	return lots, nil
}

func (s *PackagingService) recordRefusedDraw(ctx context.Context, resource, resourceID string, requested decimal.Decimal, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, errors.ErrInsufficientStock):
		outcome = "insufficient_stock"
	case errors.Is(err, errors.ErrNotFound):
		outcome = "not_found"
	}
	metrics.Consumptions.WithLabelValues(resource, outcome).Inc()

	if outcome != "insufficient_stock" {
		return
	}

	scope, scopeErr := tenant.FromContext(ctx)
	if scopeErr != nil {
		return
	}

	event := messaging.StockInsufficientEvent{
		ResourceType: resource,
		ResourceID:   resourceID,
		Requested:    requested.String(),
		OrgID:        scope.OrgID,
		PlantID:      scope.PlantID,
	}
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		event.Available = appErr.Details["available"]
	}
	s.publisher.StockInsufficient(ctx, event)
}
