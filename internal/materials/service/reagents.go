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

// ReagentService handles reagent batch stock
type ReagentService struct {
	materialRepo *repository.MaterialRepository
	reagentRepo  *repository.ReagentRepository
	publisher    *events.Publisher
	logger       *logger.Logger
}

// NewReagentService creates a new reagent service
func NewReagentService(
	materialRepo *repository.MaterialRepository,
	reagentRepo *repository.ReagentRepository,
	publisher *events.Publisher,
	log *logger.Logger,
) *ReagentService {
	return &ReagentService{
		materialRepo: materialRepo,
		reagentRepo:  reagentRepo,
		publisher:    publisher,
		logger:       log,
	}
}

// CreateReagent adds a reagent to the material catalogue
func (s *ReagentService) CreateReagent(ctx context.Context, m *repository.Material) error {
	m.Category = repository.CategoryReagent
	return s.materialRepo.Create(ctx, m)
}

// ReceiveBatch registers a reagent batch. The receipt itself lands in the
// movement ledger as an 'in' entry.
func (s *ReagentService) ReceiveBatch(ctx context.Context, batch *repository.ReagentBatch) error {
	material, err := s.materialRepo.GetByID(ctx, batch.ReagentID)
	if err != nil {
		return err
	}
	if material.Category != repository.CategoryReagent {
		return errors.BadRequest("material is not a reagent")
	}
	if batch.Unit == "" {
		batch.Unit = material.Unit
	}

	if _, err := s.reagentRepo.CreateBatch(ctx, batch); err != nil {
		return err
	}

	s.logger.Info().
		Str("batch_id", batch.ID).
		Str("reagent_id", batch.ReagentID).
		Str("quantity", batch.QuantityReceived.String()).
		Msg("reagent batch received")

	return nil
}

// ListBatches lists a reagent's batches in FEFO order
func (s *ReagentService) ListBatches(ctx context.Context, reagentID string) ([]*repository.ReagentBatch, error) {
	return s.reagentRepo.ListBatches(ctx, reagentID)
}

// ListMovements lists a reagent's movement ledger
func (s *ReagentService) ListMovements(ctx context.Context, reagentID string) ([]*repository.ReagentMovement, error) {
	return s.reagentRepo.ListMovements(ctx, reagentID)
}

// Consume draws a total across the reagent's batches in FEFO order
func (s *ReagentService) Consume(ctx context.Context, reagentID string, total decimal.Decimal, reason *string) (*repository.ReagentMovement, error) {
	var performedBy *string
	if userID := tenant.UserID(ctx); userID != "" {
		performedBy = &userID
	}

	movement, draws, err := s.reagentRepo.Consume(ctx, reagentID, total, reason, performedBy)
	if err != nil {
		s.recordRefusedDraw(ctx, "reagent", reagentID, total, err)
		return nil, err
	}

	metrics.Consumptions.WithLabelValues("reagent", "success").Inc()
	s.logger.Info().
		Str("reagent_id", reagentID).
		Str("movement_id", movement.ID).
		Str("quantity", total.String()).
		Int("batches", len(draws)).
		Msg("reagent consumed")

	event := messaging.ReagentConsumedEvent{
		ReagentID:  reagentID,
		MovementID: movement.ID,
		Total:      total.String(),
		Breakdown:  toConsumedBatches(draws),
		OrgID:      movement.OrgID,
		PlantID:    movement.PlantID,
	}
	if performedBy != nil {
		event.ConsumedBy = *performedBy
	}
	s.publisher.ReagentConsumed(ctx, event)

	return movement, nil
}

// ListExpiringBatches lists reagent batches expiring within the window and
// publishes an expiring event per batch.
func (s *ReagentService) ListExpiringBatches(ctx context.Context, withinDays int) ([]*repository.ReagentBatch, error) {
	if withinDays < 1 {
		withinDays = 30
	}

	batches, err := s.reagentRepo.ListExpiringBatches(ctx, withinDays)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, batch := range batches {
		s.publisher.BatchExpiring(ctx, messaging.BatchExpiringEvent{
			ResourceType: "reagent_batch",
			ResourceID:   batch.ID,
			Code:         batch.BatchCode,
			ExpiryDate:   *batch.ExpiryDate,
			DaysUntil:    int(batch.ExpiryDate.Sub(now).Hours() / 24),
			Remaining:    batch.QuantityRemaining.String(),
			OrgID:        batch.OrgID,
			PlantID:      batch.PlantID,
		})
	}

	return batches, nil
}

func (s *ReagentService) recordRefusedDraw(ctx context.Context, resource, resourceID string, requested decimal.Decimal, err error) {
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

func toConsumedBatches(draws []repository.BatchDraw) []messaging.ConsumedBatch {
	batches := make([]messaging.ConsumedBatch, len(draws))
	for i, draw := range draws {
		batches[i] = messaging.ConsumedBatch{
			BatchID:  draw.BatchID,
			Quantity: draw.Quantity.String(),
		}
	}
	return batches
}
