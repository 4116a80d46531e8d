package service

import (
	"context"
	"sort"
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

// MaterialsService handles the material catalogue, supplier registry and
// the raw material lot lifecycle.
type MaterialsService struct {
	materialRepo    *repository.MaterialRepository
	supplierRepo    *repository.SupplierRepository
	lotRepo         *repository.LotRepository
	consumptionRepo *repository.ConsumptionRepository
	publisher       *events.Publisher
	logger          *logger.Logger
}

// NewMaterialsService creates a new materials service
func NewMaterialsService(
	materialRepo *repository.MaterialRepository,
	supplierRepo *repository.SupplierRepository,
	lotRepo *repository.LotRepository,
	consumptionRepo *repository.ConsumptionRepository,
	publisher *events.Publisher,
	log *logger.Logger,
) *MaterialsService {
	return &MaterialsService{
		materialRepo:    materialRepo,
		supplierRepo:    supplierRepo,
		lotRepo:         lotRepo,
		consumptionRepo: consumptionRepo,
		publisher:       publisher,
		logger:          log,
	}
}

// Material operations

// CreateMaterial creates a new catalogue entry
func (s *MaterialsService) CreateMaterial(ctx context.Context, m *repository.Material) error {
	return s.materialRepo.Create(ctx, m)
}

// GetMaterial gets a material by ID
func (s *MaterialsService) GetMaterial(ctx context.Context, id string) (*repository.Material, error) {
	return s.materialRepo.GetByID(ctx, id)
}

// ListMaterials lists materials with pagination
func (s *MaterialsService) ListMaterials(ctx context.Context, category string, page, perPage int) ([]*repository.Material, int64, error) {
	return s.materialRepo.List(ctx, category, page, perPage)
}

// UpdateMaterial updates a material's editable fields
func (s *MaterialsService) UpdateMaterial(ctx context.Context, m *repository.Material) error {
	return s.materialRepo.Update(ctx, m)
}

// DeactivateMaterial soft-deletes a material
func (s *MaterialsService) DeactivateMaterial(ctx context.Context, id string) error {
	return s.materialRepo.Deactivate(ctx, id)
}

// Supplier operations

// CreateSupplier creates a new supplier
func (s *MaterialsService) CreateSupplier(ctx context.Context, supplier *repository.Supplier) error {
	return s.supplierRepo.Create(ctx, supplier)
}

// GetSupplier gets a supplier by ID
func (s *MaterialsService) GetSupplier(ctx context.Context, id string) (*repository.Supplier, error) {
	return s.supplierRepo.GetByID(ctx, id)
}

// ListSuppliers lists suppliers
func (s *MaterialsService) ListSuppliers(ctx context.Context) ([]*repository.Supplier, error) {
	return s.supplierRepo.List(ctx)
}

// SupplierPerformance is the derived quality view of one supplier
type SupplierPerformance struct {
	Supplier     *repository.Supplier `json:"supplier"`
	TotalLots    int64                `json:"total_lots"`
	RejectedLots int64                `json:"rejected_lots"`
	Score        int                  `json:"score"`
}

// GetSupplierPerformance computes the supplier's score from evaluated lots.
// The score is derived on read, never stored, so it always reflects the
// current ledger.
func (s *MaterialsService) GetSupplierPerformance(ctx context.Context, id string) (*SupplierPerformance, error) {
	supplier, err := s.supplierRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	counts, err := s.supplierRepo.LotOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}

	return &SupplierPerformance{
		Supplier:     supplier,
		TotalLots:    counts.Total,
		RejectedLots: counts.Rejected,
		Score:        SupplierScore(counts.Total, counts.Rejected),
	}, nil
}

// Lot operations

// ReceiveLot registers an incoming lot. The lot lands in quarantine and
// stays unusable until QC approves it.
func (s *MaterialsService) ReceiveLot(ctx context.Context, lot *repository.Lot) error {
	material, err := s.materialRepo.GetByID(ctx, lot.MaterialID)
	if err != nil {
		return err
	}
	if lot.Unit == "" {
		lot.Unit = material.Unit
	}

	if userID := tenant.UserID(ctx); userID != "" && lot.ReceivedBy == nil {
		lot.ReceivedBy = &userID
	}

	if err := s.lotRepo.Create(ctx, lot); err != nil {
		return err
	}

	metrics.LotsReceived.Inc()
	s.logger.Info().
		Str("lot_id", lot.ID).
		Str("material_id", lot.MaterialID).
		Str("quantity", lot.QuantityReceived.String()).
		Msg("lot received into quarantine")

	event := messaging.LotReceivedEvent{
		LotID:      lot.ID,
		MaterialID: lot.MaterialID,
		SupplierID: lot.SupplierID,
		LotCode:    lot.LotCode,
		Quantity:   lot.QuantityReceived.String(),
		Unit:       lot.Unit,
		OrgID:      lot.OrgID,
		PlantID:    lot.PlantID,
	}
	if lot.ReceivedBy != nil {
		event.ReceivedBy = *lot.ReceivedBy
	}
	if lot.ExpiryDate != nil {
		expiry := lot.ExpiryDate.Format("2006-01-02")
		event.ExpiryDate = &expiry
	}
	s.publisher.LotReceived(ctx, event)

	return nil
}

// GetLot gets a lot by ID
func (s *MaterialsService) GetLot(ctx context.Context, id string) (*repository.Lot, error) {
	return s.lotRepo.GetByID(ctx, id)
}

// ListLotsByMaterial lists lots of one material
func (s *MaterialsService) ListLotsByMaterial(ctx context.Context, materialID string) ([]*repository.Lot, error) {
	return s.lotRepo.ListByMaterial(ctx, materialID)
}

// EvaluateLot records the QC decision for a quarantined lot
func (s *MaterialsService) EvaluateLot(ctx context.Context, id, decision string, notes *string) (*repository.Lot, error) {
	var evaluatedBy *string
	if userID := tenant.UserID(ctx); userID != "" {
		evaluatedBy = &userID
	}

	lot, err := s.lotRepo.Evaluate(ctx, id, decision, notes, evaluatedBy)
	if err != nil {
		return nil, err
	}

	metrics.LotsEvaluated.WithLabelValues(decision).Inc()
	s.logger.Info().
		Str("lot_id", lot.ID).
		Str("decision", decision).
		Msg("lot evaluated")

	event := messaging.LotEvaluatedEvent{
		LotID:      lot.ID,
		MaterialID: lot.MaterialID,
		Decision:   decision,
		OrgID:      lot.OrgID,
		PlantID:    lot.PlantID,
	}
	if notes != nil {
		event.Notes = *notes
	}
	if evaluatedBy != nil {
		event.EvaluatedBy = *evaluatedBy
	}
	s.publisher.LotEvaluated(ctx, event)

	return lot, nil
}

// ConsumeLot draws a quantity from an approved lot. When productionOrderID
// is nil this is a free consumption (spillage, QC sampling, rework) and a
// reason is required instead.
func (s *MaterialsService) ConsumeLot(ctx context.Context, lotID string, quantity decimal.Decimal, productionOrderID *string, reason *string) (*repository.Lot, *repository.Consumption, error) {
	if productionOrderID == nil && (reason == nil || *reason == "") {
		return nil, nil, errors.Validation(map[string]string{
			"reason": "required when no production order is given",
		})
	}

	consumption := &repository.Consumption{
		LotID:             lotID,
		ProductionOrderID: productionOrderID,
		Quantity:          quantity,
		Reason:            reason,
	}
	if userID := tenant.UserID(ctx); userID != "" {
		consumption.ConsumedBy = &userID
	}

	lot, err := s.lotRepo.Consume(ctx, consumption)
	if err != nil {
		s.recordRefusedDraw(ctx, "lot", lotID, quantity, err)
		return nil, nil, err
	}

	metrics.Consumptions.WithLabelValues("lot", "success").Inc()
	s.logger.Info().
		Str("lot_id", lotID).
		Str("consumption_id", consumption.ID).
		Str("quantity", quantity.String()).
		Str("remaining", lot.QuantityRemaining.String()).
		Msg("lot consumed")

	event := messaging.LotConsumedEvent{
		LotID:             lot.ID,
		MaterialID:        lot.MaterialID,
		ConsumptionID:     consumption.ID,
		ProductionOrderID: productionOrderID,
		Quantity:          quantity.String(),
		Remaining:         lot.QuantityRemaining.String(),
		Depleted:          lot.Status == repository.LotStatusDepleted,
		OrgID:             lot.OrgID,
		PlantID:           lot.PlantID,
	}
	if consumption.ConsumedBy != nil {
		event.ConsumedBy = *consumption.ConsumedBy
	}
	s.publisher.LotConsumed(ctx, event)

	return lot, consumption, nil
}

// recordRefusedDraw tracks refused or failed draws in metrics and, for
// genuine stock shortfalls, publishes the audit event.
func (s *MaterialsService) recordRefusedDraw(ctx context.Context, resource, resourceID string, requested decimal.Decimal, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, errors.ErrInsufficientStock):
		outcome = "insufficient_stock"
	case errors.Is(err, errors.ErrInvalidState):
		outcome = "invalid_state"
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

// Consumption queries

// ListConsumptionsByLot lists the draws against a lot
func (s *MaterialsService) ListConsumptionsByLot(ctx context.Context, lotID string) ([]*repository.Consumption, error) {
	if _, err := s.lotRepo.GetByID(ctx, lotID); err != nil {
		return nil, err
	}
	return s.consumptionRepo.ListByLot(ctx, lotID)
}

// ListConsumptionsByProductionOrder lists the draws booked to an order
func (s *MaterialsService) ListConsumptionsByProductionOrder(ctx context.Context, productionOrderID string) ([]*repository.Consumption, error) {
	return s.consumptionRepo.ListByProductionOrder(ctx, productionOrderID)
}

// Expiry surface

// ListExpiringLots lists approved lots expiring within the window and
// publishes an expiring event per lot for alerting consumers.
func (s *MaterialsService) ListExpiringLots(ctx context.Context, withinDays int) ([]*repository.Lot, error) {
	if withinDays < 1 {
		withinDays = 30
	}

	lots, err := s.lotRepo.ListExpiring(ctx, withinDays)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, lot := range lots {
		s.publisher.BatchExpiring(ctx, messaging.BatchExpiringEvent{
			ResourceType: "lot",
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

// Dashboard

// DashboardStats summarizes the plant's materials position
type DashboardStats struct {
	LotsByStatus    map[string]int64            `json:"lots_by_status"`
	ApprovedStock   []*repository.MaterialStock `json:"approved_stock"`
	ExpiringLots    int                         `json:"expiring_lots"`
	WorstSuppliers  []*SupplierPerformance      `json:"worst_suppliers"`
}

// GetDashboardStats assembles the dashboard view
func (s *MaterialsService) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	counts, err := s.lotRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stock, err := s.lotRepo.ApprovedStockByMaterial(ctx)
	if err != nil {
		return nil, err
	}

	expiring, err := s.lotRepo.ListExpiring(ctx, 30)
	if err != nil {
		return nil, err
	}

	suppliers, err := s.supplierRepo.List(ctx)
	if err != nil {
		return nil, err
	}

	performances := make([]*SupplierPerformance, 0, len(suppliers))
	for _, supplier := range suppliers {
		outcomes, err := s.supplierRepo.LotOutcomes(ctx, supplier.ID)
		if err != nil {
			return nil, err
		}
		if outcomes.Total == 0 {
			continue
		}
		performances = append(performances, &SupplierPerformance{
			Supplier:     supplier,
			TotalLots:    outcomes.Total,
			RejectedLots: outcomes.Rejected,
			Score:        SupplierScore(outcomes.Total, outcomes.Rejected),
		})
	}
	sortByScoreAsc(performances)
	if len(performances) > 5 {
		performances = performances[:5]
	}

	return &DashboardStats{
		LotsByStatus:   counts,
		ApprovedStock:  stock,
		ExpiringLots:   len(expiring),
		WorstSuppliers: performances,
	}, nil
}

func sortByScoreAsc(performances []*SupplierPerformance) {
	sort.SliceStable(performances, func(i, j int) bool {
		return performances[i].Score < performances[j].Score
	})
}
