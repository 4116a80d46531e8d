package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/qualitrace/qualitrace-backend/pkg/database"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/tenant"
)

// ConsumptionRepository reads the immutable consumption ledger.
// Writes happen only inside LotRepository.Consume; nothing updates or
// deletes a consumption row after commit.
type ConsumptionRepository struct {
	db *database.DB
}

// NewConsumptionRepository creates a new consumption repository
func NewConsumptionRepository(db *database.DB) *ConsumptionRepository {
	return &ConsumptionRepository{db: db}
}

// ListByLot lists consumptions drawn from one lot, oldest first
func (r *ConsumptionRepository) ListByLot(ctx context.Context, lotID string) ([]*Consumption, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var consumptions []*Consumption
	query := `
		SELECT * FROM material_consumptions
		WHERE lot_id = $1 AND org_id = $2 AND plant_id = $3
		ORDER BY consumed_at
	`
	if err := r.db.SelectContext(ctx, &consumptions, query, lotID, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}
	return consumptions, nil
}

// ListByProductionOrder lists consumptions booked against a production order
func (r *ConsumptionRepository) ListByProductionOrder(ctx context.Context, productionOrderID string) ([]*Consumption, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var consumptions []*Consumption
	query := `
		SELECT * FROM material_consumptions
		WHERE production_order_id = $1 AND org_id = $2 AND plant_id = $3
		ORDER BY consumed_at
	`
	if err := r.db.SelectContext(ctx, &consumptions, query, productionOrderID, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}
	return consumptions, nil
}

// RegisterRow is one line of the consumption register export
type RegisterRow struct {
	ConsumedAt        time.Time       `db:"consumed_at"`
	MaterialName      string          `db:"material_name"`
	MaterialCode      string          `db:"material_code"`
	LotCode           string          `db:"lot_code"`
	Quantity          decimal.Decimal `db:"quantity"`
	Unit              string          `db:"unit"`
	ProductionOrderID *string         `db:"production_order_id"`
	Reason            *string         `db:"reason"`
	ConsumedBy        *string         `db:"consumed_by"`
}

// ListRegister returns the consumption register between two instants,
// joined with material and lot identity for traceability reporting.
func (r *ConsumptionRepository) ListRegister(ctx context.Context, from, to time.Time) ([]*RegisterRow, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var rows []*RegisterRow
	query := `
		SELECT c.consumed_at, m.name AS material_name, m.code AS material_code,
		       l.lot_code, c.quantity, l.unit, c.production_order_id, c.reason, c.consumed_by
		FROM material_consumptions c
		JOIN raw_material_lots l ON l.id = c.lot_id
		JOIN materials m ON m.id = c.material_id
		WHERE c.org_id = $1 AND c.plant_id = $2
		AND c.consumed_at >= $3 AND c.consumed_at < $4
		ORDER BY c.consumed_at
	`
	if err := r.db.SelectContext(ctx, &rows, query, scope.OrgID, scope.PlantID, from, to); err != nil {
		return nil, err
	}
	return rows, nil
}
