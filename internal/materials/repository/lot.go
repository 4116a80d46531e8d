package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/qualitrace/qualitrace-backend/pkg/database"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/tenant"
)

// Lot lifecycle statuses
const (
	LotStatusQuarantine = "quarantine"
	LotStatusApproved   = "approved"
	LotStatusRejected   = "rejected"
	LotStatusDepleted   = "depleted"
)

// QC decisions
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Lot represents a received raw material lot
type Lot struct {
	ID                string          `db:"id" json:"id"`
	OrgID             string          `db:"org_id" json:"org_id"`
	PlantID           string          `db:"plant_id" json:"plant_id"`
	MaterialID        string          `db:"material_id" json:"material_id"`
	SupplierID        *string         `db:"supplier_id" json:"supplier_id,omitempty"`
	LotCode           string          `db:"lot_code" json:"lot_code"`
	QuantityReceived  decimal.Decimal `db:"quantity_received" json:"quantity_received"`
	QuantityRemaining decimal.Decimal `db:"quantity_remaining" json:"quantity_remaining"`
	Unit              string          `db:"unit" json:"unit"`
	Status            string          `db:"status" json:"status"`
	ExpiryDate        *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	ReceivedAt        time.Time       `db:"received_at" json:"received_at"`
	ReceivedBy        *string         `db:"received_by" json:"received_by,omitempty"`
	EvaluatedAt       *time.Time      `db:"evaluated_at" json:"evaluated_at,omitempty"`
	EvaluatedBy       *string         `db:"evaluated_by" json:"evaluated_by,omitempty"`
	QCNotes           *string         `db:"qc_notes" json:"qc_notes,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Consumption is one immutable draw against a lot
type Consumption struct {
	ID                string          `db:"id" json:"id"`
	OrgID             string          `db:"org_id" json:"org_id"`
	PlantID           string          `db:"plant_id" json:"plant_id"`
	LotID             string          `db:"lot_id" json:"lot_id"`
	MaterialID        string          `db:"material_id" json:"material_id"`
	ProductionOrderID *string         `db:"production_order_id" json:"production_order_id,omitempty"`
	Quantity          decimal.Decimal `db:"quantity" json:"quantity"`
	Reason            *string         `db:"reason" json:"reason,omitempty"`
	ConsumedBy        *string         `db:"consumed_by" json:"consumed_by,omitempty"`
	ConsumedAt        time.Time       `db:"consumed_at" json:"consumed_at"`
}

// LotRepository handles raw material lot persistence
type LotRepository struct {
	db *database.DB
}

// NewLotRepository creates a new lot repository
func NewLotRepository(db *database.DB) *LotRepository {
	return &LotRepository{db: db}
}

// Create receives a new lot. Every lot starts in quarantine with the full
// received quantity remaining.
func (r *LotRepository) Create(ctx context.Context, lot *Lot) error {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return errors.Forbidden("missing tenant scope")
	}
	lot.OrgID = scope.OrgID
	lot.PlantID = scope.PlantID

	if lot.ID == "" {
		lot.ID = uuid.New().String()
	}
	lot.Status = LotStatusQuarantine
	lot.QuantityRemaining = lot.QuantityReceived

	query := `
		INSERT INTO raw_material_lots (
			id, org_id, plant_id, material_id, supplier_id, lot_code,
			quantity_received, quantity_remaining, unit, status,
			expiry_date, received_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING received_at, created_at, updated_at
	`

	err = r.db.QueryRowxContext(ctx, query,
		lot.ID, lot.OrgID, lot.PlantID, lot.MaterialID, lot.SupplierID, lot.LotCode,
		lot.QuantityReceived, lot.QuantityRemaining, lot.Unit, lot.Status,
		lot.ExpiryDate, lot.ReceivedBy,
	).Scan(&lot.ReceivedAt, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetByID gets a lot by ID
func (r *LotRepository) GetByID(ctx context.Context, id string) (*Lot, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var lot Lot
	query := `SELECT * FROM raw_material_lots WHERE id = $1 AND org_id = $2 AND plant_id = $3`
	if err := r.db.GetContext(ctx, &lot, query, id, scope.OrgID, scope.PlantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("lot")
		}
		return nil, err
	}
	return &lot, nil
}

// ListByMaterial lists lots of a material, newest first
func (r *LotRepository) ListByMaterial(ctx context.Context, materialID string) ([]*Lot, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var lots []*Lot
	query := `
		SELECT * FROM raw_material_lots
		WHERE material_id = $1 AND org_id = $2 AND plant_id = $3
		ORDER BY received_at DESC
	`
	if err := r.db.SelectContext(ctx, &lots, query, materialID, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}
	return lots, nil
}

// Evaluate records the QC decision for a quarantined lot. The status
// predicate rides inside the UPDATE so a lot can only be evaluated once,
// even under concurrent requests.
func (r *LotRepository) Evaluate(ctx context.Context, id, decision string, notes *string, evaluatedBy *string) (*Lot, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, errors.BadRequest("decision must be approved or rejected")
	}

	var lot Lot
	query := `
		UPDATE raw_material_lots
		SET status = $4, evaluated_at = NOW(), evaluated_by = $5, qc_notes = $6, updated_at = NOW()
		WHERE id = $1 AND org_id = $2 AND plant_id = $3 AND status = 'quarantine'
		RETURNING *
	`
	err = r.db.GetContext(ctx, &lot, query, id, scope.OrgID, scope.PlantID, decision, evaluatedBy, notes)
	if err == nil {
		return &lot, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Zero rows: distinguish a missing lot from one already past quarantine
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, errors.InvalidState(fmt.Sprintf("lot is %s, only quarantined lots can be evaluated", current.Status))
}

// Consume atomically draws a quantity from an approved lot and writes the
// consumption record in the same transaction. The decrement only applies
// when the lot is approved and holds enough stock; a draw that races past
// another one re-checks against the updated remaining quantity and loses
// cleanly instead of going negative.
func (r *LotRepository) Consume(ctx context.Context, c *Consumption) (*Lot, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}
	c.OrgID = scope.OrgID
	c.PlantID = scope.PlantID

	if !c.Quantity.IsPositive() {
		return nil, errors.Validation(map[string]string{"quantity": "must be greater than zero"})
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	var lot Lot
	txErr := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		updateQuery := `
			UPDATE raw_material_lots
			SET quantity_remaining = quantity_remaining - $4,
			    status = CASE WHEN quantity_remaining - $4 = 0 THEN 'depleted' ELSE status END,
			    updated_at = NOW()
			WHERE id = $1 AND org_id = $2 AND plant_id = $3
			AND status = 'approved' AND quantity_remaining >= $4
			RETURNING *
		`
		err := tx.GetContext(ctx, &lot, updateQuery, c.LotID, scope.OrgID, scope.PlantID, c.Quantity)
		if err == sql.ErrNoRows {
			return r.diagnoseRefusedDraw(ctx, tx, scope, c.LotID, c.Quantity)
		}
		if err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}

		c.MaterialID = lot.MaterialID

		insertQuery := `
			INSERT INTO material_consumptions (
				id, org_id, plant_id, lot_id, material_id,
				production_order_id, quantity, reason, consumed_by
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING consumed_at
		`
		return tx.QueryRowxContext(ctx, insertQuery,
			c.ID, c.OrgID, c.PlantID, c.LotID, c.MaterialID,
			c.ProductionOrderID, c.Quantity, c.Reason, c.ConsumedBy,
		).Scan(&c.ConsumedAt)
	})
	if txErr != nil {
		return nil, txErr
	}
	return &lot, nil
}

// diagnoseRefusedDraw works out why the conditional decrement matched
// nothing: missing lot, wrong status, or not enough stock.
func (r *LotRepository) diagnoseRefusedDraw(ctx context.Context, tx *sqlx.Tx, scope tenant.Scope, lotID string, requested decimal.Decimal) error {
	var current struct {
		Status    string          `db:"status"`
		Remaining decimal.Decimal `db:"quantity_remaining"`
	}
	query := `
		SELECT status, quantity_remaining FROM raw_material_lots
		WHERE id = $1 AND org_id = $2 AND plant_id = $3
	`
	err := tx.GetContext(ctx, &current, query, lotID, scope.OrgID, scope.PlantID)
	if err == sql.ErrNoRows {
		return errors.NotFound("lot")
	}
	if err != nil {
		return err
	}

	if current.Status != LotStatusApproved {
		return errors.InvalidState(fmt.Sprintf("lot is %s, only approved lots can be consumed", current.Status))
	}

	return errors.InsufficientStock("requested quantity exceeds remaining stock").WithDetails(map[string]string{
		"requested": requested.String(),
		"available": current.Remaining.String(),
	})
}

// ListExpiring lists lots that still hold stock and expire within the window
func (r *LotRepository) ListExpiring(ctx context.Context, withinDays int) ([]*Lot, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var lots []*Lot
	query := `
		SELECT * FROM raw_material_lots
		WHERE org_id = $1 AND plant_id = $2
		AND status = 'approved' AND quantity_remaining > 0
		AND expiry_date IS NOT NULL
		AND expiry_date <= CURRENT_DATE + $3::int
		ORDER BY expiry_date
	`
	if err := r.db.SelectContext(ctx, &lots, query, scope.OrgID, scope.PlantID, withinDays); err != nil {
		return nil, err
	}
	return lots, nil
}

// CountByStatus tallies lots per lifecycle status for the dashboard
func (r *LotRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	rows := []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}{}
	query := `
		SELECT status, COUNT(*) AS count FROM raw_material_lots
		WHERE org_id = $1 AND plant_id = $2
		GROUP BY status
	`
	if err := r.db.SelectContext(ctx, &rows, query, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ApprovedStockByMaterial sums remaining approved stock per material
func (r *LotRepository) ApprovedStockByMaterial(ctx context.Context) ([]*MaterialStock, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var stocks []*MaterialStock
	query := `
		SELECT l.material_id, m.name AS material_name, m.unit, SUM(l.quantity_remaining) AS total_remaining
		FROM raw_material_lots l
		JOIN materials m ON m.id = l.material_id
		WHERE l.org_id = $1 AND l.plant_id = $2
		AND l.status = 'approved' AND l.quantity_remaining > 0
		GROUP BY l.material_id, m.name, m.unit
		ORDER BY m.name
	`
	if err := r.db.SelectContext(ctx, &stocks, query, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}
	return stocks, nil
}

// MaterialStock is the aggregated approved stock for one material
type MaterialStock struct {
	MaterialID     string          `db:"material_id" json:"material_id"`
	MaterialName   string          `db:"material_name" json:"material_name"`
	Unit           string          `db:"unit" json:"unit"`
	TotalRemaining decimal.Decimal `db:"total_remaining" json:"total_remaining"`
}
