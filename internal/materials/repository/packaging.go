package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/qualitrace/qualitrace-backend/pkg/database"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/tenant"
)

// PackagingLot represents one received lot of packaging material
type PackagingLot struct {
	ID                string          `db:"id" json:"id"`
	OrgID             string          `db:"org_id" json:"org_id"`
	PlantID           string          `db:"plant_id" json:"plant_id"`
	MaterialID        string          `db:"material_id" json:"material_id"`
	LotCode           string          `db:"lot_code" json:"lot_code"`
	QuantityReceived  decimal.Decimal `db:"quantity_received" json:"quantity_received"`
	QuantityRemaining decimal.Decimal `db:"quantity_remaining" json:"quantity_remaining"`
	Unit              string          `db:"unit" json:"unit"`
	Status            string          `db:"status" json:"status"`
	ExpiryDate        *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	ReceivedAt        time.Time       `db:"received_at" json:"received_at"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// PackagingMovement is one ledger entry for packaging stock
type PackagingMovement struct {
	ID            string          `db:"id" json:"id"`
	OrgID         string          `db:"org_id" json:"org_id"`
	PlantID       string          `db:"plant_id" json:"plant_id"`
	MaterialID    string          `db:"material_id" json:"material_id"`
	MovementType  string          `db:"movement_type" json:"movement_type"`
	TotalQuantity decimal.Decimal `db:"total_quantity" json:"total_quantity"`
	Breakdown     json.RawMessage `db:"breakdown" json:"breakdown"`
	Reason        *string         `db:"reason" json:"reason,omitempty"`
	PerformedBy   *string         `db:"performed_by" json:"performed_by,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// PackagingRepository handles packaging lot and movement persistence
type PackagingRepository struct {
	db *database.DB
}

// NewPackagingRepository creates a new packaging repository
func NewPackagingRepository(db *database.DB) *PackagingRepository {
	return &PackagingRepository{db: db}
}

// CreateLot receives a packaging lot and logs the matching 'in' movement
// in the same transaction.
func (r *PackagingRepository) CreateLot(ctx context.Context, lot *PackagingLot) (*PackagingMovement, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}
	lot.OrgID = scope.OrgID
	lot.PlantID = scope.PlantID

	if lot.ID == "" {
		lot.ID = uuid.New().String()
	}
	lot.Status = BatchStatusActive
	lot.QuantityRemaining = lot.QuantityReceived

	breakdown, err := json.Marshal([]BatchDraw{{BatchID: lot.ID, Quantity: lot.QuantityReceived}})
	if err != nil {
		return nil, err
	}

	movement := &PackagingMovement{
		ID:            uuid.New().String(),
		OrgID:         scope.OrgID,
		PlantID:       scope.PlantID,
		MaterialID:    lot.MaterialID,
		MovementType:  MovementIn,
		TotalQuantity: lot.QuantityReceived,
		Breakdown:     breakdown,
	}

	txErr := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		lotQuery := `
			INSERT INTO packaging_lots (
				id, org_id, plant_id, material_id, lot_code,
				quantity_received, quantity_remaining, unit, status, expiry_date
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING received_at, created_at, updated_at
		`
		err := tx.QueryRowxContext(ctx, lotQuery,
			lot.ID, lot.OrgID, lot.PlantID, lot.MaterialID, lot.LotCode,
			lot.QuantityReceived, lot.QuantityRemaining, lot.Unit, lot.Status, lot.ExpiryDate,
		).Scan(&lot.ReceivedAt, &lot.CreatedAt, &lot.UpdatedAt)
		if err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}

		return insertPackagingMovement(ctx, tx, movement)
	})
	if txErr != nil {
		return nil, txErr
	}
	return movement, nil
}

// ListLots lists packaging lots for a material in FEFO order
func (r *PackagingRepository) ListLots(ctx context.Context, materialID string) ([]*PackagingLot, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var lots []*PackagingLot
	query := `
		SELECT * FROM packaging_lots
		WHERE material_id = $1 AND org_id = $2 AND plant_id = $3
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
	`
	if err := r.db.SelectContext(ctx, &lots, query, materialID, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}
	return lots, nil
}

// GetLotByID gets a packaging lot by ID
func (r *PackagingRepository) GetLotByID(ctx context.Context, id string) (*PackagingLot, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var lot PackagingLot
	query := `SELECT * FROM packaging_lots WHERE id = $1 AND org_id = $2 AND plant_id = $3`
	if err := r.db.GetContext(ctx, &lot, query, id, scope.OrgID, scope.PlantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("packaging lot")
		}
		return nil, err
	}
	return &lot, nil
}

// Consume draws a total quantity across a material's packaging lots in FEFO
// order, with the same all-or-nothing discipline as reagent consumption.
func (r *PackagingRepository) Consume(ctx context.Context, materialID string, total decimal.Decimal, reason *string, performedBy *string) (*PackagingMovement, []BatchDraw, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, nil, errors.Forbidden("missing tenant scope")
	}
	if !total.IsPositive() {
		return nil, nil, errors.Validation(map[string]string{"quantity": "must be greater than zero"})
	}

	movement := &PackagingMovement{
		ID:            uuid.New().String(),
		OrgID:         scope.OrgID,
		PlantID:       scope.PlantID,
		MaterialID:    materialID,
		MovementType:  MovementOut,
		TotalQuantity: total,
		Reason:        reason,
		PerformedBy:   performedBy,
	}

	var draws []BatchDraw
	txErr := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		lockQuery := `
			SELECT id, quantity_remaining FROM packaging_lots
			WHERE material_id = $1 AND org_id = $2 AND plant_id = $3
			AND status = 'active' AND quantity_remaining > 0
			ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
			FOR UPDATE
		`
		rows := []struct {
			ID        string          `db:"id"`
			Remaining decimal.Decimal `db:"quantity_remaining"`
		}{}
		if err := tx.SelectContext(ctx, &rows, lockQuery, materialID, scope.OrgID, scope.PlantID); err != nil {
			return err
		}

		candidates := make([]FEFOCandidate, len(rows))
		for i, row := range rows {
			candidates[i] = FEFOCandidate{ID: row.ID, Remaining: row.Remaining}
		}

		planned, available, ok := PlanFEFO(candidates, total)
		if !ok {
			return errors.InsufficientStock("requested quantity exceeds available packaging stock").WithDetails(map[string]string{
				"requested": total.String(),
				"available": available.String(),
			})
		}
		draws = planned

		deductQuery := `
			UPDATE packaging_lots
			SET quantity_remaining = quantity_remaining - $2,
			    status = CASE WHEN quantity_remaining - $2 = 0 THEN 'depleted' ELSE status END,
			    updated_at = NOW()
			WHERE id = $1
		`
		for _, draw := range draws {
			if _, err := tx.ExecContext(ctx, deductQuery, draw.BatchID, draw.Quantity); err != nil {
				if appErr := database.MapPQError(err); appErr != nil {
					return appErr
				}
				return err
			}
		}

		breakdown, err := json.Marshal(draws)
		if err != nil {
			return err
		}
		movement.Breakdown = breakdown

		return insertPackagingMovement(ctx, tx, movement)
	})
	if txErr != nil {
		return nil, nil, txErr
	}
	return movement, draws, nil
}

func insertPackagingMovement(ctx context.Context, tx *sqlx.Tx, m *PackagingMovement) error {
	query := `
		INSERT INTO packaging_movements (
			id, org_id, plant_id, material_id, movement_type,
			total_quantity, breakdown, reason, performed_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	return tx.QueryRowxContext(ctx, query,
		m.ID, m.OrgID, m.PlantID, m.MaterialID, m.MovementType,
		m.TotalQuantity, m.Breakdown, m.Reason, m.PerformedBy,
	).Scan(&m.CreatedAt)
}

// ListExpiringLots lists active packaging lots that expire within the window
func (r *PackagingRepository) ListExpiringLots(ctx context.Context, withinDays int) ([]*PackagingLot, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var lots []*PackagingLot
	query := `
		SELECT * FROM packaging_lots
		WHERE org_id = $1 AND plant_id = $2
		AND status = 'active' AND quantity_remaining > 0
		AND expiry_date IS NOT NULL
		AND expiry_date <= CURRENT_DATE + $3::int
		ORDER BY expiry_date
	`
	if err := r.db.SelectContext(ctx, &lots, query, scope.OrgID, scope.PlantID, withinDays); err != nil {
		return nil, err
	}
	return lots, nil
}
