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

// Batch lifecycle statuses
const (
	BatchStatusActive   = "active"
	BatchStatusDepleted = "depleted"
)

// Movement directions
const (
	MovementIn  = "in"
	MovementOut = "out"
)

// ReagentBatch represents one received batch of a reagent
type ReagentBatch struct {
	ID                string          `db:"id" json:"id"`
	OrgID             string          `db:"org_id" json:"org_id"`
	PlantID           string          `db:"plant_id" json:"plant_id"`
	ReagentID         string          `db:"reagent_id" json:"reagent_id"`
	BatchCode         string          `db:"batch_code" json:"batch_code"`
	QuantityReceived  decimal.Decimal `db:"quantity_received" json:"quantity_received"`
	QuantityRemaining decimal.Decimal `db:"quantity_remaining" json:"quantity_remaining"`
	Unit              string          `db:"unit" json:"unit"`
	Status            string          `db:"status" json:"status"`
	ExpiryDate        *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	ReceivedAt        time.Time       `db:"received_at" json:"received_at"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// ReagentMovement is one ledger entry: a receipt or a multi-batch draw
type ReagentMovement struct {
	ID            string          `db:"id" json:"id"`
	OrgID         string          `db:"org_id" json:"org_id"`
	PlantID       string          `db:"plant_id" json:"plant_id"`
	ReagentID     string          `db:"reagent_id" json:"reagent_id"`
	MovementType  string          `db:"movement_type" json:"movement_type"`
	TotalQuantity decimal.Decimal `db:"total_quantity" json:"total_quantity"`
	Breakdown     json.RawMessage `db:"breakdown" json:"breakdown"`
	Reason        *string         `db:"reason" json:"reason,omitempty"`
	PerformedBy   *string         `db:"performed_by" json:"performed_by,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// ReagentRepository handles reagent batch and movement persistence
type ReagentRepository struct {
	db *database.DB
}

// NewReagentRepository creates a new reagent repository
func NewReagentRepository(db *database.DB) *ReagentRepository {
	return &ReagentRepository{db: db}
}

// CreateBatch receives a reagent batch and logs the matching 'in' movement
// in the same transaction.
func (r *ReagentRepository) CreateBatch(ctx context.Context, batch *ReagentBatch) (*ReagentMovement, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}
	batch.OrgID = scope.OrgID
	batch.PlantID = scope.PlantID

	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	batch.Status = BatchStatusActive
	batch.QuantityRemaining = batch.QuantityReceived

	breakdown, err := json.Marshal([]BatchDraw{{BatchID: batch.ID, Quantity: batch.QuantityReceived}})
	if err != nil {
		return nil, err
	}

	movement := &ReagentMovement{
		ID:            uuid.New().String(),
		OrgID:         scope.OrgID,
		PlantID:       scope.PlantID,
		ReagentID:     batch.ReagentID,
		MovementType:  MovementIn,
		TotalQuantity: batch.QuantityReceived,
		Breakdown:     breakdown,
	}

	txErr := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		batchQuery := `
			INSERT INTO reagent_batches (
				id, org_id, plant_id, reagent_id, batch_code,
				quantity_received, quantity_remaining, unit, status, expiry_date
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING received_at, created_at, updated_at
		`
		err := tx.QueryRowxContext(ctx, batchQuery,
			batch.ID, batch.OrgID, batch.PlantID, batch.ReagentID, batch.BatchCode,
			batch.QuantityReceived, batch.QuantityRemaining, batch.Unit, batch.Status, batch.ExpiryDate,
		).Scan(&batch.ReceivedAt, &batch.CreatedAt, &batch.UpdatedAt)
		if err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}

		return insertReagentMovement(ctx, tx, movement)
	})
	if txErr != nil {
		return nil, txErr
	}
	return movement, nil
}

// GetBatchByID gets a reagent batch by ID
func (r *ReagentRepository) GetBatchByID(ctx context.Context, id string) (*ReagentBatch, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var batch ReagentBatch
	query := `SELECT * FROM reagent_batches WHERE id = $1 AND org_id = $2 AND plant_id = $3`
	if err := r.db.GetContext(ctx, &batch, query, id, scope.OrgID, scope.PlantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("reagent batch")
		}
		return nil, err
	}
	return &batch, nil
}

// ListBatches lists batches of a reagent in FEFO order
func (r *ReagentRepository) ListBatches(ctx context.Context, reagentID string) ([]*ReagentBatch, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var batches []*ReagentBatch
	query := `
		SELECT * FROM reagent_batches
		WHERE reagent_id = $1 AND org_id = $2 AND plant_id = $3
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
	`
	if err := r.db.SelectContext(ctx, &batches, query, reagentID, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}
	return batches, nil
}

// Consume draws a total quantity across a reagent's batches in FEFO order.
// Candidate rows are locked in deterministic order, the aggregate is checked
// before any decrement, and the whole draw lands as one 'out' movement with
// the per-batch breakdown. Nothing changes when the total cannot be covered.
func (r *ReagentRepository) Consume(ctx context.Context, reagentID string, total decimal.Decimal, reason *string, performedBy *string) (*ReagentMovement, []BatchDraw, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, nil, errors.Forbidden("missing tenant scope")
	}
	if !total.IsPositive() {
		return nil, nil, errors.Validation(map[string]string{"quantity": "must be greater than zero"})
	}

	movement := &ReagentMovement{
		ID:            uuid.New().String(),
		OrgID:         scope.OrgID,
		PlantID:       scope.PlantID,
		ReagentID:     reagentID,
		MovementType:  MovementOut,
		TotalQuantity: total,
		Reason:        reason,
		PerformedBy:   performedBy,
	}

	var draws []BatchDraw
	txErr := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		lockQuery := `
			SELECT id, quantity_remaining FROM reagent_batches
			WHERE reagent_id = $1 AND org_id = $2 AND plant_id = $3
			AND status = 'active' AND quantity_remaining > 0
			ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
			FOR UPDATE
		`
		rows := []struct {
			ID        string          `db:"id"`
			Remaining decimal.Decimal `db:"quantity_remaining"`
		}{}
		if err := tx.SelectContext(ctx, &rows, lockQuery, reagentID, scope.OrgID, scope.PlantID); err != nil {
			return err
		}

		candidates := make([]FEFOCandidate, len(rows))
		for i, row := range rows {
			candidates[i] = FEFOCandidate{ID: row.ID, Remaining: row.Remaining}
		}

		planned, available, ok := PlanFEFO(candidates, total)
		if !ok {
			return errors.InsufficientStock("requested quantity exceeds available reagent stock").WithDetails(map[string]string{
				"requested": total.String(),
				"available": available.String(),
			})
		}
		draws = planned

		deductQuery := `
			UPDATE reagent_batches
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

		return insertReagentMovement(ctx, tx, movement)
	})
	if txErr != nil {
		return nil, nil, txErr
	}
	return movement, draws, nil
}

func insertReagentMovement(ctx context.Context, tx *sqlx.Tx, m *ReagentMovement) error {
	query := `
		INSERT INTO reagent_movements (
			id, org_id, plant_id, reagent_id, movement_type,
			total_quantity, breakdown, reason, performed_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	return tx.QueryRowxContext(ctx, query,
		m.ID, m.OrgID, m.PlantID, m.ReagentID, m.MovementType,
		m.TotalQuantity, m.Breakdown, m.Reason, m.PerformedBy,
	).Scan(&m.CreatedAt)
}

// ListMovements lists the movement ledger for a reagent, newest first
func (r *ReagentRepository) ListMovements(ctx context.Context, reagentID string) ([]*ReagentMovement, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var movements []*ReagentMovement
	query := `
		SELECT * FROM reagent_movements
		WHERE reagent_id = $1 AND org_id = $2 AND plant_id = $3
		ORDER BY created_at DESC
	`
	if err := r.db.SelectContext(ctx, &movements, query, reagentID, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}
	return movements, nil
}

// ListExpiringBatches lists active batches that expire within the window
func (r *ReagentRepository) ListExpiringBatches(ctx context.Context, withinDays int) ([]*ReagentBatch, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var batches []*ReagentBatch
	query := `
		SELECT * FROM reagent_batches
		WHERE org_id = $1 AND plant_id = $2
		AND status = 'active' AND quantity_remaining > 0
		AND expiry_date IS NOT NULL
		AND expiry_date <= CURRENT_DATE + $3::int
		ORDER BY expiry_date
	`
	if err := r.db.SelectContext(ctx, &batches, query, scope.OrgID, scope.PlantID, withinDays); err != nil {
		return nil, err
	}
	return batches, nil
}
