package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/qualitrace/qualitrace-backend/pkg/database"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/tenant"
)

// Supplier represents a raw material supplier
type Supplier struct {
	ID           string    `db:"id" json:"id"`
	OrgID        string    `db:"org_id" json:"org_id"`
	PlantID      string    `db:"plant_id" json:"plant_id"`
	Name         string    `db:"name" json:"name"`
	Code         string    `db:"code" json:"code"`
	ContactEmail *string   `db:"contact_email" json:"contact_email,omitempty"`
	Phone        *string   `db:"phone" json:"phone,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// LotOutcomeCounts holds the evaluated-lot tallies a supplier score derives from.
// Only lots that completed QC count; quarantined lots are pending, not outcomes.
type LotOutcomeCounts struct {
	Total    int64 `db:"total"`
	Rejected int64 `db:"rejected"`
}

// SupplierRepository handles supplier persistence
type SupplierRepository struct {
	db *database.DB
}

// NewSupplierRepository creates a new supplier repository
func NewSupplierRepository(db *database.DB) *SupplierRepository {
	return &SupplierRepository{db: db}
}

// Create creates a new supplier
func (r *SupplierRepository) Create(ctx context.Context, s *Supplier) error {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return errors.Forbidden("missing tenant scope")
	}
	s.OrgID = scope.OrgID
	s.PlantID = scope.PlantID

	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO suppliers (id, org_id, plant_id, name, code, contact_email, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRowxContext(ctx, query,
		s.ID, s.OrgID, s.PlantID, s.Name, s.Code, s.ContactEmail, s.Phone,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetByID gets a supplier by ID
func (r *SupplierRepository) GetByID(ctx context.Context, id string) (*Supplier, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var s Supplier
	query := `SELECT * FROM suppliers WHERE id = $1 AND org_id = $2 AND plant_id = $3`
	if err := r.db.GetContext(ctx, &s, query, id, scope.OrgID, scope.PlantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("supplier")
		}
		return nil, err
	}
	return &s, nil
}

// List lists suppliers for the current scope
func (r *SupplierRepository) List(ctx context.Context) ([]*Supplier, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var suppliers []*Supplier
	query := `SELECT * FROM suppliers WHERE org_id = $1 AND plant_id = $2 ORDER BY name`
	if err := r.db.SelectContext(ctx, &suppliers, query, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}
	return suppliers, nil
}

// LotOutcomes counts evaluated lots delivered by a supplier. A lot counts
// once its status left quarantine; depleted lots were approved first, so
// they count as accepted outcomes.
func (r *SupplierRepository) LotOutcomes(ctx context.Context, supplierID string) (*LotOutcomeCounts, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var counts LotOutcomeCounts
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'rejected') AS rejected
		FROM raw_material_lots
		WHERE supplier_id = $1 AND org_id = $2 AND plant_id = $3
		AND status IN ('approved', 'rejected', 'depleted')
	`
	if err := r.db.GetContext(ctx, &counts, query, supplierID, scope.OrgID, scope.PlantID); err != nil {
		return nil, err
	}
	return &counts, nil
}
