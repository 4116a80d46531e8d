package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/qualitrace/qualitrace-backend/pkg/database"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/tenant"
)

// Material categories
const (
	CategoryRawMaterial = "raw_material"
	CategoryReagent     = "reagent"
	CategoryPackaging   = "packaging"
)

// Material represents a catalogue entry for anything consumed in production
type Material struct {
	ID                string         `db:"id" json:"id"`
	OrgID             string         `db:"org_id" json:"org_id"`
	PlantID           string         `db:"plant_id" json:"plant_id"`
	Name              string         `db:"name" json:"name"`
	Code              string         `db:"code" json:"code"`
	Category          string         `db:"category" json:"category"`
	Unit              string         `db:"unit" json:"unit"`
	Allergens         pq.StringArray `db:"allergens" json:"allergens"`
	StorageConditions *string        `db:"storage_conditions" json:"storage_conditions,omitempty"`
	Active            bool           `db:"active" json:"active"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// MaterialRepository handles material catalogue persistence
type MaterialRepository struct {
	db *database.DB
}

// NewMaterialRepository creates a new material repository
func NewMaterialRepository(db *database.DB) *MaterialRepository {
	return &MaterialRepository{db: db}
}

// Create creates a new material
func (r *MaterialRepository) Create(ctx context.Context, m *Material) error {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return errors.Forbidden("missing tenant scope")
	}
	m.OrgID = scope.OrgID
	m.PlantID = scope.PlantID

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Allergens == nil {
		m.Allergens = pq.StringArray{}
	}

	query := `
		INSERT INTO materials (
			id, org_id, plant_id, name, code, category, unit,
			allergens, storage_conditions, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRowxContext(ctx, query,
		m.ID, m.OrgID, m.PlantID, m.Name, m.Code, m.Category, m.Unit,
		m.Allergens, m.StorageConditions, m.Active,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// GetByID gets a material by ID
func (r *MaterialRepository) GetByID(ctx context.Context, id string) (*Material, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, errors.Forbidden("missing tenant scope")
	}

	var m Material
	query := `SELECT * FROM materials WHERE id = $1 AND org_id = $2 AND plant_id = $3`
	if err := r.db.GetContext(ctx, &m, query, id, scope.OrgID, scope.PlantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("material")
		}
		return nil, err
	}
	return &m, nil
}

// List lists materials with pagination, optionally filtered by category
func (r *MaterialRepository) List(ctx context.Context, category string, page, perPage int) ([]*Material, int64, error) {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, 0, errors.Forbidden("missing tenant scope")
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	offset := (page - 1) * perPage

	var total int64
	countQuery := `
		SELECT COUNT(*) FROM materials
		WHERE org_id = $1 AND plant_id = $2 AND active = true
		AND ($3 = '' OR category = $3)
	`
	if err := r.db.GetContext(ctx, &total, countQuery, scope.OrgID, scope.PlantID, category); err != nil {
		return nil, 0, err
	}

	var materials []*Material
	query := `
		SELECT * FROM materials
		WHERE org_id = $1 AND plant_id = $2 AND active = true
		AND ($3 = '' OR category = $3)
		ORDER BY name
		LIMIT $4 OFFSET $5
	`
	if err := r.db.SelectContext(ctx, &materials, query, scope.OrgID, scope.PlantID, category, perPage, offset); err != nil {
		return nil, 0, err
	}
	return materials, total, nil
}

// Update updates a material's editable fields
func (r *MaterialRepository) Update(ctx context.Context, m *Material) error {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return errors.Forbidden("missing tenant scope")
	}

	query := `
		UPDATE materials SET
			name = $4, unit = $5, allergens = $6, storage_conditions = $7,
			updated_at = NOW()
		WHERE id = $1 AND org_id = $2 AND plant_id = $3
	`

	result, err := r.db.ExecContext(ctx, query,
		m.ID, scope.OrgID, scope.PlantID,
		m.Name, m.Unit, m.Allergens, m.StorageConditions,
	)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("material")
	}

	return nil
}

// Deactivate soft-deletes a material so history stays intact
func (r *MaterialRepository) Deactivate(ctx context.Context, id string) error {
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return errors.Forbidden("missing tenant scope")
	}

	query := `
		UPDATE materials SET active = false, updated_at = NOW()
		WHERE id = $1 AND org_id = $2 AND plant_id = $3 AND active = true
	`
	result, err := r.db.ExecContext(ctx, query, id, scope.OrgID, scope.PlantID)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("material")
	}

	return nil
}
