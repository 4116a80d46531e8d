package database

import (
	"strings"

	"github.com/lib/pq"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return nil
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return errors.Conflict(formatConstraintMessage(pqErr))

	// Foreign key violation (23503)
	case "23503":
		return errors.BadRequest("referenced record does not exist")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

// mapCheckConstraint maps specific CHECK constraint names to user-friendly messages.
func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "quantity_remaining_range"):
		// The schema clamps 0 <= quantity_remaining <= quantity_received.
		// Hitting this means a decrement raced past the conditional guard.
		return errors.Internal("stock accounting violated remaining quantity bounds")

	case strings.Contains(constraint, "quantity_positive"):
		return errors.Validation(map[string]string{
			"quantity": "must be greater than zero",
		})

	case strings.Contains(constraint, "status_valid"):
		return errors.Validation(map[string]string{
			"status": "is not a recognized lifecycle status",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

// formatConstraintMessage creates a user-friendly message for unique constraint violations.
func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "lot_code"):
		return "a lot with this lot code already exists for this material"
	case strings.Contains(constraint, "batch_code"):
		return "a batch with this batch code already exists for this reagent"
	case strings.Contains(constraint, "material_code") || strings.Contains(constraint, "materials_code"):
		return "a material with this code already exists"
	case strings.Contains(constraint, "supplier"):
		return "a supplier with this code already exists"
	default:
		return "a record with these values already exists"
	}
}
