package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/httputil"
)

func init() {
	// Date strings arrive as YYYY-MM-DD; validate the format before any
	// handler converts them.
	httputil.RegisterCustomValidation("dateonly", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("2006-01-02", fl.Field().String())
		return err == nil
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}

func totalPages(total int64, perPage int) int {
	if perPage < 1 {
		return 0
	}
	pages := int(total) / perPage
	if int(total)%perPage > 0 {
		pages++
	}
	return pages
}

// parseDate parses a YYYY-MM-DD query or body value
func parseDate(field, raw string) (time.Time, error) {
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errors.Validation(map[string]string{
			field: "must be a date in YYYY-MM-DD format",
		})
	}
	return date, nil
}

func parseOptionalDate(field string, raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	date, err := parseDate(field, *raw)
	if err != nil {
		return nil, err
	}
	return &date, nil
}
