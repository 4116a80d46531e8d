package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qualitrace/qualitrace-backend/internal/materials/service"
)

func TestSupplierScore(t *testing.T) {
	tests := []struct {
		name     string
		total    int64
		rejected int64
		want     int
	}{
		{name: "no evaluated lots defaults to perfect", total: 0, rejected: 0, want: 100},
		{name: "no rejections", total: 10, rejected: 0, want: 100},
		{name: "all rejected", total: 5, rejected: 5, want: 0},
		{name: "three of ten rejected", total: 10, rejected: 3, want: 70},
		{name: "one of three rejected rounds up", total: 3, rejected: 1, want: 67},
		{name: "two of three rejected rounds down", total: 3, rejected: 2, want: 33},
		{name: "single rejection out of many", total: 200, rejected: 1, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, service.SupplierScore(tt.total, tt.rejected))
		})
	}
}
