package service

import "math"

// SupplierScore derives a 0-100 performance score from evaluated lot
// outcomes: round((1 - rejected/total) * 100). A supplier with no evaluated
// lots scores 100; there is no evidence against them yet.
func SupplierScore(total, rejected int64) int {
	if total == 0 {
		return 100
	}
	ratio := float64(rejected) / float64(total)
	return int(math.Round((1 - ratio) * 100))
}
