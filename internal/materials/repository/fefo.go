package repository

import "github.com/shopspring/decimal"

// FEFOCandidate is one batch as seen by the planner: identity and what is
// left in it. Callers must pass candidates already in first-expired-first-out
// order (expiry asc with nulls last, then received_at, then id), which is the
// same order the SQL locks them in.
type FEFOCandidate struct {
	ID        string
	Remaining decimal.Decimal
}

// BatchDraw is one planned slice of a multi-batch draw
type BatchDraw struct {
	BatchID  string          `json:"batch_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// PlanFEFO walks the candidates in order and assigns each one as much of the
// requested total as it can cover. It never plans a partial draw: when the
// candidates cannot satisfy the total, it returns ok=false and the aggregate
// available quantity so the caller can report the shortfall.
func PlanFEFO(candidates []FEFOCandidate, total decimal.Decimal) (draws []BatchDraw, available decimal.Decimal, ok bool) {
	available = decimal.Zero
	for _, c := range candidates {
		available = available.Add(c.Remaining)
	}
	if available.LessThan(total) {
		return nil, available, false
	}

	remaining := total
	for _, c := range candidates {
		if !remaining.IsPositive() {
			break
		}
		if !c.Remaining.IsPositive() {
			continue
		}

		take := c.Remaining
		if take.GreaterThan(remaining) {
			take = remaining
		}
		draws = append(draws, BatchDraw{BatchID: c.ID, Quantity: take})
		remaining = remaining.Sub(take)
	}

	return draws, available, true
}
