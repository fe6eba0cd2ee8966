package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settle marks p paid. A payment that is already paid is left untouched and
// false is returned. The penalty reported with the settlement replaces the
// stored one; it is never accumulated.
func Settle(p *Payment, txHash string, paidAt time.Time, penalty decimal.Decimal) bool {
	if p.Status == StatusPaid {
		return false
	}
	p.Status = StatusPaid
	p.TransactionHash = &txHash
	p.PaidAt = &paidAt
	if penalty.IsPositive() {
		p.Penalty = penalty
	}
	return true
}

// ApplyPenalty records the penalty accrued on p. Paid payments keep their
// status; anything else becomes overdue.
func ApplyPenalty(p *Payment, penalty decimal.Decimal) bool {
	changed := !p.Penalty.Equal(penalty)
	p.Penalty = penalty
	if p.Status != StatusPaid && p.Status != StatusOverdue {
		p.Status = StatusOverdue
		changed = true
	}
	return changed
}
