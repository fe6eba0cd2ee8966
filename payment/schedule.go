package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// GenerateSchedule derives the payments owed under an agreement: one per
// month, the first due one month after start. durationMonths must be positive;
// callers validate it.
func GenerateSchedule(start time.Time, durationMonths int, rent decimal.Decimal) []Payment {
	out := make([]Payment, 0, max(durationMonths, 0))
	for i := 0; i < durationMonths; i++ {
		out = append(out, Payment{
			Index:   i,
			DueDate: start.AddDate(0, i+1, 0),
			Amount:  rent,
			Penalty: decimal.Zero,
			Status:  StatusPending,
		})
	}
	return out
}
