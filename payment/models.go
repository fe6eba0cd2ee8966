package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusOverdue Status = "overdue"
)

// Payment is one expected rent obligation. Index matches the position of the
// obligation inside the payment schedule contract.
type Payment struct {
	ID              string
	AgreementID     string
	Index           int
	DueDate         time.Time
	Amount          decimal.Decimal
	Penalty         decimal.Decimal
	Status          Status
	TransactionHash *string
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
