package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusInReview Status = "in_review"
	StatusResolved Status = "resolved"
	StatusRejected Status = "rejected"
)

// Dispute mirrors the disputes table. Index is the position assigned by the
// dispute arbitration contract; it stays nil for a locally filed dispute until
// the matching ledger event is reconciled.
type Dispute struct {
	ID              string
	AgreementID     string
	FiledBy         string
	Description     string
	Status          Status
	Resolution      *string
	ResolvedBy      *string
	ResolvedAt      *time.Time
	Index           *int64
	TransactionHash *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
