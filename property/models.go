package property

import "time"

type Status string

const (
	StatusAvailable Status = "available"
	StatusRented    Status = "rented"
)

// Property is a rentable unit owned by a landlord.
type Property struct {
	ID            string
	OwnerID       string
	StreetAddress string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
