package auth

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Role string

const (
	RoleLandlord Role = "landlord"
	RoleTenant   Role = "tenant"
	RoleAdmin    Role = "admin"
)

// User is the domain representation of an authenticated user.
// LedgerAddress is nil until the user links a wallet; it is the key used to
// correlate ledger events that only carry an address.
type User struct {
	ID            string
	Email         string
	FullName      string
	PasswordHash  string
	Role          Role
	LedgerAddress *common.Address
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FullName      string `json:"full_name"`
	Role          Role   `json:"role"`
	LedgerAddress string `json:"ledger_address"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
