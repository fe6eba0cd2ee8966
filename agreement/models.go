package agreement

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"leasechain/ledger"
)

type Status string

const (
	StatusDraft            Status = "draft"
	StatusPendingSignature Status = "pending_signature"
	StatusActive           Status = "active"
	StatusTerminated       Status = "terminated"
)

// Party names one side of an agreement.
type Party string

const (
	PartyLandlord Party = "landlord"
	PartyTenant   Party = "tenant"
)

// Agreement mirrors the rental_agreements table.
type Agreement struct {
	ID             string
	PropertyID     string
	LandlordID     string
	TenantID       *string
	TermsAddress   *common.Address
	PaymentAddress *common.Address
	DisputeAddress *common.Address
	RentAmount     decimal.Decimal
	DepositAmount  decimal.Decimal
	DurationMonths int
	Terms          string
	Status         Status
	LandlordSigned bool
	TenantSigned   bool
	TenantSignedAt *time.Time
	StartDate      *time.Time
	EndDate        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DatabaseOnly reports whether the agreement was created without ledger
// contracts. Such agreements are never reconciled.
func (a Agreement) DatabaseOnly() bool {
	return a.TermsAddress == nil && a.PaymentAddress == nil && a.DisputeAddress == nil
}

// IsParty reports whether userID is the landlord or the tenant.
func (a Agreement) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	return a.LandlordID == userID || (a.TenantID != nil && *a.TenantID == userID)
}

// Contracts lists the deployed contract addresses by kind.
func (a Agreement) Contracts() map[ledger.ContractKind]common.Address {
	out := make(map[ledger.ContractKind]common.Address, 3)
	if a.TermsAddress != nil {
		out[ledger.KindRentalTerms] = *a.TermsAddress
	}
	if a.PaymentAddress != nil {
		out[ledger.KindPaymentSchedule] = *a.PaymentAddress
	}
	if a.DisputeAddress != nil {
		out[ledger.KindDisputeArbitration] = *a.DisputeAddress
	}
	return out
}

// MonitoredContracts lists the contracts whose events can still change the
// agreement. A terminated agreement drops its terms contract but keeps the
// payment and dispute contracts: rent mined before the termination, late
// penalties and deposit disputes still arrive after the lease ends.
func (a Agreement) MonitoredContracts() map[ledger.ContractKind]common.Address {
	out := a.Contracts()
	if a.Status == StatusTerminated {
		delete(out, ledger.KindRentalTerms)
	}
	return out
}

// Monitored reports whether ledger events for the agreement are still expected.
// Deployed drafts are included since their first signature arrives as an event.
func (a Agreement) Monitored() bool {
	return len(a.MonitoredContracts()) > 0
}

// CreateParams is the input to Service.Create.
type CreateParams struct {
	PropertyID     string
	TenantID       *string
	RentAmount     decimal.Decimal
	DepositAmount  decimal.Decimal
	DurationMonths int
	Terms          string
}
