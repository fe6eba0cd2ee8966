package agreement

import (
	"errors"
	"time"

	"leasechain/property"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("agreement: invalid status transition")
	// ErrWrongParty is returned when the actor is not the party the action requires.
	ErrWrongParty = errors.New("agreement: wrong party")
	// ErrNoTenant is returned when a tenant signature arrives for an agreement without a tenant.
	ErrNoTenant = errors.New("agreement: no tenant assigned")
)

// Source distinguishes local actions from reconciled ledger events. Ledger
// events are facts and are applied leniently; local actions are requests and
// are validated strictly.
type Source int

const (
	SourceLocal Source = iota
	SourceLedger
)

var transitions = map[Status][]Status{
	StatusDraft:            {StatusPendingSignature},
	StatusPendingSignature: {StatusActive},
	StatusActive:           {StatusTerminated},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplySignature records party's signature on a. at is the signing time: the
// event timestamp for ledger signatures, the local clock otherwise. The first
// signature moves a draft to pending_signature; once both flags are set the
// agreement activates with start = tenant signing time and end derived from
// it. It reports whether a changed.
func ApplySignature(a *Agreement, party Party, at time.Time, src Source) (bool, error) {
	before := *a

	if a.Status == StatusTerminated && src == SourceLocal {
		return false, ErrInvalidTransition
	}

	switch party {
	case PartyLandlord:
		a.LandlordSigned = true
	case PartyTenant:
		if a.TenantID == nil {
			return false, ErrNoTenant
		}
		a.TenantSigned = true
		// the ledger timestamp is authoritative over a locally recorded one
		if src == SourceLedger || a.TenantSignedAt == nil {
			signed := at.UTC()
			a.TenantSignedAt = &signed
		}
	default:
		return false, ErrWrongParty
	}

	if a.Status != StatusTerminated {
		if a.Status == StatusDraft {
			a.Status = StatusPendingSignature
		}
		if a.LandlordSigned && a.TenantSigned {
			activate(a)
		}
	}

	return lifecycleChanged(before, *a), nil
}

// activate re-derives the term from the tenant signature every time so a stale
// end date is never carried forward.
func activate(a *Agreement) {
	start := a.TenantSignedAt.UTC()
	end := start.AddDate(0, a.DurationMonths, 0)
	a.Status = StatusActive
	a.StartDate = &start
	a.EndDate = &end
}

// Terminate moves a to terminated. Locally only an active agreement may be
// terminated; a ledger termination is applied from any state. Terminating a
// terminated agreement from the ledger is a no-op.
func Terminate(a *Agreement, src Source) (bool, error) {
	if a.Status == StatusTerminated {
		if src == SourceLedger {
			return false, nil
		}
		return false, ErrInvalidTransition
	}
	if src == SourceLocal && !CanTransition(a.Status, StatusTerminated) {
		return false, ErrInvalidTransition
	}
	a.Status = StatusTerminated
	return true, nil
}

func lifecycleChanged(a, b Agreement) bool {
	return a.Status != b.Status ||
		a.LandlordSigned != b.LandlordSigned ||
		a.TenantSigned != b.TenantSigned ||
		!sameTime(a.TenantSignedAt, b.TenantSignedAt) ||
		!sameTime(a.StartDate, b.StartDate) ||
		!sameTime(a.EndDate, b.EndDate)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// PropertyStatusFor returns the status the linked property takes when an
// agreement moves from prev to next, and false when it is unaffected.
func PropertyStatusFor(prev, next Status) (property.Status, bool) {
	switch {
	case next == prev:
		return "", false
	case next == StatusActive:
		return property.StatusRented, true
	case next == StatusTerminated:
		return property.StatusAvailable, true
	default:
		return "", false
	}
}
