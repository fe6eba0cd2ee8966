package dispute

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("dispute: not found")
	ErrForbidden       = errors.New("dispute: forbidden")
	ErrBadStatus       = errors.New("dispute: invalid status transition")
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)

var transitions = map[Status][]Status{
	StatusOpen:     {StatusInReview, StatusResolved, StatusRejected},
	StatusInReview: {StatusResolved, StatusRejected},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transition.
func Terminal(s Status) bool {
	return s == StatusResolved || s == StatusRejected
}

// Resolve marks d resolved on behalf of a party. Resolving twice is an error.
func Resolve(d *Dispute, resolution, resolvedBy string, at time.Time) error {
	if d.Status == StatusResolved {
		return ErrAlreadyResolved
	}
	if !CanTransition(d.Status, StatusResolved) {
		return ErrBadStatus
	}
	setResolved(d, resolution, &resolvedBy, at)
	return nil
}

// ResolveFromLedger applies a reconciled resolution. The ledger outranks a
// local rejection; an already resolved dispute is left as is. resolvedBy may be
// nil when the resolver's address is not registered.
func ResolveFromLedger(d *Dispute, resolution string, resolvedBy *string, at time.Time, txHash string) bool {
	if d.Status == StatusResolved {
		return false
	}
	setResolved(d, resolution, resolvedBy, at)
	d.TransactionHash = &txHash
	return true
}

func setResolved(d *Dispute, resolution string, resolvedBy *string, at time.Time) {
	at = at.UTC()
	d.Status = StatusResolved
	d.Resolution = &resolution
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &at
}
