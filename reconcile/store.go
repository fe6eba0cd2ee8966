package reconcile

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"leasechain/agreement"
	"leasechain/dispute"
	"leasechain/payment"
)

var (
	// ErrDuplicateEvent is returned by Tx.MarkProcessed for an event already applied.
	ErrDuplicateEvent = errors.New("reconcile: event already processed")
	// ErrUnknownUser is returned when no user owns a ledger address.
	ErrUnknownUser = errors.New("reconcile: no user for ledger address")
)

// Store runs reconciliation units of work.
type Store interface {
	// InTx runs fn in one transaction, committing only if fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of mutations available to a handler. Lock methods take a row
// lock held until the transaction ends; not-found is reported with the owning
// package's ErrNotFound.
type Tx interface {
	MarkProcessed(ctx context.Context, key, agreementID, eventName string) error
	UserByLedgerAddress(ctx context.Context, addr common.Address) (string, error)

	LockAgreement(ctx context.Context, id string) (agreement.Agreement, error)
	SaveAgreement(ctx context.Context, prev, next agreement.Agreement) error

	LockPayment(ctx context.Context, agreementID string, index int) (payment.Payment, error)
	SavePayment(ctx context.Context, prev payment.Status, next payment.Payment) error

	LockDisputeByIndex(ctx context.Context, agreementID string, index int64) (dispute.Dispute, error)
	LockUnlinkedDispute(ctx context.Context, agreementID, filedBy, description string) (dispute.Dispute, error)
	InsertDispute(ctx context.Context, d dispute.Dispute) error
	SaveDispute(ctx context.Context, prev, next dispute.Dispute) error
}

// SeenSet is a fast, lossy record of applied event keys consulted before the
// transactional idempotency check.
type SeenSet interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string) error
}
