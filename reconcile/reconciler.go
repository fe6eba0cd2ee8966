package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"leasechain/ledger"
)

// ErrNotReady is returned when an event depends on another event that has not
// been reconciled yet. The caller should retry it later.
var ErrNotReady = errors.New("reconcile: dependency not yet reconciled")

// AnomalyError describes an event that cannot be correlated with the store.
// Anomalies are logged and dropped; the event is not marked processed.
type AnomalyError struct {
	Event  string
	Reason string
	Err    error
}

func (e *AnomalyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reconcile: %s: %s: %v", e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("reconcile: %s: %s", e.Event, e.Reason)
}

func (e *AnomalyError) Unwrap() error { return e.Err }

func anomaly(ev ledger.Event, reason string, err error) error {
	return &AnomalyError{Event: ev.Name, Reason: reason, Err: err}
}

// Target identifies the agreement contract a stream belongs to.
type Target struct {
	AgreementID string
	Kind        ledger.ContractKind
	Address     common.Address
}

// Outcome reports what Apply did with an event.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

type handlerFunc func(ctx context.Context, tx Tx, t Target, ev ledger.Event) error

type handlerKey struct {
	kind  ledger.ContractKind
	event string
}

// Reconciler applies decoded ledger events to the store.
type Reconciler struct {
	store    Store
	seen     SeenSet
	log      *slog.Logger
	now      func() time.Time
	handlers map[handlerKey]handlerFunc
}

type Option func(*Reconciler)

// WithSeenSet enables the duplicate short-circuit.
func WithSeenSet(seen SeenSet) Option {
	return func(r *Reconciler) { r.seen = seen }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithClock overrides the clock used when an event carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func New(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store: store,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.handlers = map[handlerKey]handlerFunc{
		{ledger.KindRentalTerms, ledger.EventLandlordSigned}:         r.landlordSigned,
		{ledger.KindRentalTerms, ledger.EventTenantSigned}:           r.tenantSigned,
		{ledger.KindRentalTerms, ledger.EventTerminated}:             r.terminated,
		{ledger.KindPaymentSchedule, ledger.EventRentPaid}:           r.rentPaid,
		{ledger.KindPaymentSchedule, ledger.EventPenaltyApplied}:     r.penaltyApplied,
		{ledger.KindDisputeArbitration, ledger.EventDisputeCreated}:  r.disputeCreated,
		{ledger.KindDisputeArbitration, ledger.EventDisputeResolved}: r.disputeResolved,
	}
	return r
}

// Handles reports whether an event type has a handler.
func (r *Reconciler) Handles(kind ledger.ContractKind, event string) bool {
	_, ok := r.handlers[handlerKey{kind, event}]
	return ok
}

// Apply reconciles one event in a single transaction together with its
// idempotency key. Duplicates and anomalies return a nil error. Any returned
// error is transient (store failure or ErrNotReady) and the event may be
// retried.
func (r *Reconciler) Apply(ctx context.Context, t Target, ev ledger.Event) (Outcome, error) {
	log := r.log.With("agreement_id", t.AgreementID, "event", ev.Name, "key", ev.Key(), "block", ev.BlockNumber)

	if ev.Removed {
		log.Warn("ignoring log removed by reorg")
		return OutcomeDropped, nil
	}
	h, ok := r.handlers[handlerKey{t.Kind, ev.Name}]
	if !ok {
		log.Warn("no handler for event", "kind", t.Kind)
		return OutcomeDropped, nil
	}

	key := ev.Key()
	if r.seen != nil {
		seen, err := r.seen.Seen(ctx, key)
		if err != nil {
			log.Debug("seen set lookup failed", "error", err)
		} else if seen {
			return OutcomeDuplicate, nil
		}
	}

	err := r.store.InTx(ctx, func(tx Tx) error {
		if err := tx.MarkProcessed(ctx, key, t.AgreementID, ev.Name); err != nil {
			return err
		}
		return h(ctx, tx, t, ev)
	})

	var anomalyErr *AnomalyError
	switch {
	case err == nil:
		log.Debug("event reconciled")
	case errors.Is(err, ErrDuplicateEvent):
		log.Debug("duplicate event skipped")
		r.markSeen(ctx, log, key)
		return OutcomeDuplicate, nil
	case errors.As(err, &anomalyErr):
		log.Warn("reconciliation anomaly, dropping event", "reason", anomalyErr.Reason, "error", anomalyErr.Err)
		return OutcomeDropped, nil
	default:
		return OutcomeDropped, err
	}

	r.markSeen(ctx, log, key)
	return OutcomeApplied, nil
}

func (r *Reconciler) markSeen(ctx context.Context, log *slog.Logger, key string) {
	if r.seen == nil {
		return
	}
	if err := r.seen.MarkSeen(ctx, key); err != nil {
		log.Debug("seen set update failed", "error", err)
	}
}
