package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"leasechain/ledger"
)

const (
	// DefaultTimeout bounds the whole three-contract sequence.
	DefaultTimeout = 5 * time.Minute
	// DefaultPenaltyRatePct is the late-payment penalty passed to the payment schedule contract.
	DefaultPenaltyRatePct = 5
	// DefaultGracePeriodDays is the grace period passed to the payment schedule contract.
	DefaultGracePeriodDays = 3
)

// ErrDeploymentFailed is wrapped by every deployment error.
var ErrDeploymentFailed = errors.New("deploy: deployment failed")

// Error reports which contract kind failed to deploy.
type Error struct {
	Kind ledger.ContractKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deploy: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrDeploymentFailed, e.Err}
}

// Request carries the terms an agreement's contracts are constructed with.
type Request struct {
	Landlord        common.Address
	Tenant          common.Address
	Rent            decimal.Decimal
	Deposit         decimal.Decimal
	DurationMonths  int
	PropertyAddress string
	Terms           string
	StartDate       time.Time
	PenaltyRatePct  int64
	GracePeriodDays int64
}

// Result holds the deployed addresses. All three are nil when DatabaseOnly.
type Result struct {
	Terms        *common.Address
	Payment      *common.Address
	Dispute      *common.Address
	DatabaseOnly bool
}

// Orchestrator sequences the deployment of one agreement's contracts.
type Orchestrator struct {
	client  ledger.Client
	timeout time.Duration
	penalty int64
	grace   int64
	log     *slog.Logger
}

type Option func(*Orchestrator)

func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPenaltyTerms sets the penalty rate and grace period used when a request
// leaves them unset.
func WithPenaltyTerms(ratePct, graceDays int64) Option {
	return func(o *Orchestrator) {
		o.penalty, o.grace = ratePct, graceDays
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func NewOrchestrator(client ledger.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:  client,
		timeout: DefaultTimeout,
		penalty: DefaultPenaltyRatePct,
		grace:   DefaultGracePeriodDays,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Deploy deploys the terms, payment schedule and dispute arbitration contracts
// in that order. The first failure aborts the sequence; addresses of contracts
// already mined are discarded with it. An unassigned landlord skips the ledger
// entirely and yields a database-only result.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (Result, error) {
	if ledger.IsUnassigned(req.Landlord) {
		o.log.Info("landlord has no ledger address, creating database-only agreement")
		return Result{DatabaseOnly: true}, nil
	}
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if req.PenaltyRatePct <= 0 {
		req.PenaltyRatePct = o.penalty
	}
	if req.GracePeriodDays <= 0 {
		req.GracePeriodDays = o.grace
	}
	if o.client == nil {
		return Result{}, &Error{Kind: ledger.KindRentalTerms, Err: errors.New("no ledger client configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	addrs := make(map[ledger.ContractKind]common.Address, len(ledger.DeploymentOrder))
	for _, kind := range ledger.DeploymentOrder {
		started := time.Now()
		addr, err := o.client.Deploy(ctx, kind, req.Landlord, req.constructorArgs(kind)...)
		if err != nil {
			o.log.Error("contract deployment failed", "kind", kind, "error", err)
			return Result{}, &Error{Kind: kind, Err: err}
		}
		if ledger.IsUnassigned(addr) {
			return Result{}, &Error{Kind: kind, Err: errors.New("ledger returned no contract address")}
		}
		o.log.Info("contract deployed", "kind", kind, "address", ledger.FormatAddress(addr), "elapsed", time.Since(started))
		addrs[kind] = addr
	}

	terms, payment, dispute := addrs[ledger.KindRentalTerms], addrs[ledger.KindPaymentSchedule], addrs[ledger.KindDisputeArbitration]
	return Result{Terms: &terms, Payment: &payment, Dispute: &dispute}, nil
}

func (r Request) validate() error {
	if r.DurationMonths <= 0 {
		return fmt.Errorf("deploy: duration must be positive, got %d", r.DurationMonths)
	}
	if !r.Rent.IsPositive() {
		return fmt.Errorf("deploy: rent must be positive")
	}
	if r.Deposit.IsNegative() {
		return fmt.Errorf("deploy: deposit must not be negative")
	}
	return nil
}

func (r Request) constructorArgs(kind ledger.ContractKind) []any {
	months := big.NewInt(int64(r.DurationMonths))
	switch kind {
	case ledger.KindRentalTerms:
		return []any{
			r.Tenant,
			ledger.WeiFromEther(r.Rent),
			ledger.WeiFromEther(r.Deposit),
			months,
			r.PropertyAddress,
			r.Terms,
		}
	case ledger.KindPaymentSchedule:
		penalty, grace := r.PenaltyRatePct, r.GracePeriodDays
		if penalty <= 0 {
			penalty = DefaultPenaltyRatePct
		}
		if grace <= 0 {
			grace = DefaultGracePeriodDays
		}
		return []any{
			r.Tenant,
			ledger.WeiFromEther(r.Rent),
			big.NewInt(r.StartDate.Unix()),
			months,
			big.NewInt(penalty),
			big.NewInt(grace),
		}
	case ledger.KindDisputeArbitration:
		// no arbitrator is appointed at creation
		return []any{r.Tenant, ledger.Unassigned}
	default:
		return nil
	}
}
