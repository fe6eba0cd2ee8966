package actors

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"leasechain/agreement"
	"leasechain/dispute"
	"leasechain/ledger"
	"leasechain/outbox"
	"leasechain/payment"
	"leasechain/reconcile"
)

// Fixture is one seeded ledger-backed agreement and its parties.
type Fixture struct {
	AgreementID  string
	LandlordID   string
	TenantID     string
	LandlordAddr common.Address
	TenantAddr   common.Address
	Contracts    map[ledger.ContractKind]common.Address
	Payments     int
	// Terminate adds a ContractTerminated event to the replay script.
	Terminate bool
}

// Delivery is one event as a stream would hand it to the reconciler.
type Delivery struct {
	Target reconcile.Target
	Event  ledger.Event
}

// DisputeDescription is shared by the ledger script and the local filer so
// the two filing paths race to link the same dispute.
const DisputeDescription = "water damage in the kitchen"

var latePenalty = decimal.RequireFromString("0.05")

// Script builds the ledger history of f. Every event has a fixed tx hash, so
// replaying the script any number of times in any order must converge.
func Script(f Fixture, signedAt time.Time) []Delivery {
	var (
		out   []Delivery
		block uint64
	)
	add := func(kind ledger.ContractKind, name string, seq int, fields map[string]any) {
		block++
		out = append(out, Delivery{
			Target: reconcile.Target{AgreementID: f.AgreementID, Kind: kind, Address: f.Contracts[kind]},
			Event: ledger.Event{
				Kind:        kind,
				Name:        name,
				Address:     f.Contracts[kind],
				BlockNumber: block,
				TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%s/%d", f.AgreementID, name, seq))),
				Fields:      fields,
			},
		})
	}
	unix := func(t time.Time) *big.Int { return big.NewInt(t.Unix()) }

	add(ledger.KindRentalTerms, ledger.EventLandlordSigned, 0, map[string]any{"timestamp": unix(signedAt.Add(-time.Hour))})
	add(ledger.KindRentalTerms, ledger.EventTenantSigned, 0, map[string]any{"timestamp": unix(signedAt)})
	for i := 0; i < f.Payments; i++ {
		add(ledger.KindPaymentSchedule, ledger.EventRentPaid, i, map[string]any{
			"paymentId": big.NewInt(int64(i)),
			"penalty":   big.NewInt(0),
			"timestamp": unix(signedAt.AddDate(0, i, 1)),
		})
	}
	if f.Payments > 0 {
		add(ledger.KindPaymentSchedule, ledger.EventPenaltyApplied, 0, map[string]any{
			"paymentId":     big.NewInt(int64(f.Payments - 1)),
			"penaltyAmount": ledger.WeiFromEther(latePenalty),
		})
	}
	add(ledger.KindDisputeArbitration, ledger.EventDisputeCreated, 0, map[string]any{
		"disputeId":   big.NewInt(0),
		"filedBy":     f.TenantAddr,
		"description": DisputeDescription,
	})
	add(ledger.KindDisputeArbitration, ledger.EventDisputeResolved, 0, map[string]any{
		"disputeId":  big.NewInt(0),
		"resolvedBy": f.LandlordAddr,
		"resolution": "repaired by landlord",
		"timestamp":  unix(signedAt.AddDate(0, 0, 10)),
	})
	if f.Terminate {
		add(ledger.KindRentalTerms, ledger.EventTerminated, 0, map[string]any{})
	}
	return out
}

// Stats counts replay outcomes across actors.
type Stats struct {
	Applied    atomic.Int64
	Duplicates atomic.Int64
	Dropped    atomic.Int64
	NotReady   atomic.Int64
	Failed     atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("applied=%d duplicates=%d dropped=%d not_ready=%d failed=%d",
		s.Applied.Load(), s.Duplicates.Load(), s.Dropped.Load(), s.NotReady.Load(), s.Failed.Load())
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Replayer redelivers random events of script, the way overlapping backfills
// and reconnects do. Store failures caused by chaos are counted, not fatal.
func Replayer(ctx context.Context, r *reconcile.Reconciler, script []Delivery, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d := script[rand.Intn(len(script))]
		out, err := r.Apply(ctx, d.Target, d.Event)
		switch {
		case err == nil:
			switch out {
			case reconcile.OutcomeApplied:
				stats.Applied.Add(1)
			case reconcile.OutcomeDuplicate:
				stats.Duplicates.Add(1)
			default:
				stats.Dropped.Add(1)
			}
		case errors.Is(err, reconcile.ErrNotReady):
			stats.NotReady.Add(1)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			stats.Failed.Add(1)
		}
		pause(2, 15)
	}
}

// LocalSigner signs through the service while the ledger signatures are being
// replayed, racing the local and ledger paths on the same row.
func LocalSigner(ctx context.Context, svc *agreement.Service, f Fixture, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		actor, party := f.LandlordID, agreement.PartyLandlord
		if rand.Intn(2) == 0 {
			actor, party = f.TenantID, agreement.PartyTenant
		}
		if _, err := svc.Sign(ctx, actor, f.AgreementID, party); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(40, 60)
	}
}

// Disputer files the tenant's dispute locally once, then keeps nudging open
// disputes into review while ledger resolutions arrive.
func Disputer(ctx context.Context, svc *dispute.Service, f Fixture, stop <-chan struct{}) error {
	filed := false
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if !filed {
			if _, err := svc.File(ctx, f.TenantID, f.AgreementID, DisputeDescription); err == nil {
				filed = true
			}
		}
		disputes, err := svc.List(ctx, f.LandlordID, f.AgreementID)
		if err == nil {
			for _, d := range disputes {
				if d.Status == dispute.StatusOpen {
					_, _ = svc.UpdateStatus(ctx, f.LandlordID, d.ID, dispute.StatusInReview)
				}
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pause(50, 100)
	}
}

// Sweeper flags overdue payments as of asOf, competing with RentPaid replays.
func Sweeper(ctx context.Context, payments *payment.Repository, asOf time.Time, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := payments.MarkOverdue(ctx, asOf); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(150, 150)
	}
}

// FlakyPublisher fails one publish in every few.
type FlakyPublisher struct {
	Published atomic.Int64
}

func (p *FlakyPublisher) Publish(_ context.Context, _ outbox.Message) error {
	if rand.Intn(8) == 0 {
		return errors.New("broker unavailable")
	}
	p.Published.Add(1)
	return nil
}

// OutboxWorker drains the outbox. Several workers may run side by side; rows
// are claimed with SKIP LOCKED.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := relay.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(80, 40)
	}
}
