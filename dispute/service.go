package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"leasechain/agreement"
	"leasechain/db"
)

// Store defines the dispute data access required by the service.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	Save(ctx context.Context, tx pgx.Tx, prev Dispute, d Dispute, actorID *string) error
	ListByAgreement(ctx context.Context, agreementID string) ([]Dispute, error)
}

// AgreementReader resolves the parent agreement for authorization.
type AgreementReader interface {
	Get(ctx context.Context, q db.Querier, id string) (agreement.Agreement, error)
}

type Service struct {
	pool       db.TxBeginner
	repo       Store
	agreements AgreementReader
	now        func() time.Time
}

func NewService(pool db.TxBeginner, repo Store, agreements AgreementReader) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		agreements: agreements,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) authorize(ctx context.Context, actorID, agreementID string) error {
	a, err := s.agreements.Get(ctx, nil, agreementID)
	if err != nil {
		return fmt.Errorf("dispute: load agreement: %w", err)
	}
	if !a.IsParty(actorID) {
		return ErrForbidden
	}
	return nil
}

// File opens a dispute on behalf of a party. The ledger index is linked when
// the matching DisputeCreated event is reconciled.
func (s *Service) File(ctx context.Context, actorID, agreementID, description string) (Dispute, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Dispute{}, fmt.Errorf("dispute: description required")
	}
	if err := s.authorize(ctx, actorID, agreementID); err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.Insert(ctx, tx, Dispute{
		ID:          uuid.NewString(),
		AgreementID: agreementID,
		FiledBy:     actorID,
		Description: description,
		Status:      StatusOpen,
	})
	if err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit file: %w", err)
	}
	return d, nil
}

// List returns the disputes of an agreement the actor is party to.
func (s *Service) List(ctx context.Context, actorID, agreementID string) ([]Dispute, error) {
	if err := s.authorize(ctx, actorID, agreementID); err != nil {
		return nil, err
	}
	return s.repo.ListByAgreement(ctx, agreementID)
}

// UpdateStatus moves a dispute to in_review or rejected. Resolution goes
// through Resolve because it needs resolution text.
func (s *Service) UpdateStatus(ctx context.Context, actorID, disputeID string, next Status) (Dispute, error) {
	if next == StatusResolved {
		return Dispute{}, fmt.Errorf("%w: use Resolve to resolve a dispute", ErrBadStatus)
	}
	return s.mutate(ctx, actorID, disputeID, func(d *Dispute) error {
		if !CanTransition(d.Status, next) {
			return ErrBadStatus
		}
		d.Status = next
		return nil
	})
}

// Resolve closes a dispute with resolution text. Resolving an already
// resolved dispute returns ErrAlreadyResolved.
func (s *Service) Resolve(ctx context.Context, actorID, disputeID, resolution string) (Dispute, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return Dispute{}, fmt.Errorf("dispute: resolution required")
	}
	return s.mutate(ctx, actorID, disputeID, func(d *Dispute) error {
		return Resolve(d, resolution, actorID, s.now())
	})
}

func (s *Service) mutate(ctx context.Context, actorID, disputeID string, apply func(*Dispute) error) (Dispute, error) {
	current, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if err := s.authorize(ctx, actorID, current.AgreementID); err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	prev := d
	if err := apply(&d); err != nil {
		return Dispute{}, err
	}
	if err := s.repo.Save(ctx, tx, prev, d, &actorID); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return d, nil
}
