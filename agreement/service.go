package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"leasechain/auth"
	"leasechain/db"
	"leasechain/deploy"
	"leasechain/ledger"
	"leasechain/payment"
	"leasechain/property"
)

var (
	// ErrForbidden is returned when the actor is not a party to the agreement.
	ErrForbidden = errors.New("agreement: forbidden")
	// ErrInvalidParams is returned when creation input fails validation.
	ErrInvalidParams = errors.New("agreement: invalid parameters")
)

// Store defines the agreement data access required by the service.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error)
	Get(ctx context.Context, q db.Querier, id string) (Agreement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	SaveLifecycle(ctx context.Context, tx pgx.Tx, prev, next Agreement, actorID *string) error
	AppendCreated(ctx context.Context, tx pgx.Tx, a Agreement) error
	ListForUser(ctx context.Context, userID string) ([]Agreement, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
}

// PaymentWriter persists a generated schedule.
type PaymentWriter interface {
	BulkInsert(ctx context.Context, tx pgx.Tx, payments []payment.Payment) error
}

// UserReader resolves parties.
type UserReader interface {
	GetUserByID(ctx context.Context, userID string) (auth.User, error)
}

// PropertyReader resolves the property being let.
type PropertyReader interface {
	GetByID(ctx context.Context, id string) (property.Property, error)
}

// Deployer deploys an agreement's ledger contracts.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

// Subscriber starts event monitoring for an agreement. Monitoring is never
// stopped from here: a terminated agreement still settles rent and disputes.
type Subscriber interface {
	AddSubscriptionsFor(ctx context.Context, agreementID string) error
}

// Deps groups the collaborators of Service.
type Deps struct {
	Pool       db.TxBeginner
	Repo       Store
	Payments   PaymentWriter
	Users      UserReader
	Properties PropertyReader
	Deployer   Deployer
	// Subscriber may be nil when no ledger is configured.
	Subscriber Subscriber
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

type Service struct {
	pool       db.TxBeginner
	repo       Store
	payments   PaymentWriter
	users      UserReader
	properties PropertyReader
	deployer   Deployer
	subs       Subscriber
	log        *slog.Logger
	now        func() time.Time
	newID      func() string
}

func NewService(d Deps) *Service {
	s := &Service{
		pool:       d.Pool,
		repo:       d.Repo,
		payments:   d.Payments,
		users:      d.Users,
		properties: d.Properties,
		deployer:   d.Deployer,
		subs:       d.Subscriber,
		log:        d.Logger,
		now:        d.Now,
		newID:      d.NewID,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Create deploys the agreement's contracts and persists the agreement with its
// payment schedule in one transaction. Nothing is written when deployment
// fails. Monitoring starts once the transaction commits.
func (s *Service) Create(ctx context.Context, landlordID string, params CreateParams) (Agreement, error) {
	if err := validateCreate(params); err != nil {
		return Agreement{}, err
	}

	prop, err := s.properties.GetByID(ctx, params.PropertyID)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: load property: %w", err)
	}
	if prop.OwnerID != landlordID {
		return Agreement{}, ErrForbidden
	}

	landlord, err := s.users.GetUserByID(ctx, landlordID)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: load landlord: %w", err)
	}
	tenantAddr := ledger.Unassigned
	if params.TenantID != nil {
		if *params.TenantID == landlordID {
			return Agreement{}, fmt.Errorf("%w: landlord cannot be the tenant", ErrInvalidParams)
		}
		tenant, err := s.users.GetUserByID(ctx, *params.TenantID)
		if err != nil {
			return Agreement{}, fmt.Errorf("agreement: load tenant: %w", err)
		}
		tenantAddr = ledger.AddressOrUnassigned(tenant.LedgerAddress)
	}

	now := s.now()
	res, err := s.deployer.Deploy(ctx, deploy.Request{
		Landlord:        ledger.AddressOrUnassigned(landlord.LedgerAddress),
		Tenant:          tenantAddr,
		Rent:            params.RentAmount,
		Deposit:         params.DepositAmount,
		DurationMonths:  params.DurationMonths,
		PropertyAddress: prop.StreetAddress,
		Terms:           params.Terms,
		StartDate:       now,
	})
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: %w", err)
	}

	a := Agreement{
		ID:             s.newID(),
		PropertyID:     prop.ID,
		LandlordID:     landlordID,
		TenantID:       params.TenantID,
		TermsAddress:   res.Terms,
		PaymentAddress: res.Payment,
		DisputeAddress: res.Dispute,
		RentAmount:     params.RentAmount,
		DepositAmount:  params.DepositAmount,
		DurationMonths: params.DurationMonths,
		Terms:          params.Terms,
		Status:         StatusDraft,
	}

	schedule := payment.GenerateSchedule(now, params.DurationMonths, params.RentAmount)
	for i := range schedule {
		schedule[i].ID = s.newID()
		schedule[i].AgreementID = a.ID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, a)
	if err != nil {
		return Agreement{}, err
	}
	if err := s.payments.BulkInsert(ctx, tx, schedule); err != nil {
		return Agreement{}, err
	}
	if err := s.repo.AppendCreated(ctx, tx, created); err != nil {
		return Agreement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit create: %w", err)
	}

	s.log.Info("agreement created", "agreement_id", created.ID, "database_only", created.DatabaseOnly())

	if !created.DatabaseOnly() && s.subs != nil {
		if err := s.subs.AddSubscriptionsFor(ctx, created.ID); err != nil {
			s.log.Error("start agreement subscriptions", "agreement_id", created.ID, "error", err)
		}
	}
	return created, nil
}

func validateCreate(p CreateParams) error {
	switch {
	case p.PropertyID == "":
		return fmt.Errorf("%w: property id required", ErrInvalidParams)
	case p.DurationMonths <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidParams)
	case !p.RentAmount.IsPositive():
		return fmt.Errorf("%w: rent must be positive", ErrInvalidParams)
	case p.DepositAmount.IsNegative():
		return fmt.Errorf("%w: deposit must not be negative", ErrInvalidParams)
	}
	return nil
}

// Sign records the actor's signature as party. Only the landlord may sign as
// landlord and only the assigned tenant as tenant.
func (s *Service) Sign(ctx context.Context, actorID, agreementID string, party Party) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	switch party {
	case PartyLandlord:
		if a.LandlordID != actorID {
			return Agreement{}, ErrWrongParty
		}
	case PartyTenant:
		if a.TenantID == nil || *a.TenantID != actorID {
			return Agreement{}, ErrWrongParty
		}
	default:
		return Agreement{}, ErrWrongParty
	}

	prev := a
	changed, err := ApplySignature(&a, party, s.now(), SourceLocal)
	if err != nil {
		return Agreement{}, err
	}
	if !changed {
		return a, nil
	}
	if err := s.repo.SaveLifecycle(ctx, tx, prev, a, &actorID); err != nil {
		return Agreement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit sign: %w", err)
	}

	s.log.Info("agreement signed", "agreement_id", a.ID, "party", party, "status", a.Status)
	return a, nil
}

// Terminate ends an active agreement on behalf of its landlord.
func (s *Service) Terminate(ctx context.Context, actorID, agreementID string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	if a.LandlordID != actorID {
		return Agreement{}, ErrWrongParty
	}

	prev := a
	if _, err := Terminate(&a, SourceLocal); err != nil {
		return Agreement{}, err
	}
	if err := s.repo.SaveLifecycle(ctx, tx, prev, a, &actorID); err != nil {
		return Agreement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit terminate: %w", err)
	}

	s.log.Info("agreement terminated", "agreement_id", a.ID)
	return a, nil
}

// Get returns an agreement visible to actorID.
func (s *Service) Get(ctx context.Context, actorID, agreementID string) (Agreement, error) {
	a, err := s.repo.Get(ctx, nil, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	if !a.IsParty(actorID) {
		return Agreement{}, ErrForbidden
	}
	return a, nil
}

// List returns the agreements userID is a party to.
func (s *Service) List(ctx context.Context, userID string) ([]Agreement, error) {
	return s.repo.ListForUser(ctx, userID)
}

// DeleteDraft removes a draft that never reached the ledger.
func (s *Service) DeleteDraft(ctx context.Context, actorID, agreementID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if a.LandlordID != actorID {
		return ErrForbidden
	}
	if a.Status != StatusDraft || !a.DatabaseOnly() {
		return ErrInvalidTransition
	}
	if err := s.repo.Delete(ctx, tx, a.ID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit delete: %w", err)
	}
	return nil
}
