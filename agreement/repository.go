package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"leasechain/db"
	"leasechain/ledger"
	"leasechain/outbox"
	"leasechain/property"
	"leasechain/timeline"
)

var (
	// ErrNotFound is returned when no agreement row exists for the provided identifier.
	ErrNotFound = errors.New("agreement: not found")
	// ErrDuplicateContract is returned when a contract address is already bound to another agreement.
	ErrDuplicateContract = errors.New("agreement: contract address already in use")
)

// PropertyStatusSetter updates the property linked to an agreement.
type PropertyStatusSetter interface {
	SetStatus(ctx context.Context, q db.Querier, id string, status property.Status) error
}

type Repository struct {
	pool       *pgxpool.Pool
	properties PropertyStatusSetter
}

func NewRepository(pool *pgxpool.Pool, properties PropertyStatusSetter) *Repository {
	return &Repository{pool: pool, properties: properties}
}

const selectColumns = `
SELECT id::text, property_id::text, landlord_id::text, tenant_id::text,
       terms_address, payment_address, dispute_address,
       rent_amount, deposit_amount, duration_months, terms, status,
       landlord_signed, tenant_signed, tenant_signed_at, start_date, end_date,
       created_at, updated_at
FROM rental_agreements
`

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a                       Agreement
		terms, payment, dispute *string
		rent, deposit           pgtype.Numeric
	)
	err := row.Scan(
		&a.ID, &a.PropertyID, &a.LandlordID, &a.TenantID,
		&terms, &payment, &dispute,
		&rent, &deposit, &a.DurationMonths, &a.Terms, &a.Status,
		&a.LandlordSigned, &a.TenantSigned, &a.TenantSignedAt, &a.StartDate, &a.EndDate,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Agreement{}, err
	}
	a.RentAmount = db.Decimal(rent)
	a.DepositAmount = db.Decimal(deposit)

	if a.TermsAddress, err = ledger.ParseNullable(terms); err != nil {
		return Agreement{}, fmt.Errorf("agreement: stored terms address: %w", err)
	}
	if a.PaymentAddress, err = ledger.ParseNullable(payment); err != nil {
		return Agreement{}, fmt.Errorf("agreement: stored payment address: %w", err)
	}
	if a.DisputeAddress, err = ledger.ParseNullable(dispute); err != nil {
		return Agreement{}, fmt.Errorf("agreement: stored dispute address: %w", err)
	}
	return a, nil
}

func (r *Repository) querier(q db.Querier) db.Querier {
	if q == nil {
		return r.pool
	}
	return q
}

// Insert persists a new agreement inside tx.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error) {
	if a.ID == "" {
		return Agreement{}, fmt.Errorf("agreement: missing agreement id")
	}

	const insertSQL = `
INSERT INTO rental_agreements (
    id, property_id, landlord_id, tenant_id,
    terms_address, payment_address, dispute_address,
    rent_amount, deposit_amount, duration_months, terms, status
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	_, err := tx.Exec(ctx, insertSQL,
		a.ID, a.PropertyID, a.LandlordID, a.TenantID,
		ledger.NullableString(a.TermsAddress), ledger.NullableString(a.PaymentAddress), ledger.NullableString(a.DisputeAddress),
		db.Numeric(a.RentAmount), db.Numeric(a.DepositAmount), a.DurationMonths, a.Terms, string(a.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Agreement{}, ErrDuplicateContract
		}
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}

	return r.Get(ctx, tx, a.ID)
}

// Get loads an agreement by id. A nil q reads from the pool.
func (r *Repository) Get(ctx context.Context, q db.Querier, id string) (Agreement, error) {
	a, err := scanAgreement(r.querier(q).QueryRow(ctx, selectColumns+`WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return a, nil
}

// GetForUpdate loads and row-locks an agreement. Signature and status writes
// for one agreement are serialised through this lock.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	a, err := scanAgreement(tx.QueryRow(ctx, selectColumns+`WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get for update: %w", err)
	}
	return a, nil
}

// FindByContract resolves the agreement owning a deployed contract.
func (r *Repository) FindByContract(ctx context.Context, q db.Querier, kind ledger.ContractKind, addr common.Address) (Agreement, error) {
	var column string
	switch kind {
	case ledger.KindRentalTerms:
		column = "terms_address"
	case ledger.KindPaymentSchedule:
		column = "payment_address"
	case ledger.KindDisputeArbitration:
		column = "dispute_address"
	default:
		return Agreement{}, fmt.Errorf("agreement: unknown contract kind %q", kind)
	}

	a, err := scanAgreement(r.querier(q).QueryRow(ctx, selectColumns+`WHERE `+column+` = $1`, ledger.FormatAddress(addr)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: find by %s: %w", column, err)
	}
	return a, nil
}

// SaveLifecycle writes the signature flags, status and term dates of next.
// When the status changes the linked property follows in the same
// transaction, and the change is journaled.
func (r *Repository) SaveLifecycle(ctx context.Context, tx pgx.Tx, prev, next Agreement, actorID *string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE rental_agreements
        SET status = $2,
            landlord_signed = $3,
            tenant_signed = $4,
            tenant_signed_at = $5,
            start_date = $6,
            end_date = $7,
            updated_at = now()
        WHERE id = $1
    `, next.ID, string(next.Status), next.LandlordSigned, next.TenantSigned, next.TenantSignedAt, next.StartDate, next.EndDate)
	if err != nil {
		return fmt.Errorf("agreement: update lifecycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if ps, ok := PropertyStatusFor(prev.Status, next.Status); ok && r.properties != nil {
		if err := r.properties.SetStatus(ctx, tx, next.PropertyID, ps); err != nil {
			return fmt.Errorf("agreement: property status: %w", err)
		}
	}

	if prev.LandlordSigned != next.LandlordSigned || prev.TenantSigned != next.TenantSigned {
		payload := map[string]any{
			"landlord_signed": next.LandlordSigned,
			"tenant_signed":   next.TenantSigned,
		}
		if err := timeline.Append(ctx, tx, next.ID, timeline.TypeSignatureRecorded, actorID, payload); err != nil {
			return err
		}
	}

	if prev.Status == next.Status {
		return nil
	}

	payload := map[string]any{
		"previous_status": prev.Status,
		"next_status":     next.Status,
	}
	if next.StartDate != nil {
		payload["start_date"] = next.StartDate.UTC()
		payload["end_date"] = next.EndDate.UTC()
	}
	if err := timeline.Append(ctx, tx, next.ID, timeline.TypeAgreementStatusChanged, actorID, payload); err != nil {
		return err
	}
	return outbox.Enqueue(ctx, tx, outbox.TopicAgreementStatusChanged, map[string]any{
		"agreement_id": next.ID,
		"previous":     prev.Status,
		"next":         next.Status,
	})
}

// ListMonitored returns the ledger-backed agreements that still expect events.
// Terminated agreements stay listed while they have a payment or dispute
// contract; see Agreement.MonitoredContracts.
func (r *Repository) ListMonitored(ctx context.Context) ([]Agreement, error) {
	return r.list(ctx, selectColumns+`
WHERE payment_address IS NOT NULL
   OR dispute_address IS NOT NULL
   OR (terms_address IS NOT NULL AND status <> 'terminated')
ORDER BY created_at
`)
}

// ListForUser returns the agreements where userID is landlord or tenant.
func (r *Repository) ListForUser(ctx context.Context, userID string) ([]Agreement, error) {
	return r.list(ctx, selectColumns+`
WHERE landlord_id = $1 OR tenant_id = $1
ORDER BY created_at DESC
`, userID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Agreement, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	var out []Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate: %w", err)
	}
	return out, nil
}

// Delete removes an agreement and, by cascade, its payments.
func (r *Repository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM rental_agreements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("agreement: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendCreated journals a new agreement inside tx.
func (r *Repository) AppendCreated(ctx context.Context, tx pgx.Tx, a Agreement) error {
	payload := map[string]any{
		"property_id":     a.PropertyID,
		"landlord_id":     a.LandlordID,
		"duration_months": a.DurationMonths,
		"database_only":   a.DatabaseOnly(),
	}
	if err := timeline.Append(ctx, tx, a.ID, timeline.TypeAgreementCreated, &a.LandlordID, payload); err != nil {
		return err
	}
	return outbox.Enqueue(ctx, tx, outbox.TopicAgreementCreated, map[string]any{
		"agreement_id":    a.ID,
		"property_id":     a.PropertyID,
		"terms_address":   ledger.NullableString(a.TermsAddress),
		"payment_address": ledger.NullableString(a.PaymentAddress),
		"dispute_address": ledger.NullableString(a.DisputeAddress),
	})
}
