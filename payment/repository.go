package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"leasechain/db"
	"leasechain/outbox"
	"leasechain/timeline"
)

// ErrNotFound is returned when no payment matches.
var ErrNotFound = errors.New("payment: not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `
SELECT id::text, agreement_id::text, payment_index, due_date, amount, penalty,
       status, transaction_hash, paid_at, created_at, updated_at
FROM payments
`

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p       Payment
		amount  pgtype.Numeric
		penalty pgtype.Numeric
	)
	err := row.Scan(&p.ID, &p.AgreementID, &p.Index, &p.DueDate, &amount, &penalty,
		&p.Status, &p.TransactionHash, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	p.Amount = db.Decimal(amount)
	p.Penalty = db.Decimal(penalty)
	return p, nil
}

// BulkInsert copies a freshly generated schedule inside tx. Every payment must
// carry an ID and AgreementID.
func (r *Repository) BulkInsert(ctx context.Context, tx pgx.Tx, payments []Payment) error {
	if len(payments) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(payments))
	for _, p := range payments {
		if p.ID == "" || p.AgreementID == "" {
			return fmt.Errorf("payment: bulk insert: missing id for index %d", p.Index)
		}
		rows = append(rows, []any{
			p.ID, p.AgreementID, int32(p.Index), p.DueDate,
			db.Numeric(p.Amount), db.Numeric(p.Penalty), string(p.Status),
		})
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"payments"},
		[]string{"id", "agreement_id", "payment_index", "due_date", "amount", "penalty", "status"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("payment: bulk insert: %w", err)
	}
	if int(n) != len(payments) {
		return fmt.Errorf("payment: bulk insert: copied %d of %d rows", n, len(payments))
	}
	return nil
}

// ListByAgreement returns an agreement's payments ordered by index.
func (r *Repository) ListByAgreement(ctx context.Context, q db.Querier, agreementID string) ([]Payment, error) {
	if q == nil {
		q = r.pool
	}
	rows, err := q.Query(ctx, selectColumns+`WHERE agreement_id = $1 ORDER BY payment_index`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("payment: list: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate: %w", err)
	}
	return out, nil
}

// GetByIndexForUpdate locks the payment at (agreementID, index).
func (r *Repository) GetByIndexForUpdate(ctx context.Context, tx pgx.Tx, agreementID string, index int) (Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, selectColumns+`WHERE agreement_id = $1 AND payment_index = $2 FOR UPDATE`, agreementID, index))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get by index: %w", err)
	}
	return p, nil
}

// Save persists the mutable columns of p and journals the change.
func (r *Repository) Save(ctx context.Context, tx pgx.Tx, prev Status, p Payment) error {
	tag, err := tx.Exec(ctx, `
        UPDATE payments
        SET status = $2, penalty = $3, transaction_hash = $4, paid_at = $5, updated_at = now()
        WHERE id = $1
    `, p.ID, string(p.Status), db.Numeric(p.Penalty), p.TransactionHash, p.PaidAt)
	if err != nil {
		return fmt.Errorf("payment: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	payload := map[string]any{
		"payment_id":    p.ID,
		"payment_index": p.Index,
		"previous":      prev,
		"next":          p.Status,
		"penalty":       p.Penalty.String(),
	}
	switch {
	case p.Status == StatusPaid && prev != StatusPaid:
		payload["transaction_hash"] = p.TransactionHash
		if err := timeline.Append(ctx, tx, p.AgreementID, timeline.TypePaymentSettled, nil, payload); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx, outbox.TopicPaymentSettled, payload)
	case p.Status == StatusOverdue && prev != StatusOverdue:
		if err := timeline.Append(ctx, tx, p.AgreementID, timeline.TypePaymentOverdue, nil, payload); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx, outbox.TopicPaymentOverdue, payload)
	default:
		return timeline.Append(ctx, tx, p.AgreementID, timeline.TypePenaltyApplied, nil, payload)
	}
}

// MarkOverdue flags every pending payment due before now as overdue. Paid
// payments are never touched. It returns the number of payments flagged.
func (r *Repository) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        UPDATE payments
        SET status = 'overdue', updated_at = now()
        WHERE status = 'pending' AND due_date < $1
        RETURNING id::text, agreement_id::text, payment_index
    `, now)
	if err != nil {
		return 0, fmt.Errorf("payment: mark overdue: %w", err)
	}
	type flagged struct {
		id, agreementID string
		index           int
	}
	var marked []flagged
	for rows.Next() {
		var f flagged
		if err := rows.Scan(&f.id, &f.agreementID, &f.index); err != nil {
			rows.Close()
			return 0, fmt.Errorf("payment: scan overdue: %w", err)
		}
		marked = append(marked, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("payment: iterate overdue: %w", err)
	}

	for _, f := range marked {
		payload := map[string]any{
			"payment_id":    f.id,
			"payment_index": f.index,
			"previous":      StatusPending,
			"next":          StatusOverdue,
		}
		if err := timeline.Append(ctx, tx, f.agreementID, timeline.TypePaymentOverdue, nil, payload); err != nil {
			return 0, err
		}
		if err := outbox.Enqueue(ctx, tx, outbox.TopicPaymentOverdue, payload); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("payment: commit overdue: %w", err)
	}
	return len(marked), nil
}
