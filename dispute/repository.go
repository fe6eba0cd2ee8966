package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"leasechain/db"
	"leasechain/outbox"
	"leasechain/timeline"
)

// ErrDuplicateIndex is returned when another dispute already holds the ledger index.
var ErrDuplicateIndex = errors.New("dispute: ledger index already linked")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `
SELECT id::text, agreement_id::text, filed_by::text, description, status,
       resolution, resolved_by::text, resolved_at, dispute_index, transaction_hash,
       created_at, updated_at
FROM disputes
`

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(&d.ID, &d.AgreementID, &d.FiledBy, &d.Description, &d.Status,
		&d.Resolution, &d.ResolvedBy, &d.ResolvedAt, &d.Index, &d.TransactionHash,
		&d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (r *Repository) getOne(ctx context.Context, q db.Querier, op, query string, args ...any) (Dispute, error) {
	d, err := scanDispute(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: %s: %w", op, err)
	}
	return d, nil
}

// Insert persists a new dispute and journals it inside tx.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	const query = `
		INSERT INTO disputes (id, agreement_id, filed_by, description, status, dispute_index, transaction_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.Exec(ctx, query, d.ID, d.AgreementID, d.FiledBy, d.Description, string(d.Status), d.Index, d.TransactionHash); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrDuplicateIndex
		}
		return Dispute{}, fmt.Errorf("dispute: create: %w", err)
	}

	payload := map[string]any{
		"dispute_id":    d.ID,
		"filed_by":      d.FiledBy,
		"dispute_index": d.Index,
	}
	if err := timeline.Append(ctx, tx, d.AgreementID, timeline.TypeDisputeFiled, &d.FiledBy, payload); err != nil {
		return Dispute{}, err
	}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicDisputeOpened, payload); err != nil {
		return Dispute{}, err
	}
	return r.getOne(ctx, tx, "reload", selectColumns+`WHERE id = $1`, d.ID)
}

// Get loads a dispute by id.
func (r *Repository) Get(ctx context.Context, id string) (Dispute, error) {
	return r.getOne(ctx, r.pool, "get", selectColumns+`WHERE id = $1`, id)
}

// GetForUpdate loads and row-locks a dispute.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return r.getOne(ctx, tx, "get for update", selectColumns+`WHERE id = $1 FOR UPDATE`, id)
}

// GetByIndexForUpdate locks the dispute linked to the ledger index.
func (r *Repository) GetByIndexForUpdate(ctx context.Context, tx pgx.Tx, agreementID string, index int64) (Dispute, error) {
	return r.getOne(ctx, tx, "get by index",
		selectColumns+`WHERE agreement_id = $1 AND dispute_index = $2 FOR UPDATE`, agreementID, index)
}

// FindUnlinkedForUpdate locks the oldest locally filed dispute that matches a
// ledger dispute by filer and description and has no index yet.
func (r *Repository) FindUnlinkedForUpdate(ctx context.Context, tx pgx.Tx, agreementID, filedBy, description string) (Dispute, error) {
	return r.getOne(ctx, tx, "find unlinked", selectColumns+`
WHERE agreement_id = $1 AND filed_by = $2 AND description = $3 AND dispute_index IS NULL
ORDER BY created_at
LIMIT 1
FOR UPDATE`, agreementID, filedBy, description)
}

// Save writes the mutable columns of d and journals the change.
func (r *Repository) Save(ctx context.Context, tx pgx.Tx, prev Dispute, d Dispute, actorID *string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE disputes
        SET status = $2, resolution = $3, resolved_by = $4, resolved_at = $5,
            dispute_index = $6, transaction_hash = $7, updated_at = now()
        WHERE id = $1
    `, d.ID, string(d.Status), d.Resolution, d.ResolvedBy, d.ResolvedAt, d.Index, d.TransactionHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIndex
		}
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if prev.Index == nil && d.Index != nil {
		payload := map[string]any{"dispute_id": d.ID, "dispute_index": *d.Index}
		if err := timeline.Append(ctx, tx, d.AgreementID, timeline.TypeDisputeLinked, actorID, payload); err != nil {
			return err
		}
	}
	if prev.Status == d.Status {
		return nil
	}

	payload := map[string]any{
		"dispute_id": d.ID,
		"previous":   prev.Status,
		"next":       d.Status,
	}
	if d.Resolution != nil {
		payload["resolution"] = *d.Resolution
	}
	if err := timeline.Append(ctx, tx, d.AgreementID, timeline.TypeDisputeStatusChanged, actorID, payload); err != nil {
		return err
	}
	return outbox.Enqueue(ctx, tx, outbox.TopicDisputeStatusChanged, payload)
}

// ListByAgreement returns an agreement's disputes, newest first.
func (r *Repository) ListByAgreement(ctx context.Context, agreementID string) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, selectColumns+`WHERE agreement_id = $1 ORDER BY created_at DESC`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
