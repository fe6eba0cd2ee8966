package property

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leasechain/db"
)

// ErrNotFound signals the requested property does not exist.
var ErrNotFound = errors.New("property: not found")

// Repository provides access to properties.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `SELECT id::text, owner_id::text, street_address, status, created_at, updated_at FROM properties`

func scanProperty(row pgx.Row) (Property, error) {
	var p Property
	err := row.Scan(&p.ID, &p.OwnerID, &p.StreetAddress, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Create inserts an available property for ownerID.
func (r *Repository) Create(ctx context.Context, ownerID, streetAddress string) (Property, error) {
	const query = `
		INSERT INTO properties (owner_id, street_address)
		VALUES ($1, $2)
		RETURNING id::text, owner_id::text, street_address, status, created_at, updated_at
	`
	p, err := scanProperty(r.pool.QueryRow(ctx, query, ownerID, streetAddress))
	if err != nil {
		return Property{}, fmt.Errorf("property: create: %w", err)
	}
	return p, nil
}

// GetByID fetches a property by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Property, error) {
	p, err := scanProperty(r.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Property{}, ErrNotFound
		}
		return Property{}, fmt.Errorf("property: query by id: %w", err)
	}
	return p, nil
}

// ListByOwner fetches up to limit properties owned by ownerID.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Property, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, selectColumns+` WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("property: list: %w", err)
	}
	defer rows.Close()

	out := make([]Property, 0, 8)
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("property: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("property: iterate: %w", err)
	}
	return out, nil
}

// SetStatus updates the property inside q, which must be the transaction that
// moves the linked agreement.
func (r *Repository) SetStatus(ctx context.Context, q db.Querier, id string, status Status) error {
	tag, err := q.Exec(ctx, `UPDATE properties SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("property: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
