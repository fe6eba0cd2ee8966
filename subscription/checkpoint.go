package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"leasechain/db"
	"leasechain/ledger"
)

// Checkpoints persists the last block reconciled per stream.
type Checkpoints interface {
	// Load returns the recorded block, or ok == false when the stream has
	// never been reconciled.
	Load(ctx context.Context, address common.Address, event string) (block uint64, ok bool, err error)
	Save(ctx context.Context, address common.Address, event string, block uint64) error
}

// PGCheckpoints stores checkpoints in ledger_checkpoints.
type PGCheckpoints struct {
	q db.Querier
}

func NewPGCheckpoints(q db.Querier) *PGCheckpoints {
	return &PGCheckpoints{q: q}
}

func (c *PGCheckpoints) Load(ctx context.Context, address common.Address, event string) (uint64, bool, error) {
	var block int64
	err := c.q.QueryRow(ctx, `
SELECT block_number FROM ledger_checkpoints WHERE address = $1 AND event_name = $2
`, ledger.FormatAddress(address), event).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("subscription: load checkpoint: %w", err)
	}
	return uint64(block), true, nil
}

// Save records block. Checkpoints never move backwards.
func (c *PGCheckpoints) Save(ctx context.Context, address common.Address, event string, block uint64) error {
	_, err := c.q.Exec(ctx, `
INSERT INTO ledger_checkpoints (address, event_name, block_number)
VALUES ($1, $2, $3)
ON CONFLICT (address, event_name) DO UPDATE
SET block_number = GREATEST(ledger_checkpoints.block_number, EXCLUDED.block_number),
    updated_at = now()
`, ledger.FormatAddress(address), event, int64(block))
	if err != nil {
		return fmt.Errorf("subscription: save checkpoint: %w", err)
	}
	return nil
}
