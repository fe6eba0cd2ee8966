package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"leasechain/db"
)

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 10
)

// Publisher delivers one message downstream.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

type queue interface {
	claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	ack(ctx context.Context, tx pgx.Tx, id string) error
	nack(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) (dead bool, err error)
}

// Relay moves pending outbox rows to a Publisher. Rows are claimed with
// FOR UPDATE SKIP LOCKED so several relays can run side by side. A row that
// keeps failing is marked dead after the configured number of attempts.
type Relay struct {
	pool        db.TxBeginner
	pub         Publisher
	q           queue
	batch       int
	maxAttempts int
	log         *slog.Logger
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithLogger(log *slog.Logger) RelayOption {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRelay(pool db.TxBeginner, pub Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		pool:        pool,
		pub:         pub,
		q:           pgQueue{},
		batch:       defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays a batch every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Error("outbox relay failed", "error", err)
				break
			}
			// drain backlog without waiting for the next tick
			if n < r.batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and publishes it. It returns the number of
// messages claimed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	msgs, err := r.q.claim(ctx, tx, r.batch)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		if err := r.pub.Publish(ctx, m); err != nil {
			dead, nerr := r.q.nack(ctx, tx, m.ID, r.maxAttempts)
			if nerr != nil {
				return 0, errors.Join(err, nerr)
			}
			if dead {
				r.log.Error("outbox message dead", "id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "error", err)
			} else {
				r.log.Warn("outbox publish failed", "id", m.ID, "topic", m.Topic, "error", err)
			}
			continue
		}
		if err := r.q.ack(ctx, tx, m.ID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return len(msgs), nil
}

type pgQueue struct{}

func (pgQueue) claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const claimSQL = `
SELECT id::text, topic, payload, status, attempts, last_attempt, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED;
`
	rows, err := tx.Query(ctx, claimSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.LastAttempt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
	}
	return out, nil
}

func (pgQueue) ack(ctx context.Context, tx pgx.Tx, id string) error {
	const ackSQL = `
UPDATE outbox
SET status = 'processed', attempts = attempts + 1, last_attempt = now()
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, ackSQL, id); err != nil {
		return fmt.Errorf("outbox: ack %s: %w", id, err)
	}
	return nil
}

func (pgQueue) nack(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) (bool, error) {
	const nackSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_attempt = now(),
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
WHERE id = $1
RETURNING status;
`
	var status string
	if err := tx.QueryRow(ctx, nackSQL, id, maxAttempts).Scan(&status); err != nil {
		return false, fmt.Errorf("outbox: nack %s: %w", id, err)
	}
	return status == StatusDead, nil
}
