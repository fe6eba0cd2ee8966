package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"leasechain/agreement"
	"leasechain/auth"
	"leasechain/db"
	"leasechain/dispute"
	"leasechain/payment"
)

// UserFinder resolves ledger addresses to users through q.
type UserFinder interface {
	GetUserByLedgerAddress(ctx context.Context, q db.Querier, addr common.Address) (auth.User, error)
}

// PGStore implements Store over PostgreSQL using the domain repositories.
type PGStore struct {
	pool       db.TxBeginner
	agreements *agreement.Repository
	payments   *payment.Repository
	disputes   *dispute.Repository
	users      UserFinder
}

func NewPGStore(pool db.TxBeginner, agreements *agreement.Repository, payments *payment.Repository, disputes *dispute.Repository, users UserFinder) *PGStore {
	return &PGStore{
		pool:       pool,
		agreements: agreements,
		payments:   payments,
		disputes:   disputes,
		users:      users,
	}
}

// InTx implements Store.
func (s *PGStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{store: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reconcile: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	store *PGStore
	tx    pgx.Tx
}

// MarkProcessed reserves the event key inside the active transaction.
func (t *pgTx) MarkProcessed(ctx context.Context, key, agreementID, eventName string) error {
	if key == "" {
		return fmt.Errorf("reconcile: empty event key")
	}
	_, err := t.tx.Exec(ctx, `
        INSERT INTO processed_ledger_events (key, agreement_id, event_name)
        VALUES ($1, $2, $3)
    `, key, agreementID, eventName)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("reconcile: insert processed event: %w", err)
	}
	return nil
}

func (t *pgTx) UserByLedgerAddress(ctx context.Context, addr common.Address) (string, error) {
	u, err := t.store.users.GetUserByLedgerAddress(ctx, t.tx, addr)
	if errors.Is(err, auth.ErrUserNotFound) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (t *pgTx) LockAgreement(ctx context.Context, id string) (agreement.Agreement, error) {
	return t.store.agreements.GetForUpdate(ctx, t.tx, id)
}

func (t *pgTx) SaveAgreement(ctx context.Context, prev, next agreement.Agreement) error {
	return t.store.agreements.SaveLifecycle(ctx, t.tx, prev, next, nil)
}

func (t *pgTx) LockPayment(ctx context.Context, agreementID string, index int) (payment.Payment, error) {
	return t.store.payments.GetByIndexForUpdate(ctx, t.tx, agreementID, index)
}

func (t *pgTx) SavePayment(ctx context.Context, prev payment.Status, next payment.Payment) error {
	return t.store.payments.Save(ctx, t.tx, prev, next)
}

func (t *pgTx) LockDisputeByIndex(ctx context.Context, agreementID string, index int64) (dispute.Dispute, error) {
	return t.store.disputes.GetByIndexForUpdate(ctx, t.tx, agreementID, index)
}

func (t *pgTx) LockUnlinkedDispute(ctx context.Context, agreementID, filedBy, description string) (dispute.Dispute, error) {
	return t.store.disputes.FindUnlinkedForUpdate(ctx, t.tx, agreementID, filedBy, description)
}

func (t *pgTx) InsertDispute(ctx context.Context, d dispute.Dispute) error {
	_, err := t.store.disputes.Insert(ctx, t.tx, d)
	return err
}

func (t *pgTx) SaveDispute(ctx context.Context, prev, next dispute.Dispute) error {
	return t.store.disputes.Save(ctx, t.tx, prev, next, nil)
}
