package reconcile

import (
	"context"
	"maps"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"leasechain/agreement"
	"leasechain/dispute"
	"leasechain/payment"
)

type paymentKey struct {
	agreementID string
	index       int
}

// memStore is an in-memory Store. InTx holds a single lock and restores the
// previous state when fn fails, mirroring a rolled back transaction.
type memStore struct {
	mu         sync.Mutex
	processed  map[string]bool
	users      map[common.Address]string
	agreements map[string]agreement.Agreement
	payments   map[paymentKey]payment.Payment
	disputes   map[string]dispute.Dispute
	saves      int
	commits    int
}

func newMemStore() *memStore {
	return &memStore{
		processed:  map[string]bool{},
		users:      map[common.Address]string{},
		agreements: map[string]agreement.Agreement{},
		payments:   map[paymentKey]payment.Payment{},
		disputes:   map[string]dispute.Dispute{},
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	processed := maps.Clone(m.processed)
	agreements := maps.Clone(m.agreements)
	payments := maps.Clone(m.payments)
	disputes := maps.Clone(m.disputes)
	saves := m.saves

	if err := fn(memTx{m}); err != nil {
		m.processed, m.agreements, m.payments, m.disputes, m.saves = processed, agreements, payments, disputes, saves
		return err
	}
	m.commits++
	return nil
}

func (m *memStore) payment(agreementID string, index int) payment.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[paymentKey{agreementID, index}]
}

func (m *memStore) agreement(id string) agreement.Agreement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agreements[id]
}

func (m *memStore) disputesFor(agreementID string) []dispute.Dispute {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispute.Dispute
	for _, d := range m.disputes {
		if d.AgreementID == agreementID {
			out = append(out, d)
		}
	}
	return out
}

type memTx struct {
	m *memStore
}

func (t memTx) MarkProcessed(_ context.Context, key, _, _ string) error {
	if t.m.processed[key] {
		return ErrDuplicateEvent
	}
	t.m.processed[key] = true
	return nil
}

func (t memTx) UserByLedgerAddress(_ context.Context, addr common.Address) (string, error) {
	id, ok := t.m.users[addr]
	if !ok {
		return "", ErrUnknownUser
	}
	return id, nil
}

func (t memTx) LockAgreement(_ context.Context, id string) (agreement.Agreement, error) {
	a, ok := t.m.agreements[id]
	if !ok {
		return agreement.Agreement{}, agreement.ErrNotFound
	}
	return a, nil
}

func (t memTx) SaveAgreement(_ context.Context, _, next agreement.Agreement) error {
	t.m.agreements[next.ID] = next
	t.m.saves++
	return nil
}

func (t memTx) LockPayment(_ context.Context, agreementID string, index int) (payment.Payment, error) {
	p, ok := t.m.payments[paymentKey{agreementID, index}]
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	return p, nil
}

func (t memTx) SavePayment(_ context.Context, _ payment.Status, next payment.Payment) error {
	t.m.payments[paymentKey{next.AgreementID, next.Index}] = next
	t.m.saves++
	return nil
}

func (t memTx) LockDisputeByIndex(_ context.Context, agreementID string, index int64) (dispute.Dispute, error) {
	for _, d := range t.m.disputes {
		if d.AgreementID == agreementID && d.Index != nil && *d.Index == index {
			return d, nil
		}
	}
	return dispute.Dispute{}, dispute.ErrNotFound
}

func (t memTx) LockUnlinkedDispute(_ context.Context, agreementID, filedBy, description string) (dispute.Dispute, error) {
	for _, d := range t.m.disputes {
		if d.AgreementID == agreementID && d.Index == nil && d.FiledBy == filedBy && d.Description == description {
			return d, nil
		}
	}
	return dispute.Dispute{}, dispute.ErrNotFound
}

func (t memTx) InsertDispute(_ context.Context, d dispute.Dispute) error {
	t.m.disputes[d.ID] = d
	t.m.saves++
	return nil
}

func (t memTx) SaveDispute(_ context.Context, _, next dispute.Dispute) error {
	t.m.disputes[next.ID] = next
	t.m.saves++
	return nil
}
