package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

// fakeTx only records how the transaction ended.
type fakeTx struct {
	pgx.Tx
	committed bool
	rolled    bool
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

type fakeQueue struct {
	pending  []Message
	attempts map[string]int
	status   map[string]string
}

func newFakeQueue(msgs ...Message) *fakeQueue {
	q := &fakeQueue{attempts: map[string]int{}, status: map[string]string{}}
	for _, m := range msgs {
		q.pending = append(q.pending, m)
		q.status[m.ID] = StatusPending
	}
	return q
}

func (q *fakeQueue) claim(_ context.Context, _ pgx.Tx, limit int) ([]Message, error) {
	var out []Message
	for _, m := range q.pending {
		if q.status[m.ID] != StatusPending {
			continue
		}
		m.Attempts = q.attempts[m.ID]
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *fakeQueue) ack(_ context.Context, _ pgx.Tx, id string) error {
	q.attempts[id]++
	q.status[id] = StatusProcessed
	return nil
}

func (q *fakeQueue) nack(_ context.Context, _ pgx.Tx, id string, maxAttempts int) (bool, error) {
	q.attempts[id]++
	if q.attempts[id] >= maxAttempts {
		q.status[id] = StatusDead
		return true, nil
	}
	return false, nil
}

type recordingPublisher struct {
	sent []string
	fail map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, m Message) error {
	if p.fail[m.Topic] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, m.ID)
	return nil
}

func TestRelay_PublishesAndAcks(t *testing.T) {
	pool := &fakePool{}
	q := newFakeQueue(
		Message{ID: "m1", Topic: TopicAgreementCreated},
		Message{ID: "m2", Topic: TopicPaymentSettled},
		Message{ID: "m3", Topic: TopicDisputeOpened},
	)
	pub := &recordingPublisher{}
	r := NewRelay(pool, pub, WithBatchSize(2))
	r.q = q

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("claimed %d, want 2", n)
	}
	if !pool.txs[0].committed {
		t.Fatalf("batch was not committed")
	}

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if len(pub.sent) != 3 || pub.sent[0] != "m1" || pub.sent[2] != "m3" {
		t.Fatalf("unexpected publish order: %v", pub.sent)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if q.status[id] != StatusProcessed {
			t.Fatalf("%s status %q, want processed", id, q.status[id])
		}
	}
}

func TestRelay_DeadAfterMaxAttempts(t *testing.T) {
	pool := &fakePool{}
	q := newFakeQueue(
		Message{ID: "bad", Topic: TopicPaymentOverdue},
		Message{ID: "good", Topic: TopicAgreementStatusChanged},
	)
	pub := &recordingPublisher{fail: map[string]bool{TopicPaymentOverdue: true}}
	r := NewRelay(pool, pub, WithMaxAttempts(3))
	r.q = q

	for i := 0; i < 5; i++ {
		if _, err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}
	if q.status["bad"] != StatusDead {
		t.Fatalf("bad status %q, want dead", q.status["bad"])
	}
	if q.attempts["bad"] != 3 {
		t.Fatalf("bad attempts %d, want 3", q.attempts["bad"])
	}
	if q.status["good"] != StatusProcessed || len(pub.sent) != 1 {
		t.Fatalf("healthy message blocked: status=%q sent=%v", q.status["good"], pub.sent)
	}
}

func TestRelay_RunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pub := &recordingPublisher{}
	r := NewRelay(&fakePool{}, pub)
	r.q = newFakeQueue(Message{ID: "m1", Topic: TopicAgreementCreated})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Second) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestEnqueue_RejectsEmptyTopic(t *testing.T) {
	if err := Enqueue(context.Background(), nil, "", nil); err == nil {
		t.Fatalf("expected error for empty topic")
	}
}
