package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"leasechain/db"
)

// Topics published through the outbox.
const (
	TopicAgreementCreated       = "agreement.created"
	TopicAgreementStatusChanged = "agreement.status_changed"
	TopicPaymentSettled         = "payment.settled"
	TopicPaymentOverdue         = "payment.overdue"
	TopicDisputeOpened          = "dispute.opened"
	TopicDisputeStatusChanged   = "dispute.status_changed"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      string
	Attempts    int
	LastAttempt *time.Time
	CreatedAt   time.Time
}

// Enqueue writes a pending message. Callers pass the transaction that commits
// the state change being announced.
func Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := q.Exec(ctx, insertSQL, topic, b); err != nil {
		return fmt.Errorf("outbox: insert %s: %w", topic, err)
	}
	return nil
}
