package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"leasechain/db"
)

// Event types appended to timeline_events.
const (
	TypeAgreementCreated       = "AGREEMENT_CREATED"
	TypeAgreementStatusChanged = "AGREEMENT_STATUS_CHANGED"
	TypeSignatureRecorded      = "SIGNATURE_RECORDED"
	TypePaymentSettled         = "PAYMENT_SETTLED"
	TypePenaltyApplied         = "PENALTY_APPLIED"
	TypePaymentOverdue         = "PAYMENT_OVERDUE"
	TypeDisputeFiled           = "DISPUTE_FILED"
	TypeDisputeLinked          = "DISPUTE_LINKED"
	TypeDisputeStatusChanged   = "DISPUTE_STATUS_CHANGED"
)

// Event captures an immutable business event for an agreement.
type Event struct {
	ID          int64
	AgreementID string
	Type        string
	ActorID     *string
	Payload     []byte
	CreatedAt   time.Time
}

// Append inserts a timeline row. It must run in the transaction that performs
// the change it describes.
func Append(ctx context.Context, q db.Querier, agreementID, eventType string, actorID *string, payload map[string]any) error {
	if agreementID == "" {
		return fmt.Errorf("timeline: missing agreement id")
	}
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["agreement_id"] = agreementID

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const insertSQL = `
INSERT INTO timeline_events (agreement_id, type, payload, actor_id)
VALUES ($1, $2, $3, $4);
`
	if _, err := q.Exec(ctx, insertSQL, agreementID, eventType, b, actor); err != nil {
		return fmt.Errorf("timeline: insert %s: %w", eventType, err)
	}
	return nil
}

// List returns the agreement's events in insertion order.
func List(ctx context.Context, q db.Querier, agreementID string) ([]Event, error) {
	rows, err := q.Query(ctx, `
        SELECT id, agreement_id::text, type, actor_id::text, payload, created_at
        FROM timeline_events
        WHERE agreement_id = $1
        ORDER BY id
    `, agreementID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.AgreementID, &ev.Type, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
