package agreement

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"leasechain/db"
	"leasechain/ledger"
	"leasechain/payment"
	"leasechain/property"
)

// TestLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL and
// verifies that activation and termination move the linked property in the
// same transaction and are journaled.
func TestLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var landlordID, tenantID, propertyID string
	suffix := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Lena Landlord', 'x', 'landlord') RETURNING id::text`,
		fmt.Sprintf("lena+%d@example.com", suffix)).Scan(&landlordID); err != nil {
		t.Fatalf("seed landlord: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, 'Tom Tenant', 'x', 'tenant') RETURNING id::text`,
		fmt.Sprintf("tom+%d@example.com", suffix)).Scan(&tenantID); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO properties (owner_id, street_address) VALUES ($1, '1 Main St') RETURNING id::text`,
		landlordID).Scan(&propertyID); err != nil {
		t.Fatalf("seed property: %v", err)
	}

	agreementID := uuid.NewString()
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE agreement_id = $1`, agreementID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'agreement_id' = $1`, agreementID)
		pool.Exec(ctx2, `DELETE FROM rental_agreements WHERE id = $1`, agreementID)
		pool.Exec(ctx2, `DELETE FROM properties WHERE id = $1`, propertyID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, landlordID, tenantID)
	})

	repo := NewRepository(pool, property.NewRepository(pool))
	payments := payment.NewRepository(pool)

	addr := common.HexToAddress(fmt.Sprintf("0x%040x", suffix))

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	created, err := repo.Insert(ctx, tx, Agreement{
		ID:             agreementID,
		PropertyID:     propertyID,
		LandlordID:     landlordID,
		TenantID:       &tenantID,
		TermsAddress:   &addr,
		RentAmount:     decimal.RequireFromString("1.25"),
		DepositAmount:  decimal.RequireFromString("2.5"),
		DurationMonths: 2,
		Status:         StatusDraft,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	schedule := payment.GenerateSchedule(time.Now().UTC(), 2, created.RentAmount)
	for i := range schedule {
		schedule[i].ID = uuid.NewString()
		schedule[i].AgreementID = agreementID
	}
	if err := payments.BulkInsert(ctx, tx, schedule); err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if !created.RentAmount.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("rent round trip: %s", created.RentAmount)
	}

	found, err := repo.FindByContract(ctx, nil, ledger.KindRentalTerms, addr)
	if err != nil {
		t.Fatalf("find by contract: %v", err)
	}
	if found.ID != agreementID {
		t.Fatalf("expected %s, got %s", agreementID, found.ID)
	}

	transition := func(mutate func(*Agreement)) {
		t.Helper()
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback(ctx)
		a, err := repo.GetForUpdate(ctx, tx, agreementID)
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
		prev := a
		mutate(&a)
		if err := repo.SaveLifecycle(ctx, tx, prev, a, nil); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	signedAt := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	transition(func(a *Agreement) {
		ApplySignature(a, PartyLandlord, signedAt, SourceLedger)
		ApplySignature(a, PartyTenant, signedAt, SourceLedger)
	})

	var propStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM properties WHERE id = $1`, propertyID).Scan(&propStatus); err != nil {
		t.Fatalf("property status: %v", err)
	}
	if propStatus != string(property.StatusRented) {
		t.Fatalf("expected rented property, got %s", propStatus)
	}

	transition(func(a *Agreement) { Terminate(a, SourceLedger) })

	var agreementStatus string
	if err := pool.QueryRow(ctx, `
        SELECT a.status, p.status
        FROM rental_agreements a JOIN properties p ON p.id = a.property_id
        WHERE a.id = $1
    `, agreementID).Scan(&agreementStatus, &propStatus); err != nil {
		t.Fatalf("verify termination: %v", err)
	}
	if agreementStatus != string(StatusTerminated) || propStatus != string(property.StatusAvailable) {
		t.Fatalf("expected terminated/available, got %s/%s", agreementStatus, propStatus)
	}

	var changes int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events WHERE agreement_id = $1 AND type = 'AGREEMENT_STATUS_CHANGED'`, agreementID).Scan(&changes); err != nil {
		t.Fatalf("count timeline: %v", err)
	}
	if changes != 2 {
		t.Fatalf("expected 2 status changes, got %d", changes)
	}

	// a terminated agreement with only a terms contract has nothing left to watch
	monitored, err := repo.ListMonitored(ctx)
	if err != nil {
		t.Fatalf("list monitored: %v", err)
	}
	for _, a := range monitored {
		if a.ID == agreementID {
			t.Fatalf("terminated terms-only agreement still monitored")
		}
	}

	payAddr := common.HexToAddress(fmt.Sprintf("0x%040x", suffix+1))
	if _, err := pool.Exec(ctx, `UPDATE rental_agreements SET payment_address = $2 WHERE id = $1`,
		agreementID, ledger.FormatAddress(payAddr)); err != nil {
		t.Fatalf("set payment address: %v", err)
	}
	monitored, err = repo.ListMonitored(ctx)
	if err != nil {
		t.Fatalf("list monitored: %v", err)
	}
	var kept *Agreement
	for i := range monitored {
		if monitored[i].ID == agreementID {
			kept = &monitored[i]
		}
	}
	if kept == nil {
		t.Fatalf("terminated agreement with a payment contract not monitored")
	}
	if got := kept.MonitoredContracts(); len(got) != 1 || got[ledger.KindPaymentSchedule] != payAddr {
		t.Fatalf("expected only the payment contract, got %v", got)
	}
}
