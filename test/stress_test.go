package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"leasechain/agreement"
	"leasechain/auth"
	"leasechain/dispute"
	"leasechain/ledger"
	"leasechain/outbox"
	"leasechain/payment"
	"leasechain/property"
	"leasechain/reconcile"
	"leasechain/test/actors"
	"leasechain/test/chaos"
	"leasechain/test/infra"
	"leasechain/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "replayers per agreement")
	flAgreements  = flag.Int("agreements", 4, "number of seeded agreements")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const durationMonths = 6

func seedRNG(seed int64) { rand.Seed(seed) }

// repos bundles the store layer the actors run against.
type repos struct {
	users      *auth.PGRepository
	properties *property.Repository
	agreements *agreement.Repository
	payments   *payment.Repository
	disputes   *dispute.Repository
}

func newRepos(pool *pgxpool.Pool) repos {
	r := repos{
		users:      auth.NewRepository(pool),
		properties: property.NewRepository(pool),
		payments:   payment.NewRepository(pool),
		disputes:   dispute.NewRepository(pool),
	}
	r.agreements = agreement.NewRepository(pool, r.properties)
	return r
}

func TestReconcileConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in short mode")
	}
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv(infra.DSNEnv) != "":
		dsn = os.Getenv(infra.DSNEnv)
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no postgres available: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplySchema(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := newRepos(pool)
	signedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	fixtures := make([]actors.Fixture, 0, *flAgreements)
	for i := 0; i < *flAgreements; i++ {
		fixtures = append(fixtures, mustSeed(t, ctx, pool, r, i, signedAt))
	}

	reconciler := reconcile.New(
		reconcile.NewPGStore(pool, r.agreements, r.payments, r.disputes, r.users),
		reconcile.WithLogger(quiet),
	)
	agreements := agreement.NewService(agreement.Deps{
		Pool:       pool,
		Repo:       r.agreements,
		Payments:   r.payments,
		Users:      r.users,
		Properties: r.properties,
		Logger:     quiet,
	})
	disputes := dispute.NewService(pool, r.disputes, r.agreements)
	publisher := &actors.FlakyPublisher{}
	relay := outbox.NewRelay(pool, publisher, outbox.WithLogger(quiet), outbox.WithBatchSize(20))

	stats := &actors.Stats{}
	scripts := make([][]actors.Delivery, len(fixtures))

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i, f := range fixtures {
		f := f
		scripts[i] = actors.Script(f, signedAt)
		script := scripts[i]
		// many replayers per agreement model overlapping backfill and live delivery
		for j := 0; j < *flConcurrency; j++ {
			g.Go(func() error { return actors.Replayer(ctx2, reconciler, script, stats, stop) })
		}
		g.Go(func() error { return actors.LocalSigner(ctx2, agreements, f, stop) })
		g.Go(func() error { return actors.Disputer(ctx2, disputes, f, stop) })
	}
	// overdue as of the last due date, so every unpaid payment is eligible
	sweepAt := signedAt.AddDate(0, durationMonths+1, 0)
	g.Go(func() error { return actors.Sweeper(ctx2, r.payments, sweepAt, stop) })
	for j := 0; j < 2; j++ {
		g.Go(func() error { return actors.OutboxWorker(ctx2, relay, stop) })
	}
	go chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if checkOracles(t, ctx2, pool, seed) {
				failed = true
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	if failed {
		return
	}
	t.Logf("replay stats: %s, published=%d (seed=%d)", stats, publisher.Published.Load(), seed)

	// With chaos stopped a single in-order pass must converge every agreement.
	for _, script := range scripts {
		for _, d := range script {
			// a backend killed just before stop may still surface once
			for attempt := 1; ; attempt++ {
				_, err := reconciler.Apply(ctx, d.Target, d.Event)
				if err == nil {
					break
				}
				if attempt == 3 {
					t.Fatalf("final replay %s %s: %v", d.Event.Name, d.Event.Key(), err)
				}
			}
		}
	}
	if checkOracles(t, ctx, pool, seed) {
		return
	}
	for _, f := range fixtures {
		assertConverged(t, ctx, pool, r, f, signedAt)
	}
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) bool {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		// chaos may kill the oracle's own connection
		t.Logf("oracle error: %v", err)
		return false
	}
	if name == "" {
		return false
	}
	dumpRecent(t, ctx, pool)
	t.Errorf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	return true
}

func assertConverged(t *testing.T, ctx context.Context, pool *pgxpool.Pool, r repos, f actors.Fixture, signedAt time.Time) {
	t.Helper()

	a, err := r.agreements.Get(ctx, pool, f.AgreementID)
	if err != nil {
		t.Fatalf("load agreement %s: %v", f.AgreementID, err)
	}
	if f.Terminate {
		if a.Status != agreement.StatusTerminated {
			t.Errorf("agreement %s: status %s, want terminated", a.ID, a.Status)
		}
	} else {
		if a.Status != agreement.StatusActive {
			t.Errorf("agreement %s: status %s, want active", a.ID, a.Status)
		}
		if a.StartDate == nil || !a.StartDate.Equal(signedAt) {
			t.Errorf("agreement %s: start %v, want ledger signing time %v", a.ID, a.StartDate, signedAt)
		}
	}

	payments, err := r.payments.ListByAgreement(ctx, pool, f.AgreementID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != f.Payments {
		t.Errorf("agreement %s: %d payments, want %d", a.ID, len(payments), f.Payments)
	}
	for _, p := range payments {
		if p.Status != payment.StatusPaid {
			t.Errorf("payment %d of %s: status %s, want paid", p.Index, a.ID, p.Status)
		}
	}

	disputes, err := r.disputes.ListByAgreement(ctx, f.AgreementID)
	if err != nil {
		t.Fatalf("list disputes: %v", err)
	}
	linked := 0
	for _, d := range disputes {
		if d.Index == nil {
			continue
		}
		linked++
		if d.Status != dispute.StatusResolved {
			t.Errorf("dispute %d of %s: status %s, want resolved", *d.Index, a.ID, d.Status)
		}
	}
	if linked != 1 {
		t.Errorf("agreement %s: %d disputes carry a ledger index, want 1", a.ID, linked)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// mustSeed creates a landlord, a tenant, a property and a ledger-backed draft
// agreement with its payment schedule.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, r repos, n int, start time.Time) actors.Fixture {
	t.Helper()

	runID := rand.Int63()
	landlordAddr := common.BigToAddress(big.NewInt(int64(0x10000 + 2*n)))
	tenantAddr := common.BigToAddress(big.NewInt(int64(0x10001 + 2*n)))

	landlord, err := r.users.CreateUser(ctx, auth.CreateUserParams{
		Email:         fmt.Sprintf("landlord-%d-%d@example.com", runID, n),
		FullName:      "Stress Landlord",
		PasswordHash:  "x",
		Role:          auth.RoleLandlord,
		LedgerAddress: &landlordAddr,
	})
	if err != nil {
		t.Fatalf("seed landlord: %v", err)
	}
	tenant, err := r.users.CreateUser(ctx, auth.CreateUserParams{
		Email:         fmt.Sprintf("tenant-%d-%d@example.com", runID, n),
		FullName:      "Stress Tenant",
		PasswordHash:  "x",
		Role:          auth.RoleTenant,
		LedgerAddress: &tenantAddr,
	})
	if err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	prop, err := r.properties.Create(ctx, landlord.ID, fmt.Sprintf("%d Ledger Lane", n+1))
	if err != nil {
		t.Fatalf("seed property: %v", err)
	}

	contracts := map[ledger.ContractKind]common.Address{}
	for k, kind := range ledger.DeploymentOrder {
		contracts[kind] = common.BigToAddress(big.NewInt(int64(0x20000 + 3*n + k)))
	}
	terms, payments, disputes := contracts[ledger.KindRentalTerms], contracts[ledger.KindPaymentSchedule], contracts[ledger.KindDisputeArbitration]
	rent := decimal.RequireFromString("1.5")

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("seed begin: %v", err)
	}
	defer tx.Rollback(ctx)

	a, err := r.agreements.Insert(ctx, tx, agreement.Agreement{
		ID:             uuid.NewString(),
		PropertyID:     prop.ID,
		LandlordID:     landlord.ID,
		TenantID:       &tenant.ID,
		TermsAddress:   &terms,
		PaymentAddress: &payments,
		DisputeAddress: &disputes,
		RentAmount:     rent,
		DepositAmount:  rent,
		DurationMonths: durationMonths,
		Status:         agreement.StatusDraft,
	})
	if err != nil {
		t.Fatalf("seed agreement: %v", err)
	}
	schedule := payment.GenerateSchedule(start, durationMonths, rent)
	for i := range schedule {
		schedule[i].ID = uuid.NewString()
		schedule[i].AgreementID = a.ID
	}
	if err := r.payments.BulkInsert(ctx, tx, schedule); err != nil {
		t.Fatalf("seed payments: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	return actors.Fixture{
		AgreementID:  a.ID,
		LandlordID:   landlord.ID,
		TenantID:     tenant.ID,
		LandlordAddr: landlordAddr,
		TenantAddr:   tenantAddr,
		Contracts:    contracts,
		Payments:     len(schedule),
		Terminate:    n%2 == 1,
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"rental_agreements", `SELECT id, status, landlord_signed, tenant_signed, tenant_signed_at, start_date, end_date FROM rental_agreements`},
		{"payments", `SELECT agreement_id, payment_index, status, penalty, transaction_hash FROM payments ORDER BY agreement_id, payment_index`},
		{"disputes", `SELECT id, agreement_id, status, dispute_index, filed_by FROM disputes ORDER BY agreement_id, created_at`},
		{"timeline_events", `SELECT id, agreement_id, type, payload, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"processed_ledger_events", `SELECT key, agreement_id, event_name, processed_at FROM processed_ledger_events ORDER BY processed_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
