package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"leasechain/agreement"
	"leasechain/auth"
	"leasechain/config"
	"leasechain/db"
	"leasechain/deploy"
	"leasechain/dispute"
	"leasechain/ledger"
	"leasechain/payment"
	"leasechain/property"
)

// app holds the process wide dependencies.
type app struct {
	cfg  config.Config
	log  *slog.Logger
	pool *pgxpool.Pool
	eth  *ledger.EthClient

	users      *auth.PGRepository
	properties *property.Repository
	agreements *agreement.Repository
	payments   *payment.Repository
	disputes   *dispute.Repository
}

func openApp(ctx context.Context, cfg config.Config, log *slog.Logger, withLedger bool) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, pool: pool}

	if withLedger && cfg.LedgerEnabled() {
		artifacts, err := ledger.LoadArtifacts(cfg.LedgerArtifactsDir)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.eth, err = ledger.Dial(ctx, cfg.LedgerRPCURL, artifacts,
			ledger.WithGasLimit(cfg.LedgerGasLimit),
			ledger.WithLogger(log.With("component", "ledger")),
		)
		if err != nil {
			pool.Close()
			return nil, err
		}
	}

	a.users = auth.NewRepository(pool)
	a.properties = property.NewRepository(pool)
	a.agreements = agreement.NewRepository(pool, a.properties)
	a.payments = payment.NewRepository(pool)
	a.disputes = dispute.NewRepository(pool)
	return a, nil
}

func (a *app) Close() {
	if a.eth != nil {
		a.eth.Close()
	}
	a.pool.Close()
}

// ledgerClient returns nil when no ledger is configured.
func (a *app) ledgerClient() ledger.Client {
	if a.eth == nil {
		return nil
	}
	return a.eth
}

func (a *app) authService() *auth.Service {
	return auth.NewService(a.users, a.cfg.JWTSecret)
}

func (a *app) agreementService(subs agreement.Subscriber) *agreement.Service {
	if a.eth == nil {
		a.log.Warn("no ledger configured; only landlords without a ledger address can create agreements")
	}
	orchestrator := deploy.NewOrchestrator(a.ledgerClient(),
		deploy.WithTimeout(a.cfg.DeployTimeout),
		deploy.WithPenaltyTerms(a.cfg.PenaltyRatePct, a.cfg.GracePeriodDays),
		deploy.WithLogger(a.log.With("component", "deploy")),
	)
	return agreement.NewService(agreement.Deps{
		Pool:       a.pool,
		Repo:       a.agreements,
		Payments:   a.payments,
		Users:      a.users,
		Properties: a.properties,
		Deployer:   orchestrator,
		Subscriber: subs,
		Logger:     a.log.With("component", "agreement"),
	})
}

func (a *app) disputeService() *dispute.Service {
	return dispute.NewService(a.pool, a.disputes, a.agreements)
}

// actor resolves the user a command acts for from a session token.
func (a *app) actor(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("a session token is required; run `rentald user login`")
	}
	userID, _, err := a.authService().VerifyToken(token)
	if err != nil {
		return "", err
	}
	return userID, nil
}
