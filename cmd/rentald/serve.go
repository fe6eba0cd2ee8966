package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"leasechain/cache"
	"leasechain/db"
	"leasechain/ops"
	"leasechain/outbox"
	"leasechain/reconcile"
	"leasechain/subscription"
)

const sweepInterval = time.Hour

func newServeCommand(opts *rootOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run subscriptions, outbox relay and ops endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before starting")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions, migrate bool) error {
	cfg, log := opts.cfg, opts.log

	a, err := openApp(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if err := db.Migrate(ctx, a.pool); err != nil {
			return err
		}
	}

	recOpts := []reconcile.Option{reconcile.WithLogger(log.With("component", "reconcile"))}
	if cfg.RedisAddr != "" {
		rdb, err := cache.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			log.Warn("seen set disabled", "error", err)
		} else {
			defer rdb.Close()
			recOpts = append(recOpts, reconcile.WithSeenSet(cache.NewSeenSet(rdb)))
		}
	}
	reconciler := reconcile.New(
		reconcile.NewPGStore(a.pool, a.agreements, a.payments, a.disputes, a.users),
		recOpts...,
	)
	manager := subscription.NewManager(a.ledgerClient(), reconciler, a.agreements,
		subscription.NewPGCheckpoints(a.pool),
		subscription.WithLogger(log.With("component", "subscription")),
	)

	var publisher outbox.Publisher = outbox.LogPublisher{Log: log.With("component", "outbox")}
	if cfg.AMQPURL != "" {
		amqpPub := outbox.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		defer amqpPub.Close()
		publisher = amqpPub
	}
	relay := outbox.NewRelay(a.pool, publisher, outbox.WithLogger(log.With("component", "outbox")))

	g, gctx := errgroup.WithContext(ctx)
	if a.eth != nil {
		if err := manager.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			manager.Stop()
			return nil
		})
	} else {
		log.Warn("no ledger configured; event subscriptions disabled")
	}
	g.Go(func() error {
		return relay.Run(gctx, cfg.OutboxInterval)
	})
	g.Go(func() error {
		return ops.NewServer(a.pool, manager, log.With("component", "ops")).Run(gctx, cfg.OpsAddr)
	})
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			n, err := a.payments.MarkOverdue(gctx, time.Now().UTC())
			if err != nil && gctx.Err() == nil {
				log.Error("overdue sweep failed", "error", err)
			} else if n > 0 {
				log.Info("payments marked overdue", "count", n)
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	log.Info("rentald started", "ledger", a.eth != nil, "ops_addr", cfg.OpsAddr)
	err = g.Wait()
	log.Info("rentald stopped")
	return err
}
