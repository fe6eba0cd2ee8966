package main

import (
	"time"

	"github.com/spf13/cobra"

	"leasechain/db"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.cfg, opts.log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := db.Migrate(cmd.Context(), a.pool); err != nil {
				return err
			}
			opts.log.Info("schema applied")
			return nil
		},
	}
}

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-overdue",
		Short: "Mark pending payments past their due date as overdue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.cfg, opts.log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.payments.MarkOverdue(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			cmd.Printf("%d payments marked overdue\n", n)
			return nil
		},
	}
}
