package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"leasechain/config"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configPath string
	cfg        config.Config
	log        *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "rentald",
		Short: "Rental agreement reconciliation engine",
		Long: `rentald keeps rental agreements in PostgreSQL consistent with their
contracts on the ledger. The serve command runs the event subscriptions, the
outbox relay and the ops endpoints; the other commands operate on the store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = cfg.Logger()
			slog.SetDefault(opts.log)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "optional YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newUserCommand(opts))
	cmd.AddCommand(newPropertyCommand(opts))
	cmd.AddCommand(newAgreementCommand(opts))
	cmd.AddCommand(newDisputeCommand(opts))
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
