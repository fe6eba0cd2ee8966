package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"leasechain/agreement"
	"leasechain/dispute"
	"leasechain/ops"
)

func tokenFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "token", os.Getenv("RENTALD_TOKEN"), "session token (defaults to $RENTALD_TOKEN)")
}

// agreementAction runs fn with an agreement service and the acting user.
func agreementAction(opts *rootOptions, token, opsURL *string, fn func(cmd *cobra.Command, svc *agreement.Service, actorID string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), opts.cfg, opts.log, true)
		if err != nil {
			return err
		}
		defer a.Close()
		actorID, err := a.actor(*token)
		if err != nil {
			return err
		}
		var subs agreement.Subscriber
		if *opsURL != "" {
			subs = ops.NewClient(*opsURL, opts.log)
		}
		out, err := fn(cmd, a.agreementService(subs), actorID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
}

func newAgreementCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "agreement", Short: "Create and sign rental agreements"}

	var token, opsURL string
	cmd.PersistentFlags().StringVar(&token, "token", os.Getenv("RENTALD_TOKEN"), "session token (defaults to $RENTALD_TOKEN)")
	cmd.PersistentFlags().StringVar(&opsURL, "ops-url", "", "ops endpoint of the running rentald to notify")

	var (
		params        agreement.CreateParams
		tenantID      string
		rent, deposit string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Deploy and persist a new agreement",
		Args:  cobra.NoArgs,
		RunE: agreementAction(opts, &token, &opsURL, func(cmd *cobra.Command, svc *agreement.Service, actorID string) (any, error) {
			var err error
			if params.RentAmount, err = decimal.NewFromString(rent); err != nil {
				return nil, fmt.Errorf("invalid --rent: %w", err)
			}
			if params.DepositAmount, err = decimal.NewFromString(deposit); err != nil {
				return nil, fmt.Errorf("invalid --deposit: %w", err)
			}
			if tenantID != "" {
				params.TenantID = &tenantID
			}
			return svc.Create(cmd.Context(), actorID, params)
		}),
	}
	create.Flags().StringVar(&params.PropertyID, "property", "", "property id")
	create.Flags().StringVar(&tenantID, "tenant", "", "tenant user id")
	create.Flags().StringVar(&rent, "rent", "", "monthly rent in ether")
	create.Flags().StringVar(&deposit, "deposit", "0", "deposit in ether")
	create.Flags().IntVar(&params.DurationMonths, "months", 12, "duration in months")
	create.Flags().StringVar(&params.Terms, "terms", "", "free text terms")
	_ = create.MarkFlagRequired("property")
	_ = create.MarkFlagRequired("rent")

	var party string
	sign := &cobra.Command{
		Use:   "sign <agreement-id>",
		Short: "Sign an agreement as landlord or tenant",
		Args:  cobra.ExactArgs(1),
		RunE: agreementAction(opts, &token, &opsURL, func(cmd *cobra.Command, svc *agreement.Service, actorID string) (any, error) {
			return svc.Sign(cmd.Context(), actorID, cmd.Flags().Arg(0), agreement.Party(party))
		}),
	}
	sign.Flags().StringVar(&party, "as", string(agreement.PartyTenant), "landlord or tenant")

	terminate := &cobra.Command{
		Use:   "terminate <agreement-id>",
		Short: "Terminate an active agreement",
		Args:  cobra.ExactArgs(1),
		RunE: agreementAction(opts, &token, &opsURL, func(cmd *cobra.Command, svc *agreement.Service, actorID string) (any, error) {
			return svc.Terminate(cmd.Context(), actorID, cmd.Flags().Arg(0))
		}),
	}

	show := &cobra.Command{
		Use:   "show [agreement-id]",
		Short: "Show one agreement, or list the current user's agreements",
		Args:  cobra.MaximumNArgs(1),
		RunE: agreementAction(opts, &token, &opsURL, func(cmd *cobra.Command, svc *agreement.Service, actorID string) (any, error) {
			if cmd.Flags().NArg() == 0 {
				return svc.List(cmd.Context(), actorID)
			}
			return svc.Get(cmd.Context(), actorID, cmd.Flags().Arg(0))
		}),
	}

	deleteDraft := &cobra.Command{
		Use:   "delete <agreement-id>",
		Short: "Delete a database-only draft",
		Args:  cobra.ExactArgs(1),
		RunE: agreementAction(opts, &token, &opsURL, func(cmd *cobra.Command, svc *agreement.Service, actorID string) (any, error) {
			id := cmd.Flags().Arg(0)
			if err := svc.DeleteDraft(cmd.Context(), actorID, id); err != nil {
				return nil, err
			}
			return map[string]string{"deleted": id}, nil
		}),
	}

	unwatch := &cobra.Command{
		Use:   "unwatch <agreement-id>",
		Short: "Stop the running rentald from following an agreement's contracts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opsURL == "" {
				return fmt.Errorf("--ops-url is required")
			}
			if err := ops.NewClient(opsURL, opts.log).StopSubscriptionsFor(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"unwatched": args[0]})
		},
	}

	cmd.AddCommand(create, sign, terminate, show, deleteDraft, unwatch)
	return cmd
}

func newDisputeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "dispute", Short: "File and resolve disputes"}

	var token string
	cmd.PersistentFlags().StringVar(&token, "token", os.Getenv("RENTALD_TOKEN"), "session token (defaults to $RENTALD_TOKEN)")

	action := func(fn func(cmd *cobra.Command, svc *dispute.Service, actorID string) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.cfg, opts.log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			actorID, err := a.actor(token)
			if err != nil {
				return err
			}
			out, err := fn(cmd, a.disputeService(), actorID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		}
	}

	var description string
	file := &cobra.Command{
		Use:   "file <agreement-id>",
		Short: "File a dispute on an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: action(func(cmd *cobra.Command, svc *dispute.Service, actorID string) (any, error) {
			return svc.File(cmd.Context(), actorID, cmd.Flags().Arg(0), description)
		}),
	}
	file.Flags().StringVar(&description, "description", "", "what the dispute is about")
	_ = file.MarkFlagRequired("description")

	list := &cobra.Command{
		Use:   "list <agreement-id>",
		Short: "List the disputes of an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: action(func(cmd *cobra.Command, svc *dispute.Service, actorID string) (any, error) {
			return svc.List(cmd.Context(), actorID, cmd.Flags().Arg(0))
		}),
	}

	var status string
	update := &cobra.Command{
		Use:   "status <dispute-id>",
		Short: "Move a dispute to in_review or rejected",
		Args:  cobra.ExactArgs(1),
		RunE: action(func(cmd *cobra.Command, svc *dispute.Service, actorID string) (any, error) {
			return svc.UpdateStatus(cmd.Context(), actorID, cmd.Flags().Arg(0), dispute.Status(status))
		}),
	}
	update.Flags().StringVar(&status, "to", string(dispute.StatusInReview), "target status")

	var resolution string
	resolve := &cobra.Command{
		Use:   "resolve <dispute-id>",
		Short: "Resolve a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: action(func(cmd *cobra.Command, svc *dispute.Service, actorID string) (any, error) {
			return svc.Resolve(cmd.Context(), actorID, cmd.Flags().Arg(0), resolution)
		}),
	}
	resolve.Flags().StringVar(&resolution, "resolution", "", "outcome of the dispute")
	_ = resolve.MarkFlagRequired("resolution")

	cmd.AddCommand(file, list, update, resolve)
	return cmd
}
