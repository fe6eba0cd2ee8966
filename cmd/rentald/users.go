package main

import (
	"github.com/spf13/cobra"

	"leasechain/auth"
	"leasechain/property"
)

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}

	var req auth.RegisterRequest
	var role string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a landlord or tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.cfg, opts.log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			req.Role = auth.Role(role)
			u, err := a.authService().Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	register.Flags().StringVar(&req.Email, "email", "", "email address")
	register.Flags().StringVar(&req.FullName, "name", "", "full name")
	register.Flags().StringVar(&req.Password, "password", "", "password (min 8 characters)")
	register.Flags().StringVar(&role, "role", string(auth.RoleTenant), "landlord, tenant or admin")
	register.Flags().StringVar(&req.LedgerAddress, "ledger-address", "", "0x address used on the ledger")
	_ = register.MarkFlagRequired("email")
	_ = register.MarkFlagRequired("password")

	var login auth.LoginRequest
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Print a session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.cfg, opts.log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.authService().Login(cmd.Context(), login)
			if err != nil {
				return err
			}
			cmd.Println(res.Token)
			return nil
		},
	}
	loginCmd.Flags().StringVar(&login.Email, "email", "", "email address")
	loginCmd.Flags().StringVar(&login.Password, "password", "", "password")

	var token, address string
	link := &cobra.Command{
		Use:   "link-address",
		Short: "Link a ledger address to the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.cfg, opts.log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			userID, err := a.actor(token)
			if err != nil {
				return err
			}
			u, err := a.authService().LinkLedgerAddress(cmd.Context(), userID, address)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	tokenFlag(link, &token)
	link.Flags().StringVar(&address, "address", "", "0x ledger address")
	_ = link.MarkFlagRequired("address")

	cmd.AddCommand(register, loginCmd, link)
	return cmd
}

func newPropertyCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "property", Short: "Manage properties"}

	var token, street string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a property owned by the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.cfg, opts.log, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ownerID, err := a.actor(token)
			if err != nil {
				return err
			}
			p, err := property.NewService(a.properties).Register(cmd.Context(), ownerID, street)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	tokenFlag(register, &token)
	register.Flags().StringVar(&street, "address", "", "street address")
	_ = register.MarkFlagRequired("address")

	cmd.AddCommand(register)
	return cmd
}
