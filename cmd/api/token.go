package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/treadmill/internal/auth"
	"example.com/treadmill/internal/config"
)

func newTokenCommand(opts *options) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured JWT secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			token, err := auth.Issue(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, subject, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&subject, "subject", "operator", "token subject")
	fs.StringSliceVar(&scopes, "scopes", []string{auth.ScopeSessionsRead, auth.ScopeSessionsWrite, auth.ScopeDeviceControl}, "granted scopes")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
