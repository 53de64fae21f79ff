package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/omnidesk/omnidesk/internal/auth"
)

// newTokenCmd mints an agent JWT from the configured secret. There is no
// login endpoint; tokens are issued out of band by an operator.
func newTokenCmd() *cobra.Command {
	var agentID, tenantID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an agent access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			agent, err := uuid.Parse(agentID)
			if err != nil {
				return fmt.Errorf("invalid agent id: %w", err)
			}
			tenant, err := uuid.Parse(tenantID)
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			token, expiresAt, err := auth.GenerateToken(agent, tenant, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires: %s\n", token, expiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent uuid (required)")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant uuid (required)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
