package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lurkbot/internal/config"
	"lurkbot/internal/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		operator string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the status API and live feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.OperatorJWTSecret == "" {
				return errors.New("operator_jwt_secret is not set; the API is open")
			}
			token, err := middleware.NewOperatorAuth(cfg.OperatorJWTSecret).Mint(operator, ttl)
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "operator", "subject recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
