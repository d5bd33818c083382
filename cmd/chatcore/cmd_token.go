package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/chatcore/internal/adapter/auth"
	"github.com/xiaot623/gogo/chatcore/internal/config"
)

var tokenTTL time.Duration

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Sign an access token with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		token, err := auth.New(cfg.JWTSecret, false).Issue(args[0], tokenTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
