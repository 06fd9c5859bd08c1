package main

import (
	"fmt"
	"time"

	"github.com/fluxbase-eu/fluxgate/internal/auth"
	"github.com/spf13/cobra"
)

var (
	tokenUserID   string
	tokenTenantID string
	tokenRole     string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token signed with the configured secret",
	Long: `Mint an HS256 access token for calling the API, for example from
fluxgatectl. The token is signed with auth.jwt_secret.

Examples:
  fluxgate token --user admin --role service_role
  fluxgate token --user 42 --tenant acme --ttl 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		manager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, tokenTTL)
		token, claims, err := manager.GenerateToken(tokenUserID, tokenTenantID, tokenRole)
		if err != nil {
			return err
		}

		fmt.Println(token)
		cmd.PrintErrf("Expires at %s\n", claims.ExpiresAt.Time.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user", "", "user id (required)")
	tokenCmd.Flags().StringVar(&tokenTenantID, "tenant", "", "tenant id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleAuthenticated, "role claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}
