package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentgw/pkg/gateway"
)

var (
	tokenTenant    string
	tokenWorkspace string
	tokenUser      string
	tokenAdmin     bool
	tokenTTL       time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a connect token",
	Long: `Issue an HS256 token signed with gateway.jwt_secret. Clients pass it
as params.token on connect or as an Authorization bearer header.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenTenant, "tenant", "", "tenant id (required)")
	tokenCmd.Flags().StringVar(&tokenWorkspace, "workspace", "", "workspace id (required)")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "grant the admin scope")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = tokenCmd.MarkFlagRequired("tenant")
	_ = tokenCmd.MarkFlagRequired("workspace")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	principal := gateway.Principal{TenantID: tokenTenant, WorkspaceID: tokenWorkspace, UserID: tokenUser}
	if tokenAdmin {
		principal.Scopes = []string{gateway.ScopeAdmin}
	}

	token, err := gateway.NewAuthenticator(cfg.Gateway.JWTSecret, tokenTTL).Issue(principal)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
