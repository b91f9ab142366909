package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/pkg/client"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the agent's OAuth credential",
	}
	cmd.AddCommand(newTokenSeedCmd())
	cmd.AddCommand(newTokenRefreshCmd())
	cmd.AddCommand(newTokenStatusCmd())
	return cmd
}

func newTokenSeedCmd() *cobra.Command {
	var (
		access    string
		refresh   string
		expiresAt int64
		scopes    string
		tier      string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Install an OAuth token pair obtained out of band",
		RunE: func(cmd *cobra.Command, args []string) error {
			if access == "" || refresh == "" {
				return errors.New("--access and --refresh are required")
			}
			err := apiClient(cmd.Context()).SeedToken(cmd.Context(), client.SeedTokenRequest{
				AccessToken:      access,
				RefreshToken:     refresh,
				ExpiresAt:        expiresAt,
				Scopes:           scopes,
				SubscriptionTier: tier,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Token seeded")
			return nil
		},
	}
	cmd.Flags().StringVar(&access, "access", "", "Access token")
	cmd.Flags().StringVar(&refresh, "refresh", "", "Refresh token")
	cmd.Flags().Int64Var(&expiresAt, "expires-at", 0, "Access token expiry (unix millis)")
	cmd.Flags().StringVar(&scopes, "scopes", "", "Granted scopes")
	cmd.Flags().StringVar(&tier, "tier", "", "Subscription tier")
	return cmd
}

func newTokenRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Force an immediate token refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := apiClient(cmd.Context()).RefreshToken(cmd.Context())
			if err != nil {
				return err
			}
			printTokenStatus(cmd, status)
			return nil
		},
	}
	return cmd
}

func newTokenStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the credential's redacted status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := apiClient(cmd.Context()).TokenStatus(cmd.Context())
			if err != nil {
				return err
			}
			printTokenStatus(cmd, status)
			return nil
		},
	}
	return cmd
}

func printTokenStatus(cmd *cobra.Command, status *client.TokenStatus) {
	out := cmd.OutOrStdout()
	if !status.Configured {
		_, _ = fmt.Fprintln(out, "No token configured")
		return
	}
	_, _ = fmt.Fprintln(out, "Token configured")
	if status.ExpiresAt > 0 {
		_, _ = fmt.Fprintf(out, "Expires: %s\n", time.UnixMilli(status.ExpiresAt).Format(time.RFC3339))
	}
	if status.SubscriptionTier != "" {
		_, _ = fmt.Fprintf(out, "Tier:    %s\n", status.SubscriptionTier)
	}
}
