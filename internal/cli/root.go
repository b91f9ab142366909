// Package cli implements the conductorctl command tree. Every subcommand
// talks to a running conductor daemon over pkg/client.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/pkg/client"
)

type clientKey struct{}

func withClient(ctx context.Context, c *client.Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// apiClient returns the client installed by the root command.
func apiClient(ctx context.Context) *client.Client {
	c, _ := ctx.Value(clientKey{}).(*client.Client)
	return c
}

// NewRootCmd builds the conductorctl command tree.
func NewRootCmd(version string) *cobra.Command {
	var (
		apiURL   string
		password string
	)

	cmd := &cobra.Command{
		Use:          "conductorctl",
		Short:        "Administer a Conductor daemon",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			var opts []client.Option
			if password != "" {
				opts = append(opts, client.WithPassword(password))
			}
			cmd.SetContext(withClient(cmd.Context(), client.New(apiURL, opts...)))
		},
	}

	cmd.PersistentFlags().StringVar(&apiURL, "api", envOr("CONDUCTOR_API", "http://localhost:8080"),
		"Conductor API base URL (env: CONDUCTOR_API)")
	cmd.PersistentFlags().StringVar(&password, "password", os.Getenv("CONDUCTOR_PASSWORD"),
		"Service password for bearer auth (env: CONDUCTOR_PASSWORD)")

	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newRepoCmd())
	cmd.AddCommand(newSandboxCmd())
	cmd.AddCommand(newTokenCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
