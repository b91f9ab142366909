package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage registered repositories",
	}
	cmd.AddCommand(newRepoAddCmd())
	cmd.AddCommand(newRepoListCmd())
	return cmd
}

func newRepoAddCmd() *cobra.Command {
	var remoteURL string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a repository by its git remote URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remoteURL == "" {
				return errors.New("--url is required")
			}
			repo, err := apiClient(cmd.Context()).CreateRepo(cmd.Context(), remoteURL)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered repo %d: %s (default branch %s)\n",
				repo.ID, repo.DisplayName, repo.DefaultBranch)
			return nil
		},
	}
	cmd.Flags().StringVar(&remoteURL, "url", "", "Git remote URL (https://github.com/owner/name)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newRepoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := apiClient(cmd.Context()).ListRepos(cmd.Context())
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No repos.")
				return nil
			}
			for _, r := range repos {
				line := fmt.Sprintf("- #%d %s (%s) branch=%s", r.ID, r.DisplayName, r.RemoteURL, r.DefaultBranch)
				if r.LockedByTaskID != 0 {
					line += fmt.Sprintf(" locked_by=task %d", r.LockedByTaskID)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	return cmd
}
