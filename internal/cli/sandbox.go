package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Administer the sandbox fleet",
	}
	cmd.AddCommand(newSandboxListCmd())
	cmd.AddCommand(newSandboxSuspendCmd())
	cmd.AddCommand(newSandboxDeleteCmd())
	return cmd
}

func newSandboxListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sandboxes known to the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			sandboxes, err := apiClient(cmd.Context()).ListSandboxes(cmd.Context())
			if err != nil {
				return err
			}
			if len(sandboxes) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No sandboxes.")
				return nil
			}
			for _, s := range sandboxes {
				line := "- " + s.Name
				if s.Status != "" {
					line += " [" + s.Status + "]"
				}
				if s.URL != "" {
					line += " " + s.URL
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	return cmd
}

func newSandboxSuspendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suspend <name>",
		Short: "Suspend a sandbox so it hibernates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd.Context()).SuspendSandbox(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Suspend requested for %q\n", args[0])
			return nil
		},
	}
	return cmd
}

func newSandboxDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a sandbox and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd.Context()).DeleteSandbox(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted sandbox %q\n", args[0])
			return nil
		},
	}
	return cmd
}
