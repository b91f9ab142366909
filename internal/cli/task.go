package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/pkg/client"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskDeleteCmd())
	cmd.AddCommand(newTaskSendCmd())
	cmd.AddCommand(newTaskInterruptCmd())
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var (
		title   string
		repoID  int64
		prewarm bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task, optionally bound to a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return errors.New("--title is required")
			}
			task, err := apiClient(cmd.Context()).CreateTask(cmd.Context(), client.CreateTaskRequest{
				Title:   title,
				RepoID:  repoID,
				Prewarm: prewarm,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %d: %s\n", task.ID, task.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().Int64Var(&repoID, "repo", 0, "Repository ID to work in")
	cmd.Flags().BoolVar(&prewarm, "prewarm", false, "Prepare the sandbox in the background")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var (
		status string
		repoID int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := apiClient(cmd.Context()).ListTasks(cmd.Context(), client.TaskFilter{
				Status: status,
				RepoID: repoID,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			for _, t := range tasks {
				line := fmt.Sprintf("- #%d [%s] %s", t.ID, t.Status, t.Title)
				if t.Repo != nil {
					line += fmt.Sprintf(" (%s)", t.Repo.DisplayName)
				}
				if t.Session != nil && t.Session.Live {
					line += " session=" + t.Session.Status
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active, awaiting_input, idle)")
	cmd.Flags().Int64Var(&repoID, "repo", 0, "Filter by repository ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of tasks")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var transcript int
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task, its session state and recent transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			api := apiClient(cmd.Context())

			task, err := api.GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Task #%d: %s\n", task.ID, task.Title)
			_, _ = fmt.Fprintf(out, "Status:  %s\n", task.Status)
			if task.Repo != nil {
				_, _ = fmt.Fprintf(out, "Repo:    %s (%s)\n", task.Repo.DisplayName, task.Repo.RemoteURL)
			}
			if task.Session != nil && task.Session.Live {
				_, _ = fmt.Fprintf(out, "Session: live (%s)\n", task.Session.Status)
			} else {
				_, _ = fmt.Fprintln(out, "Session: none")
			}
			_, _ = fmt.Fprintf(out, "Created: %s\n", time.UnixMilli(task.CreatedAt).Format(time.RFC3339))

			if transcript > 0 {
				msgs, err := api.ListMessages(cmd.Context(), id, transcript)
				if err != nil {
					return err
				}
				if len(msgs) > 0 {
					_, _ = fmt.Fprintln(out)
					for _, m := range msgs {
						text := m.Content
						if text == "" {
							text = "(" + m.Kind + ")"
						}
						_, _ = fmt.Fprintf(out, "  %-12s %s\n", m.Kind, firstLine(text))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&transcript, "transcript", 0, "Also print up to N transcript messages")
	return cmd
}

func newTaskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task, stopping its session if live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := apiClient(cmd.Context()).DeleteTask(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %d\n", id)
			return nil
		},
	}
	return cmd
}

func newTaskSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <id> <message...>",
		Short: "Send a message to the task's agent, starting a session if needed",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			content := strings.Join(args[1:], " ")
			if err := apiClient(cmd.Context()).SendMessage(cmd.Context(), id, content); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sent message to task %d\n", id)
			return nil
		},
	}
	return cmd
}

func newTaskInterruptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interrupt <id>",
		Short: "Ask the task's agent to stop its current turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := apiClient(cmd.Context()).Interrupt(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Interrupt signalled for task %d\n", id)
			return nil
		},
	}
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}
