// Package notify posts session lifecycle notifications to external sinks.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/conductorhq/conductor/internal/store"
)

// Notifier receives session lifecycle announcements. Implementations must be
// best-effort and non-blocking for the caller; failures are theirs to log.
type Notifier interface {
	SessionEnded(ctx context.Context, task *store.Task, status, summary string)
}

// Nop discards all notifications.
type Nop struct{}

// SessionEnded does nothing.
func (Nop) SessionEnded(context.Context, *store.Task, string, string) {}

// slackAPI is the slice of the Slack client used here, split out for tests.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts one message per ended session to a fixed channel.
type Slack struct {
	api     slackAPI
	channel string
	logger  zerolog.Logger
}

// NewSlack builds a notifier for the given bot token and channel ID.
func NewSlack(token, channel string, logger zerolog.Logger) *Slack {
	return &Slack{
		api:     slack.New(token),
		channel: channel,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// SessionEnded posts a short summary of the finished agent run.
func (s *Slack) SessionEnded(ctx context.Context, task *store.Task, status, summary string) {
	title := task.Title
	if title == "" {
		title = fmt.Sprintf("Task %d", task.ID)
	}

	text := fmt.Sprintf("%s *%s* — session %s", statusEmoji(status), title, status)
	if task.Repo != nil {
		text += fmt.Sprintf(" (`%s`)", task.Repo.DisplayName)
	}
	if summary != "" {
		text += "\n> " + summary
	}

	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to post session notification")
		return
	}
	s.logger.Debug().Int64("task_id", task.ID).Str("status", status).Msg("posted session notification")
}

func statusEmoji(status string) string {
	switch status {
	case store.SessionCompleted:
		return ":white_check_mark:"
	case store.SessionFailed:
		return ":x:"
	case store.SessionInterrupted:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
