package platform

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"github.com/slack-go/slack"
)

// SlackPoster posts asks/notifications to a single configured Slack channel
// using a bot token. It substitutes for the original design's Discord bot;
// DESIGN.md records why (no Discord client library appears anywhere in the
// example pack, while slack-go/slack is a direct teacher dependency).
type SlackPoster struct {
	api     *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackPoster constructs a SlackPoster. appToken is accepted so a future
// Socket Mode listener (for capturing the human's reply) can be layered on
// without changing this constructor's signature; Post itself only needs the
// bot token.
func NewSlackPoster(botToken, appToken, channel string, logger *slog.Logger) *SlackPoster {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []slack.Option
	if appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	}
	return &SlackPoster{
		api:     slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}
}

// Post implements Poster. On the first attempt (threadRef == "") it starts a
// new top-level message and returns its timestamp as the thread reference;
// on retries it replies in the existing thread via slack.MsgOptionTS.
func (p *SlackPoster) Post(ctx context.Context, sessionID, threadRef, message string, options []string) (string, error) {
	text := fmt.Sprintf("*session `%s`*\n%s", sessionID, message)
	if len(options) > 0 {
		text += "\n" + formatOptions(options)
	}

	msgOpts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadRef != "" {
		msgOpts = append(msgOpts, slack.MsgOptionTS(threadRef))
	}

	_, ts, err := p.api.PostMessageContext(ctx, p.channel, msgOpts...)
	if err != nil {
		return threadRef, err
	}
	if threadRef != "" {
		return threadRef, nil
	}
	return ts, nil
}

func formatOptions(options []string) string {
	out := "Reply with one of: "
	for i, opt := range options {
		if i > 0 {
			out += ", "
		}
		out += "`" + opt + "`"
	}
	return out
}

// socketModeLogger adapts *log.Logger for slack-go's internal logging hooks
// where a *log.Logger is required rather than a structured logger.
func socketModeLogger(logger *slog.Logger) *log.Logger {
	return log.New(logWriter{logger}, "slack: ", 0)
}

type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Debug(string(p))
	return len(p), nil
}
