package platform

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// NoopPoster discards messages, logging them instead. Used in dev and tests
// where no Slack credentials are configured.
type NoopPoster struct {
	logger *slog.Logger
}

// NewNoopPoster constructs a NoopPoster.
func NewNoopPoster(logger *slog.Logger) *NoopPoster {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopPoster{logger: logger}
}

// Post implements Poster by logging the message and fabricating a thread
// reference on first post, so retry-threading logic still has something to
// reuse.
func (p *NoopPoster) Post(ctx context.Context, sessionID, threadRef, message string, options []string) (string, error) {
	p.logger.Info("platform: noop post",
		slog.String("session_id", sessionID),
		slog.String("thread_ref", threadRef),
		slog.String("message", message),
		slog.Any("options", options),
	)
	if threadRef != "" {
		return threadRef, nil
	}
	return uuid.NewString(), nil
}
