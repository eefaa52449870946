// Package platform implements PlatformBridge (SPEC_FULL.md §4.J): posting
// asks/notifications to an external chat platform and blocking on the bus
// for a human response.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/domain"
	"github.com/basket/agent-gateway/internal/store"
)

// Poster is the pluggable chat-platform actor PlatformBridge drives. A
// Slack-backed implementation and a no-op implementation both satisfy it
// (SPEC_FULL.md §11).
type Poster interface {
	// Post sends a message for a session. threadRef is empty on the first
	// attempt; a non-empty threadRef must be replied to in-thread rather
	// than starting a new thread. Returns the thread reference to persist.
	Post(ctx context.Context, sessionID, threadRef, message string, options []string) (newThreadRef string, err error)
}

// AskResult is the outcome of Bridge.Ask.
type AskResult struct {
	Ask      *domain.ExternalAsk
	TimedOut bool
}

// Bridge implements notify (fire-and-forget) and ask (blocking on a human
// response) over a Poster and the bus.
type Bridge struct {
	poster             Poster
	store              store.TaskStore
	bus                bus.Client
	pollInterval       time.Duration
	defaultTimeout     time.Duration
	defaultMaxAttempts int
	logger             *slog.Logger
}

// New constructs a Bridge.
func New(poster Poster, st store.TaskStore, b bus.Client, cfg PlatformTuning, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	defaultTimeout := cfg.DefaultAskTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	defaultMaxAttempts := cfg.DefaultMaxAttempts
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 1
	}
	return &Bridge{
		poster: poster, store: st, bus: b,
		pollInterval: pollInterval, defaultTimeout: defaultTimeout, defaultMaxAttempts: defaultMaxAttempts,
		logger: logger,
	}
}

// PlatformTuning mirrors the subset of config.PlatformConfig the bridge
// needs, kept separate so this package does not import internal/config.
type PlatformTuning struct {
	DefaultAskTimeout  time.Duration
	DefaultMaxAttempts int
	PollInterval       time.Duration
}

// Notify posts a message externally and persists a completed interaction
// record. Fire-and-forget: it does not wait for any response.
func (b *Bridge) Notify(ctx context.Context, sessionID, message string, priority domain.AskPriority) (*domain.ExternalAsk, error) {
	now := time.Now()
	ask := &domain.ExternalAsk{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Type:        domain.AskNotification,
		Status:      domain.AskComplete,
		Question:    message,
		MaxAttempts: 1,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	threadRef, err := b.poster.Post(ctx, sessionID, "", message, nil)
	if err != nil {
		b.logger.Warn("platform: notify post failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	} else {
		ask.ThreadRef = threadRef
	}

	if err := b.store.InsertAsk(ctx, ask); err != nil {
		return nil, err
	}
	return ask, nil
}

// AskOptions configures a blocking ask beyond its question text.
type AskOptions struct {
	TimeoutSeconds int
	MaxAttempts    int
	Priority       domain.AskPriority
	Choices        []string
}

// Ask persists a pending interaction, then for each attempt posts (a new
// thread on attempt 1, a retry message in the existing thread otherwise)
// and polls the bus response key until answered or the attempt's timeout
// elapses. Blocking: it does not return until answered or all attempts are
// exhausted (SPEC_FULL.md §4.J).
func (b *Bridge) Ask(ctx context.Context, sessionID, question string, opts AskOptions) (*AskResult, error) {
	timeoutSeconds := opts.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(b.defaultTimeout.Seconds())
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = b.defaultMaxAttempts
	}

	now := time.Now()
	ask := &domain.ExternalAsk{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Type:           domain.AskQuestion,
		Status:         domain.AskPending,
		Question:       question,
		Options:        opts.Choices,
		MaxAttempts:    maxAttempts,
		TimeoutSeconds: timeoutSeconds,
		Priority:       opts.Priority,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := b.store.InsertAsk(ctx, ask); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ask.Attempt = attempt
		message := question
		if attempt > 1 {
			message = fmt.Sprintf("(retry %d/%d) %s", attempt, maxAttempts, question)
		}

		threadRef, err := b.poster.Post(ctx, sessionID, ask.ThreadRef, message, opts.Choices)
		if err != nil {
			b.logger.Warn("platform: ask post failed",
				slog.String("session_id", sessionID), slog.Int("attempt", attempt), slog.String("error", err.Error()))
		} else if ask.ThreadRef == "" {
			ask.ThreadRef = threadRef
		}
		if err := b.store.UpdateAsk(ctx, ask); err != nil {
			return nil, err
		}

		answer, ok := b.pollForResponse(ctx, sessionID, ask.ID, time.Duration(timeoutSeconds)*time.Second)
		if ok {
			respondedAt := time.Now()
			ask.Status = domain.AskAnswered
			ask.Response = answer
			ask.RespondedAt = &respondedAt
			ask.UpdatedAt = respondedAt
			if err := b.store.UpdateAsk(ctx, ask); err != nil {
				return nil, err
			}
			return &AskResult{Ask: ask}, nil
		}
	}

	ask.Status = domain.AskTimeout
	ask.UpdatedAt = time.Now()
	if err := b.store.UpdateAsk(ctx, ask); err != nil {
		return nil, err
	}
	return &AskResult{Ask: ask, TimedOut: true}, nil
}

// pollForResponse polls the bus response key every pollInterval until the
// external bot populates it or timeout elapses.
func (b *Bridge) pollForResponse(ctx context.Context, sessionID, interactionID string, timeout time.Duration) (string, bool) {
	key := bus.AskResponseKey(sessionID, interactionID)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if value, ok := b.bus.Get(key); ok {
			b.bus.Delete(key)
			return string(value), true
		}
		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
}
