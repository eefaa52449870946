package domain

import "time"

// AskType distinguishes a blocking question from a fire-and-forget notification.
type AskType string

const (
	AskQuestion     AskType = "question"
	AskNotification AskType = "notification"
)

// AskStatus is the lifecycle of an ExternalAsk interaction.
type AskStatus string

const (
	AskPending  AskStatus = "pending"
	AskAnswered AskStatus = "answered"
	AskTimeout  AskStatus = "timeout"
	AskFailed   AskStatus = "failed"
	AskComplete AskStatus = "completed"
)

// AskPriority is the urgency hint passed to the external chat-platform bot.
type AskPriority string

const (
	PriorityLow    AskPriority = "low"
	PriorityNormal AskPriority = "normal"
	PriorityHigh   AskPriority = "high"
)

// ExternalAsk ("DiscordInteraction" in SPEC_FULL.md's data model) is a durable
// record of one ask-or-notify round trip with an external chat platform.
type ExternalAsk struct {
	ID             string
	SessionID      string
	Type           AskType
	Status         AskStatus
	Question       string
	Options        []string
	Attempt        int
	MaxAttempts    int
	TimeoutSeconds int
	Priority       AskPriority
	ThreadRef      string // external thread/message identifier, reused across retry attempts
	Response       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RespondedAt    *time.Time
}
