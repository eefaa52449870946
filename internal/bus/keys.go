package bus

import "fmt"

// Key helpers for the live-state namespace defined in SPEC_FULL.md §3.
// Centralizing them avoids format-string drift between SessionService,
// WrapperRuntime, and StreamBridge, which all read/write these keys.

func StateKey(sessionID string) string           { return fmt.Sprintf("session:%s:state", sessionID) }
func InputQueue(sessionID string) string         { return fmt.Sprintf("session:%s:input", sessionID) }
func OutputTopic(sessionID string) string        { return fmt.Sprintf("session:%s:output", sessionID) }
func OutputBufferKey(sessionID string) string    { return fmt.Sprintf("session:%s:output_buffer", sessionID) }
func ResultKey(sessionID string) string          { return fmt.Sprintf("session:%s:result", sessionID) }
func InterruptTopic(sessionID string) string     { return fmt.Sprintf("session:%s:interrupt", sessionID) }
func InterruptQueue(sessionID string) string     { return fmt.Sprintf("session:%s:interrupt_queue", sessionID) }
func AskResponseKey(sessionID, interactionID string) string {
	return fmt.Sprintf("session:%s:discord:response:%s", sessionID, interactionID)
}

// UsageRecordedKey guards SessionService.RecordUsage against double-counting
// a terminal frame observed by more than one poller (chat and message both
// read the same result key).
func UsageRecordedKey(sessionID, messageID string) string {
	return fmt.Sprintf("session:%s:usage_recorded:%s", sessionID, messageID)
}

// ActiveSessionsKey is the single set of all known session ids.
const ActiveSessionsKey = "active_sessions"
