package bus

import "encoding/json"

// FrameType tags the sum type SPEC_FULL.md §9 mandates for bus payloads:
// {Output, Result, ChildResult, Error, Control}. StreamBridge and
// WrapperRuntime encode/decode at this boundary; nothing downstream carries
// an untagged payload.
type FrameType string

const (
	FrameOutput      FrameType = "output"
	FrameResult      FrameType = "result"
	FrameChildResult FrameType = "child_result"
	FrameError       FrameType = "error"
	FrameControl     FrameType = "control"
)

// ResultSubtype distinguishes a successful terminal result from a failed one.
type ResultSubtype string

const (
	SubtypeSuccess ResultSubtype = "success"
	SubtypeError   ResultSubtype = "error"
)

// Usage mirrors the agent CLI's token accounting for a single turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Frame is the envelope published on a session's output topic and stored in
// its output_buffer / result keys.
type Frame struct {
	Type         FrameType     `json:"type"`
	SessionID    string        `json:"session_id"`
	MessageID    string        `json:"message_id,omitempty"`
	Subtype      ResultSubtype `json:"subtype,omitempty"`
	Result       string        `json:"result,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	TotalCostUSD float64       `json:"total_cost_usd,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	DurationMS   int64         `json:"duration_ms,omitempty"`
	Error        string        `json:"error,omitempty"`
	ResumeID     string        `json:"resume_id,omitempty"`
}

// Encode serializes a Frame for the bus.
func (f *Frame) Encode() []byte {
	b, _ := json.Marshal(f)
	return b
}

// DecodeFrame parses a Frame published on an output topic.
func DecodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// InterruptType is the dispatch tag WrapperRuntime's InterruptListener reads.
type InterruptType string

const (
	InterruptStop     InterruptType = "stop"
	InterruptRedirect InterruptType = "redirect"
	InterruptPause    InterruptType = "pause"
)

// Interrupt is published on a session's interrupt topic and mirrored onto its
// interrupt backup queue for at-least-once delivery (SPEC_FULL.md §4.D, §5).
type Interrupt struct {
	Type     InterruptType `json:"type"`
	Message  string        `json:"message,omitempty"`
	Priority string        `json:"priority,omitempty"`
}

func (i *Interrupt) Encode() []byte {
	b, _ := json.Marshal(i)
	return b
}

func DecodeInterrupt(b []byte) (*Interrupt, error) {
	var i Interrupt
	if err := json.Unmarshal(b, &i); err != nil {
		return nil, err
	}
	return &i, nil
}

// Prompt is pushed onto a session's input queue.
type Prompt struct {
	MessageID string `json:"message_id"`
	Prompt    string `json:"prompt"`
}

func (p *Prompt) Encode() []byte {
	b, _ := json.Marshal(p)
	return b
}

func DecodePrompt(b []byte) (*Prompt, error) {
	var p Prompt
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
