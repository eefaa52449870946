package wrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/streamparser"
)

// loopState is the InteractiveLoop's state machine (SPEC_FULL.md §4.D).
type loopState string

const (
	stateIdle    loopState = "IDLE"
	stateRunning loopState = "RUNNING"
)

const resultTTL = time.Hour

// InteractiveLoop owns the agent subprocess across turns: it blocks on the
// input queue, runs one turn per prompt, streams parsed output onto the
// session's output topic, and republishes resume identifiers across turns.
// Grounded on original_source/wrapper/claude_runner.py's ClaudeRunner +
// InteractiveRunner composition, collapsed into one loop in the Go idiom.
type InteractiveLoop struct {
	cfg    *Config
	bus    bus.Client
	health *HealthEmitter
	logger *slog.Logger

	mu          sync.Mutex
	state       loopState
	turnCount   int
	resumeID    string
	shutdown    bool
	currentCmd  *exec.Cmd
	injectQueue []string
}

// NewInteractiveLoop constructs an InteractiveLoop for one session.
func NewInteractiveLoop(cfg *Config, b bus.Client, health *HealthEmitter, logger *slog.Logger) *InteractiveLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &InteractiveLoop{cfg: cfg, bus: b, health: health, logger: logger, state: stateIdle}
}

// Run is the main loop: block on input with a 1s timeout (to stay
// responsive to shutdown and injected prompts), run a turn per prompt, and
// loop until RequestShutdown is called or ctx is cancelled.
func (l *InteractiveLoop) Run(ctx context.Context) {
	l.health.SetStatus(string(stateIdle))
	l.logger.Info("wrapper: interactive loop started", slog.String("session_id", l.cfg.SessionID))

	for {
		if l.isShutdown() || ctx.Err() != nil {
			break
		}

		messageID, prompt, ok := l.nextPrompt(ctx)
		if !ok {
			continue
		}

		l.setState(stateRunning)
		l.health.SetStatus(string(stateRunning))

		l.runTurn(ctx, messageID, prompt)

		l.setState(stateIdle)
		l.health.SetStatus(string(stateIdle))
	}

	l.logger.Info("wrapper: interactive loop ended",
		slog.String("session_id", l.cfg.SessionID), slog.Int("turns", l.turnCount))
}

// nextPrompt returns an injected prompt first (redirect interrupts take
// priority), then blocks on the bus input queue for up to 1s. The returned
// message id is echoed onto the turn's result frame so an HTTP caller
// blocked on GET /messages/{mid} can find its answer.
func (l *InteractiveLoop) nextPrompt(ctx context.Context) (messageID, prompt string, ok bool) {
	l.mu.Lock()
	if len(l.injectQueue) > 0 {
		p := l.injectQueue[0]
		l.injectQueue = l.injectQueue[1:]
		l.mu.Unlock()
		return uuid.NewString(), p, true
	}
	l.mu.Unlock()

	payload, ok := l.bus.BlockingPop(ctx, bus.InputQueue(l.cfg.SessionID), l.cfg.InputPollTimeout)
	if !ok {
		return "", "", false
	}
	decoded, err := bus.DecodePrompt(payload)
	if err != nil {
		l.logger.Warn("wrapper: dropping malformed prompt", slog.String("error", err.Error()))
		return "", "", false
	}
	return decoded.MessageID, decoded.Prompt, true
}

// InjectPrompt is called by InterruptListener to push a redirect's banner
// text to the front of the queue the loop consumes next.
func (l *InteractiveLoop) InjectPrompt(prompt string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.injectQueue = append([]string{prompt}, l.injectQueue...)
}

// RequestShutdown stops the loop from accepting further prompts and tears
// down any in-flight subprocess.
func (l *InteractiveLoop) RequestShutdown() {
	l.mu.Lock()
	l.shutdown = true
	cmd := l.currentCmd
	l.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		l.terminate(cmd)
	}
}

func (l *InteractiveLoop) isShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

func (l *InteractiveLoop) setState(s loopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// runTurn executes one agent invocation, streaming its stdout through the
// StreamParser and publishing each decoded event as an output Frame.
func (l *InteractiveLoop) runTurn(ctx context.Context, messageID, prompt string) {
	start := time.Now()

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	l.mu.Lock()
	resumeID := l.resumeID
	l.mu.Unlock()
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	} else {
		args = append(args, "--dangerously-skip-permissions")
	}

	cmd := exec.CommandContext(ctx, l.cfg.AgentBinary, args...)
	cmd.Dir = l.cfg.WorkspacePath
	cmd.Env = append(os.Environ(), "AGENT_ENTRYPOINT=gateway-wrapper")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.publishError(fmt.Sprintf("failed to attach stdout: %v", err))
		return
	}
	if err := cmd.Start(); err != nil {
		l.publishError(fmt.Sprintf("failed to start agent: %v", err))
		return
	}

	l.mu.Lock()
	l.currentCmd = cmd
	l.mu.Unlock()

	var lastResult *bus.Frame
	parser := streamparser.New(l.logger, func(raw []byte) {
		frame := l.translate(raw)
		if frame == nil {
			return
		}
		if frame.Type == bus.FrameResult {
			lastResult = frame
			return
		}
		l.publishOutput(frame)
	})

	readBuf := make([]byte, 4096)
	for {
		n, readErr := stdout.Read(readBuf)
		if n > 0 {
			parser.Feed(readBuf[:n])
		}
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	l.mu.Lock()
	l.currentCmd = nil
	l.mu.Unlock()

	l.turnCount++
	duration := time.Since(start)

	subtype := bus.SubtypeSuccess
	if waitErr != nil {
		subtype = bus.SubtypeError
	}

	result := &bus.Frame{
		Type:       bus.FrameResult,
		SessionID:  l.cfg.SessionID,
		MessageID:  messageID,
		Subtype:    subtype,
		DurationMS: duration.Milliseconds(),
	}
	if lastResult != nil {
		result.Result = lastResult.Result
		result.Usage = lastResult.Usage
		result.TotalCostUSD = lastResult.TotalCostUSD
		if lastResult.ResumeID != "" {
			l.mu.Lock()
			l.resumeID = lastResult.ResumeID
			l.mu.Unlock()
		}
	}
	if waitErr != nil {
		result.Error = waitErr.Error()
	}

	l.publishResult(result)
}

// translate maps a raw agent-CLI stream-json object onto the bus's Frame
// envelope. The agent's own schema is treated as opaque beyond the handful
// of fields the spec requires (type, result, usage, session id for resume).
func (l *InteractiveLoop) translate(raw []byte) *bus.Frame {
	var event struct {
		Type      string `json:"type"`
		Subtype   string `json:"subtype"`
		Result    string `json:"result"`
		SessionID string `json:"session_id"`
		Usage     struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		TotalCostUSD float64 `json:"total_cost_usd"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		l.logger.Warn("wrapper: failed to decode agent event", slog.String("error", err.Error()))
		return nil
	}

	frame := &bus.Frame{
		SessionID: l.cfg.SessionID,
		MessageID: uuid.NewString(),
		Raw:       raw,
	}
	switch event.Type {
	case "result":
		frame.Type = bus.FrameResult
		frame.Result = event.Result
		frame.Usage = &bus.Usage{InputTokens: event.Usage.InputTokens, OutputTokens: event.Usage.OutputTokens}
		frame.TotalCostUSD = event.TotalCostUSD
		frame.ResumeID = event.SessionID
	default:
		frame.Type = bus.FrameOutput
	}
	return frame
}

func (l *InteractiveLoop) publishOutput(frame *bus.Frame) {
	payload := frame.Encode()
	l.bus.Publish(bus.OutputTopic(l.cfg.SessionID), payload)
	l.bus.ListPush(bus.OutputBufferKey(l.cfg.SessionID), payload, l.cfg.OutputBufferTTL)
	l.bus.ListTrim(bus.OutputBufferKey(l.cfg.SessionID), l.cfg.OutputBufferMax)
}

func (l *InteractiveLoop) publishResult(frame *bus.Frame) {
	payload := frame.Encode()
	l.bus.Publish(bus.OutputTopic(l.cfg.SessionID), payload)
	l.bus.Set(bus.ResultKey(l.cfg.SessionID), payload, resultTTL)
}

func (l *InteractiveLoop) publishError(message string) {
	frame := &bus.Frame{
		Type:      bus.FrameError,
		SessionID: l.cfg.SessionID,
		MessageID: uuid.NewString(),
		Error:     message,
	}
	l.publishOutput(frame)
}

// terminate sends SIGTERM, waits up to the configured grace period, then
// SIGKILLs (SPEC_FULL.md §5 cancellation model).
func (l *InteractiveLoop) terminate(cmd *exec.Cmd) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.StopGrace):
		_ = cmd.Process.Kill()
		<-done
	}
}
