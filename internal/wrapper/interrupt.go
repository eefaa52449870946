package wrapper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/agent-gateway/internal/bus"
)

// InterruptListener subscribes to a session's interrupt topic and, on
// startup, drains the interrupt backup queue so interrupts published before
// subscription completed are not lost (at-least-once delivery per
// SPEC_FULL.md §4.D, §5). Dispatches by type: stop requests a graceful
// shutdown, redirect injects a banner-prefixed prompt at the head of the
// input queue, pause is reserved.
type InterruptListener struct {
	sessionID string
	bus       bus.Client
	loop      *InteractiveLoop
	logger    *slog.Logger
}

// NewInterruptListener constructs an InterruptListener bound to loop, the
// InteractiveLoop it controls.
func NewInterruptListener(sessionID string, b bus.Client, loop *InteractiveLoop, logger *slog.Logger) *InterruptListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterruptListener{sessionID: sessionID, bus: b, loop: loop, logger: logger}
}

// Run drains the backup queue, then blocks on the live topic until ctx is
// cancelled.
func (l *InterruptListener) Run(ctx context.Context) {
	for _, payload := range l.bus.DrainQueue(bus.InterruptQueue(l.sessionID)) {
		l.dispatch(payload)
	}

	sub := l.bus.Subscribe(bus.InterruptTopic(l.sessionID))
	defer l.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Ch():
			if !ok {
				return
			}
			l.dispatch(payload)
		}
	}
}

func (l *InterruptListener) dispatch(payload []byte) {
	interrupt, err := bus.DecodeInterrupt(payload)
	if err != nil {
		l.logger.Warn("wrapper: dropping malformed interrupt", slog.String("error", err.Error()))
		return
	}

	switch interrupt.Type {
	case bus.InterruptStop:
		l.logger.Info("wrapper: stop interrupt received", slog.String("session_id", l.sessionID))
		l.loop.RequestShutdown()
	case bus.InterruptRedirect:
		banner := fmt.Sprintf("[INTERRUPT FROM PARENT - %s PRIORITY]\n\n%s", strings.ToUpper(interrupt.Priority), interrupt.Message)
		l.loop.InjectPrompt(banner)
	case bus.InterruptPause:
		l.logger.Info("wrapper: pause interrupt received (reserved, no-op)", slog.String("session_id", l.sessionID))
	default:
		l.logger.Warn("wrapper: unknown interrupt type", slog.String("type", string(interrupt.Type)))
	}
}
