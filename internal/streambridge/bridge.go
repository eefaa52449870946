// Package streambridge implements StreamBridge (SPEC_FULL.md §4.G): the
// bidirectional relay between an external WebSocket client and a session's
// bus topics, plus a binary WS↔TCP proxy for the VNC desktop.
package streambridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/basket/agent-gateway/internal/apperr"
	"github.com/basket/agent-gateway/internal/bus"
	"github.com/basket/agent-gateway/internal/container"
	"github.com/basket/agent-gateway/internal/store"
)

// clientFrame is what an external WS client sends on the agent stream.
type clientFrame struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
}

// serverFrame is what StreamBridge sends back on the agent stream.
type serverFrame struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"session_id,omitempty"`
	Subtype      bus.ResultSubtype `json:"subtype,omitempty"`
	Result       string        `json:"result,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	TotalCostUSD float64       `json:"total_cost_usd,omitempty"`
	Usage        *bus.Usage    `json:"usage,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Bridge wires external WebSocket clients to session bus topics and, for
// VNC, to a container's desktop port.
type Bridge struct {
	store         store.SessionStore
	bus           bus.Client
	driver        container.Driver
	allowedOrigin string
	isDev         bool
	vncPort       string
	logger        *slog.Logger

	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// New constructs a Bridge.
func New(st store.SessionStore, b bus.Client, driver container.Driver, allowedOrigin string, isDev bool, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store: st, bus: b, driver: driver, allowedOrigin: allowedOrigin, isDev: isDev,
		vncPort: "5900", logger: logger, active: make(map[string]*websocket.Conn),
	}
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	if b.isDev || b.allowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == b.allowedOrigin {
		return true
	}
	b.logger.Warn("streambridge: origin rejected", slog.String("origin", origin))
	return false
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, "bearer.") {
			return strings.TrimPrefix(proto, "bearer.")
		}
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// ServeAgentStream upgrades the request and relays JSON frames between the
// client and the session's input queue / output topic until either side
// closes (SPEC_FULL.md §4.G).
func (b *Bridge) ServeAgentStream(w http.ResponseWriter, r *http.Request, sessionID, expectedToken string) {
	if !b.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if expectedToken != "" && bearerToken(r) != expectedToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := b.store.GetSession(r.Context(), sessionID); err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		b.logger.Error("streambridge: accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session stream ended")

	b.register(sessionID, conn)
	defer b.unregister(sessionID, conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := b.bus.Subscribe(bus.OutputTopic(sessionID))
	defer b.bus.Unsubscribe(sub)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		b.clientToWorker(ctx, conn, sessionID)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		b.workerToClient(ctx, conn, sub)
	}()
	wg.Wait()
}

func (b *Bridge) register(sessionID string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[sessionID] = conn
}

func (b *Bridge) unregister(sessionID string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.active[sessionID]; ok && current == conn {
		delete(b.active, sessionID)
	}
}

func (b *Bridge) clientToWorker(ctx context.Context, conn *websocket.Conn, sessionID string) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				b.logger.Warn("streambridge: client read error", slog.String("error", err.Error()))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			b.writeError(ctx, conn, "malformed frame")
			continue
		}

		switch frame.Type {
		case "ping":
			b.writeJSON(ctx, conn, serverFrame{Type: "pong"})
		case "prompt":
			prompt := &bus.Prompt{MessageID: uuid.NewString(), Prompt: frame.Prompt}
			b.bus.Push(bus.InputQueue(sessionID), prompt.Encode())
		default:
			b.writeError(ctx, conn, "unknown frame type")
		}
	}
}

func (b *Bridge) workerToClient(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame, err := bus.DecodeFrame(payload)
			if err != nil {
				continue
			}
			out := serverFrame{
				Type:         string(frame.Type),
				SessionID:    frame.SessionID,
				Subtype:      frame.Subtype,
				Result:       frame.Result,
				Raw:          frame.Raw,
				TotalCostUSD: frame.TotalCostUSD,
				Usage:        frame.Usage,
				Error:        frame.Error,
			}
			switch frame.Type {
			case bus.FrameOutput, bus.FrameResult, bus.FrameChildResult, bus.FrameError:
				if err := b.writeJSON(ctx, conn, out); err != nil {
					return
				}
			}
		}
	}
}

func (b *Bridge) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (b *Bridge) writeError(ctx context.Context, conn *websocket.Conn, msg string) {
	if err := b.writeJSON(ctx, conn, serverFrame{Type: "error", Error: msg}); err != nil {
		b.logger.Debug("streambridge: failed to send error frame", slog.String("error", err.Error()))
	}
}

// ServeVNC upgrades the request and copies binary frames between the client
// and the session container's VNC port until either side closes
// (SPEC_FULL.md §4.G).
func (b *Bridge) ServeVNC(w http.ResponseWriter, r *http.Request, sessionID, expectedToken string) {
	if !b.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if expectedToken != "" && bearerToken(r) != expectedToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sess, err := b.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if sess.ContainerID == "" {
		http.Error(w, "container not ready", http.StatusServiceUnavailable)
		return
	}

	addrs, err := b.driver.Inspect(r.Context(), sess.ContainerID)
	if err != nil || len(addrs) == 0 {
		http.Error(w, "container network address unavailable", http.StatusServiceUnavailable)
		return
	}

	tcpConn, err := net.DialTimeout("tcp", net.JoinHostPort(addrs[0].Address, b.vncPort), 5*time.Second)
	if err != nil {
		b.logger.Warn("streambridge: vnc dial failed", slog.String("error", err.Error()))
		http.Error(w, "vnc unreachable", http.StatusBadGateway)
		return
	}
	defer tcpConn.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		b.logger.Error("streambridge: vnc accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "vnc session ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		b.wsToTCP(ctx, conn, tcpConn)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		b.tcpToWS(ctx, conn, tcpConn)
	}()
	wg.Wait()
}

func (b *Bridge) wsToTCP(ctx context.Context, conn *websocket.Conn, tcpConn net.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if _, err := tcpConn.Write(data); err != nil {
			return
		}
	}
}

func (b *Bridge) tcpToWS(ctx context.Context, conn *websocket.Conn, tcpConn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := tcpConn.Read(buf)
		if n > 0 {
			if writeErr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); writeErr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("streambridge: vnc tcp read ended", slog.String("error", err.Error()))
			}
			return
		}
	}
}
