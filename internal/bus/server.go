package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Server exposes a Bus over WebSocket so a session's container worker,
// running in its own process and its own Docker network namespace, can reach
// the gateway's bus the way SPEC_FULL.md's REDIS_URL env var implies a
// worker reaches shared state: by dialing out, not by sharing memory.
// Grounded on streambridge.Bridge's manual JSON-over-WS read/write loop.
type Server struct {
	bus    *Bus
	logger *slog.Logger
}

// NewServer wraps b for remote access.
func NewServer(b *Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bus: b, logger: logger}
}

// ServeHTTP upgrades the request and serves remoteRequests from one
// RemoteClient until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Error("bus server: accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bus connection ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &serverConn{conn: conn, logger: s.logger, bus: s.bus, subs: make(map[string]*Subscription)}
	defer c.closeAllSubs()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Warn("bus server: read error", slog.String("error", err.Error()))
			}
			return
		}
		var req remoteRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		go c.handle(ctx, req)
	}
}

// serverConn tracks the subscriptions one RemoteClient connection has opened
// so each can be torn down when the connection drops.
type serverConn struct {
	conn   *websocket.Conn
	logger *slog.Logger
	bus    *Bus

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*Subscription
}

func (c *serverConn) write(ctx context.Context, resp remoteResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("bus server: write failed", slog.String("error", err.Error()))
	}
}

func (c *serverConn) handle(ctx context.Context, req remoteRequest) {
	switch req.Op {
	case opPublish:
		n := c.bus.Publish(req.Key, req.Payload)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true, Delivered: n})
	case opSubscribe:
		c.subscribe(ctx, req)
	case opUnsubscribe:
		c.unsubscribe(req)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opPush:
		c.bus.Push(req.Key, req.Payload)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opPushFront:
		c.bus.PushFront(req.Key, req.Payload)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opBlockingPop:
		timeout := time.Duration(req.TimeoutMS) * time.Millisecond
		item, ok := c.bus.BlockingPop(ctx, req.Key, timeout)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: ok, Payload: item})
	case opDrainQueue:
		items := c.bus.DrainQueue(req.Key)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true, Payloads: items})
	case opHashSet:
		c.bus.HashSet(req.Key, req.Fields)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opHashGetAll:
		fields := c.bus.HashGetAll(req.Key)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true, Fields: fields})
	case opSet:
		c.bus.Set(req.Key, req.Payload, time.Duration(req.TTLMS)*time.Millisecond)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opGet:
		val, ok := c.bus.Get(req.Key)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: ok, Payload: val})
	case opExpire:
		c.bus.Expire(req.Key, time.Duration(req.TTLMS)*time.Millisecond)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opDelete:
		c.bus.Delete(req.Key)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opListPush:
		c.bus.ListPush(req.Key, req.Payload, time.Duration(req.TTLMS)*time.Millisecond)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opListTrim:
		c.bus.ListTrim(req.Key, req.MaxLen)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opListRange:
		items := c.bus.ListRange(req.Key)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true, Payloads: items})
	case opSetAdd:
		c.bus.SetAdd(req.Key, req.Member)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opSetRemove:
		c.bus.SetRemove(req.Key, req.Member)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true})
	case opSetMembers:
		members := c.bus.SetMembers(req.Key)
		c.write(ctx, remoteResponse{ID: req.ID, Ok: true, Members: members})
	default:
		c.write(ctx, remoteResponse{ID: req.ID, Ok: false})
	}
}

func (c *serverConn) subscribe(ctx context.Context, req remoteRequest) {
	sub := c.bus.Subscribe(req.Key)
	c.subMu.Lock()
	c.subs[req.ID] = sub
	c.subMu.Unlock()
	c.write(ctx, remoteResponse{ID: req.ID, Ok: true})

	go func() {
		for payload := range sub.Ch() {
			c.write(ctx, remoteResponse{Event: req.ID, Ok: true, Payload: payload})
		}
	}()
}

func (c *serverConn) unsubscribe(req remoteRequest) {
	c.subMu.Lock()
	sub, ok := c.subs[req.Key]
	if ok {
		delete(c.subs, req.Key)
	}
	c.subMu.Unlock()
	if ok {
		c.bus.Unsubscribe(sub)
	}
}

func (c *serverConn) closeAllSubs() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, sub := range c.subs {
		c.bus.Unsubscribe(sub)
		delete(c.subs, id)
	}
}
