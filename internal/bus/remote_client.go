package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// RemoteClient implements Client over a WebSocket connection to a Server,
// the transport a session's container worker (cmd/wrapper, a separate OS
// process in a separate Docker container) uses to reach the gateway's bus.
// Correlation mirrors streambridge's frame style: a client-assigned ID ties
// a remoteResponse back to its remoteRequest, and a push-style remoteResponse
// instead carries Event set to the originating subscribe request's ID.
type RemoteClient struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan remoteResponse
	events  map[string]chan []byte
	subIDs  map[*Subscription]string
	closed  bool
}

// DialRemote connects to a Server at busURL (ws:// or wss://, e.g.
// http://gateway:8080/bus/ws rewritten to ws://) and starts its read loop.
func DialRemote(ctx context.Context, busURL string, logger *slog.Logger) (*RemoteClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.Dial(ctx, busURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bus: %w", err)
	}
	conn.SetReadLimit(32 << 20)

	c := &RemoteClient{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan remoteResponse),
		events:  make(map[string]chan []byte),
		subIDs:  make(map[*Subscription]string),
	}
	go c.readLoop()
	return c, nil
}

func (c *RemoteClient) readLoop() {
	ctx := context.Background()
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			c.failAllPending()
			return
		}
		var resp remoteResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.Event != "" {
			c.dispatchEvent(resp)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *RemoteClient) dispatchEvent(resp remoteResponse) {
	c.mu.Lock()
	ch, ok := c.events[resp.Event]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp.Payload:
	default:
		c.logger.Warn("bus remote client: dropped event, subscriber channel full", slog.String("event", resp.Event))
	}
}

func (c *RemoteClient) failAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, ch := range c.events {
		close(ch)
		delete(c.events, id)
	}
}

func (c *RemoteClient) call(ctx context.Context, req remoteRequest) (remoteResponse, error) {
	req.ID = uuid.NewString()
	ch := make(chan remoteResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return remoteResponse{}, fmt.Errorf("bus remote client: connection closed")
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return remoteResponse{}, err
	}

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return remoteResponse{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return remoteResponse{}, fmt.Errorf("bus remote client: connection closed")
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return remoteResponse{}, ctx.Err()
	}
}

// Close releases the underlying WebSocket connection.
func (c *RemoteClient) Close() {
	c.conn.Close(websocket.StatusNormalClosure, "bus client closing")
}

func (c *RemoteClient) Publish(topic string, payload []byte) int {
	resp, err := c.call(context.Background(), remoteRequest{Op: opPublish, Key: topic, Payload: payload})
	if err != nil {
		c.logger.Warn("bus remote client: publish failed", slog.String("error", err.Error()))
		return 0
	}
	return resp.Delivered
}

// Subscribe opens a server-side subscription and returns a local
// Subscription whose channel is fed by dispatchEvent as push frames arrive.
// The returned Subscription's id field is unused (it only has meaning for
// Bus's own internal map); RemoteClient tracks the server-assigned
// correlation ID itself, keyed by the Subscription's pointer identity.
func (c *RemoteClient) Subscribe(topicPrefix string) *Subscription {
	resp, err := c.call(context.Background(), remoteRequest{Op: opSubscribe, Key: topicPrefix})
	ch := make(chan []byte, defaultSubscriberBuffer)
	sub := &Subscription{prefix: topicPrefix, ch: ch}
	if err != nil {
		c.logger.Warn("bus remote client: subscribe failed", slog.String("error", err.Error()))
		close(ch)
		return sub
	}
	c.mu.Lock()
	c.events[resp.ID] = ch
	c.subIDs[sub] = resp.ID
	c.mu.Unlock()
	return sub
}

func (c *RemoteClient) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	id, ok := c.subIDs[sub]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subIDs, sub)
	ch, chOK := c.events[id]
	if chOK {
		delete(c.events, id)
	}
	c.mu.Unlock()
	if chOK {
		close(ch)
	}
	if _, err := c.call(context.Background(), remoteRequest{Op: opUnsubscribe, Key: id}); err != nil {
		c.logger.Debug("bus remote client: unsubscribe failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) Push(queue string, payload []byte) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opPush, Key: queue, Payload: payload}); err != nil {
		c.logger.Warn("bus remote client: push failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) PushFront(queue string, payload []byte) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opPushFront, Key: queue, Payload: payload}); err != nil {
		c.logger.Warn("bus remote client: push_front failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool) {
	callCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	resp, err := c.call(callCtx, remoteRequest{Op: opBlockingPop, Key: queue, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return nil, false
	}
	return resp.Payload, resp.Ok
}

func (c *RemoteClient) DrainQueue(queue string) [][]byte {
	resp, err := c.call(context.Background(), remoteRequest{Op: opDrainQueue, Key: queue})
	if err != nil {
		return nil
	}
	return resp.Payloads
}

func (c *RemoteClient) HashSet(key string, fields map[string]string) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opHashSet, Key: key, Fields: fields}); err != nil {
		c.logger.Warn("bus remote client: hash_set failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) HashGetAll(key string) map[string]string {
	resp, err := c.call(context.Background(), remoteRequest{Op: opHashGetAll, Key: key})
	if err != nil {
		return nil
	}
	return resp.Fields
}

func (c *RemoteClient) Set(key string, value []byte, ttl time.Duration) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opSet, Key: key, Payload: value, TTLMS: ttl.Milliseconds()}); err != nil {
		c.logger.Warn("bus remote client: set failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) Get(key string) ([]byte, bool) {
	resp, err := c.call(context.Background(), remoteRequest{Op: opGet, Key: key})
	if err != nil {
		return nil, false
	}
	return resp.Payload, resp.Ok
}

func (c *RemoteClient) Expire(key string, ttl time.Duration) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opExpire, Key: key, TTLMS: ttl.Milliseconds()}); err != nil {
		c.logger.Warn("bus remote client: expire failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) Delete(key string) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opDelete, Key: key}); err != nil {
		c.logger.Warn("bus remote client: delete failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) ListPush(key string, value []byte, ttl time.Duration) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opListPush, Key: key, Payload: value, TTLMS: ttl.Milliseconds()}); err != nil {
		c.logger.Warn("bus remote client: list_push failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) ListTrim(key string, maxLen int) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opListTrim, Key: key, MaxLen: maxLen}); err != nil {
		c.logger.Warn("bus remote client: list_trim failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) ListRange(key string) [][]byte {
	resp, err := c.call(context.Background(), remoteRequest{Op: opListRange, Key: key})
	if err != nil {
		return nil
	}
	return resp.Payloads
}

func (c *RemoteClient) SetAdd(key string, member string) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opSetAdd, Key: key, Member: member}); err != nil {
		c.logger.Warn("bus remote client: set_add failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) SetRemove(key string, member string) {
	if _, err := c.call(context.Background(), remoteRequest{Op: opSetRemove, Key: key, Member: member}); err != nil {
		c.logger.Warn("bus remote client: set_remove failed", slog.String("error", err.Error()))
	}
}

func (c *RemoteClient) SetMembers(key string) []string {
	resp, err := c.call(context.Background(), remoteRequest{Op: opSetMembers, Key: key})
	if err != nil {
		return nil
	}
	return resp.Members
}
