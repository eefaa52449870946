// Package bus implements the key/value + pub/sub bus that the gateway and
// its container workers share for live state (SPEC_FULL.md §3, §4.B):
// publish/subscribe, FIFO queues, hashes, TTL-keyed values, trimmed lists,
// and sets. Bus holds this state in one process's memory; Server exposes
// that same Bus to other processes over a WebSocket (the role REDIS_URL
// plays in the original deployment), and RemoteClient is what a session's
// container worker dials in with, since cmd/gateway and cmd/wrapper run as
// separate OS processes in separate Docker containers and cannot share a
// Go value across that boundary.
package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSubscriberBuffer = 256

// Client is the capability surface SPEC_FULL.md §4.B requires: publish/
// subscribe, FIFO queues, hashes, TTL-keyed values, trimmed lists, and sets.
type Client interface {
	Publish(topic string, payload []byte) int
	Subscribe(topicPrefix string) *Subscription
	Unsubscribe(sub *Subscription)

	Push(queue string, payload []byte)
	PushFront(queue string, payload []byte)
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool)
	DrainQueue(queue string) [][]byte

	HashSet(key string, fields map[string]string)
	HashGetAll(key string) map[string]string

	Set(key string, value []byte, ttl time.Duration)
	Get(key string) ([]byte, bool)
	Expire(key string, ttl time.Duration)
	Delete(key string)

	ListPush(key string, value []byte, ttl time.Duration)
	ListTrim(key string, maxLen int)
	ListRange(key string) [][]byte

	SetAdd(key string, member string)
	SetRemove(key string, member string)
	SetMembers(key string) []string

	Close()
}

// Subscription is an active subscription to topics sharing a prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan []byte
}

// Ch returns the channel events are delivered on. It is closed on Unsubscribe.
func (s *Subscription) Ch() <-chan []byte { return s.ch }

// entry is the generic TTL-bearing record stored under a key, regardless of
// the key's logical type (plain value, hash, list, or set).
type entry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// queueState holds a FIFO's items plus a broadcast channel so BlockingPop can
// wake promptly on Push instead of only on its own poll tick.
type queueState struct {
	items  [][]byte
	notify chan struct{}
}

// Bus is the in-process implementation of Client. Grounded on
// zkoranges-go-claw/internal/bus (non-blocking publish, prefix matching,
// exponential drop-warning logging) and jxucoder-TeleCoder/internal/session.EventBus
// (per-key subscriber fan-out), extended with the queue/hash/TTL/list/set
// surface the spec additionally requires.
type Bus struct {
	logger *slog.Logger

	subMu  sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	kvMu sync.Mutex
	kv   map[string]*entry

	qMu     sync.Mutex
	queues  map[string]*queueState

	subscriberBuffer int

	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// New creates a Bus that logs dropped-event warnings via logger. A nil logger
// disables that logging (tests commonly pass nil). subscriberBuffer sizes
// each Subscription's channel (SPEC_FULL.md's BusConfig.SubscribeBuffer); a
// value <= 0 falls back to defaultSubscriberBuffer.
func New(logger *slog.Logger, subscriberBuffer int) *Bus {
	if subscriberBuffer <= 0 {
		subscriberBuffer = defaultSubscriberBuffer
	}
	return &Bus{
		logger:           logger,
		subs:             make(map[int]*Subscription),
		kv:               make(map[string]*entry),
		queues:           make(map[string]*queueState),
		subscriberBuffer: subscriberBuffer,
	}
}

// Close releases all subscriber channels. It does not stop callers already
// blocked in BlockingPop; they unblock naturally on context cancellation.
func (b *Bus) Close() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// --- pub/sub ---

// Subscribe returns a Subscription receiving every Publish whose topic has
// topicPrefix as a prefix. An empty prefix matches every topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan []byte, b.subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call once per
// Subscription; a second call is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers payload to every subscriber whose prefix matches topic and
// returns how many subscribers it was handed to. Delivery is non-blocking: a
// subscriber with a full buffer misses the event, matching the bus's
// at-most-once-per-slow-consumer semantics (the spec layers at-least-once
// delivery for interrupts on top via a backup queue, not via this method).
func (b *Bus) Publish(topic string, payload []byte) int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- payload:
			delivered++
		default:
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, topic)
		}
	}
	return delivered
}

func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}

// --- queues ---

func (b *Bus) queue(name string) *queueState {
	b.qMu.Lock()
	defer b.qMu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{notify: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// Push appends payload to the tail of queue.
func (b *Bus) Push(queue string, payload []byte) {
	b.qMu.Lock()
	q := b.queueLocked(queue)
	q.items = append(q.items, payload)
	close(q.notify)
	q.notify = make(chan struct{})
	b.qMu.Unlock()
}

// PushFront inserts payload at the head of queue, used for high-priority
// redirect prompts that must be processed before anything already queued.
func (b *Bus) PushFront(queue string, payload []byte) {
	b.qMu.Lock()
	q := b.queueLocked(queue)
	q.items = append([][]byte{payload}, q.items...)
	close(q.notify)
	q.notify = make(chan struct{})
	b.qMu.Unlock()
}

func (b *Bus) queueLocked(name string) *queueState {
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{notify: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// BlockingPop waits up to timeout (or until ctx is cancelled) for an item on
// queue, returning (item, true) or (nil, false) on timeout/cancellation.
func (b *Bus) BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)
	for {
		b.qMu.Lock()
		q := b.queueLocked(queue)
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			b.qMu.Unlock()
			return item, true
		}
		notify := q.notify
		b.qMu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
			return nil, false
		case <-notify:
			timer.Stop()
			// loop and re-check; something was pushed (possibly by another popper)
		}
	}
}

// DrainQueue removes and returns every item currently on queue without
// blocking. Used by WrapperRuntime's InterruptListener to flush the backup
// interrupt queue on startup.
func (b *Bus) DrainQueue(queue string) [][]byte {
	b.qMu.Lock()
	defer b.qMu.Unlock()
	q := b.queueLocked(queue)
	items := q.items
	q.items = nil
	return items
}

// --- TTL-bearing key/value, hash, list, set ---

func (b *Bus) get(key string) (*entry, bool) {
	e, ok := b.kv[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(b.kv, key)
		return nil, false
	}
	return e, true
}

// Set stores a plain byte value under key with an optional TTL (zero = no expiry).
func (b *Bus) Set(key string, value []byte, ttl time.Duration) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	b.kv[key] = &entry{value: value, expiresAt: expiryOf(ttl)}
}

// Get returns the plain byte value under key, if present and unexpired.
func (b *Bus) Get(key string) ([]byte, bool) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.get(key)
	if !ok {
		return nil, false
	}
	v, ok := e.value.([]byte)
	return v, ok
}

// Expire sets or refreshes key's TTL without altering its value.
func (b *Bus) Expire(key string, ttl time.Duration) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	if e, ok := b.get(key); ok {
		e.expiresAt = expiryOf(ttl)
	}
}

// Delete removes key outright, regardless of its TTL. Used to purge a
// session's live state immediately on deletion rather than waiting out a
// TTL (SPEC_FULL.md §4.F).
func (b *Bus) Delete(key string) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	delete(b.kv, key)
}

// HashSet merges fields into the hash stored under key (creating it if absent).
// Used for session:{id}:state (status, container_id, last_heartbeat).
func (b *Bus) HashSet(key string, fields map[string]string) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.get(key)
	var h map[string]string
	if ok {
		h, _ = e.value.(map[string]string)
	}
	if h == nil {
		h = make(map[string]string)
	}
	for k, v := range fields {
		h[k] = v
	}
	if ok {
		e.value = h
	} else {
		b.kv[key] = &entry{value: h}
	}
}

// HashGetAll returns a copy of the hash stored under key, or nil if absent/expired.
func (b *Bus) HashGetAll(key string) map[string]string {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.get(key)
	if !ok {
		return nil
	}
	h, _ := e.value.(map[string]string)
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// ListPush appends value to the list under key, refreshing its TTL if ttl > 0.
func (b *Bus) ListPush(key string, value []byte, ttl time.Duration) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.get(key)
	var list [][]byte
	if ok {
		list, _ = e.value.([][]byte)
	}
	list = append(list, value)
	if ok {
		e.value = list
		if ttl > 0 {
			e.expiresAt = expiryOf(ttl)
		}
	} else {
		b.kv[key] = &entry{value: list, expiresAt: expiryOf(ttl)}
	}
}

// ListTrim keeps only the most recent maxLen entries of the list under key,
// implementing the output_buffer's "last N events" retention.
func (b *Bus) ListTrim(key string, maxLen int) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.get(key)
	if !ok {
		return
	}
	list, _ := e.value.([][]byte)
	if len(list) > maxLen {
		e.value = list[len(list)-maxLen:]
	}
}

// ListRange returns a copy of the list stored under key.
func (b *Bus) ListRange(key string) [][]byte {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.get(key)
	if !ok {
		return nil
	}
	list, _ := e.value.([][]byte)
	out := make([][]byte, len(list))
	copy(out, list)
	return out
}

// SetAdd adds member to the set under key, implementing active_sessions.
func (b *Bus) SetAdd(key string, member string) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.get(key)
	var set map[string]struct{}
	if ok {
		set, _ = e.value.(map[string]struct{})
	}
	if set == nil {
		set = make(map[string]struct{})
	}
	set[member] = struct{}{}
	if ok {
		e.value = set
	} else {
		b.kv[key] = &entry{value: set}
	}
}

// SetRemove removes member from the set under key.
func (b *Bus) SetRemove(key string, member string) {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.get(key)
	if !ok {
		return
	}
	set, _ := e.value.(map[string]struct{})
	delete(set, member)
}

// SetMembers returns the members of the set under key.
func (b *Bus) SetMembers(key string) []string {
	b.kvMu.Lock()
	defer b.kvMu.Unlock()
	e, ok := b.get(key)
	if !ok {
		return nil
	}
	set, _ := e.value.(map[string]struct{})
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

func expiryOf(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
