package bus

// reqOp tags a remoteRequest's operation, one per Client method Server
// exposes over the wire.
type reqOp string

const (
	opPush        reqOp = "push"
	opPushFront   reqOp = "push_front"
	opBlockingPop reqOp = "blocking_pop"
	opDrainQueue  reqOp = "drain_queue"
	opHashSet     reqOp = "hash_set"
	opHashGetAll  reqOp = "hash_get_all"
	opSet         reqOp = "set"
	opGet         reqOp = "get"
	opExpire      reqOp = "expire"
	opDelete      reqOp = "delete"
	opListPush    reqOp = "list_push"
	opListTrim    reqOp = "list_trim"
	opListRange   reqOp = "list_range"
	opSetAdd      reqOp = "set_add"
	opSetRemove   reqOp = "set_remove"
	opSetMembers  reqOp = "set_members"
	opPublish     reqOp = "publish"
	opSubscribe   reqOp = "subscribe"
	opUnsubscribe reqOp = "unsubscribe"
)

// remoteRequest is one client->server call sent over the WebSocket
// connection RemoteClient and Server speak, SPEC_FULL.md §3's stand-in for a
// Redis wire protocol addressed by REDIS_URL.
type remoteRequest struct {
	ID        string            `json:"id"`
	Op        reqOp             `json:"op"`
	Key       string            `json:"key,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Member    string            `json:"member,omitempty"`
	TTLMS     int64             `json:"ttl_ms,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
	MaxLen    int               `json:"max_len,omitempty"`
}

// remoteResponse is one server->client reply. A reply to a remoteRequest
// carries ID matching the request; an unsolicited subscription push instead
// carries Event set to the originating subscribe request's ID.
type remoteResponse struct {
	ID        string            `json:"id,omitempty"`
	Ok        bool              `json:"ok"`
	Payload   []byte            `json:"payload,omitempty"`
	Payloads  [][]byte          `json:"payloads,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Members   []string          `json:"members,omitempty"`
	Delivered int               `json:"delivered,omitempty"`

	Event string `json:"event,omitempty"`
}
