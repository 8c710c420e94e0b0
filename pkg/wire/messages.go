package wire

// ToServerInit is the first frame a runner sends after connecting.
type ToServerInit struct {
	Namespace  string            `json:"namespace"`
	RunnerName string            `json:"runner_name"`
	RunnerKey  string            `json:"runner_key"`
	Version    uint32            `json:"version"`
	TotalSlots uint32            `json:"total_slots"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ToClientInit replies to ToServerInit with the assigned runner ID.
type ToClientInit struct {
	RunnerID uint64            `json:"runner_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Checkpoint marks the (actor, generation, event index) an EventWrapper is
// acking, so the gateway can maintain per-actor monotonic event ordering.
type Checkpoint struct {
	ActorID    uint64 `json:"actor_id"`
	Generation uint32 `json:"generation"`
	Index      uint64 `json:"index"`
}

// EventInnerKind discriminates the inner payload of an EventWrapper.
type EventInnerKind string

const (
	EventActorIntent      EventInnerKind = "intent"
	EventActorStateUpdate EventInnerKind = "state_update"
	EventActorSetAlarm    EventInnerKind = "set_alarm"
)

// EventWrapper is one runner-originated lifecycle event, checkpointed for
// ordered, at-least-once delivery.
type EventWrapper struct {
	Checkpoint Checkpoint     `json:"checkpoint"`
	InnerKind  EventInnerKind `json:"inner_kind"`
	Inner      []byte         `json:"inner"` // raw JSON of the EventInnerKind-specific payload
}

// ToServerEvents batches one or more EventWrapper frames from a runner.
type ToServerEvents struct {
	Events []EventWrapper `json:"events"`
}

// EventActorIntentPayload reports a runner-driven actor lifecycle intent.
type EventActorIntentPayload struct {
	Intent string `json:"intent"` // e.g. "sleep", "destroy"
}

// EventActorStateUpdatePayload reports an actor's observed state, e.g.
// transitioning to Running once the runner has started it.
type EventActorStateUpdatePayload struct {
	State string `json:"state"`
}

// EventActorSetAlarmPayload schedules a future wake for a sleeping actor.
type EventActorSetAlarmPayload struct {
	AlarmAtUnixMillis int64 `json:"alarm_at_unix_millis"`
}

// TunnelMessageKind discriminates ToServerTunnelMessage/ToClientTunnelMessage.
type TunnelMessageKind string

const (
	TunnelOpenRequest         TunnelMessageKind = "open_request"
	TunnelWebSocketMessage    TunnelMessageKind = "websocket_message"
	TunnelWebSocketMessageAck TunnelMessageKind = "websocket_message_ack"
	TunnelWebSocketClose      TunnelMessageKind = "websocket_close"
	TunnelHttpResponse        TunnelMessageKind = "http_response"
	TunnelPing                TunnelMessageKind = "ping"
)

// ToServerTunnelMessage carries one gateway→runner request-tunneled frame.
type ToServerTunnelMessage struct {
	RequestID     uint32            `json:"request_id"`
	GatewayReplyTo string           `json:"gateway_reply_to,omitempty"`
	MessageKind   TunnelMessageKind `json:"message_kind"`
	Message       []byte            `json:"message"` // raw JSON of the MessageKind-specific payload
}

// ToClientTunnelMessage carries one runner→gateway reply-tunneled frame.
type ToClientTunnelMessage struct {
	RequestID   uint32            `json:"request_id"`
	MessageKind TunnelMessageKind `json:"message_kind"`
	Message     []byte            `json:"message"`
}

// OpenRequestPayload begins a tunneled HTTP or WebSocket request.
type OpenRequestPayload struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	IsWS    bool              `json:"is_ws"`
}

// WebSocketMessagePayload carries one framed WS message with a
// monotonically-increasing index used for ack tracking.
type WebSocketMessagePayload struct {
	Index  uint64 `json:"index"`
	Data   []byte `json:"data"`
	Binary bool   `json:"binary"`
}

// WebSocketMessageAckPayload acks all WS frames up to and including Index.
type WebSocketMessageAckPayload struct {
	Index uint64 `json:"index"`
}

// WebSocketClosePayload closes the tunneled WebSocket, optionally flagging
// it as hibernatable.
type WebSocketClosePayload struct {
	Hibernate bool   `json:"hibernate,omitempty"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HttpResponsePayload completes a tunneled non-WS HTTP request.
type HttpResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// ToClientActorStart instructs a runner to start hosting an actor.
type ToClientActorStart struct {
	ActorID    uint64 `json:"actor_id"`
	Generation uint32 `json:"generation"`
	Name       string `json:"name"`
	Key        string `json:"key,omitempty"`
	Input      []byte `json:"input,omitempty"`
}

// ToClientActorStop instructs a runner to stop hosting an actor.
type ToClientActorStop struct {
	ActorID    uint64 `json:"actor_id"`
	Generation uint32 `json:"generation"`
}

// ToClientPing is a keepalive probe sent by the gateway.
type ToClientPing struct {
	TSUnixMillis int64 `json:"ts_unix_millis"`
}

// ToServerPong answers a ToClientPing.
type ToServerPong struct {
	TSUnixMillis int64 `json:"ts_unix_millis"`
}

// ToClientClose evicts the runner session (sent by tunnel.Session.SendStop).
type ToClientClose struct {
	Reason string `json:"reason,omitempty"`
}
