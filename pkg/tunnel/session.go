package tunnel

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/types"
	"github.com/pegboardhq/engine/pkg/wire"
)

// pingInterval is the runner keepalive period; pingLoop garbage-collects
// request slots idle for longer than hibernatingRequestEligibleThresh,
// checking every slotGCInterval.
const (
	pingInterval                     = 15 * time.Second
	hibernatingRequestEligibleThresh = 60 * time.Second
	slotGCInterval                   = 30 * time.Second
)

// Session terminates one runner's WebSocket connection (grounded on
// evalgo-org-eve/coordinator/coordinator.go's gorilla/websocket read/write
// loop shape, the only example in the pack that speaks WS rather than
// gRPC) and multiplexes every in-flight request over it via pkg/pubsub.
type Session struct {
	Conn     *websocket.Conn
	RunnerID types.RunnerID
	Bus      *pubsub.Bus
	Slots    *SlotRegistry
	Hiber    *HibernationStore

	sendCh chan []byte

	bytesIn, bytesOut uint64 // atomic counters, no shared mutex on the hot path
}

// NewSession wraps conn for runnerID.
func NewSession(conn *websocket.Conn, runnerID types.RunnerID, bus *pubsub.Bus, hiber *HibernationStore) *Session {
	return &Session{
		Conn:     conn,
		RunnerID: runnerID,
		Bus:      bus,
		Slots:    NewSlotRegistry(),
		Hiber:    hiber,
		sendCh:   make(chan []byte, 256),
	}
}

// Run drives the session's task group until ctx is canceled or the
// connection closes: read loop, write loop, and ping loop (which also runs
// slot GC) each run as independent goroutines coordinated only by ctx, per §5's "no shared
// locking on the hot path" requirement.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- s.readLoop(ctx) }()
	go func() { errCh <- s.writeLoop(ctx) }()
	go func() { s.pingLoop(ctx); errCh <- nil }()

	select {
	case err := <-errCh:
		cancel()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop pulls frames off the WebSocket and routes them: tunnel replies go
// to the owning gateway's reply subject, ToServerEvents go to the runner's
// event subject for the actor workflow to consume, ToServerPong is ignored.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := s.Conn.ReadMessage()
		if err != nil {
			return err
		}
		atomic.AddUint64(&s.bytesIn, uint64(len(data)))

		frame, err := wire.Decode(data)
		if err != nil {
			log.Error("tunnel: dropping undecodable frame: " + err.Error())
			continue
		}

		switch frame.Kind {
		case wire.KindToClientTunnelMessage:
			s.routeToGateway(frame.Payload)
		case wire.KindToServerEvents:
			_ = s.Bus.Publish(pubsub.RunnerSubject(s.RunnerID.String())+".events", frame.Payload)
		case wire.KindToServerPong:
			// Pongs are read and dropped; no RTT is recorded.
		}
	}
}

func (s *Session) routeToGateway(payload []byte) {
	var msg wire.ToClientTunnelMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Error("tunnel: malformed ToClientTunnelMessage: " + err.Error())
		return
	}
	slot, ok := s.Slots.Get(msg.RequestID)
	if !ok {
		return // slot already GC'd or closed; drop per at-most-once tunnel semantics
	}
	slot.Touch()

	framed, err := wire.Pack(wire.KindToClientTunnelMessage, msg)
	if err != nil {
		return
	}
	_ = s.Bus.PublishReply(slot.ReplySubject, "", framed)

	if msg.MessageKind == wire.TunnelWebSocketClose {
		s.Slots.Close(msg.RequestID)
	}
}

// writeLoop drains sendCh onto the WebSocket connection.
func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case data := <-s.sendCh:
			if err := s.Conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return err
			}
			atomic.AddUint64(&s.bytesOut, uint64(len(data)))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pingLoop periodically sends ToClientPing and garbage-collects idle slots.
func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	gcTicker := time.NewTicker(slotGCInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-ticker.C:
			frame, err := wire.Pack(wire.KindToClientPing, wire.ToClientPing{TSUnixMillis: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			select {
			case s.sendCh <- frame:
			case <-ctx.Done():
				return
			default:
			}
		case <-gcTicker.C:
			if stale := s.Slots.GC(hibernatingRequestEligibleThresh); len(stale) > 0 {
				log.Debug("tunnel: garbage collected idle request slots")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Send enqueues a raw wire frame for delivery to the runner.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	select {
	case s.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendActorStart implements pkg/pegboard/actor.RunnerTransport.
func (s *Session) SendActorStart(ctx context.Context, runnerID types.RunnerID, a *types.Actor) error {
	frame, err := wire.Pack(wire.KindToClientActorStart, wire.ToClientActorStart{
		ActorID:    uint64(a.ActorID),
		Generation: a.Generation,
		Name:       a.Name,
		Key:        a.Key,
		Input:      a.Input,
	})
	if err != nil {
		return err
	}
	return s.Send(ctx, frame)
}

// SendActorStop implements pkg/pegboard/actor.RunnerTransport.
func (s *Session) SendActorStop(ctx context.Context, runnerID types.RunnerID, actorID types.ActorID) error {
	frame, err := wire.Pack(wire.KindToClientActorStop, wire.ToClientActorStop{ActorID: uint64(actorID)})
	if err != nil {
		return err
	}
	return s.Send(ctx, frame)
}

// SendStop implements pkg/pegboard/runner.Transport.
func (s *Session) SendStop(ctx context.Context, runnerID types.RunnerID, resetActorRescheduling bool) error {
	frame, err := wire.Pack(wire.KindToClientClose, wire.ToClientClose{Reason: "evicted"})
	if err != nil {
		return err
	}
	return s.Send(ctx, frame)
}
