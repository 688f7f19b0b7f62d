// Copyright 2025 LogLine Contributors
//
// Service Mesh Client — WebSocket envelope framing and a reconnecting
// peer client. gorilla/websocket is part of the teacher's own go.mod;
// the dial-loop-with-exponential-backoff shape is grounded on the
// teacher's pkg/consensus.ConsensusHealthMonitor run-loop (context
// cancellation, mutex-guarded state, callback hooks), generalized from
// a polling health check to a reconnecting transport client.

package mesh

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danvoulez/logline/pkg/span"
)

// WebSocketEnvelope is the wire frame: every message travels as one
// JSON text frame with an event tag and an opaque payload.
type WebSocketEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Event tags for the ServiceMessage tagged union.
const (
	EventServiceHello        = "service_hello"
	EventHealthPing          = "health_ping"
	EventHealthPong          = "health_pong"
	EventSpanCreated         = "span_created"
	EventRuleEvaluationReq   = "rule_evaluation_request"
	EventRuleExecutionResult = "rule_execution_result"
	EventConnectionLost      = "connection_lost"
)

// ServiceHello is sent immediately after a connection is established.
type ServiceHello struct {
	Sender       string   `json:"sender"`
	Capabilities []string `json:"capabilities"`
}

// SpanCreated is forwarded by the gateway's mesh hub to rules peers.
type SpanCreated struct {
	SpanID   string         `json:"span_id"`
	Tenant   string         `json:"tenant,omitempty"`
	Span     *span.Span     `json:"span"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RuleEvaluationRequest asks a peer to evaluate a span against its rules.
type RuleEvaluationRequest struct {
	RequestID string     `json:"request_id"`
	Span      *span.Span `json:"span"`
}

// RuleExecutionResult is a peer's answer to a RuleEvaluationRequest.
type RuleExecutionResult struct {
	RequestID string `json:"request_id"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
}

// ConnectionLost is injected into the local handler each time an
// established connection to a peer drops; failed dial attempts do not
// inject it, and the dial loop keeps retrying until stopped.
type ConnectionLost struct {
	PeerID string `json:"peer_id"`
}

// ServiceMessage is the decoded form of a WebSocketEnvelope's payload,
// tagged by Event.
type ServiceMessage struct {
	Event                string
	ServiceHello         *ServiceHello
	SpanCreated          *SpanCreated
	RuleEvaluationReq    *RuleEvaluationRequest
	RuleExecutionResult  *RuleExecutionResult
	ConnectionLost       *ConnectionLost
}

func decodeEnvelope(raw []byte) (ServiceMessage, error) {
	var env WebSocketEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ServiceMessage{}, span.Serialization("decode websocket envelope: %v", err)
	}
	msg := ServiceMessage{Event: env.Event}
	switch env.Event {
	case EventServiceHello:
		var h ServiceHello
		if err := json.Unmarshal(env.Payload, &h); err != nil {
			return msg, span.Serialization("decode service_hello: %v", err)
		}
		msg.ServiceHello = &h
	case EventSpanCreated:
		var sc SpanCreated
		if err := json.Unmarshal(env.Payload, &sc); err != nil {
			return msg, span.Serialization("decode span_created: %v", err)
		}
		msg.SpanCreated = &sc
	case EventRuleEvaluationReq:
		var r RuleEvaluationRequest
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return msg, span.Serialization("decode rule_evaluation_request: %v", err)
		}
		msg.RuleEvaluationReq = &r
	case EventRuleExecutionResult:
		var r RuleExecutionResult
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return msg, span.Serialization("decode rule_execution_result: %v", err)
		}
		msg.RuleExecutionResult = &r
	case EventConnectionLost:
		var c ConnectionLost
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return msg, span.Serialization("decode connection_lost: %v", err)
		}
		msg.ConnectionLost = &c
	}
	return msg, nil
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, span.Serialization("encode %s payload: %v", event, err)
	}
	return json.Marshal(WebSocketEnvelope{Event: event, Payload: raw})
}

// Handler reacts to inbound application messages and connection loss.
// An inbound health_ping is answered by the client and never reaches it;
// every other event, health_pong included, is passed to OnMessage.
type Handler interface {
	OnMessage(peerID string, msg ServiceMessage)
	OnConnectionLost(peerID string)
}

// Conn abstracts the subset of *websocket.Conn the peer client drives,
// so reconnect/backoff logic can be tested without a real socket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a Conn to a peer address.
type Dialer func(ctx context.Context, address string) (Conn, error)

// DefaultDialer dials over gorilla/websocket.
func DefaultDialer(ctx context.Context, address string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, span.Transport("dial mesh peer %s: %v", address, err)
	}
	return conn, nil
}

// Config controls reconnection backoff.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *log.Logger
}

func DefaultConfig() *Config {
	return &Config{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Logger:         log.New(log.Writer(), "[Mesh] ", log.LstdFlags),
	}
}

// PeerClient maintains a reconnecting WebSocket connection to one peer,
// running an inbound receiver loop; Send writes straight to the current
// connection (the outbound channel is not read by any writer).
type PeerClient struct {
	mu       sync.Mutex
	peerID   string
	address  string
	self     string
	caps     []string
	cfg      *Config
	dial     Dialer
	handler  Handler
	outbound chan []byte
	conn     Conn
	attempts int
	cancel   context.CancelFunc
}

func NewPeerClient(peerID, address, selfID string, capabilities []string, dial Dialer, handler Handler, cfg *Config) *PeerClient {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Mesh] ", log.LstdFlags)
	}
	if dial == nil {
		dial = DefaultDialer
	}
	return &PeerClient{
		peerID:   peerID,
		address:  address,
		self:     selfID,
		caps:     capabilities,
		cfg:      cfg,
		dial:     dial,
		handler:  handler,
		outbound: make(chan []byte, 64),
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled.
func (p *PeerClient) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := p.dial(ctx, p.address)
		if err != nil {
			p.backoffSleep(ctx)
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.attempts = 0
		p.mu.Unlock()

		if err := p.sendHello(); err != nil {
			p.cfg.Logger.Printf("peer %s: hello failed: %v", p.peerID, err)
		}

		p.serve(ctx, conn)

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
		p.handler.OnConnectionLost(p.peerID)
		p.handler.OnMessage(p.peerID, ServiceMessage{Event: EventConnectionLost, ConnectionLost: &ConnectionLost{PeerID: p.peerID}})

		p.backoffSleep(ctx)
	}
}

func (p *PeerClient) backoffSleep(ctx context.Context) {
	p.mu.Lock()
	attempt := p.attempts
	p.attempts++
	p.mu.Unlock()

	delay := backoffFor(attempt, p.cfg.InitialBackoff, p.cfg.MaxBackoff)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// backoffFor returns min(initial*2^attempts, max).
func backoffFor(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (p *PeerClient) sendHello() error {
	raw, err := encodeEnvelope(EventServiceHello, ServiceHello{Sender: p.self, Capabilities: p.caps})
	if err != nil {
		return err
	}
	return p.write(raw)
}

func (p *PeerClient) write(raw []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return span.Transport("peer %s is not connected", p.peerID)
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Send writes an application message to the current connection; it
// returns a Transport error while the peer is not connected.
func (p *PeerClient) Send(event string, payload any) error {
	raw, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return p.write(raw)
}

// serve runs the read loop until the connection drops or ctx cancels.
func (p *PeerClient) serve(ctx context.Context, conn Conn) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := decodeEnvelope(raw)
		if err != nil {
			p.cfg.Logger.Printf("peer %s: %v", p.peerID, err)
			continue
		}
		if msg.Event == EventHealthPing {
			if pongErr := p.Send(EventHealthPong, struct{}{}); pongErr != nil {
				p.cfg.Logger.Printf("peer %s: pong failed: %v", p.peerID, pongErr)
			}
			continue
		}
		p.handler.OnMessage(p.peerID, msg)
	}
}

// Stop cancels the reconnect loop.
func (p *PeerClient) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Hub tracks the active peer connections for the gateway's mesh side.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]*PeerClient
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*PeerClient)}
}

func (h *Hub) Add(peerID string, client *PeerClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[peerID] = client
}

func (h *Hub) Remove(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, peerID)
}

func (h *Hub) Broadcast(event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.peers {
		if err := c.Send(event, payload); err != nil {
			c.cfg.Logger.Printf("broadcast to %s failed: %v", id, err)
		}
	}
}

func (h *Hub) Active() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	return ids
}
