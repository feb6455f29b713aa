// Package relayclient is the consumer-side core of the real-time relay: a
// single logical connection with automatic reconnect, a subscription ledger
// replayed after every reconnect, and a reconciliation layer that merges
// delivered events into local caches.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrAlreadyConnected = fmt.Errorf("connector already running")
	ErrNotConnected     = fmt.Errorf("connector is not connected")
	ErrUnauthorized     = fmt.Errorf("relay rejected credential")
	ErrOffline          = fmt.Errorf("reconnect attempts exhausted")
)

// State tracks the connector lifecycle. Disconnected -> Connecting ->
// Connected -> Reconnecting cycles; ManuallyClosed is terminal until the
// next explicit Connect call.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateManuallyClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateManuallyClosed:
		return "manually_closed"
	default:
		return "unknown"
	}
}

// Event is a domain event delivered by the relay, in arrival order.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Domain event types forwarded by the relay.
const (
	EventTaskUpdated           = "task.updated"
	EventMessageReceived       = "message.received"
	EventMessageSentEcho       = "message.sent.echo"
	EventNotificationReceived  = "notification.received"
	EventNotificationBroadcast = "notification.broadcast"
)

// Protocol frame types.
const (
	frameIdentify    = "identify"
	frameIdentifyAck = "identify.ack"
	frameRoomJoin    = "room.join"
	frameRoomLeave   = "room.leave"
	frameRoomJoined  = "room.joined"
	frameRoomLeft    = "room.left"
	framePing        = "heartbeat.ping"
	framePong        = "heartbeat.pong"
	frameError       = "error"
)

type Options struct {
	// URL of the relay WebSocket endpoint, e.g. wss://relay.example.com/ws
	URL string

	// Token is the bearer credential presented in the identify handshake
	Token string

	// Profile is an opaque blob forwarded in the handshake
	Profile json.RawMessage

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration

	// Backoff between reconnect attempts, bounded by ceiling and attempt count
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	BackoffFactor        float64
	MaxReconnectAttempts int

	EventBuffer int

	// OnOffline is the persistent-disconnection signal: invoked once when the
	// backoff ceiling is exceeded or the relay rejects the credential.
	OnOffline func(err error)

	// OnStateChange observes lifecycle transitions (optional).
	OnStateChange func(s State)
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.BackoffFactor <= 1 {
		o.BackoffFactor = 2
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// Connector owns one logical connection to the relay. Reconnect attempts are
// strictly sequential; events are delivered on a single ordered channel.
type Connector struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	connID    string
	ledger    map[string]struct{}
	runCancel context.CancelFunc

	wmu sync.Mutex // serializes frame writes on the live conn

	state        atomic.Int32
	lastActivity atomic.Int64
	dialCount    atomic.Int32

	events chan Event
}

func NewConnector(opts Options) *Connector {
	c := &Connector{
		opts:   opts.withDefaults(),
		ledger: make(map[string]struct{}),
	}
	c.events = make(chan Event, c.opts.EventBuffer)
	c.state.Store(int32(StateDisconnected))
	return c
}

// Events returns the ordered delivery channel consumed by the reconciliation
// layer. Events for the same cache entry must not be processed in parallel.
func (c *Connector) Events() <-chan Event {
	return c.events
}

func (c *Connector) State() State {
	return State(c.state.Load())
}

// ConnectionID returns the relay-assigned identifier of the current physical
// connection; it changes on every reconnect.
func (c *Connector) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
	c.notifyState(s)
}

func (c *Connector) notifyState(s State) {
	slog.Debug("Connector state changed", "state", s)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Connect dials the relay, performs the identify handshake, replays the
// subscription ledger, and starts the session loops. It is also the only way
// out of ManuallyClosed.
func (c *Connector) Connect(ctx context.Context) error {
	// CAS so two racing Connect calls cannot both dial.
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) &&
		!c.state.CompareAndSwap(int32(StateManuallyClosed), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}
	c.notifyState(StateConnecting)

	conn, connID, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connID = connID
	c.runCancel = cancel
	c.mu.Unlock()

	c.setState(StateConnected)
	c.replayLedger(conn)

	go c.run(runCtx, conn)
	return nil
}

// Close enters ManuallyClosed: the ledger is cleared and any in-flight
// reconnection is suppressed. A fresh Connect call is required afterwards.
func (c *Connector) Close() error {
	c.setState(StateManuallyClosed)

	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.ledger = make(map[string]struct{})
	c.mu.Unlock()

	if conn != nil {
		c.wmu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		return conn.Close()
	}
	return nil
}

// Join records the room in the subscription ledger and subscribes on the
// relay when connected. The ledger entry survives disconnects and is
// replayed after every reconnect.
func (c *Connector) Join(room string) error {
	c.mu.Lock()
	if c.State() == StateManuallyClosed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.ledger[room] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && c.State() == StateConnected {
		return c.writeFrame(conn, &Event{Type: frameRoomJoin, Room: room})
	}
	return nil
}

// Leave withdraws the subscription locally first, so events racing the leave
// are dropped by the reconciliation layer, then tells the relay.
func (c *Connector) Leave(room string) error {
	c.mu.Lock()
	delete(c.ledger, room)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && c.State() == StateConnected {
		return c.writeFrame(conn, &Event{Type: frameRoomLeave, Room: room})
	}
	return nil
}

// Subscribed reports whether the room is in the local ledger. The
// reconciliation layer consults this to drop in-flight events for rooms the
// client has already left.
func (c *Connector) Subscribed(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ledger[room]
	return ok
}

// Rooms returns a snapshot of the subscription ledger.
func (c *Connector) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.ledger))
	for room := range c.ledger {
		rooms = append(rooms, room)
	}
	return rooms
}

// dial opens the transport and completes the identify handshake.
func (c *Connector) dial(ctx context.Context) (*websocket.Conn, string, error) {
	c.dialCount.Add(1)

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial relay: %w", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"token":   c.opts.Token,
		"profile": c.opts.Profile,
	})
	identify := &Event{Type: frameIdentify, Payload: payload}
	if err := c.writeFrame(conn, identify); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("send identify: %w", err)
	}

	// Await identify.ack; anything else before it is a handshake failure.
	conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var frame Event
		if err := conn.ReadJSON(&frame); err != nil {
			conn.Close()
			return nil, "", fmt.Errorf("handshake read: %w", err)
		}
		switch frame.Type {
		case frameIdentifyAck:
			var ack struct {
				ConnectionID string `json:"connection_id"`
			}
			if err := json.Unmarshal(frame.Payload, &ack); err != nil {
				conn.Close()
				return nil, "", fmt.Errorf("malformed identify.ack: %w", err)
			}
			return conn, ack.ConnectionID, nil
		case frameError:
			var fail struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			json.Unmarshal(frame.Payload, &fail)
			conn.Close()
			if fail.Code == "UNAUTHORIZED" {
				return nil, "", fmt.Errorf("%w: %s", ErrUnauthorized, fail.Message)
			}
			return nil, "", fmt.Errorf("handshake rejected: %s %s", fail.Code, fail.Message)
		default:
			// Tolerate unrelated traffic before the ack.
			continue
		}
	}
}

func (c *Connector) replayLedger(conn *websocket.Conn) {
	for _, room := range c.Rooms() {
		if err := c.writeFrame(conn, &Event{Type: frameRoomJoin, Room: room}); err != nil {
			slog.Warn("Ledger replay write failed", "room", room, "error", err)
			return
		}
	}
}

func (c *Connector) writeFrame(conn *websocket.Conn, frame *Event) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

// run owns the connection for its lifetime: one read session per physical
// connection, reconnect in between. Runs on a single goroutine so attempts
// are never concurrent.
func (c *Connector) run(ctx context.Context, conn *websocket.Conn) {
	for {
		c.readSession(ctx, conn)

		if ctx.Err() != nil || c.State() == StateManuallyClosed {
			return
		}

		c.setState(StateReconnecting)
		next, connID, ok := c.reconnect(ctx)
		if !ok {
			return
		}

		c.mu.Lock()
		c.conn = next
		c.connID = connID
		c.mu.Unlock()

		c.setState(StateConnected)
		c.replayLedger(next)
		conn = next
	}
}

// readSession pumps frames until the transport fails. A heartbeat watchdog
// closes the transport when the relay stops answering, forcing the session
// to end without waiting for the transport to notice.
func (c *Connector) readSession(ctx context.Context, conn *websocket.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.lastActivity.Store(time.Now().UnixNano())
	go c.heartbeat(sessCtx, conn)

	for {
		var frame Event
		if err := conn.ReadJSON(&frame); err != nil {
			slog.Debug("Relay connection lost", "error", err)
			conn.Close()
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())

		switch frame.Type {
		case framePong, frameIdentifyAck, frameRoomJoined, frameRoomLeft:
			// Acks; liveness already recorded.
		case frameError:
			slog.Warn("Relay error frame", "payload", string(frame.Payload))
		default:
			select {
			case c.events <- frame:
			case <-sessCtx.Done():
				return
			}
		}
	}
}

// heartbeat sends app-level pings and force-closes the transport when no
// acknowledgment (or any other traffic) arrives within the timeout.
func (c *Connector) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, &Event{Type: framePing}); err != nil {
				conn.Close()
				return
			}
			deadline := time.Now()
			time.AfterFunc(c.opts.HeartbeatTimeout, func() {
				if ctx.Err() != nil {
					return
				}
				last := time.Unix(0, c.lastActivity.Load())
				if last.Before(deadline) {
					slog.Warn("Heartbeat timed out, dropping connection")
					conn.Close()
				}
			})
		}
	}
}

// reconnect runs bounded, strictly sequential redial attempts. Exceeding the
// ceiling (or a credential rejection) surfaces the offline signal and leaves
// the cycle; no further attempt is made.
func (c *Connector) reconnect(ctx context.Context) (*websocket.Conn, string, bool) {
	delay := c.opts.BackoffInitial
	for attempt := 1; attempt <= c.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, "", false
		case <-time.After(delay):
		}
		if c.State() == StateManuallyClosed {
			return nil, "", false
		}

		conn, connID, err := c.dial(ctx)
		if err == nil {
			slog.Info("Reconnected to relay", "attempt", attempt, "connectionID", connID)
			return conn, connID, true
		}
		if errors.Is(err, ErrUnauthorized) {
			c.setState(StateDisconnected)
			c.signalOffline(err)
			return nil, "", false
		}
		slog.Debug("Reconnect attempt failed", "attempt", attempt, "error", err)

		delay = time.Duration(float64(delay) * c.opts.BackoffFactor)
		if delay > c.opts.BackoffMax {
			delay = c.opts.BackoffMax
		}
	}

	c.setState(StateDisconnected)
	c.signalOffline(ErrOffline)
	return nil, "", false
}

func (c *Connector) signalOffline(err error) {
	slog.Warn("Connector offline", "error", err)
	if c.opts.OnOffline != nil {
		c.opts.OnOffline(err)
	}
}
