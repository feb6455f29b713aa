package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrUnauthorized = fmt.Errorf("invalid or expired credential")

// CredentialValidator is the black-box handshake collaborator. It resolves a
// bearer credential to a user identity or fails.
type CredentialValidator interface {
	Validate(ctx context.Context, token string) (userID string, err error)
}

// ConnState tracks the per-connection lifecycle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateBound
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateBound:
		return "bound"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnOptions tunes the per-connection timers.
type ConnOptions struct {
	// Time allowed to write a frame to the peer
	WriteWait time.Duration

	// Heartbeat silence beyond this window forces teardown
	PongWait time.Duration

	// Time allowed for the identify handshake after transport accept
	AuthTimeout time.Duration

	// Maximum frame size allowed from peer
	MaxMessageSize int64
}

func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		AuthTimeout:    15 * time.Second,
		MaxMessageSize: 4096,
	}
}

// pingPeriod must be less than PongWait so a healthy peer always answers in time.
func (o ConnOptions) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// Transport is the subset of *websocket.Conn the lifecycle handler drives.
// Tests substitute an in-memory implementation.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Connection owns the per-connection protocol: handshake, identity binding,
// heartbeat, and teardown. It is the exclusive owner of its transport; the
// read loop and heartbeat timer serialize their effect on the connection
// state so teardown never races itself.
type Connection struct {
	id        string
	hub       *Hub
	conn      Transport
	validator CredentialValidator
	opts      ConnOptions
	createdAt time.Time

	send chan *Frame

	// sendMu makes enqueue and close of the send channel mutually exclusive;
	// Publish and the read loop push frames while teardown or an eviction
	// closes the channel.
	sendMu     sync.Mutex
	sendClosed bool

	state atomic.Int32

	mu     sync.RWMutex
	userID string

	wg sync.WaitGroup
}

// NewConnection builds the lifecycle handler and starts its write pump; the
// caller drives the read loop.
func NewConnection(hub *Hub, conn Transport, validator CredentialValidator, opts ConnOptions) *Connection {
	c := &Connection{
		id:        uuid.New().String(),
		hub:       hub,
		conn:      conn,
		validator: validator,
		opts:      opts,
		createdAt: time.Now(),
		send:      make(chan *Frame, 256),
	}
	c.state.Store(int32(StateConnecting))
	c.wg.Add(1)
	go c.writePump()
	return c
}

// ServeConnection runs the lifecycle for an accepted transport on the
// caller's goroutine.
func ServeConnection(hub *Hub, conn Transport, validator CredentialValidator, opts ConnOptions) {
	c := NewConnection(hub, conn, validator, opts)
	slog.Info("Connection accepted", "connectionID", c.id)
	c.readPump()
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
	slog.Debug("Connection state changed", "connectionID", c.id, "state", s)
}

// identifyPayload is the handshake body: a bearer credential plus an opaque
// profile blob the relay forwards nowhere.
type identifyPayload struct {
	Token   string          `json:"token"`
	UserID  string          `json:"user_id,omitempty"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

type roomPayload struct {
	Room string `json:"room"`
}

func (c *Connection) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.AuthTimeout))
	c.conn.SetPongHandler(func(string) error {
		if c.State() >= StateClosing {
			return websocket.ErrCloseSent
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Read error", "connectionID", c.id, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Debug("Malformed frame", "connectionID", c.id, "error", err)
			c.SendFrame(NewErrorFrame("INVALID_MESSAGE", "malformed frame"))
			continue
		}

		if c.State() != StateBound {
			if frame.Type != FrameIdentify {
				c.SendFrame(NewErrorFrame("NOT_IDENTIFIED", "identify before issuing commands"))
				continue
			}
			if !c.handleIdentify(&frame) {
				return
			}
			continue
		}

		c.handleCommand(&frame)
	}
}

// handleIdentify validates the handshake credential and binds the identity.
// Returns false when the connection must close (authentication failure goes
// straight to Closing, never Bound).
func (c *Connection) handleIdentify(frame *Frame) bool {
	c.setState(StateAuthenticating)

	var payload identifyPayload
	if frame.Payload != nil {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.SendFrame(NewErrorFrame("INVALID_MESSAGE", "malformed identify payload"))
			return false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AuthTimeout)
	defer cancel()

	userID, err := c.validator.Validate(ctx, payload.Token)
	if err != nil {
		slog.Warn("Handshake rejected", "connectionID", c.id, "error", err)
		c.SendFrame(NewErrorFrame("UNAUTHORIZED", "invalid or expired credential"))
		return false
	}
	if payload.UserID != "" && payload.UserID != userID {
		slog.Warn("Handshake identity mismatch", "connectionID", c.id, "claimed", payload.UserID, "actual", userID)
		c.SendFrame(NewErrorFrame("UNAUTHORIZED", "credential does not match claimed identity"))
		return false
	}

	if err := c.hub.BindConnection(c.id, userID, c); err != nil {
		slog.Error("Bind failed", "connectionID", c.id, "userID", userID, "error", err)
		c.SendFrame(NewErrorFrame("BIND_FAILED", err.Error()))
		return false
	}

	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	c.setState(StateBound)

	// Handshake done; fall back to heartbeat-based dead-peer detection.
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.SendFrame(NewIdentifyAckFrame(c.id))
	return true
}

func (c *Connection) handleCommand(frame *Frame) {
	switch frame.Type {
	case FrameRoomJoin:
		room, ok := c.roomFrom(frame)
		if !ok {
			return
		}
		c.hub.Rooms().Join(room, c.id)
		slog.Debug("Joined room", "connectionID", c.id, "room", room)
		c.SendFrame(newAckFrame(FrameRoomJoined, room))

	case FrameRoomLeave:
		room, ok := c.roomFrom(frame)
		if !ok {
			return
		}
		c.hub.Rooms().Leave(room, c.id)
		slog.Debug("Left room", "connectionID", c.id, "room", room)
		c.SendFrame(newAckFrame(FrameRoomLeft, room))

	case FramePing:
		// App-level heartbeat counts as liveness alongside control pongs.
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		pong := newAckFrame(FramePong, "")
		pong.ID = frame.ID
		c.SendFrame(pong)

	case FrameIdentify:
		c.handleReidentify(frame)

	default:
		c.SendFrame(NewErrorFrame("UNSUPPORTED", "unsupported command: "+frame.Type.String()))
	}
}

// handleReidentify re-acks an identify repeated on a bound connection. A
// credential or claimed identity resolving to a different user is rejected;
// the original binding stays intact.
func (c *Connection) handleReidentify(frame *Frame) {
	var payload identifyPayload
	if frame.Payload != nil {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.SendFrame(NewErrorFrame("INVALID_MESSAGE", "malformed identify payload"))
			return
		}
	}

	if payload.Token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.AuthTimeout)
		defer cancel()

		userID, err := c.validator.Validate(ctx, payload.Token)
		if err != nil {
			c.SendFrame(NewErrorFrame("UNAUTHORIZED", "invalid or expired credential"))
			return
		}
		if userID != c.UserID() {
			slog.Warn("Re-identify as different identity rejected", "connectionID", c.id, "bound", c.UserID(), "claimed", userID)
			c.SendFrame(NewErrorFrame("UNAUTHORIZED", "connection already bound to another identity"))
			return
		}
	}
	if payload.UserID != "" && payload.UserID != c.UserID() {
		c.SendFrame(NewErrorFrame("UNAUTHORIZED", "connection already bound to another identity"))
		return
	}

	c.SendFrame(NewIdentifyAckFrame(c.id))
}

// roomFrom extracts the room name from either the envelope or the payload.
func (c *Connection) roomFrom(frame *Frame) (string, bool) {
	if frame.Room != "" {
		return frame.Room, true
	}
	var payload roomPayload
	if frame.Payload != nil {
		if err := json.Unmarshal(frame.Payload, &payload); err == nil && payload.Room != "" {
			return payload.Room, true
		}
	}
	c.SendFrame(NewErrorFrame("INVALID_MESSAGE", "room is required"))
	return "", false
}

// teardown advances Closing -> Closed. Room purge and identity unbind both
// complete before the state reaches Closed; the identifier is never reused.
// The write pump drains queued frames (a rejection's error frame included)
// before the transport closes.
func (c *Connection) teardown() {
	if !c.state.CompareAndSwap(int32(StateBound), int32(StateClosing)) {
		// Also reachable from Connecting/Authenticating on handshake failure.
		if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing)) &&
			!c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateClosing)) {
			return
		}
	}

	c.hub.ReleaseConnection(c.id)
	c.closeSendChannel()
	c.wg.Wait()
	c.conn.Close()

	c.setState(StateClosed)
	slog.Info("Connection closed", "connectionID", c.id, "userID", c.UserID(), "uptime", time.Since(c.createdAt))
}

func (c *Connection) closeSendChannel() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// SendFrame enqueues a frame for the write pump. A full buffer counts as a
// delivery failure and evicts the slow consumer. The failure is returned to
// the caller, never raised as a panic on the publish path.
func (c *Connection) SendFrame(frame *Frame) error {
	c.sendMu.Lock()
	if c.sendClosed || c.State() >= StateClosing {
		c.sendMu.Unlock()
		return ErrClientDisconnected
	}

	select {
	case c.send <- frame:
		c.sendMu.Unlock()
		return nil
	default:
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()
		slog.Warn("Send buffer full, evicting connection", "connectionID", c.id, "userID", c.UserID())
		return ErrClientDisconnected
	}
}

// CloseGracefully asks the write pump to flush and send a close frame, then
// closes the transport so the read loop unblocks into teardown.
func (c *Connection) CloseGracefully() {
	c.closeSendChannel()
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.conn.Close()
				return
			}

			data, err := json.Marshal(frame)
			if err != nil {
				slog.Error("Failed to marshal frame", "connectionID", c.id, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Write error", "connectionID", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("Ping error", "connectionID", c.id, "error", err)
				return
			}
		}
	}
}
