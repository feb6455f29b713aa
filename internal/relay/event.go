package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies a WebSocket frame using a custom enum type for better type safety
type FrameType string

// Protocol frames - connection and room control
const (
	// Client -> relay commands
	FrameIdentify  FrameType = "identify"
	FrameRoomJoin  FrameType = "room.join"
	FrameRoomLeave FrameType = "room.leave"
	FramePing      FrameType = "heartbeat.ping"

	// Relay -> client acknowledgements
	FrameIdentifyAck FrameType = "identify.ack"
	FrameRoomJoined  FrameType = "room.joined"
	FrameRoomLeft    FrameType = "room.left"
	FramePong        FrameType = "heartbeat.pong"

	// Error events
	FrameError FrameType = "error"
)

// Domain events forwarded verbatim by the relay. The payload is opaque; the
// relay only routes the envelope.
const (
	EventTaskUpdated           FrameType = "task.updated"
	EventMessageReceived       FrameType = "message.received"
	EventMessageSentEcho       FrameType = "message.sent.echo"
	EventNotificationReceived  FrameType = "notification.received"
	EventNotificationBroadcast FrameType = "notification.broadcast"
)

// String returns the string representation of the FrameType
func (ft FrameType) String() string {
	return string(ft)
}

// IsCommand checks if the frame is a valid client-issued command
func (ft FrameType) IsCommand() bool {
	switch ft {
	case FrameIdentify, FrameRoomJoin, FrameRoomLeave, FramePing:
		return true
	default:
		return false
	}
}

// IsDomainEvent checks if the frame carries an application domain event
func (ft FrameType) IsDomainEvent() bool {
	switch ft {
	case EventTaskUpdated, EventMessageReceived, EventMessageSentEcho,
		EventNotificationReceived, EventNotificationBroadcast:
		return true
	default:
		return false
	}
}

// Frame is the wire envelope exchanged over a relay connection.
type Frame struct {
	ID        string          `json:"id,omitempty"`
	Type      FrameType       `json:"type"`
	Room      string          `json:"room,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Validate validates the frame structure and type
func (f *Frame) Validate() error {
	if f.Type == "" {
		return fmt.Errorf("frame type is required")
	}
	if !f.Type.IsCommand() && !f.Type.IsDomainEvent() {
		return fmt.Errorf("invalid frame type: %s", f.Type)
	}
	return nil
}

// Event is an immutable broadcast request handed to the hub. Exactly one
// target applies: Room when set, otherwise UserID, otherwise broadcast-all.
type Event struct {
	ID      string
	Type    FrameType
	Room    string
	UserID  string
	Payload json.RawMessage
}

// Target selectors resolved by the hub during publish.
type Target int

const (
	TargetRoom Target = iota
	TargetUser
	TargetAll
)

// Target reports which resolution path the event takes.
func (e *Event) Target() Target {
	switch {
	case e.Room != "":
		return TargetRoom
	case e.UserID != "":
		return TargetUser
	default:
		return TargetAll
	}
}

// Frame converts the event to its wire envelope. Identity-targeted events do
// not leak the resolved user id back to the recipient's envelope; the payload
// already carries whatever the application wants the client to see.
func (e *Event) Frame() *Frame {
	return &Frame{
		ID:        e.ID,
		Type:      e.Type,
		Room:      e.Room,
		Payload:   e.Payload,
		Timestamp: time.Now().Unix(),
	}
}

// NewEvent creates a domain event with a fresh envelope id.
func NewEvent(eventType FrameType, room, userID string, payload json.RawMessage) *Event {
	return &Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Room:    room,
		UserID:  userID,
		Payload: payload,
	}
}

// Frame constructors for protocol acknowledgements

func newAckFrame(frameType FrameType, room string) *Frame {
	return &Frame{
		ID:        uuid.New().String(),
		Type:      frameType,
		Room:      room,
		Timestamp: time.Now().Unix(),
	}
}

// NewIdentifyAckFrame acknowledges a successful handshake with the
// server-assigned connection identifier.
func NewIdentifyAckFrame(connectionID string) *Frame {
	payload, _ := json.Marshal(map[string]string{"connection_id": connectionID})
	f := newAckFrame(FrameIdentifyAck, "")
	f.Payload = payload
	return f
}

// NewErrorFrame creates an error frame with a machine-readable code.
func NewErrorFrame(code, message string) *Frame {
	payload, _ := json.Marshal(map[string]string{"code": code, "message": message})
	f := newAckFrame(FrameError, "")
	f.Payload = payload
	return f
}

// Room naming convention shared with the REST layer. Any change here breaks
// already-deployed mobile clients.

// TaskRoom returns the room name for a task's update feed.
func TaskRoom(taskID string) string {
	return "task:" + taskID
}

// ConversationRoom returns the room name for a conversation's message feed.
func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}
