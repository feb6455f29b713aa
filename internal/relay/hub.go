package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrClientDisconnected = fmt.Errorf("client disconnected")
)

// Sender is the push side of a live connection. Implemented by Connection;
// tests substitute fakes.
type Sender interface {
	SendFrame(frame *Frame) error
	CloseGracefully()
}

// Hub is the broadcast engine. It resolves an event's target to connection
// ids through the session registry and room directory and pushes the frame to
// each resolved sender independently. A failed push is logged and skipped;
// it never aborts delivery to the other recipients and is never retried.
type Hub struct {
	sessions *SessionRegistry
	rooms    *RoomDirectory
	presence Presence

	// Sender registry; a connection appears here only while Bound.
	mu      sync.RWMutex
	senders map[string]Sender

	// Serializes Publish so events for the same room reach each member's
	// send queue in publish order.
	publishMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(sessions *SessionRegistry, rooms *RoomDirectory, presence Presence) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions: sessions,
		rooms:    rooms,
		presence: presence,
		senders:  make(map[string]Sender),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Sessions exposes the session registry for handlers that only need lookups.
func (h *Hub) Sessions() *SessionRegistry { return h.sessions }

// Rooms exposes the room directory.
func (h *Hub) Rooms() *RoomDirectory { return h.rooms }

// BindConnection registers an authenticated connection: identity into the
// session registry, sender into the push table, and the user marked online
// when this is their first live connection.
func (h *Hub) BindConnection(connectionID, userID string, sender Sender) error {
	if err := h.sessions.Bind(connectionID, userID); err != nil {
		return err
	}

	h.mu.Lock()
	h.senders[connectionID] = sender
	h.mu.Unlock()

	slog.Info("Connection bound", "connectionID", connectionID, "userID", userID)

	if h.presence != nil && len(h.sessions.ConnectionsFor(userID)) == 1 {
		if err := h.presence.SetUserOnline(h.ctx, userID); err != nil {
			slog.Error("Failed to set user online", "userID", userID, "error", err)
		}
	}
	return nil
}

// ReleaseConnection tears down everything the hub knows about a connection:
// room memberships, both session indices, and the sender entry. Safe to call
// for a connection that never reached Bound. Must complete before the
// lifecycle handler advances the connection to Closed.
func (h *Hub) ReleaseConnection(connectionID string) {
	rooms := h.rooms.PurgeConnection(connectionID)
	userID, wasBound := h.sessions.Unbind(connectionID)

	h.mu.Lock()
	delete(h.senders, connectionID)
	h.mu.Unlock()

	if !wasBound {
		return
	}
	slog.Info("Connection released", "connectionID", connectionID, "userID", userID, "rooms", len(rooms))

	if h.presence != nil && len(h.sessions.ConnectionsFor(userID)) == 0 {
		if err := h.presence.SetUserOffline(h.ctx, userID); err != nil {
			slog.Error("Failed to set user offline", "userID", userID, "error", err)
		}
	}
}

// Publish fans the event out to every resolved recipient and returns the
// number of successful pushes. Delivery is best-effort, at-most-once per live
// connection: a member whose transport has already gone away is skipped, and
// a failed push evicts only that recipient from this publish.
func (h *Hub) Publish(event *Event) int {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	var targets []string
	switch event.Target() {
	case TargetRoom:
		targets = h.rooms.MembersOf(event.Room)
	case TargetUser:
		targets = h.sessions.ConnectionsFor(event.UserID)
	case TargetAll:
		targets = h.sessions.Connections()
	}

	frame := event.Frame()
	delivered := 0
	for _, connectionID := range targets {
		h.mu.RLock()
		sender, ok := h.senders[connectionID]
		h.mu.RUnlock()
		if !ok {
			// Stale member from a snapshot raced by teardown.
			slog.Debug("Skipping stale recipient", "connectionID", connectionID, "event", event.Type)
			continue
		}
		if err := sender.SendFrame(frame); err != nil {
			slog.Warn("Failed to push event", "connectionID", connectionID, "event", event.Type, "error", err)
			continue
		}
		delivered++
	}

	slog.Debug("Event published", "event", event.Type, "targets", len(targets), "delivered", delivered)
	return delivered
}

// Stats reports the current bound-connection and active-room counts.
func (h *Hub) Stats() (connections, rooms int) {
	return h.sessions.Bound(), h.rooms.Rooms()
}

// Stop closes every live connection gracefully and stops presence updates.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	senders := make([]Sender, 0, len(h.senders))
	for _, s := range h.senders {
		senders = append(senders, s)
	}
	h.mu.Unlock()

	for _, s := range senders {
		s.CloseGracefully()
	}
	slog.Info("Hub stopped", "connections", len(senders))
}
