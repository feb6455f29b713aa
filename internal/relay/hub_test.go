package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records pushed frames; it stands in for a live connection.
type fakeSender struct {
	mu     sync.Mutex
	frames []*Frame
	fail   bool
	closed bool
}

func (s *fakeSender) SendFrame(frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrClientDisconnected
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSender) CloseGracefully() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSender) received() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// fakePresence records online/offline transitions.
type fakePresence struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (p *fakePresence) SetUserOnline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, userID)
	return nil
}

func (p *fakePresence) SetUserOffline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, userID)
	return nil
}

func (p *fakePresence) IsUserOnline(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func newTestHub() *Hub {
	return NewHub(NewSessionRegistry(), NewRoomDirectory(), nil)
}

func bindSender(t *testing.T, hub *Hub, connID, userID string) *fakeSender {
	t.Helper()
	sender := &fakeSender{}
	require.NoError(t, hub.BindConnection(connID, userID, sender))
	return sender
}

func TestPublishRoomDeliversToLiveMembersOnly(t *testing.T) {
	hub := newTestHub()
	alive1 := bindSender(t, hub, "conn-1", "alice")
	alive2 := bindSender(t, hub, "conn-2", "bob")

	hub.Rooms().Join("conversation:7", "conn-1")
	hub.Rooms().Join("conversation:7", "conn-2")
	// Stale membership: the snapshot can still contain a connection whose
	// transport already went away.
	hub.Rooms().Join("conversation:7", "conn-gone")

	delivered := hub.Publish(NewEvent(EventMessageReceived, "conversation:7", "", nil))

	assert.Equal(t, 2, delivered)
	assert.Len(t, alive1.received(), 1)
	assert.Len(t, alive2.received(), 1)
}

func TestPublishIsolatesPerRecipientFailures(t *testing.T) {
	hub := newTestHub()
	ok1 := bindSender(t, hub, "conn-1", "alice")
	broken := &fakeSender{fail: true}
	require.NoError(t, hub.BindConnection("conn-2", "bob", broken))
	ok2 := bindSender(t, hub, "conn-3", "carol")

	for _, id := range []string{"conn-1", "conn-2", "conn-3"} {
		hub.Rooms().Join("task:9", id)
	}

	delivered := hub.Publish(NewEvent(EventTaskUpdated, "task:9", "", nil))

	assert.Equal(t, 2, delivered)
	assert.Len(t, ok1.received(), 1)
	assert.Len(t, ok2.received(), 1)
}

func TestPublishToUserFansOutToEveryDevice(t *testing.T) {
	hub := newTestHub()
	phone := bindSender(t, hub, "phone", "alice")
	tablet := bindSender(t, hub, "tablet", "alice")
	other := bindSender(t, hub, "laptop", "bob")

	payload, _ := json.Marshal(map[string]interface{}{"type": "friend_request", "friendship_id": 42})
	delivered := hub.Publish(NewEvent(EventNotificationReceived, "", "alice", payload))

	assert.Equal(t, 2, delivered)
	assert.Len(t, phone.received(), 1)
	assert.Len(t, tablet.received(), 1)
	assert.Empty(t, other.received())
}

func TestPublishBroadcastAll(t *testing.T) {
	hub := newTestHub()
	s1 := bindSender(t, hub, "conn-1", "alice")
	s2 := bindSender(t, hub, "conn-2", "bob")

	delivered := hub.Publish(NewEvent(EventNotificationBroadcast, "", "", nil))

	assert.Equal(t, 2, delivered)
	assert.Len(t, s1.received(), 1)
	assert.Len(t, s2.received(), 1)
}

func TestPublishOrderPerRoom(t *testing.T) {
	hub := newTestHub()
	sender := bindSender(t, hub, "conn-1", "alice")
	hub.Rooms().Join("conversation:7", "conn-1")

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		hub.Publish(NewEvent(EventMessageReceived, "conversation:7", "", payload))
	}

	frames := sender.received()
	require.Len(t, frames, 5)
	for i, frame := range frames {
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(frame.Payload, &body))
		assert.Equal(t, i, body.Seq, "events must arrive in publish order")
	}
}

func TestReleaseConnectionPurgesEverything(t *testing.T) {
	hub := newTestHub()
	bindSender(t, hub, "conn-1", "alice")
	hub.Rooms().Join("task:1", "conn-1")
	hub.Rooms().Join("conversation:2", "conn-1")

	hub.ReleaseConnection("conn-1")

	assert.Empty(t, hub.Rooms().MembersOf("task:1"))
	assert.Empty(t, hub.Rooms().MembersOf("conversation:2"))
	assert.Empty(t, hub.Sessions().ConnectionsFor("alice"))
	assert.Equal(t, 0, hub.Sessions().Bound())

	// Publishing to the released connection raises no failure.
	delivered := hub.Publish(NewEvent(EventMessageReceived, "", "alice", nil))
	assert.Equal(t, 0, delivered)
}

func TestPresenceTracksFirstAndLastConnection(t *testing.T) {
	presence := &fakePresence{}
	hub := NewHub(NewSessionRegistry(), NewRoomDirectory(), presence)

	require.NoError(t, hub.BindConnection("phone", "alice", &fakeSender{}))
	require.NoError(t, hub.BindConnection("tablet", "alice", &fakeSender{}))

	presence.mu.Lock()
	assert.Equal(t, []string{"alice"}, presence.online, "only the first device marks the user online")
	presence.mu.Unlock()

	hub.ReleaseConnection("phone")
	presence.mu.Lock()
	assert.Empty(t, presence.offline, "user stays online while a device remains")
	presence.mu.Unlock()

	hub.ReleaseConnection("tablet")
	presence.mu.Lock()
	assert.Equal(t, []string{"alice"}, presence.offline)
	presence.mu.Unlock()
}

func TestHubStats(t *testing.T) {
	hub := newTestHub()
	for i := 0; i < 3; i++ {
		bindSender(t, hub, fmt.Sprintf("conn-%d", i), fmt.Sprintf("user-%d", i))
	}
	hub.Rooms().Join("task:1", "conn-0")
	hub.Rooms().Join("conversation:1", "conn-1")

	connections, rooms := hub.Stats()
	assert.Equal(t, 3, connections)
	assert.Equal(t, 2, rooms)
}
