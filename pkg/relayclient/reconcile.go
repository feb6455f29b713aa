package relayclient

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// RoomGate answers whether a room subscription is still locally recorded.
// The Connector implements it; events for rooms the client has already left
// are dropped, not treated as errors.
type RoomGate interface {
	Subscribed(room string) bool
}

// Fetcher is the REST-layer collaborator the reconciler calls when an event
// references state the local cache cannot resolve. The relay only forwards
// pointers; authoritative data always comes from the REST API.
type Fetcher interface {
	RefetchConversation(conversationID string)
	RefetchFriends()
	RefetchTask(taskID string)
}

// ChatMessage is one entry in a conversation cache, ordered by the domain
// object's own timestamp rather than arrival order.
type ChatMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Text           string          `json:"text"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	SentAt         time.Time       `json:"sent_at"`
	Pending        bool            `json:"pending"`
	Raw            json.RawMessage `json:"-"`
}

// Notification is a cache entry keyed by its idempotency key: the domain id
// when present, otherwise kind + friendship id.
type Notification struct {
	Key          string          `json:"key"`
	Kind         string          `json:"kind"`
	FriendshipID string          `json:"friendship_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
}

const (
	notificationFriendRequest  = "friend_request"
	notificationFriendAccepted = "friend_request_accepted"
)

type conversationCache struct {
	messages []ChatMessage
	seen     map[string]struct{} // idempotency filter by message id
}

// Reconciler merges relay events and REST fetch responses into local
// conversation and notification caches, deduplicating redeliveries and
// resolving conflicts with optimistic local writes.
type Reconciler struct {
	mu            sync.Mutex
	conversations map[string]*conversationCache
	notifications map[string]*Notification
	optimistic    map[string]string // correlation id -> conversation id

	gate    RoomGate
	fetcher Fetcher

	// maxMessages bounds each conversation cache; 0 means unbounded.
	maxMessages int
}

type ReconcilerOption func(*Reconciler)

// WithRoomGate enables drop-after-local-leave filtering.
func WithRoomGate(gate RoomGate) ReconcilerOption {
	return func(r *Reconciler) { r.gate = gate }
}

// WithFetcher wires the REST refetch collaborator.
func WithFetcher(fetcher Fetcher) ReconcilerOption {
	return func(r *Reconciler) { r.fetcher = fetcher }
}

// WithMessageCap bounds the per-conversation message window; the oldest
// entries by timestamp are evicted beyond the cap.
func WithMessageCap(n int) ReconcilerOption {
	return func(r *Reconciler) { r.maxMessages = n }
}

func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		conversations: make(map[string]*conversationCache),
		notifications: make(map[string]*Notification),
		optimistic:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes the connector's delivery channel until it is drained or the
// done channel closes. Events are processed strictly in arrival order.
func (r *Reconciler) Run(events <-chan Event, done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Apply(ev)
		case <-done:
			return
		}
	}
}

// Apply merges one event into the caches.
func (r *Reconciler) Apply(ev Event) {
	if ev.Room != "" && r.gate != nil && !r.gate.Subscribed(ev.Room) {
		slog.Debug("Dropping event for unsubscribed room", "room", ev.Room, "type", ev.Type)
		return
	}

	switch ev.Type {
	case EventMessageReceived, EventMessageSentEcho:
		r.applyMessage(ev)
	case EventNotificationReceived, EventNotificationBroadcast:
		r.applyNotification(ev)
	case EventTaskUpdated:
		r.applyTaskUpdate(ev)
	default:
		slog.Debug("Ignoring unknown event type", "type", ev.Type)
	}
}

type messagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	CorrelationID  string `json:"correlation_id"`
	SentAt         string `json:"sent_at"`
}

func (r *Reconciler) applyMessage(ev Event) {
	var payload messagePayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.ID == "" {
		slog.Warn("Discarding malformed message event", "error", err)
		return
	}

	conversationID := payload.ConversationID
	if conversationID == "" {
		conversationID = conversationFromRoom(ev.Room)
	}
	if conversationID == "" {
		slog.Warn("Message event without conversation", "messageID", payload.ID)
		return
	}

	msg := ChatMessage{
		ID:             payload.ID,
		ConversationID: conversationID,
		SenderID:       payload.SenderID,
		Text:           payload.Text,
		CorrelationID:  payload.CorrelationID,
		SentAt:         parseEventTime(payload.SentAt, ev.Timestamp),
		Raw:            ev.Payload,
	}

	r.mu.Lock()
	cache, known := r.conversations[conversationID]
	if !known {
		cache = &conversationCache{seen: make(map[string]struct{})}
		r.conversations[conversationID] = cache
	}

	// An optimistic placeholder confirmed by its echo is replaced, never
	// duplicated; the correlation id carried through the REST call matches.
	if msg.CorrelationID != "" {
		if convID, ok := r.optimistic[msg.CorrelationID]; ok && convID == conversationID {
			delete(r.optimistic, msg.CorrelationID)
			if r.replaceOptimisticLocked(cache, msg) {
				r.mu.Unlock()
				return
			}
		}
	}

	if _, dup := cache.seen[msg.ID]; dup {
		r.mu.Unlock()
		slog.Debug("Suppressed duplicate message", "messageID", msg.ID)
		return
	}
	cache.seen[msg.ID] = struct{}{}
	cache.messages = append(cache.messages, msg)
	r.resortLocked(cache)
	r.mu.Unlock()

	// A message for a conversation never fetched is still recorded, but the
	// history has to come from the REST layer.
	if !known && r.fetcher != nil {
		r.fetcher.RefetchConversation(conversationID)
	}
}

// replaceOptimisticLocked swaps the pending placeholder for the confirmed
// message, re-keying the idempotency filter to the server-assigned id.
func (r *Reconciler) replaceOptimisticLocked(cache *conversationCache, msg ChatMessage) bool {
	for i := range cache.messages {
		if cache.messages[i].Pending && cache.messages[i].CorrelationID == msg.CorrelationID {
			delete(cache.seen, cache.messages[i].ID)
			cache.messages[i] = msg
			cache.seen[msg.ID] = struct{}{}
			r.resortLocked(cache)
			return true
		}
	}
	return false
}

func (r *Reconciler) resortLocked(cache *conversationCache) {
	sort.SliceStable(cache.messages, func(i, j int) bool {
		return cache.messages[i].SentAt.Before(cache.messages[j].SentAt)
	})
	if r.maxMessages > 0 && len(cache.messages) > r.maxMessages {
		evicted := cache.messages[:len(cache.messages)-r.maxMessages]
		for _, m := range evicted {
			delete(cache.seen, m.ID)
		}
		cache.messages = cache.messages[len(cache.messages)-r.maxMessages:]
	}
}

type notificationPayload struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	FriendshipID json.Number     `json:"friendship_id"`
	Data         json.RawMessage `json:"data"`
}

func (r *Reconciler) applyNotification(ev Event) {
	var payload notificationPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.Type == "" {
		slog.Warn("Discarding malformed notification event", "error", err)
		return
	}

	key := payload.ID
	if key == "" {
		key = payload.Type + ":" + payload.FriendshipID.String()
	}

	r.mu.Lock()
	if payload.Type == notificationFriendAccepted {
		// The acceptance supersedes the outstanding sent-request entry.
		delete(r.notifications, notificationFriendRequest+":"+payload.FriendshipID.String())
	}
	r.notifications[key] = &Notification{
		Key:          key,
		Kind:         payload.Type,
		FriendshipID: payload.FriendshipID.String(),
		Payload:      ev.Payload,
		ReceivedAt:   time.Now(),
	}
	r.mu.Unlock()

	// The relay does not carry the authoritative friends list.
	if payload.Type == notificationFriendAccepted && r.fetcher != nil {
		r.fetcher.RefetchFriends()
	}
}

type taskPayload struct {
	TaskID string `json:"task_id"`
}

func (r *Reconciler) applyTaskUpdate(ev Event) {
	var payload taskPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.TaskID == "" {
		slog.Warn("Discarding malformed task event", "error", err)
		return
	}
	if r.fetcher != nil {
		r.fetcher.RefetchTask(payload.TaskID)
	}
}

// AddOptimistic records a locally sent, not-yet-confirmed message. The
// correlation id is echoed back by the relay event that confirms it.
func (r *Reconciler) AddOptimistic(conversationID, correlationID string, msg ChatMessage) {
	msg.ConversationID = conversationID
	msg.CorrelationID = correlationID
	msg.Pending = true
	if msg.ID == "" {
		msg.ID = "pending:" + correlationID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cache := r.conversations[conversationID]
	if cache == nil {
		cache = &conversationCache{seen: make(map[string]struct{})}
		r.conversations[conversationID] = cache
	}
	if _, dup := cache.seen[msg.ID]; dup {
		return
	}
	cache.seen[msg.ID] = struct{}{}
	cache.messages = append(cache.messages, msg)
	r.optimistic[correlationID] = conversationID
	r.resortLocked(cache)
}

// SeedConversation merges a REST-fetched history into the cache, keeping the
// idempotency filter consistent so later relay events still deduplicate.
func (r *Reconciler) SeedConversation(conversationID string, history []ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cache := r.conversations[conversationID]
	if cache == nil {
		cache = &conversationCache{seen: make(map[string]struct{})}
		r.conversations[conversationID] = cache
	}
	for _, msg := range history {
		if _, dup := cache.seen[msg.ID]; dup {
			continue
		}
		msg.ConversationID = conversationID
		cache.seen[msg.ID] = struct{}{}
		cache.messages = append(cache.messages, msg)
	}
	r.resortLocked(cache)
}

// Messages returns the conversation's entries ordered by domain timestamp.
func (r *Reconciler) Messages(conversationID string) []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	cache := r.conversations[conversationID]
	if cache == nil {
		return nil
	}
	out := make([]ChatMessage, len(cache.messages))
	copy(out, cache.messages)
	return out
}

// Notifications returns a snapshot of the notification cache.
func (r *Reconciler) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Notification, 0, len(r.notifications))
	for _, n := range r.notifications {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Notification looks up a cache entry by key.
func (r *Reconciler) Notification(key string) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[key]
	if !ok {
		return Notification{}, false
	}
	return *n, true
}

// DeleteNotification removes an entry on explicit user action; cache entries
// are never deleted implicitly.
func (r *Reconciler) DeleteNotification(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notifications, key)
}

func conversationFromRoom(room string) string {
	if id, ok := strings.CutPrefix(room, "conversation:"); ok {
		return id
	}
	return ""
}

func parseEventTime(sentAt string, fallback int64) time.Time {
	if sentAt != "" {
		if t, err := time.Parse(time.RFC3339, sentAt); err == nil {
			return t
		}
	}
	if fallback > 0 {
		return time.Unix(fallback, 0)
	}
	return time.Now()
}
