package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoanle0126/TimeManagement-sub000/internal/api/middleware"
	"github.com/hoanle0126/TimeManagement-sub000/internal/relay"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []*relay.Frame
}

func (s *recordingSender) SendFrame(frame *relay.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) CloseGracefully() {}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func setupControlEngine(t *testing.T, hub *relay.Hub, token string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	handler := NewControlHandler(hub)
	engine.GET("/healthz", handler.Health)
	internal := engine.Group("/internal/v1")
	internal.Use(middleware.ControlAuth(token))
	internal.POST("/emit", handler.Emit)
	return engine
}

func TestEmitRequiresControlToken(t *testing.T) {
	hub := relay.NewHub(relay.NewSessionRegistry(), relay.NewRoomDirectory(), nil)
	engine := setupControlEngine(t, hub, "hush")

	body := `{"event":"notification.received","user_id":"7","payload":{"type":"friend_request","friendship_id":42}}`

	t.Run("MissingToken", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/internal/v1/emit", strings.NewReader(body))
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("WrongToken", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/internal/v1/emit", strings.NewReader(body))
		req.Header.Set("X-Relay-Token", "wrong")
		engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestEmitDeliversIdentityTargetedEvent(t *testing.T) {
	hub := relay.NewHub(relay.NewSessionRegistry(), relay.NewRoomDirectory(), nil)
	engine := setupControlEngine(t, hub, "hush")

	sender := &recordingSender{}
	require.NoError(t, hub.BindConnection("conn-b", "7", sender))

	body := `{"event":"notification.received","user_id":"7","payload":{"type":"friend_request","friendship_id":42}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/emit", strings.NewReader(body))
	req.Header.Set("X-Relay-Token", "hush")
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Delivered int `json:"delivered"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Delivered)
	assert.Equal(t, 1, sender.count())
}

func TestEmitRejectsUnknownEventType(t *testing.T) {
	hub := relay.NewHub(relay.NewSessionRegistry(), relay.NewRoomDirectory(), nil)
	engine := setupControlEngine(t, hub, "hush")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/emit", strings.NewReader(`{"event":"room.join"}`))
	req.Header.Set("X-Relay-Token", "hush")
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthReportsBoundConnections(t *testing.T) {
	hub := relay.NewHub(relay.NewSessionRegistry(), relay.NewRoomDirectory(), nil)
	engine := setupControlEngine(t, hub, "hush")

	require.NoError(t, hub.BindConnection("conn-1", "alice", &recordingSender{}))
	require.NoError(t, hub.BindConnection("conn-2", "bob", &recordingSender{}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Connections)
}
