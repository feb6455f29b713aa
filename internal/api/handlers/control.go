package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hoanle0126/TimeManagement-sub000/internal/relay"
)

// ControlHandler is the trusted ingress the REST layer uses to inject domain
// events without holding a live relay connection.
type ControlHandler struct {
	hub *relay.Hub
}

func NewControlHandler(hub *relay.Hub) *ControlHandler {
	return &ControlHandler{hub: hub}
}

type EmitRequest struct {
	Event   string          `json:"event" binding:"required"`
	Payload json.RawMessage `json:"payload"`
	Room    string          `json:"room"`
	UserID  string          `json:"user_id"`
}

// Emit godoc
// @Summary Inject a domain event
// @Description Forwards an event into the broadcast engine (room, user, or broadcast-all target)
// @Tags control
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /internal/v1/emit [post]
func (h *ControlHandler) Emit(c *gin.Context) {
	var req EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid emit request: " + err.Error()})
		return
	}

	eventType := relay.FrameType(req.Event)
	if !eventType.IsDomainEvent() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type: " + req.Event})
		return
	}

	event := relay.NewEvent(eventType, req.Room, req.UserID, req.Payload)
	delivered := h.hub.Publish(event)

	c.JSON(http.StatusOK, gin.H{"id": event.ID, "delivered": delivered})
}

// Health godoc
// @Summary Relay health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /healthz [get]
func (h *ControlHandler) Health(c *gin.Context) {
	connections, rooms := h.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": connections,
		"rooms":       rooms,
	})
}
