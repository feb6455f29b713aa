package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hoanle0126/TimeManagement-sub000/internal/relay"
)

type WSHandler struct {
	hub       *relay.Hub
	validator relay.CredentialValidator
	opts      relay.ConnOptions
	upgrader  websocket.Upgrader
}

func NewWSHandler(hub *relay.Hub, validator relay.CredentialValidator, opts relay.ConnOptions, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:       hub,
		validator: validator,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker allows configured origins plus localhost variations for
// development. Non-browser clients send no Origin header and pass.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	}
}

// HandleWebSocket godoc
// @Summary WebSocket connection
// @Description Establish a relay connection; identity is bound by the first identify frame
// @Tags websocket
// @Success 101 "Switching Protocols - WebSocket connection established"
// @Router /ws [get]
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade WebSocket connection", "remote", c.ClientIP(), "error", err)
		return
	}

	// The lifecycle owns the transport from here; the identify handshake
	// happens in-band on the connection itself.
	relay.ServeConnection(h.hub, conn, h.validator, h.opts)
}
