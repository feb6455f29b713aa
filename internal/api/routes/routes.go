package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/hoanle0126/TimeManagement-sub000/internal/api/handlers"
	"github.com/hoanle0126/TimeManagement-sub000/internal/api/middleware"
	"github.com/hoanle0126/TimeManagement-sub000/internal/config"
	"github.com/hoanle0126/TimeManagement-sub000/internal/relay"
)

type Router struct {
	engine         *gin.Engine
	wsHandler      *handlers.WSHandler
	controlHandler *handlers.ControlHandler
	controlToken   string
}

func NewRouter(hub *relay.Hub, validator relay.CredentialValidator, cfg *config.Config) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	engine.Use(middleware.LogApi())

	connOpts := relay.ConnOptions{
		WriteWait:      cfg.Heartbeat.WriteWait,
		PongWait:       cfg.Heartbeat.PongWait,
		AuthTimeout:    cfg.Heartbeat.AuthTimeout,
		MaxMessageSize: cfg.Heartbeat.MaxFrameSize,
	}

	return &Router{
		engine:         engine,
		wsHandler:      handlers.NewWSHandler(hub, validator, connOpts, cfg.Server.AllowedOrigins),
		controlHandler: handlers.NewControlHandler(hub),
		controlToken:   cfg.Control.Token,
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthz", r.controlHandler.Health)
	r.engine.GET("/ws", r.wsHandler.HandleWebSocket)

	// Trusted side-channel for the REST layer
	internal := r.engine.Group("/internal/v1")
	internal.Use(middleware.ControlAuth(r.controlToken))
	{
		internal.POST("/emit", r.controlHandler.Emit)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
