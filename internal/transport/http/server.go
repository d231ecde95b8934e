package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/auth"
	"github.com/vovakirdan/wirerelay/internal/config"
	"github.com/vovakirdan/wirerelay/internal/core"
)

// NewServer builds the HTTP server exposing the websocket endpoints and the
// REST API.
func NewServer(router *core.Router, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), LoggerMiddleware(logger))

	engine.GET("/health", healthHandler)

	ws := gin.WrapH(NewWSHandler(router, authService, cfg, logger))
	engine.GET("/ws", ws)
	// Connectors historically dial a dedicated path.
	engine.GET("/ws/connector", ws)

	apiHandlers := NewAPIHandlers(authService, logger)
	relayHandlers := NewRelayHandlers(router, logger)

	api := engine.Group("/api")
	api.POST("/register", apiHandlers.Register)
	api.POST("/login", apiHandlers.Login)
	api.GET("/relay/status", relayHandlers.Status)

	protected := api.Group("", AuthMiddleware(authService, logger))
	protected.POST("/chat", relayHandlers.SendChat)
	protected.POST("/chat/responses", relayHandlers.SendChatResponse)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
