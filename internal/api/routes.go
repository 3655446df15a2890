package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stakeplay/backend/internal/api/handlers"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/middleware"
)

// NewRouter builds the gin engine with middleware and every API route.
// ws serves the session websocket and may be nil.
func NewRouter(cfg *config.Config, h *handlers.Handler, ws gin.HandlerFunc, logger zerolog.Logger) *gin.Engine {
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Logging(logger),
		gin.Recovery(),
		middleware.CORSMiddleware(cfg.Server, logger),
	)
	SetupRoutes(router, h, ws, cfg)
	return router
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, h *handlers.Handler, ws gin.HandlerFunc, cfg *config.Config) {
	router.GET("/health", h.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", h.HealthCheck)
		v1.GET("/config", handlers.GetConfig(cfg.Wallet, h.Modes()))

		// provider callbacks authenticate by signature, not by player token
		v1.POST("/payments/webhook", h.PaymentWebhook)

		authed := v1.Group("")
		authed.Use(middleware.RequirePlayer(cfg.Server.JWTSecret))

		wallet := authed.Group("/wallet")
		{
			wallet.GET("/balance", h.GetBalance)
			wallet.GET("/history", h.GetHistory)
			wallet.POST("/withdraw", h.Withdraw)
		}

		queue := authed.Group("/queue")
		{
			queue.POST("", h.JoinQueue)
			queue.DELETE("", h.LeaveQueue)
		}

		sessions := authed.Group("/sessions")
		{
			sessions.GET("/:id", h.GetSession)
			sessions.POST("/:id/moves", h.SubmitMove)
			if ws != nil {
				sessions.GET("/:id/ws", middleware.WebSocketOriginCheck(cfg.Server), ws)
			}
		}
	}
}
