package middleware

import (
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stakeplay/backend/internal/config"
)

// CORSMiddleware allows the configured browser origins.
func CORSMiddleware(cfg config.ServerConfig, logger zerolog.Logger) gin.HandlerFunc {
	logger.Info().Str("env", cfg.Environment).Strs("origins", cfg.AllowedOrigins).Msg("cors configured")

	return cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Length", "Content-Type", "Authorization",
			"Accept", "Cache-Control", "X-Requested-With", "X-Request-ID",
		},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// WebSocketOriginCheck rejects websocket upgrades from origins outside the
// allow list. Plain HTTP requests pass through.
func WebSocketOriginCheck(cfg config.ServerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			c.Next()
			return
		}

		origin := c.GetHeader("Origin")
		if origin == "" {
			// non-browser clients do not send Origin
			c.Next()
			return
		}
		if !OriginAllowed(cfg, origin) {
			c.AbortWithStatusJSON(403, gin.H{"error": "websocket origin not allowed"})
			return
		}
		c.Next()
	}
}

func OriginAllowed(cfg config.ServerConfig, origin string) bool {
	if !cfg.IsProduction() && (strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")) {
		return true
	}
	return slices.Contains(cfg.AllowedOrigins, origin)
}
