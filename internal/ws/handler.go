package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stakeplay/backend/internal/api/handlers"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/game"
	"github.com/stakeplay/backend/internal/middleware"
	"github.com/stakeplay/backend/internal/models"
	"github.com/stakeplay/backend/internal/session"
)

const moveTimeout = 5 * time.Second

type Sessions interface {
	ApplyMove(ctx context.Context, sessionID uuid.UUID, playerID string, move json.RawMessage) (*game.Outcome, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*session.View, error)
}

type Handler struct {
	hub      *Hub
	sessions Sessions
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(hub *Hub, sessions Sessions, cfg config.ServerConfig, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(cfg, origin)
			},
		},
		logger: logger,
	}
}

// Serve upgrades a participant's request and joins them to the session room.
func (h *Handler) Serve(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id", "code": "INVALID_REQUEST"})
		return
	}
	playerID := middleware.PlayerID(c)

	view, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if err == nil && !slices.Contains(view.Session.Participants, playerID) {
		err = models.ErrSessionNotFound
	}
	if err == nil && view.Session.Status.IsTerminal() {
		err = models.ErrSessionAlreadyOver
	}
	if err != nil {
		status, code := handlers.StatusFor(err)
		c.JSON(status, gin.H{"error": err.Error(), "code": code})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		conn:      conn,
		sessionID: sessionID,
		playerID:  playerID,
		send:      make(chan []byte, 256),
	}
	if data, err := json.Marshal(gin.H{"type": "session_state", "data": view}); err == nil {
		client.send <- data
	}
	if !h.hub.join(client) {
		h.logger.Debug().Str("session_id", sessionID.String()).Msg("hub stopped, dropping connection")
		conn.Close()
		return
	}

	go client.writePump(h.logger)
	go h.readPump(client)
}

func (h *Handler) readPump(c *Client) {
	defer func() {
		h.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("player", c.playerID).Msg("websocket closed")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.hub.Reply(c, gin.H{"type": "error", "code": "INVALID_REQUEST", "message": "invalid message"})
			continue
		}

		switch msg.Type {
		case "move":
			h.handleMove(c, msg.Data)
		case "ping":
			h.hub.Reply(c, gin.H{"type": "pong"})
		default:
			h.hub.Reply(c, gin.H{"type": "error", "code": "INVALID_REQUEST", "message": "unknown message type"})
		}
	}
}

// handleMove acknowledges to the mover only. Everyone in the room, on any
// instance, sees the move through the session event channel.
func (h *Handler) handleMove(c *Client, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	ctx, cancel := context.WithTimeout(context.Background(), moveTimeout)
	defer cancel()

	outcome, err := h.sessions.ApplyMove(ctx, c.sessionID, c.playerID, data)
	if err != nil {
		_, code := handlers.StatusFor(err)
		if code == "INTERNAL_SERVER_ERROR" && !errors.Is(err, context.DeadlineExceeded) {
			h.logger.Error().Err(err).Str("session_id", c.sessionID.String()).Msg("move failed")
		}
		h.hub.Reply(c, gin.H{"type": "error", "code": code, "message": err.Error()})
		return
	}
	h.hub.Reply(c, gin.H{"type": "move_accepted", "outcome": outcome})
}
