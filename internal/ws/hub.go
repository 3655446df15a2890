// Package ws pushes live session events to connected players and accepts
// moves over the same connection.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client is one player's connection to one session room.
type Client struct {
	conn      *websocket.Conn
	sessionID uuid.UUID
	playerID  string
	send      chan []byte
}

// Hub tracks session rooms. A player has at most one connection per room;
// a reconnect replaces the old one.
type Hub struct {
	rooms      map[uuid.UUID]map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[uuid.UUID]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns room membership until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[c.sessionID]
			if !ok {
				room = make(map[string]*Client)
				h.rooms[c.sessionID] = room
			}
			if old, exists := room[c.playerID]; exists {
				h.logger.Info().Str("session_id", c.sessionID.String()).Str("player", c.playerID).Msg("player reconnected, replacing connection")
				close(old.send)
			}
			room[c.playerID] = c
			h.mu.Unlock()
			h.logger.Debug().Str("session_id", c.sessionID.String()).Str("player", c.playerID).Msg("player joined room")

		case c := <-h.unregister:
			h.mu.Lock()
			if room, ok := h.rooms[c.sessionID]; ok && room[c.playerID] == c {
				delete(room, c.playerID)
				close(c.send)
				if len(room) == 0 {
					delete(h.rooms, c.sessionID)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for id, room := range h.rooms {
				for _, c := range room {
					close(c.send)
				}
				delete(h.rooms, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// join hands c to Run. It reports false once the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast sends msg to every player in the session room. Slow clients with
// a full buffer miss the message.
func (h *Hub) Broadcast(sessionID uuid.UUID, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[sessionID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("session_id", sessionID.String()).Str("player", c.playerID).Msg("send buffer full, dropping message")
		}
	}
}

func (h *Hub) RoomSize(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Message is the frame format in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (c *Client) writePump(logger zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// replaced or shutting down
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug().Err(err).Str("player", c.playerID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Reply queues msg for c alone. Replies to a connection that was already
// replaced or unregistered are dropped.
func (h *Hub) Reply(c *Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal reply")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.rooms[c.sessionID][c.playerID] != c {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn().Str("player", c.playerID).Msg("send buffer full, dropping reply")
	}
}
