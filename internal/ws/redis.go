package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stakeplay/backend/internal/session"
)

// Subscribe forwards session events published by any instance to the local
// rooms until ctx is done.
func (h *Hub) Subscribe(ctx context.Context, rdb *redis.Client) error {
	pubsub := rdb.Subscribe(ctx, session.EventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", session.EventsChannel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		h.logger.Info().Str("channel", session.EventsChannel).Msg("session event subscriber started")
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h.dispatch([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (h *Hub) dispatch(payload []byte) {
	var ev session.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		h.logger.Warn().Err(err).Msg("invalid session event payload")
		return
	}
	if h.RoomSize(ev.SessionID) == 0 {
		return
	}
	h.logger.Debug().Str("type", ev.Type).Str("session_id", ev.SessionID.String()).Msg("broadcasting session event")
	h.Broadcast(ev.SessionID, ev)
}
