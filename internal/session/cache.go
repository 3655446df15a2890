package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/models"
)

const (
	keyPrefix = "session:"

	// EventsChannel carries session events to every instance.
	EventsChannel = "session_events"

	maxUpdateRetries = 10
)

var errConcurrentUpdate = errors.New("session state changed concurrently")

// Envelope is the ephemeral, non-authoritative state of an ACTIVE session.
type Envelope struct {
	SessionID    uuid.UUID       `json:"session_id"`
	Mode         string          `json:"mode"`
	Stake        decimal.Decimal `json:"stake"`
	Participants []string        `json:"participants"`
	State        json.RawMessage `json:"state"`
	Winner       string          `json:"winner,omitempty"`
	GameOver     bool            `json:"game_over"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func Key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

// RedisCache stores envelopes under session:<id> and publishes session events.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Save(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.rdb.SetEx(ctx, Key(env.SessionID), data, c.ttl).Err()
}

// Load returns models.ErrSessionNotFound when the key is gone.
func (c *RedisCache) Load(ctx context.Context, id uuid.UUID) (*Envelope, error) {
	data, err := c.rdb.Get(ctx, Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &env, nil
}

// Update applies fn to the stored envelope under WATCH, retrying when another
// writer changed the key first. An error from fn aborts without writing.
func (c *RedisCache) Update(ctx context.Context, id uuid.UUID, fn func(env *Envelope) error) (*Envelope, error) {
	key := Key(id)
	var updated Envelope

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return models.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("decode session %s: %w", id, err)
		}
		if err := fn(&env); err != nil {
			return err
		}
		out, err := json.Marshal(&env)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetEx(ctx, key, out, c.ttl)
			return nil
		})
		if err == nil {
			updated = env
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := c.rdb.Watch(ctx, txf, key)
		if err == nil {
			return &updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update session %s: %w", id, errConcurrentUpdate)
}

func (c *RedisCache) Delete(ctx context.Context, id uuid.UUID) error {
	return c.rdb.Del(ctx, Key(id)).Err()
}

// IDs walks session:* with SCAN. Keys that do not parse as ids are skipped.
func (c *RedisCache) IDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id, err := uuid.Parse(strings.TrimPrefix(iter.Val(), keyPrefix))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return ids, nil
}

// Publish sends ev on EventsChannel.
func (c *RedisCache) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, EventsChannel, data).Err()
}
