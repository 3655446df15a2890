// Package matchmaking pairs players waiting at the same mode and stake. The
// queue lives in Redis so every instance sees the same waiting players.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/models"
)

const (
	keyPrefix  = "matchmaking:"
	BucketsKey = "matchmaking:buckets"
)

// KEYS[1] bucket list, KEYS[2] bucket registry; ARGV[1] requester.
// Returns the matched opponent, or nil when the requester is now waiting.
var enqueueOrMatchScript = redis.NewScript(`
local waiting = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(waiting) do
	if id == ARGV[1] then
		return false
	end
end
local head = redis.call("LPOP", KEYS[1])
if head then
	return head
end
redis.call("SADD", KEYS[2], KEYS[1])
redis.call("RPUSH", KEYS[1], ARGV[1])
return false`)

// Ticket is one player's request to play a mode at a stake.
type Ticket struct {
	UserID string          `json:"user_id"`
	Mode   string          `json:"mode"`
	Stake  decimal.Decimal `json:"stake"`
}

// Match is the result of EnqueueOrMatch. Opponent is empty while waiting.
type Match struct {
	Matched  bool   `json:"matched"`
	Opponent string `json:"opponent,omitempty"`
}

type Queue struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewQueue(rdb *redis.Client, logger zerolog.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger}
}

// BucketKey names the FIFO list for a mode and stake.
func BucketKey(mode string, stake decimal.Decimal) string {
	return keyPrefix + strings.ToLower(mode) + ":" + stake.StringFixed(2)
}

// EnqueueOrMatch pops the longest-waiting opponent in the ticket's bucket or,
// if there is none, leaves the requester waiting. A requester already in the
// bucket is never added twice.
func (q *Queue) EnqueueOrMatch(ctx context.Context, t Ticket) (*Match, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	bucket := BucketKey(t.Mode, t.Stake)
	res, err := enqueueOrMatchScript.Run(ctx, q.rdb, []string{bucket, BucketsKey}, t.UserID).Text()
	if errors.Is(err, redis.Nil) {
		q.logger.Debug().Str("user_id", t.UserID).Str("bucket", bucket).Msg("waiting for opponent")
		return &Match{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", bucket, err)
	}

	q.logger.Info().Str("user_id", t.UserID).Str("opponent", res).Str("bucket", bucket).Msg("players matched")
	return &Match{Matched: true, Opponent: res}, nil
}

// Requeue puts a popped opponent back at the head of its bucket, used when
// the session for a match could not be created.
func (q *Queue) Requeue(ctx context.Context, t Ticket) error {
	if err := t.validate(); err != nil {
		return err
	}
	bucket := BucketKey(t.Mode, t.Stake)
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, BucketsKey, bucket)
		pipe.LPush(ctx, bucket, t.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", t.UserID, err)
	}
	q.logger.Info().Str("user_id", t.UserID).Str("bucket", bucket).Msg("player requeued")
	return nil
}

// Dequeue removes the user from every bucket and reports how many entries
// were removed. It walks all registered buckets.
func (q *Queue) Dequeue(ctx context.Context, userID string) (int64, error) {
	buckets, err := q.rdb.SMembers(ctx, BucketsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list buckets: %w", err)
	}

	var removed int64
	for _, bucket := range buckets {
		n, err := q.rdb.LRem(ctx, bucket, 0, userID).Result()
		if err != nil {
			return removed, fmt.Errorf("dequeue from %s: %w", bucket, err)
		}
		removed += n
	}
	if removed > 0 {
		q.logger.Info().Str("user_id", userID).Int64("removed", removed).Msg("player left queue")
	}
	return removed, nil
}

// Depth reports the number of waiting players per non-empty bucket.
func (q *Queue) Depth(ctx context.Context) (map[string]int64, error) {
	buckets, err := q.rdb.SMembers(ctx, BucketsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	depth := make(map[string]int64, len(buckets))
	for _, bucket := range buckets {
		n, err := q.rdb.LLen(ctx, bucket).Result()
		if err != nil {
			return nil, fmt.Errorf("depth of %s: %w", bucket, err)
		}
		if n > 0 {
			depth[strings.TrimPrefix(bucket, keyPrefix)] = n
		}
	}
	return depth, nil
}

func (t Ticket) validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("%w: user id is required", models.ErrInvalidParticipants)
	}
	if strings.TrimSpace(t.Mode) == "" {
		return models.ErrUnknownMode
	}
	return models.CheckAmount(t.Stake, "stake")
}
