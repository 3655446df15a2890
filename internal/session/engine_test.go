package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/game"
	"github.com/stakeplay/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine *Engine
	repo   *fakeRepo
	wallet *fakeWallet
	cache  *RedisCache
	events *recordingPublisher
	mr     *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		repo:   newFakeRepo(),
		wallet: &fakeWallet{},
		cache:  NewRedisCache(rdb, time.Hour),
		events: &recordingPublisher{},
		mr:     mr,
	}
	h.engine = NewEngine(
		&fakeRunner{repo: h.repo},
		h.repo,
		h.wallet,
		h.cache,
		h.events,
		game.DefaultRegistry(),
		config.SessionConfig{StateTTL: time.Hour, Expiry: 30 * time.Minute, TurnTimeout: time.Minute},
		zerolog.Nop(),
	)
	return h
}

var stake50 = decimal.NewFromInt(50)

func (h *harness) create(t *testing.T) *models.Session {
	t.Helper()
	s, err := h.engine.CreateSession(context.Background(), []string{"alice", "bob"}, stake50, game.HighCardMode)
	require.NoError(t, err)
	return s
}

// finish marks the live state as over without going through the mode.
func (h *harness) finish(t *testing.T, id uuid.UUID, winner string) {
	t.Helper()
	_, err := h.cache.Update(context.Background(), id, func(env *Envelope) error {
		env.GameOver = true
		env.Winner = winner
		return nil
	})
	require.NoError(t, err)
}

func TestCreateSession_LocksStakeAndStoresState(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	assert.Equal(t, models.SessionActive, h.repo.status(s.ID))
	assert.Equal(t, [][]string{{"alice", "bob"}}, h.wallet.locks)

	env, err := h.cache.Load(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, game.HighCardMode, env.Mode)
	assert.Equal(t, []string{"alice", "bob"}, env.Participants)
	assert.True(t, stake50.Equal(env.Stake))
	assert.False(t, env.GameOver)
	assert.Greater(t, h.mr.TTL(Key(s.ID)), 59*time.Minute)
}

func TestCreateSession_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CreateSession(ctx, []string{"alice"}, stake50, game.HighCardMode)
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)

	_, err = h.engine.CreateSession(ctx, []string{"alice", "alice"}, stake50, game.HighCardMode)
	assert.ErrorIs(t, err, models.ErrInvalidParticipants)

	_, err = h.engine.CreateSession(ctx, []string{"alice", "bob"}, decimal.Zero, game.HighCardMode)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	// sub-cent stakes would be rounded differently by each balance column
	_, err = h.engine.CreateSession(ctx, []string{"alice", "bob"}, decimal.RequireFromString("0.005"), game.HighCardMode)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = h.engine.CreateSession(ctx, []string{"alice", "bob"}, stake50, "roulette")
	assert.ErrorIs(t, err, models.ErrUnknownMode)

	locks, _, _ := h.wallet.counts()
	assert.Zero(t, locks)
	assert.Empty(t, h.repo.rows)
}

func TestCreateSession_LockFailureLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	h.wallet.lockErr = &models.InsufficientFundsError{UserID: "bob"}

	_, err := h.engine.CreateSession(context.Background(), []string{"alice", "bob"}, stake50, game.HighCardMode)
	require.ErrorIs(t, err, models.ErrSessionCreationFailed)
	require.ErrorIs(t, err, models.ErrInsufficientFunds)
	var insufficient *models.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "bob", insufficient.UserID)

	assert.Empty(t, h.repo.rows)
	assert.Empty(t, h.mr.Keys())
}

func TestCreateSession_StateWriteFailureRefunds(t *testing.T) {
	h := newHarness(t)
	h.engine.cache = saveFailingCache{StateCache: h.cache}

	_, err := h.engine.CreateSession(context.Background(), []string{"alice", "bob"}, stake50, game.HighCardMode)
	require.ErrorIs(t, err, models.ErrSessionCreationFailed)

	require.Len(t, h.repo.rows, 1)
	for _, s := range h.repo.rows {
		assert.Equal(t, models.SessionCancelledByError, s.Status)
	}
	_, _, rollbacks := h.wallet.counts()
	assert.Equal(t, 2, rollbacks)
	assert.Contains(t, h.events.types(), EventCancelled)
}

func TestApplyMove_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ApplyMove(ctx, uuid.New(), "alice", nil)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	s := h.create(t)
	_, err = h.engine.ApplyMove(ctx, s.ID, "mallory", nil)
	assert.ErrorIs(t, err, models.ErrNotYourTurn)

	_, err = h.engine.ApplyMove(ctx, s.ID, "alice", json.RawMessage(`{"action":"fold"}`))
	assert.ErrorIs(t, err, models.ErrInvalidMove)

	_, err = h.engine.ApplyMove(ctx, s.ID, "alice", nil)
	require.NoError(t, err)
	_, err = h.engine.ApplyMove(ctx, s.ID, "alice", nil)
	assert.ErrorIs(t, err, models.ErrNotYourTurn)
}

func TestApplyMove_RejectedOnceGameOver(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.finish(t, s.ID, "alice")

	_, err := h.engine.ApplyMove(context.Background(), s.ID, "bob", nil)
	assert.ErrorIs(t, err, models.ErrSessionAlreadyOver)
}

func TestApplyMove_DeadlineFollowsEngineClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := time.Date(2020, 3, 1, 9, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return start }
	s := h.create(t)

	moveAt := start.Add(40 * time.Second)
	h.engine.now = func() time.Time { return moveAt }
	_, err := h.engine.ApplyMove(ctx, s.ID, "alice", nil)
	require.NoError(t, err)

	env, err := h.cache.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, moveAt.Equal(env.UpdatedAt))
	m, err := game.DefaultRegistry().Restore(env.Mode, env.State)
	require.NoError(t, err)
	assert.False(t, m.IsExpired(moveAt.Add(59*time.Second)))
	assert.True(t, m.IsExpired(moveAt.Add(61*time.Second)))
}

func TestApplyMove_PlayToCompletionSettlesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t)

	var last *game.Outcome
	for round := 0; round < 26 && (last == nil || !last.GameOver); round++ {
		for _, p := range []string{"alice", "bob"} {
			out, err := h.engine.ApplyMove(ctx, s.ID, p, json.RawMessage(`{"action":"draw"}`))
			require.NoError(t, err)
			last = out
		}
	}
	require.NotNil(t, last)
	require.True(t, last.GameOver)

	row, err := h.repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, row.Status)

	_, payouts, rollbacks := h.wallet.counts()
	if last.Winner != "" {
		require.Equal(t, 1, payouts)
		p := h.wallet.payouts[0]
		assert.Equal(t, last.Winner, p.Winner)
		assert.Len(t, p.Losers, 1)
		assert.True(t, decimal.NewFromInt(100).Equal(p.Pot))
		assert.Equal(t, last.Winner, row.WinnerID.String)
	} else {
		assert.Equal(t, 2, rollbacks)
	}

	_, err = h.cache.Load(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
	assert.Contains(t, h.events.types(), EventCompleted)

	// a second completion attempt finds nothing to do
	_, err = h.engine.ApplyMove(ctx, s.ID, "alice", nil)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestCompleteSession_Draw(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.finish(t, s.ID, "")

	require.NoError(t, h.engine.CompleteSession(context.Background(), s.ID))

	row, _ := h.repo.Get(context.Background(), s.ID)
	assert.Equal(t, models.SessionCompleted, row.Status)
	assert.False(t, row.WinnerID.Valid)
	_, payouts, rollbacks := h.wallet.counts()
	assert.Zero(t, payouts)
	assert.Equal(t, 2, rollbacks)
}

func TestCompleteSession_PayoutFailureKeepsSessionActive(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)
	h.finish(t, s.ID, "alice")
	h.wallet.payoutErr = errors.New("db went away")

	err := h.engine.CompleteSession(context.Background(), s.ID)
	require.Error(t, err)
	assert.Equal(t, models.SessionActive, h.repo.status(s.ID))

	// state is kept so a later sweep can retry
	env, err := h.cache.Load(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, env.GameOver)

	h.wallet.payoutErr = nil
	require.NoError(t, h.engine.CompleteSession(context.Background(), s.ID))
	assert.Equal(t, models.SessionCompleted, h.repo.status(s.ID))
}

func TestCompleteSession_StillInPlay(t *testing.T) {
	h := newHarness(t)
	s := h.create(t)

	err := h.engine.CompleteSession(context.Background(), s.ID)
	require.Error(t, err)
	assert.Equal(t, models.SessionActive, h.repo.status(s.ID))
}

func TestCompleteAndExpire_RaceSettlesExactlyOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		s := h.create(t)
		h.finish(t, s.ID, "alice")

		var wg sync.WaitGroup
		for j := 0; j < 5; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = h.engine.CompleteSession(context.Background(), s.ID)
			}()
			go func() {
				defer wg.Done()
				_ = h.engine.ExpireAndRefund(context.Background(), s.ID, models.CauseTimeout)
			}()
		}
		wg.Wait()

		_, payouts, rollbacks := h.wallet.counts()
		status := h.repo.status(s.ID)
		switch status {
		case models.SessionCompleted:
			assert.Equal(t, 1, payouts)
			assert.Zero(t, rollbacks)
		case models.SessionCancelledByTimeout:
			assert.Zero(t, payouts)
			assert.Equal(t, 2, rollbacks)
		default:
			t.Fatalf("unexpected status %s", status)
		}
	}
}

func TestExpireAndRefund_ContinuesPastFailedRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t)
	h.wallet.rollbackErr = map[string]error{"alice": errors.New("wallet row locked")}

	require.NoError(t, h.engine.ExpireAndRefund(ctx, s.ID, models.CauseCrash))

	assert.Equal(t, models.SessionCancelledByCrash, h.repo.status(s.ID))
	require.Len(t, h.wallet.rollbacks, 1)
	assert.Equal(t, "bob", h.wallet.rollbacks[0].UserID)
	assert.True(t, stake50.Equal(h.wallet.rollbacks[0].Amount))

	_, err := h.cache.Load(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	// already terminal: no second refund
	require.NoError(t, h.engine.ExpireAndRefund(ctx, s.ID, models.CauseTimeout))
	assert.Len(t, h.wallet.rollbacks, 1)
	assert.Equal(t, models.SessionCancelledByCrash, h.repo.status(s.ID))
}

func TestExpireAndRefund_FailedRefundIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t)
	h.wallet.rollbackErr = map[string]error{"alice": errors.New("wallet row locked")}

	require.NoError(t, h.engine.ExpireAndRefund(ctx, s.ID, models.CauseTimeout))
	pending, err := h.repo.PendingRefunds(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].UserID)
	assert.Equal(t, s.ID, pending[0].SessionID)
	assert.True(t, stake50.Equal(pending[0].Amount))
	assert.Contains(t, pending[0].Reason, "wallet row locked")

	// still failing: stays queued
	applied, err := h.engine.RetryFailedRefunds(ctx)
	assert.Error(t, err)
	assert.Zero(t, applied)
	pending, _ = h.repo.PendingRefunds(ctx)
	assert.Len(t, pending, 1)

	h.wallet.rollbackErr = nil
	applied, err = h.engine.RetryFailedRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	_, _, rollbacks := h.wallet.counts()
	assert.Equal(t, 2, rollbacks)
	assert.Equal(t, "alice", h.wallet.rollbacks[1].UserID)

	pending, _ = h.repo.PendingRefunds(ctx)
	assert.Empty(t, pending)
	applied, err = h.engine.RetryFailedRefunds(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
	_, _, rollbacks = h.wallet.counts()
	assert.Equal(t, 2, rollbacks)
}

func TestExpireAndRefund_UnrecordableRefundKeepsSessionActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t)
	h.wallet.rollbackErr = map[string]error{"bob": errors.New("wallet row locked")}
	h.repo.recordErr = errors.New("db unavailable")

	require.Error(t, h.engine.ExpireAndRefund(ctx, s.ID, models.CauseTimeout))
	assert.Equal(t, models.SessionActive, h.repo.status(s.ID))

	h.wallet.rollbackErr = nil
	h.repo.recordErr = nil
	require.NoError(t, h.engine.ExpireAndRefund(ctx, s.ID, models.CauseTimeout))
	assert.Equal(t, models.SessionCancelledByTimeout, h.repo.status(s.ID))
}

func TestGetSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t)

	v, err := h.engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, v.Session.ID)
	assert.False(t, v.GameOver)
	assert.NotNil(t, v.State)

	require.NoError(t, h.engine.ExpireAndRefund(ctx, s.ID, models.CauseTimeout))
	v, err = h.engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, v.GameOver)
	assert.Nil(t, v.State)

	_, err = h.engine.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}
