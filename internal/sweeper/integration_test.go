package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/database"
	"github.com/stakeplay/backend/internal/database/dbtest"
	"github.com/stakeplay/backend/internal/game"
	"github.com/stakeplay/backend/internal/models"
	"github.com/stakeplay/backend/internal/session"
	"github.com/stakeplay/backend/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep_TimeoutRefundsBothStakes(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	w, err := wallet.NewEngine(db, config.WalletConfig{
		SettlementCurrency: "USD", FXRates: "USD:1", MinDepositAmount: "1", MinWithdrawAmount: "1", WithdrawDailyLimit: 3,
	}, zerolog.Nop())
	require.NoError(t, err)
	for _, u := range []string{"alice", "bob"} {
		_, err := w.Deposit(ctx, u, decimal.NewFromInt(100), "USD")
		require.NoError(t, err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cache := session.NewRedisCache(rdb, time.Hour)
	repo := session.NewPostgresRepository(db)
	modes := game.DefaultRegistry()
	engine := session.NewEngine(database.NewRunner(db), repo, w, cache, cache, modes,
		config.SessionConfig{Expiry: time.Hour, TurnTimeout: time.Minute}, zerolog.Nop())

	s, err := engine.CreateSession(ctx, []string{"alice", "bob"}, decimal.NewFromInt(50), game.HighCardMode)
	require.NoError(t, err)

	sw := New(rdb, engine, repo, cache, modes, config.SweeperConfig{InstanceID: "it"}, zerolog.Nop())

	// inside the turn window nothing happens
	require.NoError(t, sw.Sweep(ctx))
	row, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, row.Status)

	sw.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	require.NoError(t, sw.Sweep(ctx))

	row, err = repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelledByTimeout, row.Status)
	for _, u := range []string{"alice", "bob"} {
		b, err := w.GetBalance(ctx, u)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(100).Equal(b.Available), "%s available %s", u, b.Available)
		assert.True(t, b.Locked.IsZero(), "%s locked %s", u, b.Locked)
	}
	assert.False(t, mr.Exists(session.Key(s.ID)))
}

func TestRecoverOrphans_RefundsAfterCrash(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	w, err := wallet.NewEngine(db, config.WalletConfig{
		SettlementCurrency: "USD", FXRates: "USD:1", MinDepositAmount: "1", MinWithdrawAmount: "1", WithdrawDailyLimit: 3,
	}, zerolog.Nop())
	require.NoError(t, err)
	for _, u := range []string{"alice", "bob"} {
		_, err := w.Deposit(ctx, u, decimal.NewFromInt(80), "USD")
		require.NoError(t, err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	cache := session.NewRedisCache(rdb, time.Hour)
	repo := session.NewPostgresRepository(db)
	modes := game.DefaultRegistry()
	engine := session.NewEngine(database.NewRunner(db), repo, w, cache, cache, modes,
		config.SessionConfig{Expiry: time.Hour, TurnTimeout: time.Minute}, zerolog.Nop())

	s, err := engine.CreateSession(ctx, []string{"alice", "bob"}, decimal.NewFromInt(30), game.HighCardMode)
	require.NoError(t, err)

	// the process dies and Redis loses everything
	mr.FlushAll()

	sw := New(rdb, engine, repo, cache, modes, config.SweeperConfig{InstanceID: "restart"}, zerolog.Nop())
	n, err := sw.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelledByCrash, row.Status)
	for _, u := range []string{"alice", "bob"} {
		b, err := w.GetBalance(ctx, u)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(80).Equal(b.Available))
		assert.True(t, b.Locked.IsZero())
	}
}

// flakyWallet refuses stake rollbacks for the listed users.
type flakyWallet struct {
	*wallet.Engine
	mu   sync.Mutex
	fail map[string]bool
}

func (f *flakyWallet) RollbackLockTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal, sessionID uuid.UUID) error {
	f.mu.Lock()
	failing := f.fail[userID]
	f.mu.Unlock()
	if failing {
		return errors.New("wallet row locked")
	}
	return f.Engine.RollbackLockTx(ctx, tx, userID, amount, sessionID)
}

func TestSweep_ReplaysFailedRefund(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	w, err := wallet.NewEngine(db, config.WalletConfig{
		SettlementCurrency: "USD", FXRates: "USD:1", MinDepositAmount: "1", MinWithdrawAmount: "1", WithdrawDailyLimit: 3,
	}, zerolog.Nop())
	require.NoError(t, err)
	for _, u := range []string{"alice", "bob"} {
		_, err := w.Deposit(ctx, u, decimal.NewFromInt(60), "USD")
		require.NoError(t, err)
	}
	flaky := &flakyWallet{Engine: w, fail: map[string]bool{"alice": true}}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	cache := session.NewRedisCache(rdb, time.Hour)
	repo := session.NewPostgresRepository(db)
	modes := game.DefaultRegistry()
	engine := session.NewEngine(database.NewRunner(db), repo, flaky, cache, cache, modes,
		config.SessionConfig{Expiry: time.Hour, TurnTimeout: time.Minute}, zerolog.Nop())

	s, err := engine.CreateSession(ctx, []string{"alice", "bob"}, decimal.NewFromInt(20), game.HighCardMode)
	require.NoError(t, err)
	require.NoError(t, engine.ExpireAndRefund(ctx, s.ID, models.CauseError))

	alice, err := w.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(20).Equal(alice.Locked), "alice locked %s", alice.Locked)
	pending, err := repo.PendingRefunds(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	sw := New(rdb, engine, repo, cache, modes, config.SweeperConfig{InstanceID: "it"}, zerolog.Nop())
	require.NoError(t, sw.Sweep(ctx))
	pending, err = repo.PendingRefunds(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "still failing, still queued")

	flaky.mu.Lock()
	flaky.fail = nil
	flaky.mu.Unlock()
	require.NoError(t, sw.Sweep(ctx))
	require.NoError(t, sw.Sweep(ctx))

	for _, u := range []string{"alice", "bob"} {
		b, err := w.GetBalance(ctx, u)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(60).Equal(b.Available), "%s available %s", u, b.Available)
		assert.True(t, b.Locked.IsZero(), "%s locked %s", u, b.Locked)
	}
	pending, err = repo.PendingRefunds(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
