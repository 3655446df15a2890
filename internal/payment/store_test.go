package payment

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/database"
	"github.com/stakeplay/backend/internal/database/dbtest"
	"github.com/stakeplay/backend/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntake_PostgresReplaysCreditOnce(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()

	w, err := wallet.NewEngine(db, config.WalletConfig{
		SettlementCurrency: "USD", FXRates: "USD:1,EUR:1.10", MinDepositAmount: "1", MinWithdrawAmount: "1", WithdrawDailyLimit: 3,
	}, zerolog.Nop())
	require.NoError(t, err)
	in := NewIntake(database.NewRunner(db), NewPostgresStore(db), w, zerolog.Nop())

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = in.ApplyExternalDeposit(ctx, "ext-42", "alice", decimal.NewFromInt(20), "EUR")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	b, err := w.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(22).Equal(b.Available), "available %s", b.Available)

	rec, err := NewPostgresStore(db).FindCommitted(ctx, "ext-42")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "EUR", rec.Currency)
	assert.True(t, decimal.NewFromInt(22).Equal(rec.CreditedAmount))
}

func TestPostgresStore_FindMissing(t *testing.T) {
	db := dbtest.New(t)
	rec, err := NewPostgresStore(db).FindCommitted(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
