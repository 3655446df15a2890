package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosting_BalancedLock(t *testing.T) {
	w := uuid.New()
	amount := decimal.RequireFromString("50.00")

	p := NewPosting("session-1", "stake lock").
		Add(w, models.EntryLock, models.BucketAvailable, amount.Neg()).
		Add(w, models.EntryLock, models.BucketLocked, amount)

	require.Len(t, p.Lines(), 2)
	assert.True(t, p.Sum().IsZero())
	for _, l := range p.Lines() {
		assert.Equal(t, p.ID, l.TransactionID)
		assert.Equal(t, "session-1", l.ReferenceID)
	}
}

func TestPosting_SkipsZeroLines(t *testing.T) {
	p := NewPosting("ref", "").Add(uuid.New(), models.EntryCommission, models.BucketAvailable, decimal.Zero)
	assert.Empty(t, p.Lines())
}

func TestPosting_WriteRejectsUnbalanced(t *testing.T) {
	p := NewPosting("ref", "").Add(uuid.New(), models.EntryDeposit, models.BucketAvailable, decimal.NewFromInt(10))

	// nil execer: the balance check must fail before any statement runs
	err := p.Write(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbalanced by 10.00")
}

func TestPosting_WriteRejectsEmpty(t *testing.T) {
	err := NewPosting("ref", "").Write(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no lines")
}
