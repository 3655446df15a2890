package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSplitPot(t *testing.T) {
	tests := []struct {
		name        string
		pot         string
		n           int
		share       string
		winnerShare string
	}{
		{"two players even", "100", 2, "50", "50"},
		{"three players remainder to winner", "100", 3, "33.33", "33.34"},
		{"four players", "10.00", 4, "2.5", "2.5"},
		{"no participants", "10", 0, "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			share, winnerShare := SplitPot(d(tt.pot), tt.n)
			assert.True(t, d(tt.share).Equal(share), "share %s", share)
			assert.True(t, d(tt.winnerShare).Equal(winnerShare), "winner share %s", winnerShare)
			if tt.n > 0 {
				total := share.Mul(decimal.NewFromInt(int64(tt.n - 1))).Add(winnerShare)
				assert.True(t, d(tt.pot).Equal(total))
			}
		})
	}
}

func TestCommission(t *testing.T) {
	commission, credit := Commission(d("100"))
	assert.True(t, d("10").Equal(commission))
	assert.True(t, d("90").Equal(credit))

	commission, credit = Commission(d("0.05"))
	assert.True(t, d("0.01").Equal(commission))
	assert.True(t, d("0.04").Equal(credit))
	assert.True(t, d("0.05").Equal(commission.Add(credit)))
}

func TestConverter(t *testing.T) {
	c := NewConverter("usd", map[string]decimal.Decimal{"eur": d("1.1")})
	assert.Equal(t, "USD", c.Settlement())

	got, err := c.Convert(d("10"), "EUR")
	require.NoError(t, err)
	assert.True(t, d("11").Equal(got))

	got, err = c.Convert(d("12.345"), "")
	require.NoError(t, err)
	assert.True(t, d("12.35").Equal(got))

	_, err = c.Convert(d("1"), "GBP")
	assert.ErrorIs(t, err, models.ErrUnsupportedCurrency)
}
