package wallet

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/models"
)

// CommissionRate is the platform share of every settled pot.
var CommissionRate = decimal.RequireFromString("0.10")

const cents = 2

// SplitPot returns the per-participant share of pot and the winner's share,
// which absorbs the rounding remainder so that share*(n-1)+winnerShare == pot.
func SplitPot(pot decimal.Decimal, participants int) (share, winnerShare decimal.Decimal) {
	if participants <= 0 {
		return decimal.Zero, decimal.Zero
	}
	n := decimal.NewFromInt(int64(participants))
	share = pot.Div(n).Truncate(cents)
	winnerShare = pot.Sub(share.Mul(n.Sub(decimal.NewFromInt(1))))
	return share, winnerShare
}

// Commission splits pot into the treasury cut and the winner's credit.
func Commission(pot decimal.Decimal) (commission, winnerCredit decimal.Decimal) {
	commission = pot.Mul(CommissionRate).Round(cents)
	return commission, pot.Sub(commission)
}

// Converter turns external amounts into the settlement currency.
type Converter struct {
	settlement string
	rates      map[string]decimal.Decimal
}

func NewConverter(settlement string, rates map[string]decimal.Decimal) *Converter {
	normalized := make(map[string]decimal.Decimal, len(rates)+1)
	for code, rate := range rates {
		normalized[strings.ToUpper(code)] = rate
	}
	normalized[strings.ToUpper(settlement)] = decimal.NewFromInt(1)
	return &Converter{settlement: strings.ToUpper(settlement), rates: normalized}
}

func (c *Converter) Settlement() string {
	return c.settlement
}

// Convert returns amount expressed in the settlement currency, rounded to cents.
func (c *Converter) Convert(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = c.settlement
	}
	rate, ok := c.rates[code]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", models.ErrUnsupportedCurrency, currency)
	}
	return amount.Mul(rate).Round(cents), nil
}
