package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places every balance column stores.
const AmountScale = 2

// CheckAmount rejects amounts that are not positive or carry more precision
// than the ledger stores. what names the amount in the error.
func CheckAmount(amount decimal.Decimal, what string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, what)
	}
	if !amount.Equal(amount.Round(AmountScale)) {
		return fmt.Errorf("%w: %s %s has more than %d decimal places", ErrInvalidAmount, what, amount.String(), AmountScale)
	}
	return nil
}
