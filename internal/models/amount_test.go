package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCheckAmount(t *testing.T) {
	tests := []struct {
		amount string
		ok     bool
	}{
		{"50", true},
		{"50.00", true},
		{"0.01", true},
		{"12.30", true},
		{"0", false},
		{"-1", false},
		{"0.005", false},
		{"5.005", false},
		{"1.0001", false},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			err := CheckAmount(decimal.RequireFromString(tt.amount), "stake")
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}
