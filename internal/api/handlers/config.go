package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/wallet"
)

// GetConfig returns the limits a client needs before staking or withdrawing.
func GetConfig(cfg config.WalletConfig, modes []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"currency":             cfg.SettlementCurrency,
			"commission_rate":      wallet.CommissionRate.String(),
			"min_deposit_amount":   cfg.MinDeposit().StringFixed(2),
			"min_withdraw_amount":  cfg.MinWithdraw().StringFixed(2),
			"withdraw_daily_limit": cfg.WithdrawDailyLimit,
			"modes":                modes,
		})
	}
}
