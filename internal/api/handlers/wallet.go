package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (h *Handler) GetBalance(c *gin.Context) {
	b, err := h.wallet.GetBalance(c.Request.Context(), playerID(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) GetHistory(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	entries, err := h.wallet.History(c.Request.Context(), playerID(c), limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "limit": limit, "offset": offset})
}

type withdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Withdraw debits the player's available balance. The provider payout itself
// happens outside this service; a failed payout comes back as a reversal
// notification.
func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	txID, err := h.wallet.Withdraw(c.Request.Context(), playerID(c), req.Amount)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction_id": txID, "amount": req.Amount.StringFixed(2)})
}
