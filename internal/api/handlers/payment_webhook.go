package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/stakeplay/backend/internal/payment"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Signature"

// PaymentWebhook accepts signed settlement callbacks. Without a configured
// secret every callback is refused. The provider retries until it gets a 2xx,
// so replays answer 200 with the original record.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}

	if h.webhookSecret == "" {
		h.logger.Error().Str("ip", c.ClientIP()).Msg("webhook rejected, WEBHOOK_SECRET is not set")
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "webhook signing not configured", Code: "WEBHOOK_NOT_CONFIGURED"})
		return
	}
	if !ValidSignature(h.webhookSecret, body, c.GetHeader(SignatureHeader)) {
		h.logger.Warn().Str("ip", c.ClientIP()).Msg("webhook signature mismatch")
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature", Code: "INVALID_SIGNATURE"})
		return
	}

	var n payment.Notification
	if err := binding.JSON.BindBody(body, &n); err != nil {
		h.logger.Warn().Err(err).Msg("invalid webhook payload")
		badRequest(c, "invalid payload")
		return
	}

	h.logger.Info().Str("reference", n.ProviderReference).Str("status", n.Status).
		Str("kind", string(n.Kind)).Msg("payment notification received")

	res, err := h.intake.HandleNotification(c.Request.Context(), n)
	if err != nil {
		h.handleError(c, err)
		return
	}

	switch {
	case res == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case res.Duplicate:
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "record": res.Record})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "applied", "record": res.Record})
	}
}

func ValidSignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature a provider would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
