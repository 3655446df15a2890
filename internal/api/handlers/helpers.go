package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stakeplay/backend/internal/middleware"
	"github.com/stakeplay/backend/internal/models"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatusFor maps a domain error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"
	case errors.Is(err, models.ErrWalletNotFound):
		return http.StatusNotFound, "WALLET_NOT_FOUND"
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, models.ErrWithdrawalNotFound):
		return http.StatusNotFound, "WITHDRAWAL_NOT_FOUND"
	case errors.Is(err, models.ErrWithdrawalReversed):
		return http.StatusConflict, "WITHDRAWAL_ALREADY_REVERSED"
	case errors.Is(err, models.ErrNotYourTurn):
		return http.StatusConflict, "NOT_YOUR_TURN"
	case errors.Is(err, models.ErrSessionAlreadyOver):
		return http.StatusConflict, "SESSION_ALREADY_OVER"
	case errors.Is(err, models.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, models.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "INVALID_AMOUNT"
	case errors.Is(err, models.ErrAmountBelowMinimum):
		return http.StatusUnprocessableEntity, "AMOUNT_BELOW_MINIMUM"
	case errors.Is(err, models.ErrUnsupportedCurrency):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_CURRENCY"
	case errors.Is(err, models.ErrUnknownMode):
		return http.StatusUnprocessableEntity, "UNKNOWN_MODE"
	case errors.Is(err, models.ErrInvalidMove):
		return http.StatusUnprocessableEntity, "INVALID_MOVE"
	case errors.Is(err, models.ErrInvalidParticipants):
		return http.StatusUnprocessableEntity, "INVALID_PARTICIPANTS"
	case errors.Is(err, models.ErrSessionCreationFailed):
		return http.StatusServiceUnavailable, "SESSION_CREATION_FAILED"
	}
	return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
}

func (h *Handler) handleError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Str("request_id", c.GetString("request_id")).Msg("request failed")
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_REQUEST"})
}

func sessionIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return n
}

func playerID(c *gin.Context) string {
	return middleware.PlayerID(c)
}
