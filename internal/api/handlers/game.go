package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/matchmaking"
	"github.com/stakeplay/backend/internal/models"
)

type joinQueueRequest struct {
	Mode  string          `json:"mode" binding:"required"`
	Stake decimal.Decimal `json:"stake"`
}

// JoinQueue matches the player against the longest-waiting opponent at the
// same mode and stake, opening a session when one is found.
func (h *Handler) JoinQueue(c *gin.Context) {
	var req joinQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "mode and stake are required")
		return
	}
	ctx := c.Request.Context()
	me := playerID(c)

	if !h.sessions.Modes().Has(req.Mode) {
		h.handleError(c, models.ErrUnknownMode)
		return
	}
	if err := models.CheckAmount(req.Stake, "stake"); err != nil {
		h.handleError(c, err)
		return
	}

	// players who cannot cover the stake never enter the queue
	balance, err := h.wallet.GetBalance(ctx, me)
	if errors.Is(err, models.ErrWalletNotFound) || (err == nil && balance.Available.LessThan(req.Stake)) {
		h.handleError(c, &models.InsufficientFundsError{UserID: me})
		return
	}
	if err != nil {
		h.handleError(c, err)
		return
	}

	ticket := matchmaking.Ticket{UserID: me, Mode: req.Mode, Stake: req.Stake}
	match, err := h.queue.EnqueueOrMatch(ctx, ticket)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if !match.Matched {
		c.JSON(http.StatusAccepted, gin.H{"status": "waiting", "mode": req.Mode, "stake": req.Stake.StringFixed(2)})
		return
	}

	s, err := h.sessions.CreateSession(ctx, []string{match.Opponent, me}, req.Stake, req.Mode)
	if err != nil {
		h.recoverFailedMatch(c, ticket, match.Opponent, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "matched", "session": s})
}

// recoverFailedMatch puts whichever player can still play back at the head of
// the bucket.
func (h *Handler) recoverFailedMatch(c *gin.Context, ticket matchmaking.Ticket, opponent string, cause error) {
	ctx := c.Request.Context()
	log := h.logger.Warn().Err(cause).Str("user_id", ticket.UserID).Str("opponent", opponent)

	var insufficient *models.InsufficientFundsError
	if errors.As(cause, &insufficient) && insufficient.UserID == opponent {
		log.Msg("opponent could not cover stake, requester waits instead")
		if err := h.queue.Requeue(ctx, ticket); err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "waiting", "mode": ticket.Mode, "stake": ticket.Stake.StringFixed(2)})
		return
	}

	log.Msg("session creation failed, requeueing opponent")
	back := matchmaking.Ticket{UserID: opponent, Mode: ticket.Mode, Stake: ticket.Stake}
	if err := h.queue.Requeue(ctx, back); err != nil {
		h.logger.Error().Err(err).Str("opponent", opponent).Msg("failed to requeue opponent")
	}
	h.handleError(c, cause)
}

func (h *Handler) LeaveQueue(c *gin.Context) {
	removed, err := h.queue.Dequeue(c.Request.Context(), playerID(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) SubmitMove(c *gin.Context) {
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		badRequest(c, "move must be a JSON document")
		return
	}

	outcome, err := h.sessions.ApplyMove(c.Request.Context(), id, playerID(c), body)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// GetSession is visible to participants only; anyone else gets a 404.
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}

	v, err := h.sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if !slices.Contains(v.Session.Participants, playerID(c)) {
		h.handleError(c, models.ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, v)
}
