package handlers

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/game"
	"github.com/stakeplay/backend/internal/matchmaking"
	"github.com/stakeplay/backend/internal/models"
	"github.com/stakeplay/backend/internal/payment"
	"github.com/stakeplay/backend/internal/session"
	"github.com/stakeplay/backend/internal/wallet"
)

type Wallet interface {
	GetBalance(ctx context.Context, userID string) (*wallet.Balance, error)
	History(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error)
	Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (uuid.UUID, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, participants []string, stake decimal.Decimal, mode string) (*models.Session, error)
	ApplyMove(ctx context.Context, sessionID uuid.UUID, playerID string, move json.RawMessage) (*game.Outcome, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*session.View, error)
	Modes() *game.Registry
}

type Queue interface {
	EnqueueOrMatch(ctx context.Context, t matchmaking.Ticket) (*matchmaking.Match, error)
	Requeue(ctx context.Context, t matchmaking.Ticket) error
	Dequeue(ctx context.Context, userID string) (int64, error)
}

type Notifications interface {
	HandleNotification(ctx context.Context, n payment.Notification) (*payment.Result, error)
}

// Deps are the services the HTTP handlers call into.
type Deps struct {
	Wallet        Wallet
	Sessions      Sessions
	Queue         Queue
	Intake        Notifications
	WebhookSecret string
	Checks        []Check
	Logger        zerolog.Logger
}

type Handler struct {
	wallet        Wallet
	sessions      Sessions
	queue         Queue
	intake        Notifications
	webhookSecret string
	checks        []Check
	logger        zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		wallet:        d.Wallet,
		sessions:      d.Sessions,
		queue:         d.Queue,
		intake:        d.Intake,
		webhookSecret: d.WebhookSecret,
		checks:        d.Checks,
		logger:        d.Logger,
	}
}

// Modes lists the playable session modes.
func (h *Handler) Modes() []string {
	if h.sessions == nil {
		return nil
	}
	return h.sessions.Modes().Names()
}
