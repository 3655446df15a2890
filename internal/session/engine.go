// Package session runs the wagered session lifecycle. Status lives in
// Postgres and is the only source of truth for settlement; per-move state
// lives in Redis and is disposable.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/database"
	"github.com/stakeplay/backend/internal/game"
	"github.com/stakeplay/backend/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, s *models.Session) error
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	Finish(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status models.SessionStatus, winnerID string) (*models.Session, error)
	ListActive(ctx context.Context) ([]models.Session, error)
	ListOverdue(ctx context.Context, now time.Time) ([]models.Session, error)
	RecordFailedRefund(ctx context.Context, tx *sqlx.Tx, sessionID uuid.UUID, userID string, amount decimal.Decimal, reason string) error
	PendingRefunds(ctx context.Context) ([]models.FailedRefund, error)
	ResolveRefund(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (bool, error)
}

// Wallet is the part of the wallet engine sessions settle through.
type Wallet interface {
	LockFundsTx(ctx context.Context, tx *sqlx.Tx, userIDs []string, amount decimal.Decimal, sessionID uuid.UUID) error
	PayoutTx(ctx context.Context, tx *sqlx.Tx, sessionID uuid.UUID, winnerID string, loserIDs []string, totalPot decimal.Decimal) error
	RollbackLockTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal, sessionID uuid.UUID) error
}

type StateCache interface {
	Save(ctx context.Context, env *Envelope) error
	Load(ctx context.Context, id uuid.UUID) (*Envelope, error)
	Update(ctx context.Context, id uuid.UUID, fn func(env *Envelope) error) (*Envelope, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

const (
	EventMoveApplied = "move_applied"
	EventCompleted   = "session_completed"
	EventCancelled   = "session_cancelled"
)

// Event is broadcast on EventsChannel.
type Event struct {
	Type         string               `json:"type"`
	SessionID    uuid.UUID            `json:"session_id"`
	Status       models.SessionStatus `json:"status,omitempty"`
	Player       string               `json:"player,omitempty"`
	Winner       string               `json:"winner,omitempty"`
	Participants []string             `json:"participants,omitempty"`
	Outcome      *game.Outcome        `json:"outcome,omitempty"`
}

// View combines the durable row with the live state, when there is one.
type View struct {
	Session  *models.Session `json:"session"`
	State    any             `json:"state,omitempty"`
	GameOver bool            `json:"game_over"`
}

type Engine struct {
	runner database.TxRunner
	repo   Repository
	wallet Wallet
	cache  StateCache
	events Publisher
	modes  *game.Registry
	cfg    config.SessionConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewEngine(
	runner database.TxRunner,
	repo Repository,
	wallet Wallet,
	cache StateCache,
	events Publisher,
	modes *game.Registry,
	cfg config.SessionConfig,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		runner: runner,
		repo:   repo,
		wallet: wallet,
		cache:  cache,
		events: events,
		modes:  modes,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (e *Engine) Modes() *game.Registry {
	return e.modes
}

// CreateSession locks every participant's stake and opens the session. Either
// both happen or neither does.
func (e *Engine) CreateSession(ctx context.Context, participants []string, stake decimal.Decimal, mode string) (*models.Session, error) {
	if err := validateParticipants(participants); err != nil {
		return nil, err
	}
	if err := models.CheckAmount(stake, "stake"); err != nil {
		return nil, err
	}

	now := e.now()
	id := uuid.New()
	m, err := e.modes.New(mode, game.Setup{
		SessionID:    id.String(),
		Participants: participants,
		TurnTimeout:  e.cfg.TurnTimeout,
		Now:          now,
	})
	if err != nil {
		return nil, err
	}
	state, err := m.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize %s state: %w", mode, err)
	}

	s := &models.Session{
		ID:           id,
		Status:       models.SessionActive,
		Mode:         mode,
		Stake:        stake,
		Participants: slices.Clone(participants),
		ExpiresAt:    now.Add(e.cfg.Expiry),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.repo.Insert(ctx, tx, s); err != nil {
			return err
		}
		return e.wallet.LockFundsTx(ctx, tx, s.Participants, stake, id)
	})
	if err != nil {
		e.logger.Warn().Err(err).Strs("participants", participants).Str("stake", stake.StringFixed(2)).Msg("session creation rolled back")
		return nil, fmt.Errorf("%w: %w", models.ErrSessionCreationFailed, err)
	}

	env := &Envelope{
		SessionID:    id,
		Mode:         mode,
		Stake:        stake,
		Participants: s.Participants,
		State:        state,
		UpdatedAt:    now,
	}
	if err := e.cache.Save(ctx, env); err != nil {
		e.logger.Error().Err(err).Str("session_id", id.String()).Msg("failed to store session state, refunding")
		if rerr := e.ExpireAndRefund(ctx, id, models.CauseError); rerr != nil {
			e.logger.Error().Err(rerr).Str("session_id", id.String()).Msg("refund after failed state write")
		}
		return nil, fmt.Errorf("%w: store state: %w", models.ErrSessionCreationFailed, err)
	}

	e.logger.Info().Str("session_id", id.String()).Str("mode", mode).Strs("participants", participants).
		Str("stake", stake.StringFixed(2)).Msg("session created")
	return s, nil
}

// ApplyMove runs one move against the live state. A move that ends the game
// triggers settlement.
func (e *Engine) ApplyMove(ctx context.Context, sessionID uuid.UUID, playerID string, move json.RawMessage) (*game.Outcome, error) {
	var outcome game.Outcome
	_, err := e.cache.Update(ctx, sessionID, func(env *Envelope) error {
		if env.GameOver {
			return models.ErrSessionAlreadyOver
		}
		if !slices.Contains(env.Participants, playerID) {
			return models.ErrNotYourTurn
		}
		m, err := e.modes.Restore(env.Mode, env.State)
		if err != nil {
			return err
		}
		now := e.now()
		outcome, err = m.ApplyMove(playerID, move, now)
		if err != nil {
			return err
		}
		state, err := m.Serialize()
		if err != nil {
			return fmt.Errorf("serialize state: %w", err)
		}
		env.State = state
		env.UpdatedAt = now
		if outcome.GameOver {
			env.GameOver = true
			env.Winner = outcome.Winner
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, Event{Type: EventMoveApplied, SessionID: sessionID, Player: playerID, Outcome: &outcome})

	if outcome.GameOver {
		// on failure the sweeper finds the finished envelope and retries
		if err := e.CompleteSession(ctx, sessionID); err != nil {
			e.logger.Error().Err(err).Str("session_id", sessionID.String()).Msg("settlement after final move failed")
		}
	}
	return &outcome, nil
}

// CompleteSession settles a finished session exactly once. Losing the race to
// another completer or canceller is a silent no-op.
func (e *Engine) CompleteSession(ctx context.Context, sessionID uuid.UUID) error {
	env, err := e.cache.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !env.GameOver {
		return fmt.Errorf("session %s is still in play", sessionID)
	}

	var finished *models.Session
	err = e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		s, err := e.repo.Finish(ctx, tx, sessionID, models.SessionCompleted, env.Winner)
		if err != nil || s == nil {
			return err
		}
		finished = s

		if env.Winner == "" {
			return e.refundAll(ctx, tx, s)
		}
		if !slices.Contains(s.Participants, env.Winner) {
			return fmt.Errorf("winner %s is not a participant of %s", env.Winner, sessionID)
		}
		losers := make([]string, 0, len(s.Participants)-1)
		for _, p := range s.Participants {
			if p != env.Winner {
				losers = append(losers, p)
			}
		}
		return e.wallet.PayoutTx(ctx, tx, sessionID, env.Winner, losers, s.Pot())
	})
	if err != nil {
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}

	e.clear(ctx, sessionID)
	if finished == nil {
		e.logger.Debug().Str("session_id", sessionID.String()).Msg("session already finished elsewhere")
		return nil
	}

	e.logger.Info().Str("session_id", sessionID.String()).Str("winner", env.Winner).Msg("session completed")
	e.publish(ctx, Event{
		Type:         EventCompleted,
		SessionID:    sessionID,
		Status:       models.SessionCompleted,
		Winner:       env.Winner,
		Participants: finished.Participants,
	})
	return nil
}

// ExpireAndRefund cancels an ACTIVE session and returns every stake. It only
// needs the durable row, so it works after the live state is gone.
func (e *Engine) ExpireAndRefund(ctx context.Context, sessionID uuid.UUID, cause models.CancelCause) error {
	status := cause.Status()
	var cancelled *models.Session
	err := e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		s, err := e.repo.Finish(ctx, tx, sessionID, status, "")
		if err != nil || s == nil {
			return err
		}
		cancelled = s
		return e.refundAll(ctx, tx, s)
	})
	if err != nil {
		return fmt.Errorf("cancel session %s: %w", sessionID, err)
	}

	e.clear(ctx, sessionID)
	if cancelled == nil {
		return nil
	}

	e.logger.Info().Str("session_id", sessionID.String()).Str("status", string(status)).Msg("session cancelled and refunded")
	e.publish(ctx, Event{
		Type:         EventCancelled,
		SessionID:    sessionID,
		Status:       status,
		Participants: cancelled.Participants,
	})
	return nil
}

// GetSession returns the durable row plus a participant-safe view of the live state.
func (e *Engine) GetSession(ctx context.Context, sessionID uuid.UUID) (*View, error) {
	s, err := e.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	v := &View{Session: s, GameOver: s.Status.IsTerminal()}
	if s.Status.IsTerminal() {
		return v, nil
	}

	env, err := e.cache.Load(ctx, sessionID)
	if errors.Is(err, models.ErrSessionNotFound) {
		return v, nil
	}
	if err != nil {
		return nil, err
	}
	v.GameOver = env.GameOver
	if m, err := e.modes.Restore(env.Mode, env.State); err == nil {
		if viewer, ok := m.(game.Viewer); ok {
			v.State = viewer.View()
		} else {
			v.State = env.State
		}
	}
	return v, nil
}

// refundAll returns each stake. A failed refund is queued for
// RetryFailedRefunds so one bad wallet does not strand the others; only a
// failure to queue it aborts the transaction.
func (e *Engine) refundAll(ctx context.Context, tx *sqlx.Tx, s *models.Session) error {
	for _, p := range s.Participants {
		err := e.wallet.RollbackLockTx(ctx, tx, p, s.Stake, s.ID)
		if err == nil {
			continue
		}
		e.logger.Error().Err(err).Str("session_id", s.ID.String()).Str("user_id", p).
			Str("amount", s.Stake.StringFixed(2)).Msg("stake refund failed, queued for retry")
		if err := e.repo.RecordFailedRefund(ctx, tx, s.ID, p, s.Stake, err.Error()); err != nil {
			return err
		}
	}
	return nil
}

// RetryFailedRefunds replays every queued refund, each in its own
// transaction. It returns how many were applied; refunds that fail again stay
// queued.
func (e *Engine) RetryFailedRefunds(ctx context.Context) (int, error) {
	pending, err := e.repo.PendingRefunds(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	var errs []error
	for _, r := range pending {
		var resolved bool
		err := e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			resolved, err = e.repo.ResolveRefund(ctx, tx, r.ID)
			if err != nil || !resolved {
				return err
			}
			return e.wallet.RollbackLockTx(ctx, tx, r.UserID, r.Amount, r.SessionID)
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("session_id", r.SessionID.String()).Str("user_id", r.UserID).Msg("refund retry failed")
			errs = append(errs, fmt.Errorf("refund %s: %w", r.ID, err))
			continue
		}
		if resolved {
			applied++
		}
	}
	if applied > 0 {
		e.logger.Info().Int("pending", len(pending)).Int("applied", applied).Msg("queued refunds replayed")
	}
	return applied, errors.Join(errs...)
}

func (e *Engine) clear(ctx context.Context, sessionID uuid.UUID) {
	if err := e.cache.Delete(ctx, sessionID); err != nil {
		e.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to clear session state")
	}
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Str("session_id", ev.SessionID.String()).Str("type", ev.Type).Msg("failed to publish session event")
	}
}

func validateParticipants(participants []string) error {
	if len(participants) < 2 {
		return fmt.Errorf("%w: need at least 2 players", models.ErrInvalidParticipants)
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p == "" {
			return fmt.Errorf("%w: empty player id", models.ErrInvalidParticipants)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: %s listed twice", models.ErrInvalidParticipants, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}
