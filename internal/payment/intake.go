// Package payment applies settlement notifications from the payment provider.
// The provider may deliver a notification any number of times; each provider
// reference moves money at most once.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/database"
	"github.com/stakeplay/backend/internal/models"
	"github.com/stakeplay/backend/internal/wallet"
)

// rolled back inside the tx, resolved by re-reading outside it
var errDuplicateInsertRace = errors.New("duplicate notification insert race")

const StatusSuccess = "success"

// Notification is the provider's settlement callback.
type Notification struct {
	ProviderReference string                  `json:"provider_reference" binding:"required"`
	UserID            string                  `json:"user_id" binding:"required"`
	Amount            decimal.Decimal         `json:"amount"`
	Currency          string                  `json:"currency"`
	Status            string                  `json:"status" binding:"required"`
	Kind              models.NotificationKind `json:"kind,omitempty"`
	// WithdrawalID is the transaction id returned by the withdrawal a
	// reversal refers to.
	WithdrawalID uuid.UUID `json:"withdrawal_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Result describes what a notification did. Duplicate results carry the
// record written by the first delivery.
type Result struct {
	Record    *models.ProcessedNotification `json:"record"`
	Duplicate bool                          `json:"duplicate"`
}

// Err reports models.ErrDuplicateNotification for replays, nil otherwise.
func (r *Result) Err() error {
	if r != nil && r.Duplicate {
		return models.ErrDuplicateNotification
	}
	return nil
}

type Wallet interface {
	DepositTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal, currency, reference string) (*wallet.DepositResult, error)
	ReverseWithdrawalTx(ctx context.Context, tx *sqlx.Tx, userID string, withdrawalID uuid.UUID, amount decimal.Decimal, reason string) (*wallet.Reversal, error)
	Currency() string
}

type Store interface {
	Find(ctx context.Context, tx *sqlx.Tx, reference string) (*models.ProcessedNotification, error)
	FindCommitted(ctx context.Context, reference string) (*models.ProcessedNotification, error)
	Record(ctx context.Context, tx *sqlx.Tx, n *models.ProcessedNotification) error
}

type Intake struct {
	runner database.TxRunner
	store  Store
	wallet Wallet
	logger zerolog.Logger
}

func NewIntake(runner database.TxRunner, store Store, w Wallet, logger zerolog.Logger) *Intake {
	return &Intake{runner: runner, store: store, wallet: w, logger: logger}
}

// HandleNotification routes a success notification to the matching intake
// operation. Anything else is logged and ignored.
func (in *Intake) HandleNotification(ctx context.Context, n Notification) (*Result, error) {
	if !strings.EqualFold(n.Status, StatusSuccess) {
		in.logger.Info().Str("reference", n.ProviderReference).Str("status", n.Status).Msg("ignoring non-success notification")
		return nil, nil
	}

	switch n.Kind {
	case "", models.NotificationDeposit:
		return in.ApplyExternalDeposit(ctx, n.ProviderReference, n.UserID, n.Amount, n.Currency)
	case models.NotificationWithdrawalReversal:
		return in.ApplyWithdrawalReversal(ctx, n.ProviderReference, n.UserID, n.WithdrawalID, n.Amount, n.Reason)
	default:
		return nil, fmt.Errorf("unknown notification kind %q", n.Kind)
	}
}

// ApplyExternalDeposit credits a confirmed deposit once per provider reference.
// The credit and the dedup record commit together.
func (in *Intake) ApplyExternalDeposit(ctx context.Context, reference, userID string, amount decimal.Decimal, currency string) (*Result, error) {
	return in.apply(ctx, reference, models.NotificationDeposit, func(tx *sqlx.Tx) (*models.ProcessedNotification, error) {
		dep, err := in.wallet.DepositTx(ctx, tx, userID, amount, currency, reference)
		if err != nil {
			return nil, err
		}
		return &models.ProcessedNotification{
			ProviderReference: reference,
			Kind:              models.NotificationDeposit,
			UserID:            userID,
			Amount:            amount,
			Currency:          strings.ToUpper(currency),
			CreditedAmount:    dep.Credited,
			TransactionID:     dep.TransactionID,
		}, nil
	})
}

// ApplyWithdrawalReversal refunds a withdrawal the provider failed to pay out,
// once per provider reference. The refunded amount is the one recorded for
// withdrawalID, never the amount the provider sends.
func (in *Intake) ApplyWithdrawalReversal(ctx context.Context, reference, userID string, withdrawalID uuid.UUID, amount decimal.Decimal, reason string) (*Result, error) {
	if withdrawalID == uuid.Nil {
		return nil, fmt.Errorf("%w: withdrawal_id is required", models.ErrWithdrawalNotFound)
	}
	if reason == "" {
		reason = "withdrawal reversed by provider"
	}
	return in.apply(ctx, reference, models.NotificationWithdrawalReversal, func(tx *sqlx.Tx) (*models.ProcessedNotification, error) {
		rev, err := in.wallet.ReverseWithdrawalTx(ctx, tx, userID, withdrawalID, amount, reason)
		if err != nil {
			return nil, err
		}
		return &models.ProcessedNotification{
			ProviderReference: reference,
			Kind:              models.NotificationWithdrawalReversal,
			UserID:            userID,
			Amount:            rev.Amount,
			Currency:          in.wallet.Currency(),
			CreditedAmount:    rev.Amount,
			TransactionID:     rev.TransactionID,
		}, nil
	})
}

func (in *Intake) apply(ctx context.Context, reference string, kind models.NotificationKind, credit func(tx *sqlx.Tx) (*models.ProcessedNotification, error)) (*Result, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, errors.New("provider reference is required")
	}

	var result *Result
	err := in.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := in.store.Find(ctx, tx, reference)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &Result{Record: existing, Duplicate: true}
			return nil
		}

		record, err := credit(tx)
		if err != nil {
			return err
		}
		if err := in.store.Record(ctx, tx, record); err != nil {
			if errors.Is(err, ErrDuplicateRecord) {
				return errDuplicateInsertRace
			}
			return err
		}
		result = &Result{Record: record}
		return nil
	})

	if errors.Is(err, errDuplicateInsertRace) {
		existing, getErr := in.store.FindCommitted(ctx, reference)
		if getErr != nil {
			return nil, fmt.Errorf("read notification after duplicate: %w", getErr)
		}
		if existing == nil {
			return nil, fmt.Errorf("notification %s vanished after duplicate insert", reference)
		}
		result, err = &Result{Record: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	log := in.logger.Info().Str("reference", reference).Str("kind", string(kind)).Str("user_id", result.Record.UserID)
	if result.Duplicate {
		if result.Record.Kind != kind {
			in.logger.Warn().Str("reference", reference).Str("recorded_kind", string(result.Record.Kind)).
				Str("kind", string(kind)).Msg("reference reused across notification kinds")
		}
		log.Msg("notification already processed")
		return result, nil
	}
	log.Str("credited", result.Record.CreditedAmount.StringFixed(2)).Msg("notification applied")
	return result, nil
}
