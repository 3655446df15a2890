// Package wallet moves money between wallet balances. Every operation runs in
// one database transaction and writes one balanced ledger posting; the Tx
// variants join a caller's transaction.
package wallet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/database"
	"github.com/stakeplay/backend/internal/ledger"
	"github.com/stakeplay/backend/internal/models"
)

const withdrawWindow = 24 * time.Hour

// Balance is the read-only view of a wallet.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Currency  string          `json:"currency"`
}

// Reversal describes a refunded withdrawal.
type Reversal struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	WithdrawalID  uuid.UUID       `json:"withdrawal_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// DepositResult describes a completed credit.
type DepositResult struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Credited      decimal.Decimal `json:"credited"`
	Currency      string          `json:"currency"`
}

type Engine struct {
	db          *sqlx.DB
	runner      database.TxRunner
	converter   *Converter
	minDeposit  decimal.Decimal
	minWithdraw decimal.Decimal
	dailyLimit  int
	logger      zerolog.Logger
	now         func() time.Time
}

func NewEngine(db *sqlx.DB, cfg config.WalletConfig, logger zerolog.Logger) (*Engine, error) {
	rates, err := cfg.Rates()
	if err != nil {
		return nil, err
	}
	return &Engine{
		db:          db,
		runner:      database.NewRunner(db),
		converter:   NewConverter(cfg.SettlementCurrency, rates),
		minDeposit:  cfg.MinDeposit(),
		minWithdraw: cfg.MinWithdraw(),
		dailyLimit:  cfg.WithdrawDailyLimit,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (e *Engine) Currency() string {
	return e.converter.Settlement()
}

// EnsureTreasury creates the system wallet if this is a fresh database.
func (e *Engine) EnsureTreasury(ctx context.Context) (*models.Wallet, error) {
	return ledger.EnsureTreasury(ctx, e.db, e.converter.Settlement())
}

// LockFunds moves amount from available to locked for every user, or for none.
func (e *Engine) LockFunds(ctx context.Context, userIDs []string, amount decimal.Decimal, sessionID uuid.UUID) error {
	return e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.LockFundsTx(ctx, tx, userIDs, amount, sessionID)
	})
}

func (e *Engine) LockFundsTx(ctx context.Context, tx *sqlx.Tx, userIDs []string, amount decimal.Decimal, sessionID uuid.UUID) error {
	if err := models.CheckAmount(amount, "stake"); err != nil {
		return err
	}

	// fixed order so concurrent locks on overlapping users cannot deadlock
	users := append([]string(nil), userIDs...)
	sort.Strings(users)

	posting := ledger.NewPosting(sessionID.String(), "stake lock")
	for _, userID := range users {
		w, err := ledger.GetWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		ok, err := ledger.ApplyDelta(ctx, tx, w.ID, amount.Neg(), amount)
		if err != nil {
			return err
		}
		if !ok {
			return &models.InsufficientFundsError{UserID: userID}
		}
		posting.Add(w.ID, models.EntryLock, models.BucketAvailable, amount.Neg()).
			Add(w.ID, models.EntryLock, models.BucketLocked, amount)
	}
	if err := posting.Write(ctx, tx); err != nil {
		return err
	}

	e.logger.Info().Str("session_id", sessionID.String()).Strs("users", users).
		Str("amount", amount.StringFixed(2)).Msg("funds locked")
	return nil
}

// Payout settles a pot: every participant's share leaves locked, the winner
// receives the pot less commission and the treasury books the commission.
func (e *Engine) Payout(ctx context.Context, sessionID uuid.UUID, winnerID string, loserIDs []string, totalPot decimal.Decimal) error {
	return e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.PayoutTx(ctx, tx, sessionID, winnerID, loserIDs, totalPot)
	})
}

func (e *Engine) PayoutTx(ctx context.Context, tx *sqlx.Tx, sessionID uuid.UUID, winnerID string, loserIDs []string, totalPot decimal.Decimal) error {
	if err := models.CheckAmount(totalPot, "pot"); err != nil {
		return err
	}

	share, winnerShare := SplitPot(totalPot, len(loserIDs)+1)
	commission, winnerCredit := Commission(totalPot)

	participants := append([]string{winnerID}, loserIDs...)
	sort.Strings(participants)

	posting := ledger.NewPosting(sessionID.String(), "session payout")
	for _, userID := range participants {
		w, err := ledger.GetWallet(ctx, tx, userID)
		if err != nil {
			return err
		}

		lockedDelta := share.Neg()
		availableDelta := decimal.Zero
		if userID == winnerID {
			lockedDelta = winnerShare.Neg()
			availableDelta = winnerCredit
		}

		ok, err := ledger.ApplyDelta(ctx, tx, w.ID, availableDelta, lockedDelta)
		if err != nil {
			return err
		}
		if !ok {
			return &models.InsufficientFundsError{UserID: userID}
		}
		posting.Add(w.ID, models.EntryPayout, models.BucketLocked, lockedDelta)
		if userID == winnerID {
			posting.Add(w.ID, models.EntryPayout, models.BucketAvailable, availableDelta)
		}
	}

	treasury, err := ledger.EnsureTreasury(ctx, tx, e.converter.Settlement())
	if err != nil {
		return err
	}
	if _, err := ledger.ApplyDelta(ctx, tx, treasury.ID, commission, decimal.Zero); err != nil {
		return err
	}
	posting.Add(treasury.ID, models.EntryCommission, models.BucketAvailable, commission)

	if err := posting.Write(ctx, tx); err != nil {
		return err
	}

	e.logger.Info().Str("session_id", sessionID.String()).Str("winner", winnerID).
		Str("pot", totalPot.StringFixed(2)).Str("commission", commission.StringFixed(2)).
		Msg("payout settled")
	return nil
}

// RollbackLock returns a locked stake to the user's available balance.
func (e *Engine) RollbackLock(ctx context.Context, userID string, amount decimal.Decimal, sessionID uuid.UUID) error {
	return e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return e.RollbackLockTx(ctx, tx, userID, amount, sessionID)
	})
}

// RollbackLockTx runs behind a savepoint, so a failure here leaves tx usable
// for the remaining participants.
func (e *Engine) RollbackLockTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal, sessionID uuid.UUID) error {
	if err := models.CheckAmount(amount, "rollback"); err != nil {
		return err
	}
	return database.WithSavepoint(ctx, tx, "rollback_lock", func() error {
		w, err := ledger.GetWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		ok, err := ledger.ApplyDelta(ctx, tx, w.ID, amount, amount.Neg())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("rollback %s for %s: %w", amount.StringFixed(2), userID, models.ErrInsufficientFunds)
		}
		return ledger.NewPosting(sessionID.String(), "stake rollback").
			Add(w.ID, models.EntryRollback, models.BucketLocked, amount.Neg()).
			Add(w.ID, models.EntryRollback, models.BucketAvailable, amount).
			Write(ctx, tx)
	})
}

// Deposit credits an externally confirmed amount, converted to the settlement currency.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal, currency string) (*DepositResult, error) {
	var res *DepositResult
	err := e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		res, err = e.DepositTx(ctx, tx, userID, amount, currency, "")
		return err
	})
	return res, err
}

func (e *Engine) DepositTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal, currency, reference string) (*DepositResult, error) {
	if err := models.CheckAmount(amount, "deposit"); err != nil {
		return nil, err
	}
	credited, err := e.converter.Convert(amount, currency)
	if err != nil {
		return nil, err
	}
	if credited.LessThan(e.minDeposit) {
		return nil, fmt.Errorf("%w: deposit %s below %s", models.ErrAmountBelowMinimum, credited.StringFixed(2), e.minDeposit.StringFixed(2))
	}

	w, err := ledger.GetOrCreateWallet(ctx, tx, userID, e.converter.Settlement())
	if err != nil {
		return nil, err
	}
	treasury, err := ledger.EnsureTreasury(ctx, tx, e.converter.Settlement())
	if err != nil {
		return nil, err
	}
	if _, err := ledger.ApplyDelta(ctx, tx, w.ID, credited, decimal.Zero); err != nil {
		return nil, err
	}
	if _, err := ledger.ApplyDelta(ctx, tx, treasury.ID, credited.Neg(), decimal.Zero); err != nil {
		return nil, err
	}

	posting := ledger.NewPosting(reference, "deposit").
		Add(w.ID, models.EntryDeposit, models.BucketAvailable, credited).
		Add(treasury.ID, models.EntryDepositOffset, models.BucketAvailable, credited.Neg())
	if err := posting.Write(ctx, tx); err != nil {
		return nil, err
	}

	e.logger.Info().Str("user_id", userID).Str("amount", amount.String()).Str("currency", currency).
		Str("credited", credited.StringFixed(2)).Msg("deposit credited")
	return &DepositResult{TransactionID: posting.ID, Credited: credited, Currency: e.converter.Settlement()}, nil
}

// Withdraw debits available funds subject to the minimum and the rolling daily limit.
func (e *Engine) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (uuid.UUID, error) {
	var txID uuid.UUID
	err := e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		txID, err = e.WithdrawTx(ctx, tx, userID, amount)
		return err
	})
	return txID, err
}

func (e *Engine) WithdrawTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal) (uuid.UUID, error) {
	if err := models.CheckAmount(amount, "withdrawal"); err != nil {
		return uuid.Nil, err
	}
	if amount.LessThan(e.minWithdraw) {
		return uuid.Nil, fmt.Errorf("%w: withdrawal %s below %s", models.ErrAmountBelowMinimum, amount.StringFixed(2), e.minWithdraw.StringFixed(2))
	}

	// row lock serializes concurrent withdrawals so the count below is exact
	w, err := ledger.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return uuid.Nil, err
	}
	count, err := ledger.CountEntriesSince(ctx, tx, w.ID, models.EntryWithdrawal, e.now().Add(-withdrawWindow))
	if err != nil {
		return uuid.Nil, err
	}
	if count >= e.dailyLimit {
		return uuid.Nil, fmt.Errorf("%w: %d withdrawals in the last 24h", models.ErrRateLimitExceeded, count)
	}

	ok, err := ledger.ApplyDelta(ctx, tx, w.ID, amount.Neg(), decimal.Zero)
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, &models.InsufficientFundsError{UserID: userID}
	}
	treasury, err := ledger.EnsureTreasury(ctx, tx, e.converter.Settlement())
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := ledger.ApplyDelta(ctx, tx, treasury.ID, amount, decimal.Zero); err != nil {
		return uuid.Nil, err
	}

	posting := ledger.NewPosting(userID, "withdrawal").
		Add(w.ID, models.EntryWithdrawal, models.BucketAvailable, amount.Neg()).
		Add(treasury.ID, models.EntryWithdrawalOffset, models.BucketAvailable, amount)
	if err := posting.Write(ctx, tx); err != nil {
		return uuid.Nil, err
	}

	e.logger.Info().Str("user_id", userID).Str("amount", amount.StringFixed(2)).Msg("withdrawal debited")
	return posting.ID, nil
}

// Refund credits back a withdrawal the payment provider failed to pay out.
func (e *Engine) Refund(ctx context.Context, userID string, amount decimal.Decimal, reason string) (uuid.UUID, error) {
	var txID uuid.UUID
	err := e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		txID, err = e.RefundTx(ctx, tx, userID, amount, reason)
		return err
	})
	return txID, err
}

func (e *Engine) RefundTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal, reason string) (uuid.UUID, error) {
	if err := models.CheckAmount(amount, "refund"); err != nil {
		return uuid.Nil, err
	}
	w, err := ledger.GetWallet(ctx, tx, userID)
	if err != nil {
		return uuid.Nil, err
	}
	return e.credit(ctx, tx, w, amount, userID, reason)
}

// ReverseWithdrawalTx refunds a recorded withdrawal in full. The withdrawal
// must belong to userID and is reversed at most once. A non-zero amount must
// match what was withdrawn.
func (e *Engine) ReverseWithdrawalTx(ctx context.Context, tx *sqlx.Tx, userID string, withdrawalID uuid.UUID, amount decimal.Decimal, reason string) (*Reversal, error) {
	// row lock serializes reversals of the same withdrawal
	w, err := ledger.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	lines, err := ledger.EntriesByTransaction(ctx, tx, withdrawalID)
	if err != nil {
		return nil, err
	}
	withdrawn := decimal.Zero
	for _, l := range lines {
		if l.WalletID == w.ID && l.Type == models.EntryWithdrawal {
			withdrawn = l.Amount.Neg()
		}
	}
	if !withdrawn.IsPositive() {
		return nil, fmt.Errorf("%w: %s for %s", models.ErrWithdrawalNotFound, withdrawalID, userID)
	}
	if !amount.IsZero() && !amount.Equal(withdrawn) {
		return nil, fmt.Errorf("%w: reversal %s does not match withdrawal %s", models.ErrInvalidAmount, amount.String(), withdrawn.StringFixed(2))
	}

	reversed, err := ledger.HasReference(ctx, tx, w.ID, models.EntryRefund, withdrawalID.String())
	if err != nil {
		return nil, err
	}
	if reversed {
		return nil, fmt.Errorf("%w: %s", models.ErrWithdrawalReversed, withdrawalID)
	}

	txID, err := e.credit(ctx, tx, w, withdrawn, withdrawalID.String(), reason)
	if err != nil {
		return nil, err
	}
	return &Reversal{TransactionID: txID, WithdrawalID: withdrawalID, Amount: withdrawn}, nil
}

// credit books a REFUND against the treasury under reference.
func (e *Engine) credit(ctx context.Context, tx *sqlx.Tx, w *models.Wallet, amount decimal.Decimal, reference, reason string) (uuid.UUID, error) {
	treasury, err := ledger.EnsureTreasury(ctx, tx, e.converter.Settlement())
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := ledger.ApplyDelta(ctx, tx, w.ID, amount, decimal.Zero); err != nil {
		return uuid.Nil, err
	}
	if _, err := ledger.ApplyDelta(ctx, tx, treasury.ID, amount.Neg(), decimal.Zero); err != nil {
		return uuid.Nil, err
	}

	posting := ledger.NewPosting(reference, reason).
		Add(w.ID, models.EntryRefund, models.BucketAvailable, amount).
		Add(treasury.ID, models.EntryRefundOffset, models.BucketAvailable, amount.Neg())
	if err := posting.Write(ctx, tx); err != nil {
		return uuid.Nil, err
	}

	e.logger.Info().Str("user_id", w.UserID).Str("amount", amount.StringFixed(2)).Str("reference", reference).
		Str("reason", reason).Msg("refund credited")
	return posting.ID, nil
}

// Transfer moves available funds between two user wallets.
func (e *Engine) Transfer(ctx context.Context, fromUserID, toUserID string, amount decimal.Decimal) (uuid.UUID, error) {
	if err := models.CheckAmount(amount, "transfer"); err != nil {
		return uuid.Nil, err
	}
	if fromUserID == toUserID {
		return uuid.Nil, fmt.Errorf("%w: cannot transfer to self", models.ErrInvalidParticipants)
	}

	var txID uuid.UUID
	err := e.runner.WithTx(ctx, func(tx *sqlx.Tx) error {
		ordered := []string{fromUserID, toUserID}
		sort.Strings(ordered)
		wallets := make(map[string]*models.Wallet, 2)
		for _, userID := range ordered {
			w, err := ledger.GetWalletForUpdate(ctx, tx, userID)
			if err != nil {
				return err
			}
			wallets[userID] = w
		}

		from, to := wallets[fromUserID], wallets[toUserID]
		ok, err := ledger.ApplyDelta(ctx, tx, from.ID, amount.Neg(), decimal.Zero)
		if err != nil {
			return err
		}
		if !ok {
			return &models.InsufficientFundsError{UserID: fromUserID}
		}
		if _, err := ledger.ApplyDelta(ctx, tx, to.ID, amount, decimal.Zero); err != nil {
			return err
		}

		posting := ledger.NewPosting(fromUserID+"->"+toUserID, "transfer").
			Add(from.ID, models.EntryTransferOut, models.BucketAvailable, amount.Neg()).
			Add(to.ID, models.EntryTransferIn, models.BucketAvailable, amount)
		txID = posting.ID
		return posting.Write(ctx, tx)
	})
	if err != nil {
		return uuid.Nil, err
	}

	e.logger.Info().Str("from", fromUserID).Str("to", toUserID).Str("amount", amount.StringFixed(2)).Msg("transfer completed")
	return txID, nil
}

// GetBalance reads the wallet without opening a transaction.
func (e *Engine) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	w, err := ledger.GetWallet(ctx, e.db, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{Available: w.AvailableBalance, Locked: w.LockedBalance, Currency: w.Currency}, nil
}

func (e *Engine) History(ctx context.Context, userID string, limit, offset int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	w, err := ledger.GetWallet(ctx, e.db, userID)
	if err != nil {
		return nil, err
	}
	return ledger.History(ctx, e.db, w.ID, limit, offset)
}
