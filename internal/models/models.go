package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// TreasuryUserID owns the single system wallet that books commission and deposit offsets.
const TreasuryUserID = "system:treasury"

// Wallet holds one user's balances. Mutated only through the wallet engine.
type Wallet struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	UserID           string          `db:"user_id" json:"user_id"`
	AvailableBalance decimal.Decimal `db:"available_balance" json:"available_balance"`
	LockedBalance    decimal.Decimal `db:"locked_balance" json:"locked_balance"`
	Currency         string          `db:"currency" json:"currency"`
	IsSystem         bool            `db:"is_system" json:"is_system"`
	Version          int64           `db:"version" json:"version"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

type EntryType string

const (
	EntryDeposit          EntryType = "DEPOSIT"
	EntryDepositOffset    EntryType = "DEPOSIT_OFFSET"
	EntryLock             EntryType = "LOCK"
	EntryPayout           EntryType = "PAYOUT"
	EntryCommission       EntryType = "COMMISSION"
	EntryRollback         EntryType = "ROLLBACK"
	EntryWithdrawal       EntryType = "WITHDRAWAL"
	EntryWithdrawalOffset EntryType = "WITHDRAWAL_OFFSET"
	EntryRefund           EntryType = "REFUND"
	EntryRefundOffset     EntryType = "REFUND_OFFSET"
	EntrySystemWithdrawal EntryType = "SYSTEM_WITHDRAWAL"
	EntrySystemRefund     EntryType = "SYSTEM_REFUND"
	EntryTransferOut      EntryType = "TRANSFER_OUT"
	EntryTransferIn       EntryType = "TRANSFER_IN"
)

// Bucket names the wallet column a ledger amount moved.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketLocked    Bucket = "locked"
)

// LedgerEntry is one immutable line of a double-entry transaction.
type LedgerEntry struct {
	ID            int64           `db:"id" json:"id"`
	WalletID      uuid.UUID       `db:"wallet_id" json:"wallet_id"`
	TransactionID uuid.UUID       `db:"transaction_id" json:"transaction_id"`
	Type          EntryType       `db:"type" json:"type"`
	Bucket        Bucket          `db:"bucket" json:"bucket"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	ReferenceID   string          `db:"reference_id" json:"reference_id"`
	Description   string          `db:"description" json:"description"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

type SessionStatus string

const (
	SessionActive             SessionStatus = "ACTIVE"
	SessionCompleted          SessionStatus = "COMPLETED"
	SessionCancelledByTimeout SessionStatus = "CANCELLED_BY_TIMEOUT"
	SessionCancelledByError   SessionStatus = "CANCELLED_BY_ERROR"
	SessionCancelledByCrash   SessionStatus = "CANCELLED_BY_CRASH"
)

func (s SessionStatus) IsTerminal() bool {
	return s != SessionActive
}

// CancelCause selects the terminal status used by expire-and-refund paths.
type CancelCause string

const (
	CauseTimeout CancelCause = "TIMEOUT"
	CauseError   CancelCause = "ERROR"
	CauseCrash   CancelCause = "CRASH"
)

func (c CancelCause) Status() SessionStatus {
	switch c {
	case CauseTimeout:
		return SessionCancelledByTimeout
	case CauseCrash:
		return SessionCancelledByCrash
	default:
		return SessionCancelledByError
	}
}

// Session is the durable, authoritative status record of a wagered session.
type Session struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	Status       SessionStatus   `db:"status" json:"status"`
	Mode         string          `db:"mode" json:"mode"`
	Stake        decimal.Decimal `db:"stake" json:"stake"`
	Participants pq.StringArray  `db:"participants" json:"participants"`
	WinnerID     sql.NullString  `db:"winner_id" json:"winner_id,omitempty"`
	ExpiresAt    time.Time       `db:"expires_at" json:"expires_at"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Pot is the sum of every participant's stake.
func (s Session) Pot() decimal.Decimal {
	return s.Stake.Mul(decimal.NewFromInt(int64(len(s.Participants))))
}

// FailedRefund is a stake that could not be returned when its session was
// cancelled. Pending rows are retried until resolved.
type FailedRefund struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	SessionID  uuid.UUID       `db:"session_id" json:"session_id"`
	UserID     string          `db:"user_id" json:"user_id"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	Reason     string          `db:"reason" json:"reason"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	ResolvedAt sql.NullTime    `db:"resolved_at" json:"resolved_at,omitempty"`
}

type NotificationKind string

const (
	NotificationDeposit            NotificationKind = "deposit"
	NotificationWithdrawalReversal NotificationKind = "withdrawal_reversal"
)

// ProcessedNotification marks an external provider reference as fully applied.
type ProcessedNotification struct {
	ProviderReference string           `db:"provider_reference" json:"provider_reference"`
	Kind              NotificationKind `db:"kind" json:"kind"`
	UserID            string           `db:"user_id" json:"user_id"`
	Amount            decimal.Decimal  `db:"amount" json:"amount"`
	Currency          string           `db:"currency" json:"currency"`
	CreditedAmount    decimal.Decimal  `db:"credited_amount" json:"credited_amount"`
	TransactionID     uuid.UUID        `db:"transaction_id" json:"transaction_id"`
	ProcessedAt       time.Time        `db:"processed_at" json:"processed_at"`
}
