// Package ledger is the durable store behind the wallet engine: wallet rows
// with guarded balance updates and the append-only, double-entry ledger.
//
// Every function takes a sqlx.ExtContext so it can run against the pool or
// inside a caller's transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/models"
)

const walletColumns = `id, user_id, available_balance, locked_balance, currency, is_system, version, created_at, updated_at`

// GetWallet returns the wallet owned by userID or models.ErrWalletNotFound.
func GetWallet(ctx context.Context, q sqlx.QueryerContext, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := sqlx.GetContext(ctx, q, &w, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	return &w, nil
}

// GetWalletForUpdate row-locks the wallet until the enclosing transaction ends.
func GetWalletForUpdate(ctx context.Context, tx *sqlx.Tx, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.GetContext(ctx, &w, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", userID, err)
	}
	return &w, nil
}

// GetOrCreateWallet returns the wallet for userID, creating an empty one if missing.
func GetOrCreateWallet(ctx context.Context, q sqlx.ExtContext, userID, currency string) (*models.Wallet, error) {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, currency, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING`, uuid.New(), userID, currency); err != nil {
		return nil, fmt.Errorf("create wallet %s: %w", userID, err)
	}
	return GetWallet(ctx, q, userID)
}

// EnsureTreasury returns the system wallet, creating it on first use.
func EnsureTreasury(ctx context.Context, q sqlx.ExtContext, currency string) (*models.Wallet, error) {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, currency, is_system, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW(), NOW())
		ON CONFLICT DO NOTHING`, uuid.New(), models.TreasuryUserID, currency); err != nil {
		return nil, fmt.Errorf("create treasury: %w", err)
	}
	return GetWallet(ctx, q, models.TreasuryUserID)
}

// ApplyDelta adds the deltas to a wallet's balances. It reports false, without
// error, when the result would leave a user wallet negative.
func ApplyDelta(ctx context.Context, q sqlx.ExecerContext, walletID uuid.UUID, available, locked decimal.Decimal) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE wallets
		SET available_balance = available_balance + $2,
		    locked_balance = locked_balance + $3,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND (is_system OR available_balance + $2 >= 0)
		  AND locked_balance + $3 >= 0`, walletID, available, locked)
	if err != nil {
		return false, fmt.Errorf("update wallet %s: %w", walletID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// CountEntriesSince counts a wallet's entries of one type created after since.
func CountEntriesSince(ctx context.Context, q sqlx.QueryerContext, walletID uuid.UUID, entryType models.EntryType, since time.Time) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, `
		SELECT COUNT(DISTINCT transaction_id) FROM ledger_entries
		WHERE wallet_id = $1 AND type = $2 AND created_at >= $3`, walletID, entryType, since); err != nil {
		return 0, fmt.Errorf("count %s entries: %w", entryType, err)
	}
	return n, nil
}

// HasReference reports whether the wallet already has an entry of entryType
// booked under referenceID.
func HasReference(ctx context.Context, q sqlx.QueryerContext, walletID uuid.UUID, entryType models.EntryType, referenceID string) (bool, error) {
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE wallet_id = $1 AND type = $2 AND reference_id = $3)`, walletID, entryType, referenceID); err != nil {
		return false, fmt.Errorf("lookup %s reference: %w", entryType, err)
	}
	return exists, nil
}

// History lists a wallet's entries, newest first.
func History(ctx context.Context, q sqlx.QueryerContext, walletID uuid.UUID, limit, offset int) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	if err := sqlx.SelectContext(ctx, q, &entries, `
		SELECT id, wallet_id, transaction_id, type, bucket, amount, reference_id, description, created_at
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, walletID, limit, offset); err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	return entries, nil
}

// EntriesByTransaction returns every line written under one transaction id.
func EntriesByTransaction(ctx context.Context, q sqlx.QueryerContext, txID uuid.UUID) ([]models.LedgerEntry, error) {
	entries := []models.LedgerEntry{}
	if err := sqlx.SelectContext(ctx, q, &entries, `
		SELECT id, wallet_id, transaction_id, type, bucket, amount, reference_id, description, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY id`, txID); err != nil {
		return nil, fmt.Errorf("ledger transaction %s: %w", txID, err)
	}
	return entries, nil
}
