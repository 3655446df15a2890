package session

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

const sessionColumns = `id, status, mode, stake, participants, winner_id, expires_at, created_at, updated_at`

// PostgresRepository persists the authoritative session status.
type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, tx *sqlx.Tx, s *models.Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, status, mode, stake, participants, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		s.ID, s.Status, s.Mode, s.Stake, s.Participants, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var s models.Session
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

// Finish moves an ACTIVE session to status. It returns nil, nil when the
// session was no longer ACTIVE, meaning another caller already finished it.
func (r *PostgresRepository) Finish(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, status models.SessionStatus, winnerID string) (*models.Session, error) {
	winner := sql.NullString{String: winnerID, Valid: winnerID != ""}
	var s models.Session
	err := tx.GetContext(ctx, &s, `
		UPDATE sessions
		SET status = $2, winner_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING `+sessionColumns, id, status, winner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finish session %s: %w", id, err)
	}
	return &s, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context) ([]models.Session, error) {
	sessions := []models.Session{}
	if err := r.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM sessions WHERE status = 'ACTIVE' ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// ListOverdue returns ACTIVE sessions whose expires_at is before now.
func (r *PostgresRepository) ListOverdue(ctx context.Context, now time.Time) ([]models.Session, error) {
	sessions := []models.Session{}
	if err := r.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'ACTIVE' AND expires_at < $1
		ORDER BY expires_at`, now); err != nil {
		return nil, fmt.Errorf("list overdue sessions: %w", err)
	}
	return sessions, nil
}

// RecordFailedRefund queues a stake refund for retry in the same transaction
// that cancelled the session.
func (r *PostgresRepository) RecordFailedRefund(ctx context.Context, tx *sqlx.Tx, sessionID uuid.UUID, userID string, amount decimal.Decimal, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO failed_refunds (id, session_id, user_id, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (session_id, user_id) DO NOTHING`,
		uuid.New(), sessionID, userID, amount, reason)
	if err != nil {
		return fmt.Errorf("record failed refund %s/%s: %w", sessionID, userID, err)
	}
	return nil
}

func (r *PostgresRepository) PendingRefunds(ctx context.Context) ([]models.FailedRefund, error) {
	refunds := []models.FailedRefund{}
	if err := r.db.SelectContext(ctx, &refunds, `
		SELECT id, session_id, user_id, amount, reason, created_at, resolved_at
		FROM failed_refunds WHERE resolved_at IS NULL
		ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list pending refunds: %w", err)
	}
	return refunds, nil
}

// ResolveRefund marks a pending refund done. It reports false when another
// caller resolved it first.
func (r *PostgresRepository) ResolveRefund(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE failed_refunds SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("resolve refund %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
