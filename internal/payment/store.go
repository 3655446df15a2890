package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stakeplay/backend/internal/models"
)

// ErrDuplicateRecord means another writer recorded the reference first.
var ErrDuplicateRecord = errors.New("notification already recorded")

const notificationColumns = `provider_reference, kind, user_id, amount, currency, credited_amount, transaction_id, processed_at`

// PostgresStore keeps the processed-notification records that gate replays.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Find returns nil, nil when the reference has not been processed.
func (s *PostgresStore) Find(ctx context.Context, tx *sqlx.Tx, reference string) (*models.ProcessedNotification, error) {
	return findNotification(ctx, tx, reference)
}

// FindCommitted reads outside any transaction, after a lost insert race.
func (s *PostgresStore) FindCommitted(ctx context.Context, reference string) (*models.ProcessedNotification, error) {
	return findNotification(ctx, s.db, reference)
}

func (s *PostgresStore) Record(ctx context.Context, tx *sqlx.Tx, n *models.ProcessedNotification) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO processed_notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		n.ProviderReference, n.Kind, n.UserID, n.Amount, n.Currency, n.CreditedAmount, n.TransactionID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgerrcode.UniqueViolation {
			return ErrDuplicateRecord
		}
		return fmt.Errorf("record notification %s: %w", n.ProviderReference, err)
	}
	return nil
}

func findNotification(ctx context.Context, q sqlx.QueryerContext, reference string) (*models.ProcessedNotification, error) {
	var n models.ProcessedNotification
	err := sqlx.GetContext(ctx, q, &n, `SELECT `+notificationColumns+` FROM processed_notifications WHERE provider_reference = $1`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find notification %s: %w", reference, err)
	}
	return &n, nil
}
