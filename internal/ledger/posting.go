package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/models"
)

// Posting collects the lines of one ledger transaction. Lines are only written
// once they sum to zero.
type Posting struct {
	ID          uuid.UUID
	referenceID string
	description string
	lines       []models.LedgerEntry
}

func NewPosting(referenceID, description string) *Posting {
	return &Posting{
		ID:          uuid.New(),
		referenceID: referenceID,
		description: description,
	}
}

func (p *Posting) Add(walletID uuid.UUID, entryType models.EntryType, bucket models.Bucket, amount decimal.Decimal) *Posting {
	if amount.IsZero() {
		return p
	}
	p.lines = append(p.lines, models.LedgerEntry{
		WalletID:      walletID,
		TransactionID: p.ID,
		Type:          entryType,
		Bucket:        bucket,
		Amount:        amount,
		ReferenceID:   p.referenceID,
		Description:   p.description,
	})
	return p
}

func (p *Posting) Lines() []models.LedgerEntry {
	return p.lines
}

// Sum is the signed total of every line.
func (p *Posting) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.lines {
		total = total.Add(l.Amount)
	}
	return total
}

// Write inserts the lines. An empty or unbalanced posting is rejected before
// touching the database.
func (p *Posting) Write(ctx context.Context, q sqlx.ExecerContext) error {
	if len(p.lines) == 0 {
		return fmt.Errorf("posting %s has no lines", p.ID)
	}
	if sum := p.Sum(); !sum.IsZero() {
		return fmt.Errorf("posting %s is unbalanced by %s", p.ID, sum.StringFixed(2))
	}
	for _, l := range p.lines {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO ledger_entries (wallet_id, transaction_id, type, bucket, amount, reference_id, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			l.WalletID, l.TransactionID, l.Type, l.Bucket, l.Amount, l.ReferenceID, l.Description); err != nil {
			return fmt.Errorf("insert %s entry: %w", l.Type, err)
		}
	}
	return nil
}
