package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stakeplay/backend/internal/models"
)

// fakeRunner serializes units of work and restores the repository snapshot
// when fn fails, mimicking a rolled back transaction.
type fakeRunner struct {
	mu   sync.Mutex
	repo *fakeRepo
}

func (r *fakeRunner) WithTx(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.repo.snapshot()
	if err := fn(nil); err != nil {
		r.repo.restore(snapshot)
		return err
	}
	return nil
}

type fakeRepo struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]models.Session
	refunds []models.FailedRefund

	recordErr error
}

type repoSnapshot struct {
	rows    map[uuid.UUID]models.Session
	refunds []models.FailedRefund
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[uuid.UUID]models.Session{}}
}

func (r *fakeRepo) snapshot() repoSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[uuid.UUID]models.Session, len(r.rows))
	for k, v := range r.rows {
		cp[k] = v
	}
	return repoSnapshot{rows: cp, refunds: append([]models.FailedRefund(nil), r.refunds...)}
}

func (r *fakeRepo) restore(s repoSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = s.rows
	r.refunds = s.refunds
}

func (r *fakeRepo) Insert(_ context.Context, _ *sqlx.Tx, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.ID] = *s
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id uuid.UUID) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return &s, nil
}

func (r *fakeRepo) Finish(_ context.Context, _ *sqlx.Tx, id uuid.UUID, status models.SessionStatus, winnerID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok || s.Status != models.SessionActive {
		return nil, nil
	}
	s.Status = status
	s.WinnerID.String, s.WinnerID.Valid = winnerID, winnerID != ""
	r.rows[id] = s
	return &s, nil
}

func (r *fakeRepo) ListActive(_ context.Context) ([]models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Session
	for _, s := range r.rows {
		if s.Status == models.SessionActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListOverdue(_ context.Context, now time.Time) ([]models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Session
	for _, s := range r.rows {
		if s.Status == models.SessionActive && s.ExpiresAt.Before(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeRepo) RecordFailedRefund(_ context.Context, _ *sqlx.Tx, sessionID uuid.UUID, userID string, amount decimal.Decimal, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordErr != nil {
		return r.recordErr
	}
	r.refunds = append(r.refunds, models.FailedRefund{
		ID: uuid.New(), SessionID: sessionID, UserID: userID, Amount: amount, Reason: reason, CreatedAt: time.Now(),
	})
	return nil
}

func (r *fakeRepo) PendingRefunds(_ context.Context) ([]models.FailedRefund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.FailedRefund
	for _, f := range r.refunds {
		if !f.ResolvedAt.Valid {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *fakeRepo) ResolveRefund(_ context.Context, _ *sqlx.Tx, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, f := range r.refunds {
		if f.ID == id && !f.ResolvedAt.Valid {
			r.refunds[i].ResolvedAt.Time, r.refunds[i].ResolvedAt.Valid = time.Now(), true
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) status(id uuid.UUID) models.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].Status
}

type payoutCall struct {
	SessionID uuid.UUID
	Winner    string
	Losers    []string
	Pot       decimal.Decimal
}

type rollbackCall struct {
	UserID string
	Amount decimal.Decimal
}

type fakeWallet struct {
	mu          sync.Mutex
	lockErr     error
	payoutErr   error
	rollbackErr map[string]error

	locks     [][]string
	payouts   []payoutCall
	rollbacks []rollbackCall
}

func (w *fakeWallet) LockFundsTx(_ context.Context, _ *sqlx.Tx, userIDs []string, _ decimal.Decimal, _ uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockErr != nil {
		return w.lockErr
	}
	w.locks = append(w.locks, append([]string(nil), userIDs...))
	return nil
}

func (w *fakeWallet) PayoutTx(_ context.Context, _ *sqlx.Tx, sessionID uuid.UUID, winnerID string, loserIDs []string, pot decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.payoutErr != nil {
		return w.payoutErr
	}
	w.payouts = append(w.payouts, payoutCall{SessionID: sessionID, Winner: winnerID, Losers: loserIDs, Pot: pot})
	return nil
}

func (w *fakeWallet) RollbackLockTx(_ context.Context, _ *sqlx.Tx, userID string, amount decimal.Decimal, _ uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rollbackErr[userID]; err != nil {
		return err
	}
	w.rollbacks = append(w.rollbacks, rollbackCall{UserID: userID, Amount: amount})
	return nil
}

func (w *fakeWallet) counts() (locks, payouts, rollbacks int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.locks), len(w.payouts), len(w.rollbacks)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// saveFailingCache refuses every Save.
type saveFailingCache struct {
	StateCache
}

func (saveFailingCache) Save(context.Context, *Envelope) error {
	return errors.New("redis unavailable")
}
