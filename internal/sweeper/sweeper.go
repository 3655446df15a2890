// Package sweeper reconciles sessions that nobody is driving any more: those
// orphaned by a crash, those whose turn clock ran out, and those whose
// settlement failed after the final move. It also replays stake refunds that
// failed during cancellation.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stakeplay/backend/internal/config"
	"github.com/stakeplay/backend/internal/game"
	"github.com/stakeplay/backend/internal/models"
	"github.com/stakeplay/backend/internal/session"
)

// LockKey holds the token of the instance currently sweeping.
const LockKey = "sweeper:lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type Sessions interface {
	CompleteSession(ctx context.Context, sessionID uuid.UUID) error
	ExpireAndRefund(ctx context.Context, sessionID uuid.UUID, cause models.CancelCause) error
	RetryFailedRefunds(ctx context.Context) (int, error)
}

type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListActive(ctx context.Context) ([]models.Session, error)
	ListOverdue(ctx context.Context, now time.Time) ([]models.Session, error)
}

type StateCache interface {
	IDs(ctx context.Context) ([]uuid.UUID, error)
	Load(ctx context.Context, id uuid.UUID) (*session.Envelope, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type Sweeper struct {
	rdb        *redis.Client
	sessions   Sessions
	repo       Repository
	cache      StateCache
	modes      *game.Registry
	interval   time.Duration
	lockTTL    time.Duration
	instanceID string
	logger     zerolog.Logger
	now        func() time.Time
	cron       *cron.Cron
}

func New(
	rdb *redis.Client,
	sessions Sessions,
	repo Repository,
	cache StateCache,
	modes *game.Registry,
	cfg config.SweeperConfig,
	logger zerolog.Logger,
) *Sweeper {
	instanceID := cfg.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		rdb:        rdb,
		sessions:   sessions,
		repo:       repo,
		cache:      cache,
		modes:      modes,
		interval:   interval,
		lockTTL:    lockTTL,
		instanceID: instanceID,
		logger:     logger,
		now:        time.Now,
	}
}

// RecoverOrphans cancels and refunds every ACTIVE session. It must run before
// the instance accepts traffic; any session still ACTIVE at that point was
// being played when a process died.
func (s *Sweeper) RecoverOrphans(ctx context.Context) (int, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, sess := range active {
		if err := s.sessions.ExpireAndRefund(ctx, sess.ID, models.CauseCrash); err != nil {
			s.logger.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to recover orphaned session")
			continue
		}
		recovered++
	}

	s.logger.Info().Int("active", len(active)).Int("recovered", recovered).Msg("orphan recovery finished")
	return recovered, nil
}

// Sweep runs one reconciliation pass if this instance wins the sweep token.
// Losing the token is not an error.
func (s *Sweeper) Sweep(ctx context.Context) error {
	acquired, err := s.rdb.SetNX(ctx, LockKey, s.instanceID, s.lockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !acquired {
		s.logger.Debug().Msg("sweep lock held elsewhere, skipping")
		return nil
	}
	defer s.release()

	ids, err := s.cache.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.sweepOne(ctx, id); err != nil {
			s.logger.Error().Err(err).Str("session_id", id.String()).Msg("sweep failed for session")
		}
	}

	overdue, err := s.repo.ListOverdue(ctx, s.now())
	if err != nil {
		return err
	}
	for _, sess := range overdue {
		_, err := s.cache.Load(ctx, sess.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrSessionNotFound) {
			s.logger.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to load session state")
			continue
		}
		// live state evicted or lost: nobody can finish this session
		if err := s.sessions.ExpireAndRefund(ctx, sess.ID, models.CauseTimeout); err != nil {
			s.logger.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to expire stateless session")
		}
	}

	if _, err := s.sessions.RetryFailedRefunds(ctx); err != nil {
		s.logger.Error().Err(err).Msg("queued refunds still failing")
	}
	return nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id uuid.UUID) error {
	env, err := s.cache.Load(ctx, id)
	if errors.Is(err, models.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	row, err := s.repo.Get(ctx, id)
	if errors.Is(err, models.ErrSessionNotFound) {
		return s.cache.Delete(ctx, id)
	}
	if err != nil {
		return err
	}
	if row.Status.IsTerminal() {
		s.logger.Debug().Str("session_id", id.String()).Str("status", string(row.Status)).Msg("dropping stale session state")
		return s.cache.Delete(ctx, id)
	}

	if env.GameOver {
		s.logger.Info().Str("session_id", id.String()).Msg("settling finished session")
		return s.sessions.CompleteSession(ctx, id)
	}

	mode, err := s.modes.Restore(env.Mode, env.State)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id.String()).Msg("unreadable session state, cancelling")
		return s.sessions.ExpireAndRefund(ctx, id, models.CauseError)
	}
	if mode.IsExpired(s.now()) {
		s.logger.Info().Str("session_id", id.String()).Msg("turn timer expired, refunding")
		return s.sessions.ExpireAndRefund(ctx, id, models.CauseTimeout)
	}
	return nil
}

func (s *Sweeper) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, s.rdb, []string{LockKey}, s.instanceID).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to release sweep lock")
	}
}

// Start schedules Sweep every interval until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+s.interval.String(), func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron = c
	c.Start()
	s.logger.Info().Dur("interval", s.interval).Str("instance", s.instanceID).Msg("sweeper started")
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("sweeper stopped")
}
