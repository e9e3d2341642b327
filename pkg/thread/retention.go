package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tollgate/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultRetentionAge = 7 * 24 * time.Hour

// Deleter removes a thread only if expired returns true for its current
// snapshot, reporting whether it was deleted. Implementations that serialize
// per-thread work let the sweep run alongside live runs.
type Deleter interface {
	DeleteIf(ctx context.Context, id string, expired func(*Thread) bool) (bool, error)
}

// SweeperConfig configures a Sweeper
type SweeperConfig struct {
	Store    Store
	Deleter  Deleter // defaults to deleting straight from Store
	Schedule string  // standard cron spec or descriptor such as @hourly
	MaxAge   time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Sweeper deletes completed threads that have not been updated for MaxAge.
// Threads with pending approvals are never deleted.
type Sweeper struct {
	store    Store
	deleter  Deleter
	schedule cron.Schedule
	maxAge   time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper validates the schedule and returns a stopped sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule: %w", err)
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultRetentionAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	deleter := cfg.Deleter
	if deleter == nil {
		deleter = storeDeleter{store: cfg.Store}
	}

	return &Sweeper{
		store:    cfg.Store,
		deleter:  deleter,
		schedule: schedule,
		maxAge:   cfg.MaxAge,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Start runs Sweep on the schedule until Stop.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	s.cron = cron.New()
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Thread retention sweep failed")
		}
	}))
	s.cron.Start()
	s.running = true

	s.logger.Info().Dur("max_age", s.maxAge).Msg("Thread retention started")
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Thread retention stopped")
}

// Sweep deletes expired completed threads once and returns how many were
// removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	summaries, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.maxAge)
	expired := func(t *Thread) bool {
		return t.State == StateCompleted && len(t.Pending) == 0 && t.UpdatedAt.Before(cutoff)
	}

	deleted := 0
	for _, sum := range summaries {
		if sum.State != StateCompleted || sum.Pending > 0 || !sum.UpdatedAt.Before(cutoff) {
			continue
		}
		ok, err := s.deleter.DeleteIf(ctx, sum.ID, expired)
		if err != nil {
			s.logger.Warn().Err(err).Str("thread_id", sum.ID).Msg("Failed to delete expired thread")
			continue
		}
		if ok {
			deleted++
		}
	}

	if deleted > 0 {
		observability.RecordThreadsSwept(deleted)
		s.logger.Info().Int("deleted", deleted).Msg("Expired threads deleted")
	}
	return deleted, nil
}

type storeDeleter struct {
	store Store
}

func (d storeDeleter) DeleteIf(ctx context.Context, id string, expired func(*Thread) bool) (bool, error) {
	t, err := d.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrThreadNotFound) {
			return false, nil
		}
		return false, err
	}
	if !expired(t) {
		return false, nil
	}
	return true, d.store.Delete(ctx, id)
}
