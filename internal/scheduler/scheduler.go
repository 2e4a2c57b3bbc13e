// Package scheduler enqueues check tasks for every active target at its
// tier cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"slotwatch/internal/config"
	"slotwatch/internal/models"
	"slotwatch/internal/queue"

	"github.com/rs/zerolog"
)

// Catalog is the subset of the registry the scheduler reads.
type Catalog interface {
	List() []models.Target
	Allowed(id string) bool
	SetAllowList(ids []string) error
}

// HealthView reports the status of every target.
type HealthView interface {
	Statuses(ctx context.Context) (map[string]models.TargetStatus, error)
}

// Enqueuer is the subset of the queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.TaskKind, key string, payload interface{}) (*models.Task, error)
	Outstanding(ctx context.Context, kind models.TaskKind, key string) (bool, error)
}

// CapacitySetter resizes the session pool. *pool.Pool implements it.
type CapacitySetter interface {
	SetCapacity(n int)
}

type Options struct {
	Tick          time.Duration
	TierIntervals map[int]time.Duration
	MinInterval   time.Duration
	Multiplier    float64
	MaxSessions   int
}

// OptionsFromConfig maps the scheduler and pool sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Tick:          cfg.Scheduler.Tick,
		TierIntervals: cfg.Scheduler.TierIntervals,
		MinInterval:   cfg.Scheduler.MinInterval,
		Multiplier:    cfg.Scheduler.Multiplier,
		MaxSessions:   cfg.Pool.MaxSessions,
	}
}

type Scheduler struct {
	catalog  Catalog
	health   HealthView
	queue    Enqueuer
	capacity CapacitySetter
	base     Options
	logger   *zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	multiplier float64
	floor      time.Duration
	nextDue    map[string]time.Time

	// allow-list last taken from the restricted file; nil until the first Apply
	fileAllow []string
}

func New(catalog Catalog, health HealthView, q Enqueuer, capacity CapacitySetter, opts Options, logger *zerolog.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 2 * time.Second
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = models.MinCheckInterval
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	tiers := make(map[int]time.Duration, len(models.DefaultTierIntervals))
	for tier, d := range models.DefaultTierIntervals {
		tiers[tier] = d
	}
	for tier, d := range opts.TierIntervals {
		if d > 0 {
			tiers[tier] = d
		}
	}
	opts.TierIntervals = tiers

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		catalog:    catalog,
		health:     health,
		queue:      q,
		capacity:   capacity,
		base:       opts,
		logger:     &l,
		now:        time.Now,
		multiplier: opts.Multiplier,
		floor:      opts.MinInterval,
		nextDue:    make(map[string]time.Time),
	}
}

// EffectiveInterval is max(base x multiplier, floor), where base is the
// tier interval or the target's own interval when that is larger.
func (s *Scheduler) EffectiveInterval(t models.Target) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked(t)
}

func (s *Scheduler) intervalLocked(t models.Target) time.Duration {
	base, ok := s.base.TierIntervals[t.Tier]
	if !ok {
		base = s.base.TierIntervals[3]
	}
	if t.CheckInterval > base {
		base = t.CheckInterval
	}
	d := time.Duration(float64(base) * s.multiplier)
	if d < s.floor {
		d = s.floor
	}
	return d
}

// Tick enqueues a check for every due, active, allowed target that has no
// check outstanding. It returns the number of tasks enqueued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	statuses, err := s.health.Statuses(ctx)
	if err != nil {
		return 0, fmt.Errorf("read target health: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	enqueued := 0
	for _, t := range s.catalog.List() {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		if due, ok := s.nextDue[t.ID]; ok && now.Before(due) {
			continue
		}
		if statuses[t.ID] != models.TargetActive || !s.catalog.Allowed(t.ID) {
			continue
		}

		busy, err := s.queue.Outstanding(ctx, models.TaskCheck, t.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("target_id", t.ID).Msg("outstanding lookup failed")
			continue
		}
		if busy {
			continue
		}

		payload := models.CheckTask{TargetID: t.ID, ScheduledAt: now.UTC()}
		if _, err := s.queue.Enqueue(ctx, models.TaskCheck, t.ID, payload); err != nil {
			if !errors.Is(err, queue.ErrDuplicate) {
				s.logger.Warn().Err(err).Str("target_id", t.ID).Msg("enqueue check failed")
			}
			continue
		}
		s.nextDue[t.ID] = now.Add(s.intervalLocked(t))
		enqueued++
	}
	return enqueued, nil
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("tick", s.base.Tick).Msg("scheduler started")
	ticker := time.NewTicker(s.base.Tick)
	defer ticker.Stop()

	for {
		if n, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Err(err).Msg("scheduler tick failed")
		} else if n > 0 {
			s.logger.Debug().Int("enqueued", n).Msg("checks scheduled")
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Apply installs restricted-budget overrides. Zero fields fall back to the
// configured defaults, so an empty Restricted lifts every restriction. The
// allow-list is replaced only when it differs from the list of the previous
// Apply, so a list set through the admin API survives unrelated edits.
func (s *Scheduler) Apply(r config.Restricted) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	allow := slices.Clone(r.AllowList)
	slices.Sort(allow)
	if allow == nil {
		allow = []string{}
	}
	// the admin API writes the same list; only a changed file list overrides it
	if s.fileAllow == nil || !slices.Equal(allow, s.fileAllow) {
		if err := s.catalog.SetAllowList(r.AllowList); err != nil {
			s.mu.Unlock()
			return err
		}
		s.fileAllow = allow
	}
	s.multiplier = s.base.Multiplier
	if r.Multiplier > 0 {
		s.multiplier = r.Multiplier
	}
	s.floor = s.base.MinInterval
	if r.MinInterval > 0 {
		s.floor = r.MinInterval
	}
	multiplier, floor := s.multiplier, s.floor
	s.mu.Unlock()

	sessions := s.base.MaxSessions
	if r.MaxSessions > 0 {
		sessions = r.MaxSessions
	}
	if s.capacity != nil && sessions > 0 {
		s.capacity.SetCapacity(sessions)
	}

	s.logger.Info().
		Float64("multiplier", multiplier).
		Dur("min_interval", floor).
		Strs("allow_list", r.AllowList).
		Int("max_sessions", sessions).
		Msg("restricted budget applied")
	return nil
}

// NextDue returns when the target is next eligible, if it was scheduled.
func (s *Scheduler) NextDue(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.nextDue[id]
	return t, ok
}
