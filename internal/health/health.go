// Package health tracks per-target health: consecutive errors, automatic
// pausing and the timed cool-down back to active.
package health

import (
	"context"
	"fmt"
	"time"

	"slotwatch/internal/database"
	"slotwatch/internal/domain"
	"slotwatch/internal/metrics"
	"slotwatch/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Store is the persisted health state. *database.DB implements it.
type Store interface {
	RecordCheckSuccess(ctx context.Context, id string, at time.Time, slotsFound bool) error
	RecordCheckError(ctx context.Context, id string, at time.Time, threshold int) (database.TargetHealth, error)
	MarkCaptchaBlocked(ctx context.Context, id string, at time.Time) (bool, error)
	ResumeTarget(ctx context.Context, id string) error
	ResumeExpired(ctx context.Context, cutoff time.Time) ([]string, error)
	GetTargetHealth(ctx context.Context, id string) (database.TargetHealth, error)
	ListTargetHealth(ctx context.Context) ([]database.TargetHealth, error)
}

// Alerter receives admin alerts. notify.Notifier implements it.
type Alerter interface {
	Emit(ctx context.Context, ev models.NotificationEvent) error
}

type Options struct {
	ErrorThreshold int
	Cooldown       time.Duration
	AlertCooldown  time.Duration
	SweepSpec      string
}

type Monitor struct {
	store    Store
	cooldown domain.StateStore
	alerter  Alerter
	opts     Options
	logger   *zerolog.Logger
	now      func() time.Time
}

func New(store Store, cooldown domain.StateStore, alerter Alerter, opts Options, logger *zerolog.Logger) *Monitor {
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = models.DefaultErrorThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = models.DefaultPauseCooldown
	}
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = models.DefaultAlertCooldown
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = "@every 1m"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "health").Logger()
	return &Monitor{store: store, cooldown: cooldown, alerter: alerter, opts: opts, logger: &l, now: time.Now}
}

func alertKey(targetID string) string { return "alert:blocked:" + targetID }

// Threshold returns the error threshold for a target: the recipe override
// or the configured default.
func (m *Monitor) Threshold(t models.Target) int {
	if n := t.Recipe.GetInt(models.RecipeErrorThreshold); n > 0 {
		return n
	}
	return m.opts.ErrorThreshold
}

// Record applies one check result to the target's health.
func (m *Monitor) Record(ctx context.Context, t models.Target, res models.CheckResult) (database.TargetHealth, error) {
	now := m.now()
	metrics.IncCheck(t.ID, string(res.Status))

	switch res.Status {
	case models.CheckSlotsFound, models.CheckNoSlots:
		if err := m.store.RecordCheckSuccess(ctx, t.ID, now, res.Status == models.CheckSlotsFound); err != nil {
			return database.TargetHealth{}, err
		}
		return m.store.GetTargetHealth(ctx, t.ID)

	case models.CheckAntiBotDetected:
		changed, err := m.store.MarkCaptchaBlocked(ctx, t.ID, now)
		if err != nil {
			return database.TargetHealth{}, err
		}
		if changed {
			m.logger.Warn().Str("target_id", t.ID).Msg("target blocked by anti-bot challenge")
		}
		m.alert(ctx, t, models.TargetCaptchaBlocked, res.ErrorMessage)
		return m.store.GetTargetHealth(ctx, t.ID)

	default:
		return m.RecordError(ctx, t, res.ErrorMessage)
	}
}

// RecordError counts one failed check that produced no classified result.
func (m *Monitor) RecordError(ctx context.Context, t models.Target, msg string) (database.TargetHealth, error) {
	now := m.now()
	h, err := m.store.RecordCheckError(ctx, t.ID, now, m.Threshold(t))
	if err != nil {
		return h, err
	}
	if h.Status == models.TargetPausedError && h.PausedAt != nil && h.PausedAt.Equal(now.UTC()) {
		m.logger.Warn().Str("target_id", t.ID).Int("errors", h.ConsecutiveErrors).Msg("target paused after consecutive errors")
		m.alert(ctx, t, models.TargetPausedError, msg)
	}
	return h, nil
}

// alert emits target_blocked to the admin at most once per alert cooldown.
func (m *Monitor) alert(ctx context.Context, t models.Target, status models.TargetStatus, msg string) {
	if m.alerter == nil {
		return
	}
	if m.cooldown != nil {
		ok, err := m.cooldown.SetNX(ctx, alertKey(t.ID), string(status), m.opts.AlertCooldown)
		if err != nil {
			m.logger.Warn().Err(err).Str("target_id", t.ID).Msg("alert cooldown unavailable")
		} else if !ok {
			metrics.IncAlertSuppressed()
			return
		}
	}

	ev := models.NotificationEvent{
		UserID: models.AdminUserID,
		Type:   models.NotifyTargetBlocked,
		Metadata: map[string]string{
			"target_id":   t.ID,
			"target_name": t.Name,
			"status":      string(status),
			"detail":      msg,
		},
	}
	if err := m.alerter.Emit(ctx, ev); err != nil {
		m.logger.Error().Err(err).Str("target_id", t.ID).Msg("emit target_blocked")
	}
}

// CanSchedule is true only for active targets.
func (m *Monitor) CanSchedule(ctx context.Context, id string) (bool, error) {
	h, err := m.store.GetTargetHealth(ctx, id)
	if err != nil {
		return false, err
	}
	return h.Status == models.TargetActive, nil
}

// Statuses returns the status of every known target.
func (m *Monitor) Statuses(ctx context.Context) (map[string]models.TargetStatus, error) {
	all, err := m.store.ListTargetHealth(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.TargetStatus, len(all))
	for _, h := range all {
		out[h.ID] = h.Status
	}
	return out, nil
}

// Resume re-arms a target immediately and clears its alert cooldown.
func (m *Monitor) Resume(ctx context.Context, id string) error {
	if err := m.store.ResumeTarget(ctx, id); err != nil {
		return err
	}
	m.clearAlert(ctx, id)
	m.logger.Info().Str("target_id", id).Msg("target resumed")
	return nil
}

// Sweep resumes targets paused longer than the cool-down.
func (m *Monitor) Sweep(ctx context.Context) ([]string, error) {
	ids, err := m.store.ResumeExpired(ctx, m.now().Add(-m.opts.Cooldown))
	if err != nil {
		return nil, fmt.Errorf("resume expired targets: %w", err)
	}
	for _, id := range ids {
		m.clearAlert(ctx, id)
		m.logger.Info().Str("target_id", id).Msg("target cool-down elapsed, resumed")
	}
	m.publish(ctx)
	return ids, nil
}

func (m *Monitor) clearAlert(ctx context.Context, id string) {
	if m.cooldown == nil {
		return
	}
	if err := m.cooldown.Delete(ctx, alertKey(id)); err != nil {
		m.logger.Warn().Err(err).Str("target_id", id).Msg("clear alert cooldown")
	}
}

func (m *Monitor) publish(ctx context.Context) {
	statuses, err := m.Statuses(ctx)
	if err != nil {
		return
	}
	counts := map[string]int{}
	for _, s := range statuses {
		counts[string(s)]++
	}
	metrics.SetTargets(counts)
}

// Run sweeps on the configured cron spec until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(m.opts.SweepSpec, func() {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("health sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", m.opts.SweepSpec, err)
	}
	m.logger.Info().Str("spec", m.opts.SweepSpec).Dur("cooldown", m.opts.Cooldown).Msg("health sweep started")
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

