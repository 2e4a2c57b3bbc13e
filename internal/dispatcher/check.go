package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"slotwatch/internal/apperr"
	"slotwatch/internal/models"
	"slotwatch/internal/queue"
	"slotwatch/internal/registry"
)

var errCheckFailed = errors.New("check failed")

// HandleCheck is the check task handler.
func (d *Dispatcher) HandleCheck(ctx context.Context, task *models.Task) error {
	var payload models.CheckTask
	if err := queue.Decode(task, &payload); err != nil {
		return err
	}

	target, err := d.catalog.Get(payload.TargetID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownTarget) {
			return apperr.Permanent(err)
		}
		return err
	}
	strategy, err := d.strategies.For(target)
	if err != nil {
		return apperr.Permanent(err)
	}

	// pool exhaustion is not the target's fault and is retried as is
	lease, err := d.sessions.Acquire(ctx, target)
	if err != nil {
		return fmt.Errorf("check %s: %w", target.ID, err)
	}
	// no-op once released; tears the session down if the strategy panics
	defer lease.Discard()

	if err := lease.Wait(ctx); err != nil {
		lease.Release()
		return fmt.Errorf("check %s: %w", target.ID, err)
	}

	res := strategy.RunCheck(ctx, lease.Session(), target)
	if errors.Is(ctx.Err(), context.Canceled) {
		// shutdown, not a verdict on the target
		return ctx.Err()
	}
	if ctx.Err() != nil && !res.Status.Success() && res.Status != models.CheckAntiBotDetected {
		res.Status = models.CheckTimeout
		if res.ErrorMessage == "" {
			res.ErrorMessage = ctx.Err().Error()
		}
	}
	if res.Status != models.CheckTimeout && res.Status != models.CheckAntiBotDetected {
		lease.Release()
	}

	bg := context.WithoutCancel(ctx)
	h, err := d.health.Record(bg, target, res)
	if err != nil {
		return fmt.Errorf("record health of %s: %w", target.ID, err)
	}

	log := d.logger.With().Str("target_id", target.ID).Str("status", string(res.Status)).Logger()
	switch res.Status {
	case models.CheckSlotsFound:
		log.Info().Int("slots", len(res.Slots)).Dur("latency", res.Latency).Msg("slots found")
		if _, err := d.Dispatch(bg, target, res.Slots); err != nil {
			return fmt.Errorf("dispatch %s: %w", target.ID, err)
		}
		return nil
	case models.CheckNoSlots:
		log.Debug().Dur("latency", res.Latency).Msg("no slots")
		return nil
	case models.CheckAntiBotDetected:
		return apperr.Permanent(fmt.Errorf("%w: %s: anti-bot challenge", errCheckFailed, target.ID))
	}

	err = fmt.Errorf("%w: %s: %s: %s", errCheckFailed, target.ID, res.Status, res.ErrorMessage)
	if h.Status.Paused() {
		return apperr.Permanent(err)
	}
	return err
}

// CheckTerminal is the terminal hook of check tasks. Failures the handler
// already recorded are ignored; only crashes count against the target.
func (d *Dispatcher) CheckTerminal(ctx context.Context, task *models.Task, cause error) {
	if !errors.Is(cause, queue.ErrPanic) {
		return
	}
	var payload models.CheckTask
	if err := queue.Decode(task, &payload); err != nil {
		return
	}
	target, err := d.catalog.Get(payload.TargetID)
	if err != nil {
		return
	}
	if _, err := d.health.RecordError(ctx, target, cause.Error()); err != nil {
		d.logger.Error().Err(err).Str("target_id", target.ID).Msg("record crashed check")
	}
}
