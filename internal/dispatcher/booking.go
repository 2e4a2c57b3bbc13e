package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"

	"slotwatch/internal/apperr"
	"slotwatch/internal/automation"
	"slotwatch/internal/database"
	"slotwatch/internal/metrics"
	"slotwatch/internal/models"
	"slotwatch/internal/pool"
	"slotwatch/internal/queue"
)

const (
	reasonNoSession  = "no automation session available"
	reasonTimeout    = "booking timed out"
	reasonRejected   = "booking rejected by the site"
	reasonStaleTask  = "booking no longer applicable"
	reasonNoStrategy = "target is not supported"
	reasonCrashed    = "booking could not be completed"
)

// HandleBooking is the booking task handler. Once a session is leased the
// attempt is never retried: a submitted booking must not be re-submitted.
func (d *Dispatcher) HandleBooking(ctx context.Context, task *models.Task) error {
	var payload models.BookingTask
	if err := queue.Decode(task, &payload); err != nil {
		return err
	}

	client, err := d.store.GetClient(ctx, payload.ClientID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return apperr.PermanentReason(err, reasonStaleTask)
		}
		return err
	}
	if client.BookingStatus != models.BookingInProgress {
		d.logger.Warn().Int64("client_id", client.ID).Str("status", string(client.BookingStatus)).
			Msg("booking task for client not in booking, skipped")
		return nil
	}

	target, err := d.catalog.Get(payload.TargetID)
	if err != nil {
		return apperr.PermanentReason(err, reasonStaleTask)
	}
	strategy, err := d.strategies.For(target)
	if err != nil {
		return apperr.PermanentReason(err, reasonNoStrategy)
	}

	lease, err := d.sessions.Acquire(ctx, target)
	if err != nil {
		if errors.Is(err, pool.ErrPoolExhausted) || errors.Is(err, pool.ErrSessionCreate) {
			return apperr.WithReason(fmt.Errorf("booking client %d: %w", client.ID, err), reasonNoSession)
		}
		return fmt.Errorf("booking client %d: %w", client.ID, err)
	}
	defer lease.Discard()

	if err := lease.Wait(ctx); err != nil {
		lease.Release()
		if errors.Is(err, context.Canceled) {
			// nothing was submitted; the task resumes after restart
			return fmt.Errorf("booking client %d: %w", client.ID, err)
		}
		return apperr.PermanentReason(fmt.Errorf("booking client %d: %w", client.ID, err), reasonTimeout)
	}

	res, crashed := d.runBooking(ctx, strategy, lease, target, payload.Slot, *client)
	switch {
	case crashed:
		// session state is unknown; the deferred Discard tears it down
	case ctx.Err() != nil:
		// the site may or may not have accepted the submission
		if !res.Success {
			res.Error = reasonTimeout
		}
	default:
		lease.Release()
	}

	return d.finishBooking(context.WithoutCancel(ctx), client, target, payload.Slot, res)
}

// runBooking runs the strategy and turns a panic into a failed result. The
// submission may already have reached the site, so the attempt must end here
// instead of being retried by the queue.
func (d *Dispatcher) runBooking(
	ctx context.Context,
	strategy automation.Strategy,
	lease *pool.Lease,
	target models.Target,
	slot models.Slot,
	client models.Client,
) (res models.BookingResult, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).
				Int64("client_id", client.ID).Str("target_id", target.ID).Msg("booking strategy panicked")
			res, crashed = models.BookingResult{Error: reasonCrashed}, true
		}
	}()
	return strategy.RunBooking(ctx, lease.Session(), target, slot, client), false
}

func (d *Dispatcher) finishBooking(ctx context.Context, c *models.Client, target models.Target, slot models.Slot, res models.BookingResult) error {
	log := d.logger.With().Int64("client_id", c.ID).Str("target_id", target.ID).Str("slot_date", slot.Date).Logger()
	meta := map[string]string{
		"client_id": strconv.FormatInt(c.ID, 10),
		"target_id": target.ID,
		"slot_date": slot.Date,
		"slot_time": slot.Time,
	}

	switch {
	case res.Success && res.PaymentRequired:
		if err := d.store.TransitionClient(ctx, c.ID, models.BookingInProgress, models.BookingPaymentWait, "", res.ConfirmationRef); err != nil {
			return apperr.Permanent(fmt.Errorf("record payment wait for client %d: %w", c.ID, err))
		}
		metrics.IncBooking(string(models.BookingPaymentWait))
		meta["user_id"] = strconv.FormatInt(c.UserID, 10)
		meta["confirmation_ref"] = res.ConfirmationRef
		d.notify(ctx, models.NotificationEvent{UserID: models.AdminUserID, Type: models.NotifyPaymentRequired, Metadata: meta})
		log.Info().Str("ref", res.ConfirmationRef).Msg("booking awaits payment")
		return nil

	case res.Success:
		if err := d.store.TransitionClient(ctx, c.ID, models.BookingInProgress, models.BookingBooked, "", res.ConfirmationRef); err != nil {
			return apperr.Permanent(fmt.Errorf("record booking for client %d: %w", c.ID, err))
		}
		metrics.IncBooking(string(models.BookingBooked))
		meta["confirmation_ref"] = res.ConfirmationRef
		d.notify(ctx, models.NotificationEvent{UserID: c.UserID, Type: models.NotifyBookingSucceeded, Metadata: meta})
		log.Info().Str("ref", res.ConfirmationRef).Msg("booking confirmed")
		return nil
	}

	reason := res.Error
	if reason == "" {
		reason = reasonRejected
	}
	if err := d.failClient(ctx, c.ID, c.UserID, target.ID, reason); err != nil {
		return apperr.Permanent(err)
	}
	log.Warn().Str("reason", reason).Str("evidence", res.EvidenceRef).Msg("booking failed")
	return apperr.PermanentReason(fmt.Errorf("booking client %d failed: %s", c.ID, reason), reason)
}

// failClient moves a booking client to failed and tells the client. A
// client no longer in booking is left alone.
func (d *Dispatcher) failClient(ctx context.Context, clientID, userID int64, targetID, reason string) error {
	err := d.store.TransitionClient(ctx, clientID, models.BookingInProgress, models.BookingFailed, reason, "")
	if errors.Is(err, database.ErrStatusConflict) || errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail client %d: %w", clientID, err)
	}
	metrics.IncBooking(string(models.BookingFailed))
	d.notify(ctx, models.NotificationEvent{
		UserID: userID,
		Type:   models.NotifyBookingFailed,
		Metadata: map[string]string{
			"client_id": strconv.FormatInt(clientID, 10),
			"target_id": targetID,
			"reason":    reason,
		},
	})
	return nil
}

// BookingTerminal is the terminal hook of booking tasks: a client whose
// booking task gave up is moved to failed so it never stays in booking.
func (d *Dispatcher) BookingTerminal(ctx context.Context, task *models.Task, cause error) {
	var payload models.BookingTask
	if err := queue.Decode(task, &payload); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("undecodable booking task")
		return
	}
	client, err := d.store.GetClient(ctx, payload.ClientID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			d.logger.Error().Err(err).Int64("client_id", payload.ClientID).Msg("load client for terminal booking")
		}
		return
	}
	if client.BookingStatus != models.BookingInProgress {
		return
	}
	if err := d.failClient(ctx, client.ID, client.UserID, payload.TargetID, apperr.Reason(cause)); err != nil {
		d.logger.Error().Err(err).Int64("client_id", client.ID).Msg("fail client after terminal booking")
	}
}
