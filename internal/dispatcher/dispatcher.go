// Package dispatcher runs availability checks, matches detected slots to
// waiting clients and executes the resulting bookings.
package dispatcher

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"slotwatch/internal/automation"
	"slotwatch/internal/database"
	"slotwatch/internal/metrics"
	"slotwatch/internal/models"
	"slotwatch/internal/pool"

	"github.com/rs/zerolog"
)

// Store is the persistence the dispatcher needs. *database.DB implements it.
type Store interface {
	GetClient(ctx context.Context, id int64) (*models.Client, error)
	ListWaitingClients(ctx context.Context, targetID, procedure string) ([]*models.Client, error)
	TransitionClient(ctx context.Context, id int64, from, to models.BookingStatus, reason, ref string) error
	CreateDetection(ctx context.Context, d *models.Detection) error
	UpdateDetectionMatches(ctx context.Context, id string, matched int) error
}

type Catalog interface {
	Get(id string) (models.Target, error)
}

// Sessions hands out pooled automation sessions. *pool.Pool implements it.
type Sessions interface {
	Acquire(ctx context.Context, target models.Target) (*pool.Lease, error)
}

// Health records check outcomes. *health.Monitor implements it.
type Health interface {
	Record(ctx context.Context, t models.Target, res models.CheckResult) (database.TargetHealth, error)
	RecordError(ctx context.Context, t models.Target, msg string) (database.TargetHealth, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.TaskKind, key string, payload interface{}) (*models.Task, error)
}

// Notifier receives outbound notification events. *notify.Notifier
// implements it.
type Notifier interface {
	Emit(ctx context.Context, ev models.NotificationEvent) error
}

type Dispatcher struct {
	store      Store
	catalog    Catalog
	sessions   Sessions
	strategies automation.Strategies
	health     Health
	queue      Enqueuer
	notifier   Notifier
	logger     *zerolog.Logger
}

func New(
	store Store,
	catalog Catalog,
	sessions Sessions,
	strategies automation.Strategies,
	health Health,
	queue Enqueuer,
	notifier Notifier,
	logger *zerolog.Logger,
) *Dispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "dispatcher").Logger()
	return &Dispatcher{
		store:      store,
		catalog:    catalog,
		sessions:   sessions,
		strategies: strategies,
		health:     health,
		queue:      queue,
		notifier:   notifier,
		logger:     &l,
	}
}

// notify emits ev and only logs failures; a lost notification never fails
// the task that produced it.
func (d *Dispatcher) notify(ctx context.Context, ev models.NotificationEvent) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Emit(ctx, ev); err != nil {
		d.logger.Error().Err(err).Str("type", string(ev.Type)).Int64("user_id", ev.UserID).Msg("emit notification")
	}
}

// Dispatch records a detection for every slot and hands each bookable place
// to the highest-priority waiting client. It returns the number of clients
// moved to booking.
func (d *Dispatcher) Dispatch(ctx context.Context, target models.Target, slots []models.Slot) (int, error) {
	if len(slots) == 0 {
		return 0, nil
	}

	detections := make([]*models.Detection, 0, len(slots))
	total := 0
	for _, slot := range slots {
		slot.TargetID = target.ID
		det := &models.Detection{TargetID: target.ID, Slot: slot}
		if err := d.store.CreateDetection(ctx, det); err != nil {
			return 0, err
		}
		detections = append(detections, det)
		metrics.IncDetection(target.ID)
		total += slot.Available()
	}

	d.notify(ctx, models.NotificationEvent{
		UserID: models.AdminUserID,
		Type:   models.NotifySlotDetected,
		Metadata: map[string]string{
			"target_id":   target.ID,
			"target_name": target.Name,
			"slots":       strconv.Itoa(total),
			"first_date":  slots[0].Date,
		},
	})

	clients, err := d.store.ListWaitingClients(ctx, target.ID, target.Recipe.GetString(models.RecipeProcedure))
	if err != nil {
		return 0, err
	}
	// the store already orders by created_at, id
	sort.SliceStable(clients, func(i, j int) bool {
		return clients[i].PlanTier.Rank() > clients[j].PlanTier.Rank()
	})

	matched := 0
	next := 0
	for _, det := range detections {
		places := det.Slot.Available()
		assigned := 0
		for assigned < places && next < len(clients) {
			c := clients[next]
			next++

			ok, err := d.claim(ctx, target, c, det.Slot)
			if err != nil {
				return matched, err
			}
			if ok {
				assigned++
			}
		}
		matched += assigned

		if assigned > 0 {
			if err := d.store.UpdateDetectionMatches(ctx, det.ID, assigned); err != nil {
				d.logger.Warn().Err(err).Str("detection_id", det.ID).Msg("update detection matches")
			}
		}
	}

	d.logger.Info().
		Str("target_id", target.ID).
		Int("places", total).
		Int("waiting", len(clients)).
		Int("matched", matched).
		Msg("slots dispatched")
	return matched, nil
}

// claim moves one client from waiting to booking and enqueues the booking.
// ok is false when the client was taken by a concurrent dispatch or could
// not be scheduled.
func (d *Dispatcher) claim(ctx context.Context, target models.Target, c *models.Client, slot models.Slot) (bool, error) {
	err := d.store.TransitionClient(ctx, c.ID, models.BookingWaiting, models.BookingInProgress, "", "")
	if errors.Is(err, database.ErrStatusConflict) || errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	payload := models.BookingTask{ClientID: c.ID, TargetID: target.ID, Slot: slot}
	if _, err := d.queue.Enqueue(ctx, models.TaskBooking, strconv.FormatInt(c.ID, 10), payload); err != nil {
		d.logger.Error().Err(err).Int64("client_id", c.ID).Msg("enqueue booking failed")
		if ferr := d.failClient(ctx, c.ID, c.UserID, target.ID, "booking could not be scheduled"); ferr != nil {
			return false, ferr
		}
		return false, nil
	}
	return true, nil
}
