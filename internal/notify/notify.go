// Package notify turns notification events into queued deliveries and fans
// them out to the configured senders.
package notify

import (
	"context"
	"errors"
	"fmt"

	"slotwatch/internal/apperr"
	"slotwatch/internal/events"
	"slotwatch/internal/metrics"
	"slotwatch/internal/models"
	"slotwatch/internal/queue"

	"github.com/rs/zerolog"
)

var ErrInvalidEvent = errors.New("invalid notification event")

// Enqueuer is the subset of the queue used to schedule deliveries.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.TaskKind, key string, payload interface{}) (*models.Task, error)
}

// Sender delivers a notification over one channel (chat, email, ...).
type Sender interface {
	Name() string
	Send(ctx context.Context, ev models.NotificationEvent) error
}

// Notifier is the producer side. Emit never delivers inline.
type Notifier struct {
	queue  Enqueuer
	logger *zerolog.Logger
}

func NewNotifier(q Enqueuer, logger *zerolog.Logger) *Notifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "notifier").Logger()
	return &Notifier{queue: q, logger: &l}
}

// Emit enqueues a notification task for ev.
func (n *Notifier) Emit(ctx context.Context, ev models.NotificationEvent) error {
	if ev.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidEvent)
	}
	task, err := n.queue.Enqueue(ctx, models.TaskNotification, "", ev)
	if err != nil {
		return fmt.Errorf("enqueue %s notification: %w", ev.Type, err)
	}
	metrics.IncNotification(string(ev.Type))
	n.logger.Debug().
		Str("task_id", task.ID).
		Str("type", string(ev.Type)).
		Int64("user_id", ev.UserID).
		Msg("notification queued")
	return nil
}

// Dispatcher is the consumer side, registered as the notification task
// handler.
type Dispatcher struct {
	senders []Sender
	bus     *events.EventBus
	logger  *zerolog.Logger
}

func NewDispatcher(bus *events.EventBus, logger *zerolog.Logger, senders ...Sender) *Dispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "notify").Logger()
	return &Dispatcher{senders: senders, bus: bus, logger: &l}
}

// HandleNotification delivers one notification task to every sender and
// publishes it on the bus. A failing sender fails the task, so it is
// retried for every sender.
func (d *Dispatcher) HandleNotification(ctx context.Context, task *models.Task) error {
	var ev models.NotificationEvent
	if err := queue.Decode(task, &ev); err != nil {
		return err
	}
	if ev.Type == "" {
		return apperr.Permanent(fmt.Errorf("%w: empty type", ErrInvalidEvent))
	}

	var errs []error
	for _, s := range d.senders {
		if err := s.Send(ctx, ev); err != nil {
			d.logger.Warn().Err(err).
				Str("sender", s.Name()).
				Str("task_id", task.ID).
				Str("type", string(ev.Type)).
				Msg("notification delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		if allPermanent(errs) {
			return apperr.Permanent(err)
		}
		return err
	}

	payload := events.NotificationPayload{TaskID: task.ID, UserID: ev.UserID, Type: ev.Type, Metadata: ev.Metadata}
	if err := d.bus.PublishJSON(string(ev.Type), ev.UserID, payload); err != nil {
		d.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("event subscriber failed")
	}
	return nil
}

func allPermanent(errs []error) bool {
	for _, err := range errs {
		if !apperr.IsPermanent(err) {
			return false
		}
	}
	return true
}

// LogSender writes every notification to the log. It is the only channel
// shipped with the core.
type LogSender struct {
	logger *zerolog.Logger
}

func NewLogSender(logger *zerolog.Logger) *LogSender {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, ev models.NotificationEvent) error {
	s.logger.Info().
		Str("type", string(ev.Type)).
		Int64("user_id", ev.UserID).
		Interface("metadata", ev.Metadata).
		Msg("notification")
	return nil
}
