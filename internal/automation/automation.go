// Package automation defines the browser/session boundary the core drives.
// Site-specific recipes live behind Strategy.
package automation

import (
	"context"
	"errors"
	"fmt"

	"slotwatch/internal/models"
)

var ErrNoStrategy = errors.New("no strategy for target kind")

// Session is one isolated automation context (cookies, proxy).
type Session interface {
	Proxy() string
	Close() error
}

type SessionFactory interface {
	NewSession(ctx context.Context, proxy string) (Session, error)
}

// Strategy drives a session against one target. Failures are reported in
// the result, never as panics.
type Strategy interface {
	RunCheck(ctx context.Context, s Session, t models.Target) models.CheckResult
	RunBooking(ctx context.Context, s Session, t models.Target, slot models.Slot, c models.Client) models.BookingResult
}

// Strategies maps every target kind to its strategy.
type Strategies struct {
	Office    Strategy
	Visa      Strategy
	Consulate Strategy
}

// Uniform uses one strategy for every kind.
func Uniform(s Strategy) Strategies {
	return Strategies{Office: s, Visa: s, Consulate: s}
}

// For picks the strategy of the target's kind.
func (s Strategies) For(t models.Target) (Strategy, error) {
	if t.System == nil {
		return nil, fmt.Errorf("%w: target %s has no system", ErrNoStrategy, t.ID)
	}
	st := models.MatchSystem(t.System,
		func(models.GovernmentOffice) Strategy { return s.Office },
		func(models.VisaCenter) Strategy { return s.Visa },
		func(models.Consulate) Strategy { return s.Consulate },
	)
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoStrategy, t.Kind())
	}
	return st, nil
}
