package models

import "time"

// BookingStatus is the per-client booking state machine:
// waiting -> booking -> {booked | payment_wait | failed}.
type BookingStatus string

const (
	BookingWaiting     BookingStatus = "waiting"
	BookingInProgress  BookingStatus = "booking"
	BookingBooked      BookingStatus = "booked"
	BookingPaymentWait BookingStatus = "payment_wait"
	BookingFailed      BookingStatus = "failed"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingWaiting:    {BookingInProgress},
	BookingInProgress: {BookingBooked, BookingPaymentWait, BookingFailed},
}

// CanTransition reports whether from -> to is a legal booking transition.
func CanTransition(from, to BookingStatus) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves the status.
func (s BookingStatus) Terminal() bool {
	return s == BookingBooked || s == BookingPaymentWait || s == BookingFailed
}

// PlanTier is the subscription plan of a waiting client.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanBasic   PlanTier = "basic"
	PlanPremium PlanTier = "premium"
	PlanVIP     PlanTier = "vip"
)

// Rank orders plans; higher ranks are served first.
func (p PlanTier) Rank() int {
	switch p {
	case PlanVIP:
		return 3
	case PlanPremium:
		return 2
	case PlanBasic:
		return 1
	default:
		return 0
	}
}

// Client is a party waiting for a slot on a target.
type Client struct {
	ID              int64         `json:"id"`
	UserID          int64         `json:"user_id"`
	Name            string        `json:"name"`
	PlanTier        PlanTier      `json:"plan_tier"`
	TargetID        string        `json:"target_id"`
	Procedure       string        `json:"procedure,omitempty"`
	AutoBook        bool          `json:"auto_book"`
	BookingStatus   BookingStatus `json:"booking_status"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	ConfirmationRef string        `json:"confirmation_ref,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Version         int64         `json:"version"`
}
