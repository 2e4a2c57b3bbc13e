package models

import (
	"encoding/json"
	"time"
)

// CheckStatus is the outcome tag of a single availability check.
type CheckStatus string

const (
	CheckSlotsFound      CheckStatus = "slots_found"
	CheckNoSlots         CheckStatus = "no_slots"
	CheckError           CheckStatus = "error"
	CheckAntiBotDetected CheckStatus = "anti_bot_detected"
	CheckTimeout         CheckStatus = "timeout"
)

// Success reports whether the site answered normally.
func (s CheckStatus) Success() bool {
	return s == CheckSlotsFound || s == CheckNoSlots
}

// Slot is an appointment date/time discovered on a target.
type Slot struct {
	TargetID string `json:"target_id,omitempty"`
	Date     string `json:"date"`
	Time     string `json:"time,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// Available returns the number of bookable places, defaulting to 1.
func (s Slot) Available() int {
	if s.Count <= 0 {
		return 1
	}
	return s.Count
}

// CheckResult is produced by a strategy for one check run.
type CheckResult struct {
	Status       CheckStatus   `json:"status"`
	Slots        []Slot        `json:"slots,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Latency      time.Duration `json:"latency"`
}

// MarshalJSON encodes latency as latencyMs to match the strategy contract.
func (r CheckResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		Status       CheckStatus `json:"status"`
		Slots        []Slot      `json:"slots,omitempty"`
		ErrorMessage string      `json:"errorMessage,omitempty"`
		LatencyMs    int64       `json:"latencyMs"`
	}
	return json.Marshal(wire{
		Status:       r.Status,
		Slots:        r.Slots,
		ErrorMessage: r.ErrorMessage,
		LatencyMs:    r.Latency.Milliseconds(),
	})
}

// BookingResult is produced by a strategy for one booking run.
type BookingResult struct {
	Success         bool   `json:"success"`
	ConfirmationRef string `json:"confirmationRef,omitempty"`
	PaymentRequired bool   `json:"paymentRequired,omitempty"`
	Error           string `json:"error,omitempty"`
	EvidenceRef     string `json:"evidenceRef,omitempty"`
}

// CheckTask is the payload of a check queue task.
type CheckTask struct {
	TargetID    string    `json:"target_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// BookingTask is the payload of a booking queue task.
type BookingTask struct {
	ClientID int64  `json:"client_id"`
	TargetID string `json:"target_id"`
	Slot     Slot   `json:"slot"`
}

// NotificationType enumerates the events handed to the notification subsystem.
type NotificationType string

const (
	NotifySlotDetected     NotificationType = "slot_detected"
	NotifyBookingSucceeded NotificationType = "booking_succeeded"
	NotifyBookingFailed    NotificationType = "booking_failed"
	NotifyTargetBlocked    NotificationType = "target_blocked"
	NotifyPaymentRequired  NotificationType = "payment_required"
)

// NotificationEvent is the core's only output toward notification channels.
type NotificationEvent struct {
	UserID   int64             `json:"userId"`
	Type     NotificationType  `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Detection is the audit record of a slots_found result.
type Detection struct {
	ID             string    `json:"id"`
	TargetID       string    `json:"target_id"`
	Slot           Slot      `json:"slot"`
	MatchedClients int       `json:"matched_clients"`
	DetectedAt     time.Time `json:"detected_at"`
}
