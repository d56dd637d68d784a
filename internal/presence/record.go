package presence

import (
	"errors"
	"time"

	"github.com/example/pickup-presence/internal/models"
)

var (
	ErrNotFound              = errors.New("presence record not found")
	ErrAlreadyClaimed        = errors.New("passenger already claimed by another driver")
	ErrNotOwner              = errors.New("driver does not hold the claim")
	ErrExtensionLimitReached = errors.New("extension limit reached")
	ErrStoreUnavailable      = errors.New("presence store unavailable")
)

// IsRejection reports whether err is an expected business-rule rejection
// rather than an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrExtensionLimitReached)
}

// Code maps a store error onto the short code sent to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyClaimed):
		return "AlreadyClaimed"
	case errors.Is(err, ErrNotOwner):
		return "NotOwner"
	case errors.Is(err, ErrExtensionLimitReached):
		return "ExtensionLimitReached"
	case errors.Is(err, ErrStoreUnavailable):
		return "StoreUnavailable"
	default:
		return "Internal"
	}
}

// Record is the durable presence of one waiting passenger.
// A zero TimerStartedAt means the countdown has not been scheduled yet;
// an empty ClaimedBy means no driver holds the passenger.
type Record struct {
	PassengerID    string        `json:"passengerId"`
	Location       models.Coord  `json:"location"`
	DayCardID      string        `json:"dayCardId,omitempty"`
	TimerStartedAt time.Time     `json:"timerStartedAt"`
	ClaimedBy      string        `json:"claimedBy,omitempty"`
	ExtensionCount int           `json:"extensionCount"`
	TotalDuration  time.Duration `json:"totalDuration"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (r Record) TimerStarted() bool { return !r.TimerStartedAt.IsZero() }

func (r Record) Claimed() bool { return r.ClaimedBy != "" }

// Remaining is the countdown left at now. It is negative once the deadline
// has passed and equals TotalDuration while the timer is unstarted.
func (r Record) Remaining(now time.Time) time.Duration {
	if !r.TimerStarted() {
		return r.TotalDuration
	}
	return r.TotalDuration - now.Sub(r.TimerStartedAt)
}

func (r Record) Deadline() time.Time {
	return r.TimerStartedAt.Add(r.TotalDuration)
}

func (r Record) Summary() models.PassengerSummary {
	return models.PassengerSummary{
		PassengerID:     r.PassengerID,
		Location:        r.Location,
		DayCardID:       r.DayCardID,
		ClaimedBy:       r.ClaimedBy,
		TimerStartedAt:  r.TimerStartedAt,
		TotalDurationMs: r.TotalDuration.Milliseconds(),
	}
}
